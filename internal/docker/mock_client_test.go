package docker_test

import (
	"context"
	"errors"
	"io"

	"github.com/moby/moby/client"
)

// mockDockerClient is a mock implementation of docker.DockerClient for testing
type mockDockerClient struct {
	imageBuildFunc func(ctx context.Context, buildContext io.Reader, options client.ImageBuildOptions) (client.ImageBuildResult, error)
	imagePushFunc  func(ctx context.Context, image string, options client.ImagePushOptions) (io.ReadCloser, error)
	pingFunc       func(ctx context.Context, options client.PingOptions) (client.PingResult, error)
	closeFunc      func() error
}

func (m *mockDockerClient) ImageBuild(ctx context.Context, buildContext io.Reader, options client.ImageBuildOptions) (client.ImageBuildResult, error) {
	if m.imageBuildFunc != nil {
		return m.imageBuildFunc(ctx, buildContext, options)
	}
	return client.ImageBuildResult{}, errors.New("not implemented")
}

func (m *mockDockerClient) ImagePush(ctx context.Context, image string, options client.ImagePushOptions) (io.ReadCloser, error) {
	if m.imagePushFunc != nil {
		return m.imagePushFunc(ctx, image, options)
	}
	return nil, errors.New("not implemented")
}

func (m *mockDockerClient) Ping(ctx context.Context, options client.PingOptions) (client.PingResult, error) {
	if m.pingFunc != nil {
		return m.pingFunc(ctx, options)
	}
	return client.PingResult{}, errors.New("not implemented")
}

func (m *mockDockerClient) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

// staticCredentials returns a fixed auth value and records the requested host.
type staticCredentials struct {
	auth  string
	err   error
	hosts *[]string
}

func (s staticCredentials) RegistryAuth(host string) (string, error) {
	if s.hosts != nil {
		*s.hosts = append(*s.hosts, host)
	}
	return s.auth, s.err
}
