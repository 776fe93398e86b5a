package docker

import (
	"context"
	"io"

	"github.com/moby/moby/client"
)

// DockerClient is the subset of the Docker API the backend uses. It lets
// tests inject a mock in place of a live daemon.
//
// Usage:
//
//	// Production code: connect to the daemon from the environment
//	c, err := docker.NewDefaultClient()
//
//	// Test code: inject a mock
//	c := docker.NewClient(&mockDockerClient{}, staticCredentials{})
type DockerClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options client.ImageBuildOptions) (client.ImageBuildResult, error)
	ImagePush(ctx context.Context, image string, options client.ImagePushOptions) (io.ReadCloser, error)
	Ping(ctx context.Context, options client.PingOptions) (client.PingResult, error)
	Close() error
}

// daemon adapts *client.Client to DockerClient. The push response is only
// consumed as a byte stream of JSON messages.
type daemon struct {
	*client.Client
}

func (d daemon) ImagePush(ctx context.Context, image string, options client.ImagePushOptions) (io.ReadCloser, error) {
	return d.Client.ImagePush(ctx, image, options)
}
