package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/distribution/reference"
	"github.com/moby/moby/client"

	"github.com/ryanmoran/deployc/internal"
	"github.com/ryanmoran/deployc/internal/archive"
)

// Client is a builder.Backend backed by a Docker daemon. It wraps the
// DockerClient interface so tests can substitute a mock.
type Client struct {
	client      DockerClient
	credentials Credentials
}

// NewClient creates a Client that wraps the provided Docker client interface
// and resolves push credentials through credentials.
func NewClient(dockerClient DockerClient, credentials Credentials) Client {
	return Client{
		client:      dockerClient,
		credentials: credentials,
	}
}

// NewDefaultClient creates a Client with a real Docker client from the
// environment and credentials from the docker CLI configuration.
func NewDefaultClient() (Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return Client{}, fmt.Errorf("failed to create docker client: %w\nEnsure Docker is running and DOCKER_HOST is set correctly", err)
	}

	return NewClient(daemon{cli}, ConfigCredentials{}), nil
}

// Close closes the underlying Docker client connection.
func (c Client) Close() error {
	return c.client.Close()
}

// Ping pings the Docker daemon and returns the API version if successful.
func (c Client) Ping(ctx context.Context) (string, error) {
	ping, err := c.client.Ping(ctx, client.PingOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return ping.APIVersion, nil
}

// Build sends dir to the daemon as a build context and tags the result. Build
// progress is written to stdout; a daemon-reported failure is written to
// stderr and returned.
func (c Client) Build(ctx context.Context, dir string, tag internal.Tag, stdout, stderr io.Writer) error {
	buildContext := archive.Pack(dir)
	defer buildContext.Close()

	response, err := c.client.ImageBuild(ctx, buildContext, client.ImageBuildOptions{
		Dockerfile: "Dockerfile",
		Tags:       []string{tag.String()},
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %q: %w\nCheck Docker daemon logs for details", tag, err)
	}
	defer response.Body.Close()

	if err := forwardMessages(ctx, response.Body, stdout, stderr); err != nil {
		return fmt.Errorf("docker build of %q failed: %w", tag, err)
	}
	return nil
}

// Push publishes tag to its registry using credentials for the registry host.
func (c Client) Push(ctx context.Context, tag internal.Tag, stdout, stderr io.Writer) error {
	named, err := reference.ParseNormalizedNamed(tag.String())
	if err != nil {
		return fmt.Errorf("invalid image reference %q: %w", tag, err)
	}

	auth, err := c.credentials.RegistryAuth(reference.Domain(named))
	if err != nil {
		return err
	}

	ref := reference.TagNameOnly(named).String()
	body, err := c.client.ImagePush(ctx, ref, client.ImagePushOptions{
		RegistryAuth: auth,
	})
	if err != nil {
		return fmt.Errorf("failed to push image %q: %w\nCheck registry reachability and credentials", ref, err)
	}
	defer body.Close()

	if err := forwardMessages(ctx, body, stdout, stderr); err != nil {
		return fmt.Errorf("docker push of %q failed: %w", ref, err)
	}
	return nil
}

// message is one line of the daemon's JSON progress stream.
type message struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	Progress    string `json:"progress"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m message) err() error {
	switch {
	case m.ErrorDetail.Message != "":
		return errors.New(m.ErrorDetail.Message)
	case m.Error != "":
		return errors.New(m.Error)
	}
	return nil
}

func (m message) text() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status == "" {
		return ""
	}

	line := m.Status
	if m.ID != "" {
		line = m.ID + ": " + line
	}
	if m.Progress != "" {
		line += " " + m.Progress
	}
	return line + "\n"
}

func forwardMessages(ctx context.Context, body io.Reader, stdout, stderr io.Writer) error {
	decoder := json.NewDecoder(body)
	for decoder.More() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var m message
		if err := decoder.Decode(&m); err != nil {
			return fmt.Errorf("failed to decode daemon output: %w\nDocker may have returned malformed JSON", err)
		}

		if err := m.err(); err != nil {
			if _, werr := fmt.Fprintln(stderr, err.Error()); werr != nil {
				return errors.Join(err, werr)
			}
			return err
		}

		if text := m.text(); text != "" {
			if _, err := io.WriteString(stdout, text); err != nil {
				return fmt.Errorf("failed to forward daemon output: %w", err)
			}
		}
	}
	return nil
}
