package docker

import (
	"fmt"
	"io"

	"github.com/docker/cli/cli/config"
	"github.com/moby/moby/api/pkg/authconfig"
	"github.com/moby/moby/api/types/registry"
)

// dockerHubAuthKey is where the docker CLI files credentials for Docker Hub.
const dockerHubAuthKey = "https://index.docker.io/v1/"

// Credentials resolves the encoded X-Registry-Auth value for a registry host.
type Credentials interface {
	RegistryAuth(host string) (string, error)
}

// ConfigCredentials reads credentials from the docker CLI configuration
// (~/.docker/config.json or $DOCKER_CONFIG), including credential helpers.
type ConfigCredentials struct{}

// RegistryAuth returns the encoded credentials stored for host. Docker Hub
// credentials are looked up under their legacy index address.
func (ConfigCredentials) RegistryAuth(host string) (string, error) {
	if host == "docker.io" {
		host = dockerHubAuthKey
	}

	configFile := config.LoadDefaultConfigFile(io.Discard)
	auth, err := configFile.GetAuthConfig(host)
	if err != nil {
		return "", fmt.Errorf("failed to load registry credentials for %q: %w\nCheck your docker config and credential helpers", host, err)
	}

	encoded, err := authconfig.Encode(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		Auth:          auth.Auth,
		ServerAddress: auth.ServerAddress,
		IdentityToken: auth.IdentityToken,
		RegistryToken: auth.RegistryToken,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry credentials for %q: %w", host, err)
	}
	return encoded, nil
}
