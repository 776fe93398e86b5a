// Package docker provides a build backend that talks to a Docker daemon.
//
// It sends the staged directory as a build context, streams the daemon's
// progress messages to the session, and pushes the result using registry
// credentials from the docker CLI configuration. The Client type is the main
// entry point.
package docker
