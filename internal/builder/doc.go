// Package builder runs the build and push stages of a session.
//
// A Backend turns a staged directory into an image and publishes it. The Exec
// backend shells out to an external builder binary and forwards its stdout
// and stderr concurrently; the Orchestrator sequences build before push and
// stops at the first failure.
package builder
