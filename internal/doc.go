// Package internal contains shared types and utilities for deployc.
//
// It provides configuration parsing, image tag generation, the session error
// taxonomy, cleanup orchestration, and the output sink that subprocess streams
// are forwarded through.
package internal
