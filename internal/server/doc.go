// Package server accepts build connections and runs one session per
// connection: receive the framed build context, stage it, build and push it,
// then answer with the image tag or an error and close.
package server
