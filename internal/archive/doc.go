// Package archive stages build contexts on disk.
//
// A received payload is spooled to a temporary file, optionally decompressed,
// and unpacked into a fresh staging directory. The Pack function goes the
// other way, turning a staging directory back into a tar stream for backends
// that want the context as an archive.
package archive
