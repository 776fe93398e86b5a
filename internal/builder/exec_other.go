//go:build !unix

package builder

import "os/exec"

// killProcessGroup leaves the default cancellation in place, which kills only
// the direct child.
func killProcessGroup(cmd *exec.Cmd) {}
