package builder

import (
	"context"
	"errors"
	"io"

	"github.com/ryanmoran/deployc/internal"
)

// ErrTimeout marks a stage that ran past its deadline and was killed.
var ErrTimeout = errors.New("stage timed out")

// Backend builds and pushes images. Progress output goes to stdout and
// stderr as it is produced; a non-nil error means the stage failed.
type Backend interface {
	Build(ctx context.Context, dir string, tag internal.Tag, stdout, stderr io.Writer) error
	Push(ctx context.Context, tag internal.Tag, stdout, stderr io.Writer) error
}
