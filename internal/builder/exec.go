package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ryanmoran/deployc/internal"
)

// Command describes one subprocess invocation: the executable, its arguments
// and the directory it runs in (the server's working directory when empty).
type Command struct {
	WorkDir    string
	Executable string
	Args       []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Executable}, c.Args...), " ")
}

// Exec is a Backend that invokes an external builder binary as
// "<path> build -t <tag> <dir>" and "<path> push <tag>".
type Exec struct {
	path string
}

// NewExec creates an Exec backend for the builder binary at path. A bare name
// is resolved through PATH when the command starts.
func NewExec(path string) Exec {
	return Exec{path: path}
}

// Build runs the builder's build subcommand against dir.
func (e Exec) Build(ctx context.Context, dir string, tag internal.Tag, stdout, stderr io.Writer) error {
	return Run(ctx, Command{
		Executable: e.path,
		Args:       []string{"build", "-t", tag.String(), dir},
	}, stdout, stderr)
}

// Push runs the builder's push subcommand for tag.
func (e Exec) Push(ctx context.Context, tag internal.Tag, stdout, stderr io.Writer) error {
	return Run(ctx, Command{
		Executable: e.path,
		Args:       []string{"push", tag.String()},
	}, stdout, stderr)
}

// Run starts command and copies its standard output and standard error to
// stdout and stderr concurrently. It returns once both copies have finished
// and the process has exited. If either copy fails, or ctx ends, the process
// and everything it spawned are killed; a copy failure is returned as is. A
// non-zero exit status is reported as an *exec.ExitError in the chain; a
// context deadline as ErrTimeout.
func Run(ctx context.Context, command Command, stdout, stderr io.Writer) error {
	if command.Executable == "" {
		return errors.New("command executable can not be empty")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// nolint:gosec
	cmd := exec.CommandContext(runCtx, command.Executable, command.Args...)
	cmd.Dir = command.WorkDir
	killProcessGroup(cmd)

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout of %q: %w", command.Executable, err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr of %q: %w", command.Executable, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %q: %w", command.String(), err)
	}

	var g errgroup.Group
	forward := func(name string, dst io.Writer, src io.Reader) func() error {
		return func() error {
			if _, err := io.Copy(dst, src); err != nil {
				// Nobody is reading the other pipe once we give up, so stop
				// the process rather than let it block on a full pipe.
				cancel()
				return fmt.Errorf("failed to forward %s: %w", name, err)
			}
			return nil
		}
	}
	g.Go(forward("stdout", stdout, outPipe))
	g.Go(forward("stderr", stderr, errPipe))

	copyErr := g.Wait()
	waitErr := cmd.Wait()

	switch {
	case copyErr != nil:
		return copyErr
	case waitErr == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%q: %w", command.String(), ErrTimeout)
	case ctx.Err() != nil:
		return fmt.Errorf("%q cancelled: %w", command.String(), ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Errorf("%q exited with status %d: %w", command.String(), exitErr.ExitCode(), waitErr)
	}
	return fmt.Errorf("failed to wait for %q: %w", command.String(), waitErr)
}
