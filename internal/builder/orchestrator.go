package builder

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryanmoran/deployc/internal"
)

// State is a point in a session's build/push lifecycle.
type State int

const (
	Staged State = iota
	Building
	BuildFailed
	Built
	Pushing
	PushFailed
	Pushed
)

func (s State) String() string {
	switch s {
	case Staged:
		return "staged"
	case Building:
		return "building"
	case BuildFailed:
		return "build-failed"
	case Built:
		return "built"
	case Pushing:
		return "pushing"
	case PushFailed:
		return "push-failed"
	case Pushed:
		return "pushed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == BuildFailed || s == PushFailed || s == Pushed
}

// Options tune an Orchestrator.
type Options struct {
	// BuildTimeout and PushTimeout bound each stage. Zero means no deadline.
	BuildTimeout time.Duration
	PushTimeout  time.Duration

	// PrefixOutput sends forwarded output line by line as "[stdout]..." and
	// "[stderr]..." instead of passing raw bytes through.
	PrefixOutput bool

	// OnTransition, when set, is called for every state change.
	OnTransition func(from, to State)
}

// Orchestrator drives Staged -> Building -> Built -> Pushing -> Pushed,
// diverting to BuildFailed or PushFailed on the first error. Push never starts
// unless build succeeded. An Orchestrator holds no per-session state and may be
// shared across sessions.
type Orchestrator struct {
	backend Backend
	options Options
}

// NewOrchestrator creates an Orchestrator that builds and pushes through backend.
func NewOrchestrator(backend Backend, options Options) Orchestrator {
	return Orchestrator{
		backend: backend,
		options: options,
	}
}

// Run builds dir as tag and pushes it, forwarding all backend output to out.
// It returns tag on success. Failures are *internal.Error values of kind
// BuildError or PushError; output already forwarded stays with the client.
func (o Orchestrator) Run(ctx context.Context, dir string, tag internal.Tag, out *internal.StreamWriter, logger zerolog.Logger) (internal.Tag, error) {
	r := run{
		orchestrator: o,
		state:        Staged,
		logger:       logger,
	}

	r.transition(Building)
	err := r.stage(ctx, o.options.BuildTimeout, out, func(ctx context.Context, stdout, stderr io.Writer) error {
		return o.backend.Build(ctx, dir, tag, stdout, stderr)
	})
	if err != nil {
		r.transition(BuildFailed)
		return "", internal.NewError(internal.BuildError, internal.StageBuilding, err)
	}
	r.transition(Built)

	r.transition(Pushing)
	err = r.stage(ctx, o.options.PushTimeout, out, func(ctx context.Context, stdout, stderr io.Writer) error {
		return o.backend.Push(ctx, tag, stdout, stderr)
	})
	if err != nil {
		r.transition(PushFailed)
		return "", internal.NewError(internal.PushError, internal.StagePushing, err)
	}
	r.transition(Pushed)

	return tag, nil
}

type run struct {
	orchestrator Orchestrator
	state        State
	logger       zerolog.Logger
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	r.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition")
	if r.orchestrator.options.OnTransition != nil {
		r.orchestrator.options.OnTransition(from, to)
	}
}

func (r *run) stage(ctx context.Context, timeout time.Duration, out *internal.StreamWriter, fn func(ctx context.Context, stdout, stderr io.Writer) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prefix := r.orchestrator.options.PrefixOutput
	stdout := out.Stream("stdout", prefix)
	stderr := out.Stream("stderr", prefix)

	start := time.Now()
	err := fn(ctx, stdout, stderr)

	// Flush partial prefixed lines even when the stage failed so the client
	// sees everything the subprocess wrote.
	err = errors.Join(err, stdout.Close(), stderr.Close())

	event := r.logger.Info()
	if err != nil {
		event = r.logger.Warn().Err(err)
	}
	event.Stringer("state", r.state).Dur("elapsed", time.Since(start)).Msg("stage finished")

	return err
}
