package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryanmoran/deployc/internal/archive"
	"github.com/ryanmoran/deployc/internal/builder"
	"github.com/ryanmoran/deployc/internal/frame"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configure session handling.
type Options struct {
	// Limits bound the declared payload size.
	Limits frame.Limits

	// ReadTimeout bounds receiving the length prefix and payload. Zero means
	// no deadline.
	ReadTimeout time.Duration

	// SpoolDir holds payloads while they are received. Empty means the
	// system temp dir.
	SpoolDir string

	// KeepStaging leaves staging directories in place after a session ends.
	KeepStaging bool
}

// Server is the build socket. It accepts connections and runs one session per
// connection until its context is cancelled.
type Server struct {
	stager       archive.Stager
	orchestrator builder.Orchestrator
	options      Options
	logger       zerolog.Logger

	sessions sync.WaitGroup
}

// New creates a Server that stages payloads with stager and builds them with
// orchestrator.
func New(stager archive.Stager, orchestrator builder.Orchestrator, options Options, logger zerolog.Logger) *Server {
	return &Server{
		stager:       stager,
		orchestrator: orchestrator,
		options:      options,
		logger:       logger,
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w\nAnother process may already be using this address", addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener and handles each in its own
// goroutine. A failed Accept is logged and the loop keeps going. When ctx is
// cancelled the listener is closed, running sessions are cancelled, and Serve
// returns after they have all finished.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("accepting build connections")

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	defer s.sessions.Wait()

	backoff := time.Duration(0)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info().Msg("listener closed, waiting for running sessions")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.logger.Error().Err(err).Dur("retry_in", backoff).Msg("failed to accept connection")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handle(ctx, conn)
		}()
	}
}
