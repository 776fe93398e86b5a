package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryanmoran/deployc/internal"
	"github.com/ryanmoran/deployc/internal/archive"
	"github.com/ryanmoran/deployc/internal/frame"
)

const (
	// errorPrefix starts every failure response.
	errorPrefix = "ERROR: "

	// lingerTimeout and lingerBytes bound how long and how much unread client
	// input is drained before closing, so the final message is not lost to a
	// connection reset.
	lingerTimeout = 2 * time.Second
	lingerBytes   = 1 << 20
)

// session is the lifecycle of one connection. It owns the connection, the
// staging directory and the tag exclusively.
type session struct {
	conn    net.Conn
	out     *internal.StreamWriter
	stage   internal.Stage
	staged  archive.Staged
	cleanup *internal.CleanupManager
	logger  zerolog.Logger
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	sess := &session{
		conn:    conn,
		out:     internal.NewStreamWriter(conn),
		stage:   internal.StageReceiving,
		cleanup: internal.NewCleanupManager(logger),
		logger:  logger,
	}
	defer sess.cleanup.Execute()

	// Unblock reads when the server shuts down. Running subprocesses are
	// stopped through ctx itself.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	sess.logger.Info().Msg("session started")
	start := time.Now()

	tag, err := s.run(ctx, sess)
	reached := sess.stage
	sess.finalize(tag, err)

	event := sess.logger.Info()
	if err != nil {
		event = sess.logger.Warn().Err(err).Stringer("kind", internal.KindOf(err))
	}
	event.Stringer("stage", reached).Dur("elapsed", time.Since(start)).Int64("forwarded_bytes", sess.out.Written()).Msg("session finished")
}

// run executes receive, stage, build and push in order and stops at the
// first failure.
func (s *Server) run(ctx context.Context, sess *session) (internal.Tag, error) {
	if err := s.receive(ctx, sess); err != nil {
		return "", err
	}

	sess.stage = internal.StageBuilding
	tag, err := s.orchestrator.Run(ctx, sess.staged.Dir, sess.staged.Tag, sess.out, sess.logger)
	if err != nil {
		var stageErr *internal.Error
		if errors.As(err, &stageErr) {
			sess.stage = stageErr.Stage
		}
		return "", err
	}
	sess.stage = internal.StagePushed
	return tag, nil
}

// receive reads the framed payload into a spool file and unpacks it into the
// session's staging directory. Extraction starts only after every declared
// byte has arrived.
func (s *Server) receive(ctx context.Context, sess *session) error {
	if s.options.ReadTimeout > 0 {
		if err := sess.conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout)); err != nil {
			return internal.NewError(internal.TransportError, internal.StageReceiving, err)
		}
	}
	// The shutdown hook may have fired before the deadline above replaced it.
	if err := ctx.Err(); err != nil {
		return classifyReceive(ctx, err)
	}

	size, err := frame.ReadHeader(sess.conn, s.options.Limits)
	if err != nil {
		return classifyReceive(ctx, err)
	}
	sess.logger.Debug().Uint32("declared_bytes", size).Msg("received length prefix")

	spool, err := archive.NewSpool(s.options.SpoolDir)
	if err != nil {
		return internal.NewError(internal.TransportError, internal.StageReceiving, err)
	}
	sess.logger.Debug().Str("spool", spool.Path()).Msg("spooling payload")
	defer func() {
		if err := spool.Close(); err != nil {
			sess.logger.Warn().Err(err).Msg("failed to remove payload spool")
		}
	}()

	if _, err := frame.CopyPayload(spool, sess.conn, size); err != nil {
		return classifyReceive(ctx, err)
	}

	if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
		return internal.NewError(internal.TransportError, internal.StageReceiving, err)
	}

	sess.stage = internal.StageStaged
	payload, err := spool.Reader()
	if err != nil {
		return internal.NewError(internal.ArchiveError, internal.StageStaged, err)
	}

	staged, err := s.stager.Stage(payload)
	if staged.Dir != "" {
		sess.registerStagingDir(staged.Dir, s.options.KeepStaging)
	}
	if err != nil {
		return internal.NewError(internal.ArchiveError, internal.StageStaged, err)
	}
	sess.staged = staged

	sess.logger = sess.logger.With().Str("tag", staged.Tag.String()).Logger()
	event := sess.logger.Info().
		Int64("payload_bytes", spool.Size()).
		Str("digest", spool.Digest()).
		Str("compression", string(staged.Compression)).
		Str("dir", staged.Dir)
	if staged.Project != "" {
		event = event.Str("project", staged.Project)
	}
	event.Msg("build context staged")

	return nil
}

func (sess *session) registerStagingDir(dir string, keep bool) {
	if keep {
		sess.logger.Debug().Str("dir", dir).Msg("keeping staging directory")
		return
	}
	sess.cleanup.Add("staging-dir", func() error {
		return os.RemoveAll(dir)
	})
}

// finalize writes exactly one terminal message, the tag on success or an
// error diagnostic otherwise, and then closes the connection.
func (sess *session) finalize(tag internal.Tag, runErr error) {
	sess.stage = internal.StageResponding

	response := tag.String()
	if runErr != nil {
		response = errorPrefix + runErr.Error()
	}

	if _, err := io.WriteString(sess.out, response); err != nil {
		// The connection is the only way to report anything to the client,
		// so a failed final write can only be logged.
		sess.logger.Error().
			Err(internal.NewError(internal.WriteError, internal.StageResponding, err)).
			Msg("failed to deliver response")
	}

	if err := closeConn(sess.conn); err != nil {
		sess.logger.Debug().Err(err).Msg("failed to close connection")
	}
}

// closeConn half-closes TCP connections and drains a bounded amount of
// unread input before closing, so the peer reads the response instead of a
// reset.
func closeConn(conn net.Conn) error {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err == nil {
			if err := tcp.SetReadDeadline(time.Now().Add(lingerTimeout)); err == nil {
				io.Copy(io.Discard, io.LimitReader(tcp, lingerBytes))
			}
		}
	}
	return conn.Close()
}

func classifyReceive(ctx context.Context, err error) error {
	stage := internal.StageReceiving

	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return internal.Errorf(internal.TransportError, stage, "server shutting down: %w", err)
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return internal.NewError(internal.PayloadTooLarge, stage, err)
	case errors.Is(err, frame.ErrShortHeader), errors.Is(err, frame.ErrIncompletePayload):
		return internal.NewError(internal.IncompletePayload, stage, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return internal.NewError(internal.Timeout, stage, err)
	default:
		return internal.NewError(internal.TransportError, stage, err)
	}
}
