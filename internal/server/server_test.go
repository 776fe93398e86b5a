package server_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanmoran/deployc/internal"
	"github.com/ryanmoran/deployc/internal/archive"
	"github.com/ryanmoran/deployc/internal/builder"
	"github.com/ryanmoran/deployc/internal/frame"
	"github.com/ryanmoran/deployc/internal/server"
)

var tagPattern = regexp.MustCompile(`^registry\.deployc/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

type build struct {
	dir        string
	tag        internal.Tag
	dockerfile string
}

// fakeBackend records what it was asked to build and push. Build reads the
// staged Dockerfile so tests can check the context was complete on disk.
type fakeBackend struct {
	mu     sync.Mutex
	builds []build
	pushes []internal.Tag

	buildOut string
	buildErr error
	pushErr  error

	started chan struct{}
	release chan struct{}
}

func (f *fakeBackend) Build(ctx context.Context, dir string, tag internal.Tag, stdout, stderr io.Writer) error {
	dockerfile, _ := os.ReadFile(filepath.Join(dir, "Dockerfile"))

	f.mu.Lock()
	f.builds = append(f.builds, build{dir: dir, tag: tag, dockerfile: string(dockerfile)})
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	io.WriteString(stdout, f.buildOut)
	return f.buildErr
}

func (f *fakeBackend) Push(ctx context.Context, tag internal.Tag, stdout, stderr io.Writer) error {
	f.mu.Lock()
	f.pushes = append(f.pushes, tag)
	f.mu.Unlock()

	io.WriteString(stdout, "pushed "+tag.String()+"\n")
	return f.pushErr
}

func (f *fakeBackend) snapshot() ([]build, []internal.Tag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]build(nil), f.builds...), append([]internal.Tag(nil), f.pushes...)
}

type harness struct {
	addr        string
	stagingRoot string
	spoolDir    string
	stop        func() error
}

func startServer(t *testing.T, backend builder.Backend, options server.Options) harness {
	t.Helper()

	h := harness{
		stagingRoot: t.TempDir(),
		spoolDir:    t.TempDir(),
	}
	options.SpoolDir = h.spoolDir

	logger := zerolog.Nop()
	srv := server.New(
		archive.NewStager(h.stagingRoot, "registry.deployc", false, logger),
		builder.NewOrchestrator(backend, builder.Options{}),
		options,
		logger,
	)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.addr = listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, listener)
	}()

	var once sync.Once
	var serveErr error
	h.stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case serveErr = <-done:
			case <-time.After(10 * time.Second):
				serveErr = errors.New("server did not shut down")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { h.stop() })

	return h
}

func dial(t *testing.T, addr string) *net.TCPConn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(30*time.Second)))
	return conn.(*net.TCPConn)
}

// submit sends payload as one frame and returns everything the server wrote
// before closing.
func submit(t *testing.T, addr string, payload []byte) string {
	t.Helper()

	conn := dial(t, addr)
	require.NoError(t, frame.Write(conn, payload))

	response, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(response)
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func lastLine(response string) string {
	return response[strings.LastIndex(response, "\n")+1:]
}

func entries(t *testing.T, dir string) []string {
	t.Helper()

	items, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, item := range items {
		names = append(names, item.Name())
	}
	return names
}

func TestServe(t *testing.T) {
	t.Run("builds and pushes a staged context and answers with the tag", func(t *testing.T) {
		backend := &fakeBackend{buildOut: "Step 1/1 : FROM alpine\n"}
		h := startServer(t, backend, server.Options{ReadTimeout: 10 * time.Second})

		response := submit(t, h.addr, buildTar(t, map[string]string{
			"Dockerfile":  "FROM alpine\n",
			"src/main.go": "package main\n",
		}))

		tag := lastLine(response)
		require.Regexp(t, tagPattern, tag)
		require.Equal(t, "Step 1/1 : FROM alpine\npushed "+tag+"\n"+tag, response)

		require.NoError(t, h.stop())
		builds, pushes := backend.snapshot()
		require.Len(t, builds, 1)
		assert.Equal(t, internal.Tag(tag), builds[0].tag)
		assert.Equal(t, "FROM alpine\n", builds[0].dockerfile)
		assert.Equal(t, h.stagingRoot, filepath.Dir(builds[0].dir))
		assert.Equal(t, []internal.Tag{internal.Tag(tag)}, pushes)

		assert.Empty(t, entries(t, h.stagingRoot))
		assert.Empty(t, entries(t, h.spoolDir))
	})

	t.Run("keeps staging directories when asked to", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{KeepStaging: true})

		response := submit(t, h.addr, buildTar(t, map[string]string{"Dockerfile": "FROM scratch\n"}))
		require.Regexp(t, tagPattern, lastLine(response))

		require.NoError(t, h.stop())
		builds, _ := backend.snapshot()
		require.Len(t, builds, 1)

		content, err := os.ReadFile(filepath.Join(builds[0].dir, "Dockerfile"))
		require.NoError(t, err)
		assert.Equal(t, "FROM scratch\n", string(content))
	})

	t.Run("still builds an empty payload", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{})

		response := submit(t, h.addr, nil)
		require.Regexp(t, tagPattern, lastLine(response))

		builds, _ := backend.snapshot()
		require.Len(t, builds, 1)
		assert.Empty(t, builds[0].dockerfile)
	})

	t.Run("rejects a payload that ends early without building", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{})

		conn := dial(t, h.addr)
		require.NoError(t, frame.WriteHeader(conn, 100))
		_, err := conn.Write(bytes.Repeat([]byte{'x'}, 10))
		require.NoError(t, err)
		require.NoError(t, conn.CloseWrite())

		response, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "ERROR: receive failed: incomplete payload: frame: connection closed before the declared payload arrived: received 10 of 100 bytes", string(response))

		require.NoError(t, h.stop())
		builds, pushes := backend.snapshot()
		assert.Empty(t, builds)
		assert.Empty(t, pushes)
		assert.Empty(t, entries(t, h.stagingRoot))
		assert.Empty(t, entries(t, h.spoolDir))
	})

	t.Run("rejects a connection that closes before the length prefix", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{})

		conn := dial(t, h.addr)
		_, err := conn.Write([]byte{0, 0})
		require.NoError(t, err)
		require.NoError(t, conn.CloseWrite())

		response, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(response), "ERROR: receive failed: incomplete payload"), string(response))
	})

	t.Run("rejects payloads over the configured limit", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{Limits: frame.Limits{MaxPayloadBytes: 16}})

		conn := dial(t, h.addr)
		require.NoError(t, frame.WriteHeader(conn, 1000))

		response, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "ERROR: receive failed: payload too large: frame: payload too large: declared 1000 bytes, limit is 16", string(response))

		builds, _ := backend.snapshot()
		assert.Empty(t, builds)
	})

	t.Run("reports an archive error for a malformed tar", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{})

		response := submit(t, h.addr, bytes.Repeat([]byte{'x'}, 1024))
		assert.True(t, strings.HasPrefix(response, "ERROR: stage failed: archive error: "), response)

		require.NoError(t, h.stop())
		builds, _ := backend.snapshot()
		assert.Empty(t, builds)
		assert.Empty(t, entries(t, h.stagingRoot))
	})

	t.Run("rejects archives that escape the staging directory", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{})

		response := submit(t, h.addr, buildTar(t, map[string]string{"../../etc/evil": "x"}))
		assert.True(t, strings.HasPrefix(response, "ERROR: stage failed: archive error: "), response)
		assert.Contains(t, response, "escapes the staging directory")

		builds, _ := backend.snapshot()
		assert.Empty(t, builds)
	})

	t.Run("forwards build output and then the error without pushing", func(t *testing.T) {
		backend := &fakeBackend{
			buildOut: "Step 1/2 : RUN make\nmake: *** No targets.  Stop.\n",
			buildErr: errors.New("exit status 2"),
		}
		h := startServer(t, backend, server.Options{})

		response := submit(t, h.addr, buildTar(t, map[string]string{"Dockerfile": "FROM alpine\nRUN make\n"}))
		assert.Equal(t, "Step 1/2 : RUN make\nmake: *** No targets.  Stop.\nERROR: build failed: build error: exit status 2", response)

		_, pushes := backend.snapshot()
		assert.Empty(t, pushes)
	})

	t.Run("reports push failures", func(t *testing.T) {
		backend := &fakeBackend{pushErr: errors.New("unauthorized")}
		h := startServer(t, backend, server.Options{})

		response := submit(t, h.addr, buildTar(t, map[string]string{"Dockerfile": "FROM alpine\n"}))
		assert.True(t, strings.HasSuffix(response, "ERROR: push failed: push error: unauthorized"), response)
	})

	t.Run("times out idle clients", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{ReadTimeout: 100 * time.Millisecond})

		conn := dial(t, h.addr)
		response, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(response), "ERROR: receive failed: timeout: "), string(response))
	})

	t.Run("serves concurrent sessions independently", func(t *testing.T) {
		backend := &fakeBackend{
			started: make(chan struct{}, 2),
			release: make(chan struct{}),
		}
		h := startServer(t, backend, server.Options{})

		payload := buildTar(t, map[string]string{"Dockerfile": "FROM alpine\n"})
		responses := make(chan string, 2)
		for range 2 {
			go func() {
				conn, err := net.Dial("tcp", h.addr)
				if err != nil {
					responses <- err.Error()
					return
				}
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(30 * time.Second))

				if err := frame.Write(conn, payload); err != nil {
					responses <- err.Error()
					return
				}
				response, _ := io.ReadAll(conn)
				responses <- string(response)
			}()
		}

		for range 2 {
			select {
			case <-backend.started:
			case <-time.After(10 * time.Second):
				t.Fatal("both builds should run at the same time")
			}
		}
		close(backend.release)

		first, second := lastLine(<-responses), lastLine(<-responses)
		require.Regexp(t, tagPattern, first)
		require.Regexp(t, tagPattern, second)
		assert.NotEqual(t, first, second)

		builds, pushes := backend.snapshot()
		require.Len(t, builds, 2)
		assert.NotEqual(t, builds[0].dir, builds[1].dir)
		assert.Len(t, pushes, 2)
	})

	t.Run("keeps accepting after a client disconnects abruptly", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{})

		conn, err := net.Dial("tcp", h.addr)
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		response := submit(t, h.addr, buildTar(t, map[string]string{"Dockerfile": "FROM alpine\n"}))
		require.Regexp(t, tagPattern, lastLine(response))
	})

	t.Run("answers waiting clients and stops on shutdown", func(t *testing.T) {
		backend := &fakeBackend{}
		h := startServer(t, backend, server.Options{})

		conn := dial(t, h.addr)
		require.NoError(t, frame.WriteHeader(conn, 64))

		// Let the session reach the payload read before shutting down.
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, h.stop())

		response, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(response), "ERROR: receive failed: transport error: server shutting down"), string(response))

		_, err = net.DialTimeout("tcp", h.addr, time.Second)
		require.Error(t, err)
	})
}
