package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jupyter/itest/internal/model"
	"github.com/jupyter/itest/internal/readiness"
)

var (
	ErrStartupFailed  = errors.New("server startup failed")
	ErrStartupTimeout = errors.New("server startup timed out")
)

// ServerHandle is a server which printed all readiness markers. The owner
// must call Kill exactly once.
type ServerHandle interface {
	BaseURL() string
	// Done is closed when the server exits on its own or after Kill.
	Done() <-chan struct{}
	Kill(ctx context.Context) error
}

type ServerLauncher interface {
	Launch(ctx context.Context) (ServerHandle, error)
}

// ProcessLauncher starts the server as a child process and waits for its
// readiness markers.
type ProcessLauncher struct {
	cmd       Command
	readiness model.Readiness
	timeout   time.Duration
	out       io.Writer
}

// NewProcessLauncher returns a launcher for cmd. Non-blank server output
// is copied to out. Zero timeout waits forever.
func NewProcessLauncher(cmd Command, rcfg model.Readiness, timeout time.Duration, out io.Writer) *ProcessLauncher {
	return &ProcessLauncher{
		cmd:       cmd,
		readiness: rcfg,
		timeout:   timeout,
		out:       out,
	}
}

// Launch starts the server and blocks until all markers are printed.
// The server outlives the call and is bound to ctx, not to the startup
// deadline. On error the server has been killed already.
func (l *ProcessLauncher) Launch(ctx context.Context) (ServerHandle, error) {
	detector, err := readiness.FromConfig(l.readiness)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartupFailed, err)
	}

	ready := make(chan struct{})
	detectErr := make(chan error, 1)
	signaled := false
	onLine := func(ctx context.Context, line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		_, _ = fmt.Fprintln(l.out, line)
		if signaled {
			return
		}
		if detector.Feed(line) {
			signaled = true
			slog.DebugContext(ctx, "server ready", "base_url", detector.BaseURL(), "phase", detector.Phase().String())
			close(ready)
			return
		}
		if err := detector.Err(); err != nil {
			signaled = true
			detectErr <- err
		}
	}

	runner := NewRunner()
	if err := runner.Start(ctx, l.cmd, onLine); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartupFailed, err)
	}

	var deadline <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	srv := &processServer{runner: runner}
	select {
	case <-ready:
		srv.baseURL = detector.BaseURL()
		return srv, nil
	case err := <-detectErr:
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: %w", ErrStartupFailed, err)
	case <-runner.OutputDone():
		select {
		case <-ready:
			srv.baseURL = detector.BaseURL()
			return srv, nil
		default:
		}
		// abort joins the wait goroutine, so the result is final
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: output closed while waiting for %s (%s): %s", ErrStartupFailed, detector.Marker(), detector.Phase(), describe(runner.LastResult()))
	case <-deadline:
		srv.abort(ctx)
		slog.DebugContext(ctx, "server startup timed out", "marker", detector.Marker(), "phase", detector.Phase().String())
		return nil, fmt.Errorf("%w: no %s marker after %s (%s)", ErrStartupTimeout, detector.Marker(), l.timeout, detector.Phase())
	case <-ctx.Done():
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: %w", ErrStartupFailed, ctx.Err())
	}
}

func describe(res Result) string {
	switch {
	case res.State != nil:
		return res.State.String()
	case res.Err != nil:
		return res.Err.Error()
	default:
		return "server still running"
	}
}

type processServer struct {
	runner  *Runner
	baseURL string
	once    sync.Once
	killErr error
}

func (s *processServer) BaseURL() string {
	return s.baseURL
}

func (s *processServer) Done() <-chan struct{} {
	return s.runner.Done()
}

// Kill terminates the server with SIGKILL and joins the goroutine draining
// its output. Calls after the first one return the first result.
func (s *processServer) Kill(_ context.Context) error {
	s.once.Do(func() {
		s.killErr = s.runner.Kill()
	})
	return s.killErr
}

func (s *processServer) abort(ctx context.Context) {
	if err := s.Kill(ctx); err != nil {
		slog.DebugContext(ctx, "killing server after failed startup", "error", err)
	}
}
