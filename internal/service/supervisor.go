package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jupyter/itest/internal/model"
	"github.com/jupyter/itest/internal/readiness"
)

// Exit statuses of a supervised run, besides the status of the test runner.
const (
	ExitOK            = 0
	ExitRunnerFailed  = 1
	ExitStartupFailed = 2
)

// killTimeout bounds the server termination, which runs even when the run
// context has been cancelled.
const killTimeout = 30 * time.Second

type Supervisor struct {
	launcher ServerLauncher
	prober   Prober
	tests    TestRunner
	options  Options
}

func NewSupervisor(launcher ServerLauncher, tests TestRunner, options Options) *Supervisor {
	return &Supervisor{
		launcher: launcher,
		tests:    tests,
		options:  options,
	}
}

// WithProbe makes the supervisor check the server over HTTP once the
// readiness markers were printed.
func (s *Supervisor) WithProbe(p Prober) *Supervisor {
	s.prober = p
	return s
}

// SupervisorFromConfig wires the supervisor for cfg. Server and runner output
// is copied to out. A nil launcher means the server is a local process.
func SupervisorFromConfig(ctx context.Context, cfg model.Config, launcher ServerLauncher, out io.Writer) (*Supervisor, error) {
	if out == nil {
		out = os.Stdout
	}
	out = NewSyncWriter(out)

	// fail before anything is started
	if _, err := readiness.FromConfig(cfg.Server.Readiness); err != nil {
		return nil, fmt.Errorf("server.readiness: %w", err)
	}

	if launcher == nil {
		if cfg.Server.Mode != model.ServerModeProcess {
			return nil, fmt.Errorf("server mode %q needs a launcher", cfg.Server.Mode)
		}
		launcher = NewProcessLauncher(
			CommandFromModel(cfg.Server.Command, 0),
			cfg.Server.Readiness,
			cfg.Server.StartupTimeoutDuration(),
			out,
		)
	}

	tests := NewCommandTestRunner(
		CommandFromModel(cfg.Runner.Command, cfg.Runner.TimeoutDuration()),
		cfg.Runner.DebugArgs,
		out,
	)

	supervisor := NewSupervisor(launcher, tests, Options{
		Browsers: cfg.Browsers,
		Debug:    cfg.Debug,
	})
	if cfg.Server.Probe.Enabled {
		supervisor = supervisor.WithProbe(NewHTTPProbe(cfg.Server.Probe.TimeoutDuration()))
	}
	slog.DebugContext(ctx, "supervisor configured", "mode", cfg.Server.Mode, "probe", cfg.Server.Probe.Enabled)
	return supervisor, nil
}

// Do launches the server, runs the tests against it and terminates the
// server exactly once, whatever the outcome. It returns the exit status of
// the test runner, ExitRunnerFailed if the runner could not run or
// ExitStartupFailed if the server never became ready.
func (s *Supervisor) Do(ctx context.Context) int {
	slog.DebugContext(ctx, "launching server")
	srv, err := s.launcher.Launch(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "server startup failed", "error", err)
		return ExitStartupFailed
	}
	defer s.terminate(ctx, srv)
	slog.InfoContext(ctx, "server ready", "base_url", srv.BaseURL())

	if s.prober != nil {
		if err := s.prober.Probe(ctx, srv.BaseURL()); err != nil {
			slog.ErrorContext(ctx, "server probe failed", "error", err)
			return ExitStartupFailed
		}
	}

	return s.runTests(ctx, srv)
}

// runTests runs the test runner while watching the server, which must stay
// alive until the runner is done.
func (s *Supervisor) runTests(ctx context.Context, srv ServerHandle) int {
	g, gctx := errgroup.WithContext(ctx)
	testsDone := make(chan struct{})
	code := ExitRunnerFailed

	g.Go(func() error {
		defer close(testsDone)
		var err error
		code, err = s.tests.Run(gctx, s.options, srv.BaseURL())
		if err != nil {
			slog.ErrorContext(ctx, "test runner failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-testsDone:
		case <-srv.Done():
			slog.ErrorContext(ctx, "server exited while tests were running")
		}
		return nil
	})

	_ = g.Wait() // goroutines do not return an error
	slog.InfoContext(ctx, "tests finished", "exit_code", code)
	return code
}

func (s *Supervisor) terminate(ctx context.Context, srv ServerHandle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()
	slog.DebugContext(ctx, "terminating server")
	err := srv.Kill(ctx)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrProcessDone):
		slog.WarnContext(ctx, "server was already gone")
	default:
		slog.ErrorContext(ctx, "terminating server failed", "error", err)
	}
}
