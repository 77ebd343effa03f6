// Package container runs the server under test as a container.
//
// The container log goes through the same readiness markers as a local
// server process, the captured base URL is rewritten to the host port
// mapped by Docker.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jupyter/itest/internal/model"
	"github.com/jupyter/itest/internal/readiness"
	"github.com/jupyter/itest/internal/service"
)

type Launcher struct {
	cfg       model.Container
	readiness model.Readiness
	timeout   time.Duration
	out       io.Writer
}

func NewLauncher(cfg model.Container, rcfg model.Readiness, timeout time.Duration, out io.Writer) *Launcher {
	return &Launcher{
		cfg:       cfg,
		readiness: rcfg,
		timeout:   timeout,
		out:       service.NewSyncWriter(out),
	}
}

func (l *Launcher) Launch(ctx context.Context) (service.ServerHandle, error) {
	detector, err := readiness.FromConfig(l.readiness)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", service.ErrStartupFailed, err)
	}
	// ctx outlives Launch, log production is bound to it
	var deadline <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	consumer := newLogConsumer(ctx, detector, l.out)
	port := nat.Port(fmt.Sprintf("%d/tcp", l.cfg.Port))
	req := testcontainers.ContainerRequest{
		Image:        l.cfg.Image,
		Cmd:          l.cfg.Cmd,
		ExposedPorts: []string{string(port)},
		WaitingFor:   wait.ForListeningPort(port),
		LogConsumerCfg: &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{consumer},
		},
	}
	if l.timeout > 0 {
		req.WaitingFor = wait.ForListeningPort(port).WithStartupTimeout(l.timeout)
	}

	slog.DebugContext(ctx, "starting container", "image", l.cfg.Image, "port", string(port))
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	srv := &server{container: c, done: make(chan struct{})}
	if err != nil {
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: %w", service.ErrStartupFailed, err)
	}

	select {
	case <-consumer.ready:
	case err := <-consumer.failed:
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: %w", service.ErrStartupFailed, err)
	case <-deadline:
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: no %s marker after %s (%s)", service.ErrStartupTimeout, consumer.marker(), l.timeout, consumer.phase())
	case <-ctx.Done():
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: %w", service.ErrStartupFailed, ctx.Err())
	}

	host, err := c.Host(ctx)
	if err != nil {
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: container host: %w", service.ErrStartupFailed, err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: mapped port: %w", service.ErrStartupFailed, err)
	}
	srv.baseURL, err = HostURL(consumer.baseURL(), host, mapped.Port())
	if err != nil {
		srv.abort(ctx)
		return nil, fmt.Errorf("%w: %w", service.ErrStartupFailed, err)
	}
	return srv, nil
}

// HostURL replaces host and port of a url printed inside of a container,
// path and query are kept.
func HostURL(raw, host, port string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", raw, err)
	}
	u.Host = net.JoinHostPort(host, port)
	return u.String(), nil
}

type server struct {
	container testcontainers.Container
	baseURL   string
	once      sync.Once
	done      chan struct{}
	killErr   error
}

func (s *server) BaseURL() string {
	return s.baseURL
}

// Done is closed after Kill. Container exits are not watched.
func (s *server) Done() <-chan struct{} {
	return s.done
}

func (s *server) Kill(ctx context.Context) error {
	s.once.Do(func() {
		defer close(s.done)
		s.killErr = testcontainers.TerminateContainer(s.container, testcontainers.StopContext(ctx))
	})
	return s.killErr
}

func (s *server) abort(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Kill(ctx); err != nil {
		slog.DebugContext(ctx, "terminating container after failed startup", "error", err)
	}
}

// logConsumer splits container log chunks into lines and feeds them to the
// readiness detector.
type logConsumer struct {
	ctx      context.Context
	detector *readiness.Detector
	out      io.Writer
	mx       sync.Mutex
	partial  []byte
	signaled bool
	ready    chan struct{}
	failed   chan error
}

func newLogConsumer(ctx context.Context, detector *readiness.Detector, out io.Writer) *logConsumer {
	return &logConsumer{
		ctx:      ctx,
		detector: detector,
		out:      out,
		ready:    make(chan struct{}),
		failed:   make(chan error, 1),
	}
}

func (c *logConsumer) Accept(l testcontainers.Log) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.partial = append(c.partial, l.Content...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			return
		}
		line := string(c.partial[:i])
		c.partial = c.partial[i+1:]
		c.line(line)
	}
}

func (c *logConsumer) line(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	_, _ = fmt.Fprintln(c.out, line)
	if c.signaled {
		return
	}
	if c.detector.Feed(line) {
		c.signaled = true
		slog.DebugContext(c.ctx, "container ready", "base_url", c.detector.BaseURL(), "phase", c.detector.Phase().String())
		close(c.ready)
		return
	}
	if err := c.detector.Err(); err != nil {
		c.signaled = true
		c.failed <- err
	}
}

func (c *logConsumer) baseURL() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.detector.BaseURL()
}

func (c *logConsumer) marker() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.detector.Marker()
}

func (c *logConsumer) phase() readiness.Phase {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.detector.Phase()
}
