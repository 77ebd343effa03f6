package service_test

import (
	"strings"
	"testing"
	"time"

	"github.com/jupyter/itest/internal/model"
	"github.com/jupyter/itest/internal/readiness"
	"github.com/jupyter/itest/internal/service"
	"github.com/stretchr/testify/require"
)

const (
	bindLine  = "Jupyter Notebook is running at: http://localhost:8888/"
	readyLine = "Use Control-C to stop"
)

// fakeNotebook prints the notebook startup log and blocks
const fakeNotebook = `
echo "[I NotebookApp] Serving notebooks from local directory: /tmp"
echo
echo "` + bindLine + `"
echo "   "
echo "` + readyLine + `"
exec sleep 60
`

func launcher(t *testing.T, script string, timeout time.Duration, out *syncBuffer) *service.ProcessLauncher {
	t.Helper()
	sh := lookSh(t)
	cfg := model.DefaultConfig(t.Context())
	return service.NewProcessLauncher(
		service.Command{Path: sh, Args: []string{"-c", script}},
		cfg.Server.Readiness,
		timeout,
		out,
	)
}

func TestProcessLauncher(t *testing.T) {
	t.Parallel()
	var out syncBuffer
	l := launcher(t, fakeNotebook, 10*time.Second, &out)

	srv, err := l.Launch(t.Context())
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8888/", srv.BaseURL())

	select {
	case <-srv.Done():
		t.Fatal("server must be running")
	default:
	}

	require.NoError(t, srv.Kill(t.Context()))
	// the handle never kills twice
	require.NoError(t, srv.Kill(t.Context()))
	<-srv.Done()

	require.Equal(t, []string{
		"[I NotebookApp] Serving notebooks from local directory: /tmp",
		bindLine,
		readyLine,
	}, outputLines(out.String()))
}

func TestProcessLauncher_Drain(t *testing.T) {
	t.Parallel()
	var out syncBuffer
	script := `
echo "` + bindLine + `"
echo "` + readyLine + `"
i=0
while [ $i -lt 5000 ]; do echo "request $i"; i=$((i+1)); done
echo "drained"
exec sleep 60
`
	l := launcher(t, script, 10*time.Second, &out)
	srv, err := l.Launch(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Kill(t.Context())
	})

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "drained")
	}, 10*time.Second, 10*time.Millisecond)
}

func TestProcessLauncher_LongLine(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
	}{
		{"before bind", longLine + "\necho \"" + bindLine + "\"\necho \"" + readyLine + "\"\necho \"kernel started\"\nexec sleep 60"},
		{"after ready", "echo \"" + bindLine + "\"\necho \"" + readyLine + "\"\n" + longLine + "\necho \"kernel started\"\nexec sleep 60"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			var out syncBuffer
			l := launcher(t, tt.given, 10*time.Second, &out)
			srv, err := l.Launch(t.Context())
			require.NoError(t, err)
			t.Cleanup(func() {
				_ = srv.Kill(t.Context())
			})
			require.Equal(t, "http://localhost:8888/", srv.BaseURL())

			require.Eventually(t, func() bool {
				return strings.Contains(out.String(), "kernel started")
			}, 10*time.Second, 10*time.Millisecond)
			require.Contains(t, outputLines(out.String()), strings.Repeat("x", longLineLen))
		})
	}
}

func TestProcessLauncher_Fail(t *testing.T) {
	t.Parallel()

	type then struct {
		err      error
		contains string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"stream closed before bind", "echo starting", then{service.ErrStartupFailed, "waiting for bind (waiting_for_bind)"}},
		{"stream closed before ready", `echo "` + bindLine + `"`, then{service.ErrStartupFailed, "waiting for ready (waiting_for_ready)"}},
		{"server crashed", "echo boom; exit 3", then{service.ErrStartupFailed, "exit status 3"}},
		{"blank lines only", "echo; echo; echo", then{service.ErrStartupFailed, "waiting for bind"}},
		{"no url", `echo "Jupyter Notebook is running at: nowhere"; exec sleep 60`, then{readiness.ErrNoURL, "nowhere"}},
		{"timeout", `echo "` + bindLine + `"; exec sleep 60`, then{service.ErrStartupTimeout, "no ready marker after 500ms (waiting_for_ready)"}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			var out syncBuffer
			l := launcher(t, tt.given, 500*time.Millisecond, &out)
			start := time.Now()
			srv, err := l.Launch(t.Context())
			require.Nil(t, srv)
			require.Error(t, err)
			require.ErrorIs(t, err, tt.then.err)
			require.Contains(t, err.Error(), tt.then.contains)
			require.Less(t, time.Since(start), 10*time.Second)
		})
	}
}

func TestProcessLauncher_NotFound(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())
	var out syncBuffer
	l := service.NewProcessLauncher(service.Command{Path: "does not exist"}, cfg.Server.Readiness, time.Second, &out)
	_, err := l.Launch(t.Context())
	require.ErrorIs(t, err, service.ErrStartupFailed)
}
