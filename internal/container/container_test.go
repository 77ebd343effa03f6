package container

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/jupyter/itest/internal/model"
	"github.com/jupyter/itest/internal/readiness"
	"github.com/jupyter/itest/internal/service"
)

func TestHostURL(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"plain", "http://127.0.0.1:8888/", "http://localhost:49153/"},
		{"token", "http://0.0.0.0:8888/lab?token=abc", "http://localhost:49153/lab?token=abc"},
		{"hostname", "http://d1f2c3:8888/tree", "http://localhost:49153/tree"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := HostURL(tt.given, "localhost", "49153")
			require.NoError(t, err)
			require.Equal(t, tt.then, got)
		})
	}

	_, err := HostURL("http://[::1", "localhost", "1")
	require.Error(t, err)
}

func TestLogConsumer(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := newLogConsumer(t.Context(), readiness.Jupyter(), &out)

	// chunks are not aligned with lines
	c.Accept(testcontainers.Log{Content: []byte("starting\n\nJupyter Notebook is running at: http://127.0.0.1:88")})
	c.Accept(testcontainers.Log{Content: []byte("88/?token=abc\r\n")})
	select {
	case <-c.ready:
		t.Fatal("not ready yet")
	default:
	}
	require.Equal(t, readiness.WaitingForReady, c.phase())
	c.Accept(testcontainers.Log{Content: []byte("Use Control-C to stop\nmore\n")})

	select {
	case <-c.ready:
	default:
		t.Fatal("must be ready")
	}
	require.Equal(t, "http://127.0.0.1:8888/?token=abc", c.baseURL())
	require.Equal(t, readiness.Ready, c.phase())
	require.Equal(t, "starting\nJupyter Notebook is running at: http://127.0.0.1:8888/?token=abc\nUse Control-C to stop\nmore\n", out.String())
}

func TestLogConsumer_NoURL(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := newLogConsumer(t.Context(), readiness.Jupyter(), &out)
	c.Accept(testcontainers.Log{Content: []byte("Jupyter Notebook is running at: nowhere\n")})
	err := <-c.failed
	require.ErrorIs(t, err, readiness.ErrNoURL)
}

func TestLauncher(t *testing.T) {
	if testing.Short() {
		t.Skip("container tests are skipped with -short")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	script := `echo "Jupyter Notebook is running at: http://0.0.0.0:8888/?token=secret"
echo "Use Control-C to stop"
exec httpd -f -p 8888`
	cfg := model.Container{
		Image: "busybox:1.36",
		Port:  8888,
		Cmd:   []string{"sh", "-c", script},
	}
	var out bytes.Buffer
	l := NewLauncher(cfg, model.DefaultConfig(t.Context()).Server.Readiness, 2*time.Minute, &out)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Minute)
	t.Cleanup(cancel)
	srv, err := l.Launch(ctx)
	require.NoError(t, err)
	require.Contains(t, srv.BaseURL(), "?token=secret")
	require.NotContains(t, srv.BaseURL(), "0.0.0.0:8888")

	require.NoError(t, srv.Kill(ctx))
	require.NoError(t, srv.Kill(ctx))
	<-srv.Done()

	var _ service.ServerHandle = srv
}
