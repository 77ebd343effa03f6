package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Prober checks a server is able to answer before the tests start.
type Prober interface {
	Probe(ctx context.Context, baseURL string) error
}

// HTTPProbe polls the base URL until it answers with a status below 500.
type HTTPProbe struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		timeout: timeout,
	}
}

func (p *HTTPProbe) Probe(ctx context.Context, baseURL string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			slog.DebugContext(ctx, "probe failed", "attempt", attempt, "error", err)
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			slog.DebugContext(ctx, "probe failed", "attempt", attempt, "status", resp.StatusCode)
			return fmt.Errorf("status code: %d", resp.StatusCode)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%w: probing %s: %w", ErrStartupFailed, baseURL, err)
	}
	slog.DebugContext(ctx, "probe succeeded", "attempts", attempt, "base_url", baseURL)
	return nil
}
