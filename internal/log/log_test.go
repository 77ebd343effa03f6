package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/jupyter/itest/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("run_id", "42"))
	child := log.ContextAttrs(ctx, slog.String("phase", "launch"))
	sibling := log.ContextAttrs(ctx, slog.String("phase", "tests"))

	logger.InfoContext(child, "child")
	logger.InfoContext(sibling, "sibling")
	logger.DebugContext(child, "hidden")

	dec := json.NewDecoder(&buf)
	var records []map[string]any
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		records = append(records, m)
	}
	require.Len(t, records, 2)
	require.Equal(t, "42", records[0]["run_id"])
	require.Equal(t, "launch", records[0]["phase"])
	require.Equal(t, "tests", records[1]["phase"])
}

func TestVerbose(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log.New(&buf, true).Debug("visible")
	require.Contains(t, buf.String(), `"msg":"visible"`)
}
