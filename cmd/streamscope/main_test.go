package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportGeneratedToken(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Run("terminal sees the token", func(t *testing.T) {
		var out bytes.Buffer
		reportGeneratedToken(&out, true, "s3cr3t")
		assert.Contains(t, out.String(), "s3cr3t")
	})

	t.Run("logs never carry the token", func(t *testing.T) {
		var out bytes.Buffer
		logs.Reset()
		reportGeneratedToken(&out, false, "s3cr3t")
		assert.Empty(t, out.String())
		assert.Contains(t, logs.String(), "no token configured")
		assert.NotContains(t, logs.String(), "s3cr3t")
	})
}
