package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "tlink-test", "warn")

	logger.Info().Msg("hidden")
	logger.Warn().Str("target", "lab.local").Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "tlink-test")
	assert.Contains(t, out, "lab.local")
}

func TestNewLoggerDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "tlink-test", "chatty")

	logger.Debug().Msg("debug")
	logger.Info().Msg("info")

	assert.NotContains(t, buf.String(), "debug")
	assert.Contains(t, buf.String(), "info")
}
