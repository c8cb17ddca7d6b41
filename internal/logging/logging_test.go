package logging

import (
	"bytes"
	"testing"

	"ticketmint/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestComponentTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	Component(base, "queue").Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"queue"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(config.LogConfig{Level: "warn"}, &buf)
	l.Info().Msg("dropped")
	assert.Empty(t, buf.String())
}

func TestComponentNilBase(t *testing.T) {
	l := Component(nil, "x")
	l.Info().Msg("no panic")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "***", Redact("short", false))
	assert.Equal(t, "0x12...ef", Redact("0x1234567890abcdef", false))
	assert.Equal(t, "plain", Redact("plain", true))
}
