package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/xjog/xjog/internal/config"
)

func TestNewParsesLevel(t *testing.T) {
	log := New(config.LogConfig{Level: "warn", Format: "json"})
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
}

func TestNewDefaultsToInfoOnInvalidLevel(t *testing.T) {
	log := New(config.LogConfig{Level: "not-a-level", Format: "json"})
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestWithCorrelationIDAddsField(t *testing.T) {
	base := New(config.LogConfig{Level: "info", Format: "json"})
	child := WithCorrelationID(base, "req-1")
	assert.NotEqual(t, base, child)
}
