package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "verbose", Encoding: "xml"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
}

func TestNewDebugLevel(t *testing.T) {
	l, err := New(Config{Level: "DEBUG", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNewZerologBecomesContextDefault(t *testing.T) {
	prev := zerolog.DefaultContextLogger
	t.Cleanup(func() { zerolog.DefaultContextLogger = prev })

	var buf bytes.Buffer
	NewZerolog(Config{Level: "warn"}, &buf)

	log.Ctx(context.Background()).Info().Msg("hidden")
	log.Ctx(context.Background()).Warn().Str("jobID", "42").Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"jobID":"42"`)
	assert.Contains(t, buf.String(), `"timestamp"`)
}
