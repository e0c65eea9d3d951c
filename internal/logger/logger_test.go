package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	dev, err := New("development", false)
	require.NoError(t, err)
	assert.False(t, dev.Core().Enabled(zapcore.DebugLevel))

	verbose, err := New("development", true)
	require.NoError(t, err)
	assert.True(t, verbose.Core().Enabled(zapcore.DebugLevel))

	prod, err := New("production", false)
	require.NoError(t, err)
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
}

func TestStdLog_ForwardsToZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	std := StdLog(zap.New(core))

	std.Printf("stage=etl rows=%d", 42)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "stage=etl rows=42", entries[0].Message)
}

func TestStdLog_NilLogger(t *testing.T) {
	std := StdLog(nil)
	std.Printf("dropped")
}
