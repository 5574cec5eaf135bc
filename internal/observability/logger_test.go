package observability

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/lifelinkhq/matchflow/internal/config"
)

func encodeLevel(t *testing.T, colors config.ColorConfig, level zapcore.Level) string {
	t.Helper()
	enc := getEncoder(config.LoggerConfig{Format: "console", Colors: colors})
	buf, err := enc.EncodeEntry(zapcore.Entry{Level: level, Message: "ping"}, nil)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestColorizedLevelEncoder(t *testing.T) {
	colors := config.ColorConfig{Info: "green", Warn: "yellow", Error: "red"}

	out := encodeLevel(t, colors, zapcore.InfoLevel)
	assert.Contains(t, out, colorGreen+"INFO"+colorReset)

	out = encodeLevel(t, colors, zapcore.ErrorLevel)
	assert.Contains(t, out, colorRed+"ERROR"+colorReset)
}

func TestColorizedLevelEncoderUnknownColorName(t *testing.T) {
	out := encodeLevel(t, config.ColorConfig{Info: "chartreuse"}, zapcore.InfoLevel)
	assert.Contains(t, out, "INFO")
	assert.NotContains(t, out, "\x1b[3", "unrecognized color names emit no escape codes")
}

func TestColorizedLevelEncoderOutOfRangeLevel(t *testing.T) {
	out := encodeLevel(t, config.ColorConfig{}, zapcore.Level(-2))
	levelStr := strings.ToUpper(zapcore.Level(-2).String())
	assert.Contains(t, out, colorReset+levelStr+colorReset,
		"levels outside the known set render with the reset color")
}
