package logger

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeLine(t *testing.T, ent zapcore.Entry, fields ...zapcore.Field) string {
	t.Helper()
	buf, err := newHostEncoder().EncodeEntry(ent, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestEncodeEntry_Framing(t *testing.T) {
	line := encodeLine(t, zapcore.Entry{Level: zapcore.InfoLevel, Message: "Scene synced"},
		zap.Uint64("scene_id", 7))
	assert.Equal(t, "\x01i\x02Scene synced scene_id=7\n", line)
}

func TestEncodeEntry_FloatAndTimeFields(t *testing.T) {
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	line := encodeLine(t, zapcore.Entry{Level: zapcore.WarnLevel, Message: "Ramp resumed"},
		zap.Float64("rate", 12.5),
		zap.Float32("multiplier", 0.5),
		zap.Time("ramp_started_at", at))

	assert.True(t, strings.HasPrefix(line, "\x01w\x02"))
	assert.Contains(t, line, "rate=12.5")
	assert.Contains(t, line, "multiplier=0.5")
	assert.Contains(t, line, "ramp_started_at=2026-02-01T12:00:00Z")
}

func TestEncodeEntry_NewlinesSanitized(t *testing.T) {
	line := encodeLine(t, zapcore.Entry{Level: zapcore.ErrorLevel, Message: "multi\nline"},
		zap.String("detail", "a\r\nb"))
	assert.Equal(t, "\x01e\x02multi line detail=a  b\n", line)
}
