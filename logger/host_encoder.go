package logger

import (
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Host line protocol: every stderr line begins with \x01<level>\x02.
// Level characters: t=trace d=debug i=info w=warn e=error p=progress.
const (
	protoSOH = "\x01"
	protoSTX = "\x02"
)

func levelChar(level zapcore.Level) byte {
	switch level {
	case zapcore.DebugLevel:
		return 'd'
	case zapcore.InfoLevel:
		return 'i'
	case zapcore.WarnLevel:
		return 'w'
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return 'e'
	default:
		return 't'
	}
}

// hostEncoder renders "\x01i\x02message key=value key=value".
// Newlines inside messages would split the severity framing, so they are
// replaced before the line is written.
type hostEncoder struct {
	zapcore.Encoder // base encoder for ObjectEncoder methods
}

func newHostEncoder() *hostEncoder {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return &hostEncoder{Encoder: base}
}

func (enc *hostEncoder) Clone() zapcore.Encoder {
	return &hostEncoder{Encoder: enc.Encoder.Clone()}
}

func (enc *hostEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := buffer.NewPool().Get()

	final.AppendString(protoSOH)
	final.AppendByte(levelChar(ent.Level))
	final.AppendString(protoSTX)

	if ent.LoggerName != "" {
		final.AppendString("[")
		final.AppendString(ent.LoggerName)
		final.AppendString("] ")
	}

	final.AppendString(sanitizeLine(ent.Message))

	for _, field := range fields {
		final.AppendString(" ")
		final.AppendString(field.Key)
		final.AppendString("=")
		final.AppendString(sanitizeLine(fieldValue(field)))
	}

	final.AppendString("\n")
	return final, nil
}

// fieldValue extracts a printable value from a zap field
func fieldValue(field zapcore.Field) string {
	switch field.Type {
	case zapcore.StringType:
		return field.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return fmt.Sprintf("%d", field.Integer)
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return fmt.Sprintf("%d", uint64(field.Integer))
	case zapcore.Float64Type:
		// zap packs floats into Integer via Float64bits
		return fmt.Sprintf("%v", math.Float64frombits(uint64(field.Integer)))
	case zapcore.Float32Type:
		return fmt.Sprintf("%v", math.Float32frombits(uint32(field.Integer)))
	case zapcore.TimeType:
		// nanos in Integer, optional *time.Location in Interface
		t := time.Unix(0, field.Integer)
		if loc, ok := field.Interface.(*time.Location); ok && loc != nil {
			t = t.In(loc)
		}
		return t.Format(time.RFC3339)
	case zapcore.TimeFullType:
		if t, ok := field.Interface.(time.Time); ok {
			return t.Format(time.RFC3339)
		}
	case zapcore.BoolType:
		if field.Integer == 1 {
			return "true"
		}
		return "false"
	case zapcore.DurationType:
		return fmt.Sprintf("%dns", field.Integer)
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			return err.Error()
		}
	}
	if field.Interface != nil {
		return fmt.Sprintf("%v", field.Interface)
	}
	return field.String
}

func sanitizeLine(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n', '\r', 0x01, 0x02:
			out = append(out, ' ')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// writeProgress bypasses zap: progress lines carry a bare percentage that the
// host parses numerically.
func writeProgress(fraction float64) {
	fmt.Fprintf(os.Stderr, "%sp%s%v\n", protoSOH, protoSTX, fraction)
}
