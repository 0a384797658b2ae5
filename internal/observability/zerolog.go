package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a structured logger writing to w at the given level.
// Unknown level strings fall back to info.
func NewZerologLogger(w io.Writer, level string) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &ZerologLogger{log: logger}
}

// Debug logs at debug level.
func (z *ZerologLogger) Debug(msg string, fields ...Field) {
	z.emit(z.log.Debug(), msg, fields)
}

// Info logs at info level.
func (z *ZerologLogger) Info(msg string, fields ...Field) {
	z.emit(z.log.Info(), msg, fields)
}

// Warn logs at warn level.
func (z *ZerologLogger) Warn(msg string, fields ...Field) {
	z.emit(z.log.Warn(), msg, fields)
}

// Error logs at error level.
func (z *ZerologLogger) Error(msg string, fields ...Field) {
	z.emit(z.log.Error(), msg, fields)
}

func (z *ZerologLogger) emit(evt *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		switch v := f.Value.(type) {
		case string:
			evt = evt.Str(f.Key, v)
		case error:
			if v != nil {
				evt = evt.AnErr(f.Key, v)
			}
		case int:
			evt = evt.Int(f.Key, v)
		case int64:
			evt = evt.Int64(f.Key, v)
		case uint64:
			evt = evt.Uint64(f.Key, v)
		case float64:
			evt = evt.Float64(f.Key, v)
		case bool:
			evt = evt.Bool(f.Key, v)
		default:
			evt = evt.Interface(f.Key, v)
		}
	}
	evt.Msg(msg)
}
