package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewZerolog builds a timestamped zerolog logger at the given level.
func NewZerolog(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewConsoleZerolog is NewZerolog with human-readable console output.
func NewConsoleZerolog(level zerolog.Level) zerolog.Logger {
	return NewZerolog(zerolog.ConsoleWriter{Out: os.Stderr}, level)
}

// ZerologLogf adapts a zerolog logger to the Logf signature. A leading
// "[Component]" prefix is lifted into a component field.
func ZerologLogf(l zerolog.Logger) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		msg := fmt.Sprintf(format, v...)
		component := ""
		if strings.HasPrefix(msg, "[") {
			if end := strings.Index(msg, "]"); end > 0 {
				component = msg[1:end]
				msg = strings.TrimSpace(msg[end+1:])
			}
		}
		ev := l.Info()
		if component != "" {
			ev = ev.Str("component", component)
		}
		ev.Msg(msg)
	}
}
