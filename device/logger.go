package device

import "log"

// A Logger provides logging for a Device. The functions are printf
// style; set either to DiscardLogf to drop that level. Per-packet failures
// are deliberately logged only at verbose level (or not at all), so an
// observer of the error log cannot distinguish an attack from packet
// loss.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// Log levels for NewLogger.
const (
	LogLevelSilent = iota
	LogLevelError
	LogLevelVerbose
)

// DiscardLogf discards the log line.
func DiscardLogf(format string, args ...any) {}

// NewLogger builds a Logger writing to the standard log package, with
// prepend prefixed to every line.
func NewLogger(level int, prepend string) *Logger {
	logger := &Logger{DiscardLogf, DiscardLogf}
	logf := func(prefix string) func(string, ...any) {
		return log.New(log.Writer(), prefix+prepend, log.Ldate|log.Ltime).Printf
	}
	if level >= LogLevelVerbose {
		logger.Verbosef = logf("DEBUG: ")
	}
	if level >= LogLevelError {
		logger.Errorf = logf("ERROR: ")
	}
	return logger
}
