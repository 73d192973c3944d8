package log

import "fmt"

func Debugf(format string, args ...any) {
	defaultLogger.Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	defaultLogger.Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	defaultLogger.Error(fmt.Sprintf(format, args...))
}

func LDebugf(logger *Logger, format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LInfof(logger *Logger, format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LWarnf(logger *Logger, format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LErrorf(logger *Logger, format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

// LPidf dispatches to the matching L*f helper by name, prefixing msg with
// pid. Collapses a guest-log-level switch into a single call at kernel log
// sinks that forward a caller-supplied severity string rather than a
// LogLevel constant. An unrecognized level falls back to LInfof.
func LPidf(logger *Logger, level string, pid fmt.Stringer, msg string) {
	switch level {
	case "debug":
		LDebugf(logger, "%s: %s", pid, msg)
	case "warn":
		LWarnf(logger, "%s: %s", pid, msg)
	case "error":
		LErrorf(logger, "%s: %s", pid, msg)
	default:
		LInfof(logger, "%s: %s", pid, msg)
	}
}
