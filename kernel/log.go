package kernel

import (
	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/internal/log"
)

// LogLevel mirrors the guest-visible severity a Log call carries.
type LogLevel int32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "info"
	}
}

// Log is the kernel-resident log sink: guest processes emit diagnostic
// messages to it instead of having direct stdio access, matching spec
// §1's narrowed syscall surface. It forwards to the same leveled logger
// the rest of the kernel uses (internal/log), tagging every line with the
// emitting Pid.
type Log struct {
	logger    *log.Logger
	onMessage func(source id.Pid, level LogLevel, msg string)
}

func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Log{logger: logger}
}

// OnMessage registers a callback invoked for every guest log line, in
// addition to the internal/log forwarding Handler always does. Lets an
// embedder surface guest diagnostics through its own event stream.
func (l *Log) OnMessage(fn func(source id.Pid, level LogLevel, msg string)) {
	l.onMessage = fn
}

// Handler adapts Log into an ifreg.KernelHandler. The request body is a
// one-byte level tag followed by the UTF-8 message; there is never a
// reply (guest logging is fire-and-forget).
func (l *Log) Handler() func(source id.Pid, body []byte) ([]byte, bool) {
	return func(source id.Pid, body []byte) ([]byte, bool) {
		if len(body) == 0 {
			return nil, true
		}
		level := LogLevel(body[0])
		msg := string(body[1:])
		log.LPidf(l.logger, level.String(), source, msg)
		if l.onMessage != nil {
			l.onMessage(source, level, msg)
		}
		return nil, true
	}
}
