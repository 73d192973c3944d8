package kernel

import (
	"encoding/binary"
	"time"

	"github.com/tomaka/redshirt/id"
)

// SystemTime is the kernel-resident wall-clock interface (spec §6:
// "kernel.SystemTime"). A request carries no body; the reply is a
// little-endian int64 of nanoseconds since the Unix epoch.
type SystemTime struct {
	now func() time.Time
}

// NewSystemTime creates a SystemTime backed by time.Now. A non-nil now
// lets tests and scenario replays substitute a fixed or stepped clock.
func NewSystemTime(now func() time.Time) *SystemTime {
	if now == nil {
		now = time.Now
	}
	return &SystemTime{now: now}
}

func (s *SystemTime) Handler() func(source id.Pid, body []byte) ([]byte, bool) {
	return func(_ id.Pid, _ []byte) ([]byte, bool) {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(s.now().UnixNano()))
		return buf, true
	}
}

// MonotonicTime is the kernel-resident monotonic-clock interface (spec
// §6: "kernel.MonotonicTime"), distinct from SystemTime because wall
// time can jump (NTP, scenario replay) while elapsed-time measurement
// must not. Reply is a little-endian int64 of nanoseconds elapsed since
// the MonotonicTime was created.
type MonotonicTime struct {
	start time.Time
	since func(time.Time) time.Duration
}

// NewMonotonicTime creates a MonotonicTime whose epoch is "now".
func NewMonotonicTime() *MonotonicTime {
	return &MonotonicTime{start: time.Now(), since: time.Since}
}

func (m *MonotonicTime) Handler() func(source id.Pid, body []byte) ([]byte, bool) {
	return func(_ id.Pid, _ []byte) ([]byte, bool) {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(m.since(m.start).Nanoseconds()))
		return buf, true
	}
}
