package redshirt

import (
	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/process"
)

// EventKind tags the Event union the façade streams to embedders (spec §6).
type EventKind int

const (
	EventProcessExited EventKind = iota
	EventInterfaceRegistered
	EventInterfaceReleased
	EventLog
	EventQueueOverrun
)

func (k EventKind) String() string {
	switch k {
	case EventProcessExited:
		return "ProcessExited"
	case EventInterfaceRegistered:
		return "InterfaceRegistered"
	case EventInterfaceReleased:
		return "InterfaceReleased"
	case EventLog:
		return "Log"
	case EventQueueOverrun:
		return "QueueOverrun"
	default:
		return "Unknown"
	}
}

// Event is a single core-observable occurrence surfaced to the embedder
// through (*Core).Events(). Only the fields relevant to Kind are
// populated; the rest are zero.
type Event struct {
	Kind EventKind

	Pid     id.Pid
	Cause   process.TerminationCause
	IfHash  id.IfHash
	Message string
}
