package redshirt

import "fmt"

// ErrCode is a small integer code for a guest-visible outcome, mapped to
// its sentinel error by Err (spec §7). The packed emit/wait results the
// runtime package hands to guests use their own tag values, not ErrCode.
type ErrCode = int32

// Pre-defined ErrCode values, one per guest-visible condition spec §7
// names.
const (
	NO_ERROR ErrCode = -iota
	UNHANDLED
	DESTINATION_BUSY
	UNKNOWN_REPLY
	INVALID_ARGUMENT
	NOT_INSTANTIATED
)

// Guest-visible, non-fatal errors (spec §7: conditions a process observes
// and can react to without the kernel tearing it down).
var (
	ErrUnhandled       = fmt.Errorf("redshirt: no handler registered for interface")
	ErrDestinationBusy = fmt.Errorf("redshirt: destination process's notification queue is full")
	ErrUnknownReply    = fmt.Errorf("redshirt: reply does not match any awaited message")
	ErrInvalidArgument = fmt.Errorf("redshirt: invalid argument")
	ErrNotInstantiated = fmt.Errorf("redshirt: module not instantiated")
)

var mapErrCode = map[ErrCode]error{
	NO_ERROR:         nil,
	UNHANDLED:        ErrUnhandled,
	DESTINATION_BUSY: ErrDestinationBusy,
	UNKNOWN_REPLY:    ErrUnknownReply,
	INVALID_ARGUMENT: ErrInvalidArgument,
	NOT_INSTANTIATED: ErrNotInstantiated,
}

// Err returns the sentinel error corresponding to code.
func Err(code ErrCode) error {
	if err, ok := mapErrCode[code]; ok {
		return err
	}
	return fmt.Errorf("redshirt: unrecognized error code (%d)", code)
}

// Core-fatal errors: conditions that indicate a bug in the embedder or
// the kernel itself, not something a guest process can cause or react to
// (spec §7's process-fatal-vs-core-fatal distinction; process-fatal
// causes live in process.TerminationCause instead, carried on
// ProcessExited events).
var (
	ErrAlreadyRunning   = fmt.Errorf("redshirt: core is already running")
	ErrCoreClosed       = fmt.Errorf("redshirt: core is closed")
	ErrNoSuchProcess    = fmt.Errorf("redshirt: no such process")
	ErrBadProgram       = fmt.Errorf("redshirt: program bytecode failed to compile")
	ErrTooManyProcesses = fmt.Errorf("redshirt: at Config.MaxProcesses live process limit")
)
