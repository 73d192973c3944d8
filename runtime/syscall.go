package runtime

import "github.com/tomaka/redshirt/id"

// SyscallKind identifies which of the two suspending host imports produced
// a Suspended ExecOutcome. emit_reply, register, unregister and cancel are
// deliberately absent here: each completes synchronously against the
// router/registry and never suspends the calling thread, so they are
// wired as plain (non-suspending) host functions instead -- see
// InlineSyscalls and Module.WithInlineSyscalls. See DESIGN.md for why the
// overview section's looser "emit, emit-reply, wait are the suspending
// imports" phrasing is not followed literally.
type SyscallKind int

const (
	SyscallEmit SyscallKind = iota
	SyscallWait
)

func (k SyscallKind) String() string {
	switch k {
	case SyscallEmit:
		return "emit"
	case SyscallWait:
		return "wait"
	default:
		return "unknown"
	}
}

// SyscallRequest carries the guest-supplied arguments of a suspended
// syscall up to whoever called Start/Resume (the scheduler), which
// resolves it against the router and calls Resume with the outcome.
type SyscallRequest struct {
	Kind SyscallKind

	// Emit fields.
	IfHash        id.IfHash
	Body          []byte
	NeedsResponse bool

	// Wait fields.
	Filter WaitFilter
}

// WaitFilter mirrors the guest's wait() filter argument: spec §4.4's
// three-way union -- AnyIncoming, AwaitingReply(Mid), or
// IncomingOnInterfaces([IfHash]) (delivered to exactly one of the three
// fields below, never more than one at a time).
type WaitFilter struct {
	AnyIncoming   bool
	AwaitingReply id.Mid

	// Interfaces, when non-empty, scopes AnyIncoming-like matching to
	// deliveries that arrived on one of these interfaces only.
	Interfaces []id.IfHash
}

// InlineSyscalls bundles the non-suspending host functions a Store's
// guest module can call: emit_reply, register, unregister and cancel.
// Each closure is already bound to the calling process's Pid (a Store is
// instantiated once per process, never shared), so the wire-facing host
// function only has to decode guest memory and call straight through.
// A nil field is still exported, so a guest importing it links even when
// the embedder supplied none: a nil EmitReply or Register always reports
// failure, a nil Unregister or Cancel does nothing.
type InlineSyscalls struct {
	EmitReply  func(replyToMid id.Mid, body []byte) (accepted bool)
	Register   func(ifhash id.IfHash) (ok bool)
	Unregister func(ifhash id.IfHash)
	Cancel     func(mid id.Mid)
}

// ResumeToken is the opaque handle design note §9 calls for: it names a
// specific suspended execution (by Tid) and a generation counter that is
// bumped every time the execution is resumed, so a token captured from an
// earlier suspension can never be replayed against a later one.
type ResumeToken struct {
	tid id.Tid
	gen uint64
}

// ResumeValue is what Resume delivers back into the guest as the return
// value of the suspending host call it is unblocking.
type ResumeValue struct {
	// Mid is populated for a resumed emit: the Mid allocated to the
	// request (zero if the emit did not need a response), or the sentinel
	// carried by InterfaceUnhandled.
	Mid id.Mid
	// Unhandled is set when the emitted interface had no registered
	// handler (spec's InterfaceUnhandled). The emit still hands control
	// to the scheduler, which re-enqueues the thread at once with this
	// value instead of parking it.
	Unhandled bool
	// DestinationBusy is set when a request's target queue was full
	// (spec §4.4: "Requests never overflow: they fail the sender with
	// DestinationBusy").
	DestinationBusy bool

	// Delivery fields, populated for a resumed wait.
	DeliveryKind   DeliveryKind
	DeliverySource id.Pid
	DeliveryBody   []byte
	DeliveryReplyTo id.Mid
	Overrun        bool
}

// DeliveryKind mirrors spec §4.4's Delivery.kind.
type DeliveryKind int

const (
	DeliveryNone DeliveryKind = iota
	DeliveryRequest
	DeliveryReply
	DeliveryNotification
)

// ExecOutcomeKind is the tag of the ExecOutcome union (design note §9:
// "two-variant tagged union, not inheritance" generalized to three
// variants).
type ExecOutcomeKind int

const (
	ExecReturned ExecOutcomeKind = iota
	ExecTrapped
	ExecSuspended
)

// ExecOutcome is returned by Store.Start and Store.Resume.
type ExecOutcome struct {
	Kind ExecOutcomeKind

	// Valid when Kind == ExecReturned.
	Values []uint64

	// Valid when Kind == ExecTrapped.
	TrapCause error

	// Valid when Kind == ExecSuspended.
	Syscall     SyscallRequest
	ResumeToken ResumeToken
}
