// Package scheduler implements the cooperative run loop (spec §4.5): a
// FIFO run queue of runnable threads, each turn advancing exactly one
// thread one step (a Start or a Resume) and dispatching whatever it
// suspends on to the router, then re-enqueuing or parking it.
package scheduler

import (
	"context"
	"fmt"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/process"
	"github.com/tomaka/redshirt/router"
	"github.com/tomaka/redshirt/runtime"
)

// EventKind tags the Event union emitted to the façade.
type EventKind int

const (
	EventProcessExited EventKind = iota
)

// Event is a scheduler-observable occurrence the façade relays to
// embedders (spec §4.6's event stream).
type Event struct {
	Kind  EventKind
	Pid   id.Pid
	Cause process.TerminationCause
}

// runnable is one entry of the run queue: a thread ready to take its next
// step, and -- unless this is its first ever step -- the value that
// satisfies the suspension it is resuming from.
type runnable struct {
	pid    id.Pid
	tid    id.Tid
	resume *runtime.ResumeValue
}

// Progress is returned by RunOnce so callers (tests, RunFor) can tell
// whether the core made progress or went idle.
type Progress struct {
	Ran  bool
	Idle bool
}

// OnProcessDeath is called once a process has fully terminated, so the
// façade can revoke its interface registrations without this package
// needing to import ifreg -- the scheduler's dependency graph stays
// limited to process/router/runtime, matching spec §4.5's scope.
type OnProcessDeath func(id.Pid)

// Scheduler is the single-threaded cooperative core driver. Grounded on
// transport_module.go's background-worker loop, generalized from "one
// goroutine per connection" to "one run queue shared by every process",
// since here only one thread of the whole core ever executes guest code
// at a time (spec §5).
type Scheduler struct {
	table  *process.Table
	router *router.Router

	onProcessDeath OnProcessDeath

	queue  []runnable
	events chan Event
}

// New creates a Scheduler over table/router. events should be buffered
// generously by the caller (the façade); RunOnce drops an event on the
// floor rather than blocking if the channel is full. onDeath notifies the
// façade once a process has fully terminated so it can revoke interface
// registrations; it may be nil.
func New(table *process.Table, rtr *router.Router, events chan Event, onDeath OnProcessDeath) *Scheduler {
	return &Scheduler{table: table, router: rtr, events: events, onProcessDeath: onDeath}
}

// Enqueue adds a thread to the back of the run queue. Used both for a
// brand-new thread's first step (resume == nil) and internally whenever a
// router operation resolves inline or wakes a parked thread.
func (s *Scheduler) Enqueue(pid id.Pid, tid id.Tid, resume *runtime.ResumeValue) {
	s.queue = append(s.queue, runnable{pid: pid, tid: tid, resume: resume})
}

func (s *Scheduler) emit(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// RunOnce advances exactly one runnable thread by exactly one step:
// spec §4.5's "Suspended(syscall, token): invoke the corresponding router
// operation. If the router says ParkedWith, stash the token...; if the
// router returns a value inline, re-queue the thread as Ready with that
// value." Every outcome is handled by re-enqueuing (not by recursing into
// another Start/Resume here), which is what keeps round-robin fairness
// across processes intact no matter how deep an emit/reply chain goes.
func (s *Scheduler) RunOnce(ctx context.Context) (Progress, error) {
	if len(s.queue) == 0 {
		return Progress{Idle: true}, nil
	}

	item := s.queue[0]
	s.queue = s.queue[1:]

	proc, err := s.table.Lookup(item.pid)
	if err != nil {
		// Process died between being enqueued and its turn; drop it.
		return Progress{Ran: true}, nil
	}
	thread := proc.Thread(item.tid)
	if thread == nil || thread.State() == process.ThreadTerminated {
		return Progress{Ran: true}, nil
	}

	store := proc.Store()

	var outcome runtime.ExecOutcome
	if item.resume == nil {
		outcome, err = store.Start(ctx, item.tid, thread.Entry)
		thread.MarkStarted()
	} else {
		outcome, err = store.Resume(ctx, thread.ResumeToken(), *item.resume)
	}
	if err != nil {
		return Progress{}, fmt.Errorf("scheduler: %w", err)
	}

	s.dispatch(item.pid, item.tid, proc, thread, outcome)
	return Progress{Ran: true}, nil
}

func (s *Scheduler) dispatch(pid id.Pid, tid id.Tid, proc *process.Process, thread *process.Thread, outcome runtime.ExecOutcome) {
	switch outcome.Kind {
	case runtime.ExecReturned:
		s.retireThread(pid, tid, proc, thread, process.CauseExited)

	case runtime.ExecTrapped:
		s.retireThread(pid, tid, proc, thread, process.CauseTrap)

	case runtime.ExecSuspended:
		switch outcome.Syscall.Kind {
		case runtime.SyscallEmit:
			res, wake := s.router.Emit(pid, tid, outcome.Syscall.IfHash, outcome.Syscall.Body, outcome.Syscall.NeedsResponse)
			thread.SetResumeToken(outcome.ResumeToken)
			s.Enqueue(pid, tid, &runtime.ResumeValue{Mid: res.Mid, Unhandled: res.Unhandled, DestinationBusy: res.DestinationBusy})
			if wake != nil {
				s.Wake(*wake)
			}

		case runtime.SyscallWait:
			wr := s.router.Wait(pid, tid, outcome.Syscall.Filter)
			if wr.Parked {
				reason := process.SuspendAwaitingMessage
				if !outcome.Syscall.Filter.AnyIncoming && len(outcome.Syscall.Filter.Interfaces) == 0 {
					reason = process.SuspendAwaitingResponse
				}
				thread.MarkSuspended(reason, outcome.Syscall.Filter.AwaitingReply, outcome.ResumeToken)
				return
			}
			thread.SetResumeToken(outcome.ResumeToken)
			s.Enqueue(pid, tid, deliveryToResumeValue(wr.Delivery))
		}
	}
}

// Wake re-enqueues a thread a router operation resolved a parked wait
// for. If the thread's process has since vanished this is a no-op: the
// delivery is simply lost, which is correct -- nothing can observe it
// anymore. Exported so Core's emit_reply handler, which runs on the
// guest's own goroutine mid-call rather than inside RunOnce's dispatch,
// can hand a resolved Wakeup back the same way.
func (s *Scheduler) Wake(w router.Wakeup) {
	wproc, err := s.table.Lookup(w.Pid)
	if err != nil {
		return
	}
	if wproc.Thread(w.Tid) == nil {
		return
	}
	s.Enqueue(w.Pid, w.Tid, deliveryToResumeValue(w.Delivery))
}

func deliveryToResumeValue(d router.Delivery) *runtime.ResumeValue {
	return &runtime.ResumeValue{
		DeliveryKind:    d.Kind,
		DeliverySource:  d.Source,
		DeliveryBody:    d.Body,
		DeliveryReplyTo: d.ReplyTo,
		Overrun:         d.Overrun,
	}
}

// retireThread marks a thread Terminated and, if it was the process's
// last thread (or it trapped, which is always process-fatal per spec
// §4.5), terminates the whole process: revokes its interface handles,
// fans out HandlerDead to everyone it owed a reply, and cancels the
// awaiting-reply slots of everyone it was itself owed by.
func (s *Scheduler) retireThread(pid id.Pid, tid id.Tid, proc *process.Process, thread *process.Thread, cause process.TerminationCause) {
	thread.MarkTerminated()
	proc.Store().Forget(tid)

	if cause != process.CauseTrap && !proc.AllThreadsTerminated() {
		return
	}

	owed := s.table.Terminate(pid, cause)
	s.router.OnSenderDeath(owed)

	if s.onProcessDeath != nil {
		s.onProcessDeath(pid)
	}

	for _, w := range s.router.OnHandlerDeath(pid) {
		s.Wake(w)
	}
	s.router.OnProcessGone(pid)

	s.emit(Event{Kind: EventProcessExited, Pid: pid, Cause: cause})
}
