// Package router implements the message router (spec §4.4): the
// emit/reply/wait/cancel protocol core that resolves emissions against
// the interface registry, matches replies to awaiting threads, and
// enforces the bounded-queue drop/cancel semantics.
package router

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifreg"
	"github.com/tomaka/redshirt/process"
	"github.com/tomaka/redshirt/runtime"
)

// DefaultMaxPending is the per-process pending-notification queue bound
// spec §4.4 names as the default (256).
const DefaultMaxPending = 256

// DeliveryKind is an alias of runtime.DeliveryKind (the same type, not a
// distinct one), re-exported with its constants so callers of this
// package can name delivery kinds without importing runtime.
type DeliveryKind = runtime.DeliveryKind

const (
	DeliveryNone         = runtime.DeliveryNone
	DeliveryRequest      = runtime.DeliveryRequest
	DeliveryReply        = runtime.DeliveryReply
	DeliveryNotification = runtime.DeliveryNotification
)

// Delivery is what a successful Wait (or a direct hand-off) returns to a
// thread: spec §4.4's "Delivery carries {kind, source, body, optional
// reply-to}."
type Delivery struct {
	Kind        DeliveryKind
	Source      id.Pid
	Body        []byte
	ReplyTo     id.Mid // the Mid a Request carries for the eventual emit_reply, or the Mid a Reply answers
	IfHash      id.IfHash // the interface a Request/Notification arrived on; zero for a Reply
	Overrun     bool
	HandlerDead bool
}

// EmitResult is returned synchronously to the emitting thread.
type EmitResult struct {
	Unhandled       bool
	DestinationBusy bool
	Mid             id.Mid
}

// ReplyResult is returned synchronously to the replying thread.
type ReplyResult struct {
	UnknownReply bool
}

// WaitResult is returned synchronously to the waiting thread: either an
// immediate Delivery, or Parked (the thread has been recorded as
// suspended on filter and will be woken later via a Wakeup).
type WaitResult struct {
	Parked   bool
	Delivery Delivery
}

// Wakeup names a thread that a router operation resolved a pending wait
// for, handed back to the scheduler so it can Resume that thread the next
// time it is scheduled. The router never calls Store.Resume itself: only
// the scheduler drives the runtime adapter (spec §4.5).
type Wakeup struct {
	Pid      id.Pid
	Tid      id.Tid
	Delivery Delivery
}

type requestSlot struct {
	requesterPid id.Pid
	requesterTid id.Tid
	handlerPid   id.Pid
}

type parkedWait struct {
	tid    id.Tid
	filter runtime.WaitFilter
}

type notificationQueue struct {
	items   []Delivery
	overran bool
}

// Router holds the awaiting-reply map and each process's bounded
// notification FIFO. Spec §4.4: "the router's internal lock" serializes
// concurrent emits and gives them a total order -- in this single-mutex
// implementation, arrival order at the router is simply lock-acquisition
// order.
type Router struct {
	registry *ifreg.Registry
	table    *process.Table
	midGen   id.Gen

	maxPending int

	mu            sync.Mutex
	requests      map[id.Mid]requestSlot
	pendingReplies map[id.Mid]Delivery
	notifQ        map[id.Pid]*notificationQueue
	parked        map[id.Pid][]parkedWait

	// OnOverrun, if set, is called synchronously the moment a process's
	// notification queue overflows -- before the one-shot Overrun signal
	// is later consumed via Wait. Lets an embedder surface the overflow
	// as a diagnostic Event without polling every process's Wait result.
	OnOverrun func(pid id.Pid)
}

// New creates a Router over the given registry and process table, with
// the given per-process pending-notification bound (DefaultMaxPending if
// zero).
func New(registry *ifreg.Registry, table *process.Table, maxPending int) *Router {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Router{
		registry:       registry,
		table:          table,
		maxPending:     maxPending,
		requests:       make(map[id.Mid]requestSlot),
		pendingReplies: make(map[id.Mid]Delivery),
		notifQ:         make(map[id.Pid]*notificationQueue),
		parked:         make(map[id.Pid][]parkedWait),
	}
}

func (r *Router) queueFor(pid id.Pid) *notificationQueue {
	q, ok := r.notifQ[pid]
	if !ok {
		q = &notificationQueue{}
		r.notifQ[pid] = q
	}
	return q
}

// incomingMatches reports whether a parked wait's filter admits a delivery
// arriving on ifhash: spec §4.4's AnyIncoming and IncomingOnInterfaces both
// match incoming (non-reply) deliveries, the former unconditionally, the
// latter only when ifhash is in its set.
func incomingMatches(filter runtime.WaitFilter, ifhash id.IfHash) bool {
	return filter.AnyIncoming || slices.Contains(filter.Interfaces, ifhash)
}

// takeParkedIncoming removes and returns the first parked wait of pid whose
// filter admits a request/notification arriving on ifhash, if any.
func (r *Router) takeParkedIncoming(pid id.Pid, ifhash id.IfHash) (parkedWait, bool) {
	list := r.parked[pid]
	for i, pw := range list {
		if incomingMatches(pw.filter, ifhash) {
			r.parked[pid] = append(list[:i:i], list[i+1:]...)
			return pw, true
		}
	}
	return parkedWait{}, false
}

// takeParkedReply removes and returns the first parked wait of pid that is
// specifically awaiting mid's reply.
func (r *Router) takeParkedReply(pid id.Pid, mid id.Mid) (parkedWait, bool) {
	list := r.parked[pid]
	for i, pw := range list {
		if !pw.filter.AnyIncoming && len(pw.filter.Interfaces) == 0 && pw.filter.AwaitingReply == mid {
			r.parked[pid] = append(list[:i:i], list[i+1:]...)
			return pw, true
		}
	}
	return parkedWait{}, false
}

// Emit implements spec §4.4's emit operation.
func (r *Router) Emit(sourcePid id.Pid, sourceTid id.Tid, ifhash id.IfHash, body []byte, needsResponse bool) (EmitResult, *Wakeup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.registry.Resolve(ifhash)

	switch res.Kind {
	case ifreg.Unhandled:
		return EmitResult{Unhandled: true}, nil

	case ifreg.HandledByKernel:
		reply, ok := res.Handler(sourcePid, body)
		if !needsResponse {
			return EmitResult{}, nil
		}
		mid := id.Mid(r.midGen.Next())
		if !ok {
			reply = nil
		}
		delivery := Delivery{Kind: DeliveryReply, Source: 0, Body: reply, ReplyTo: mid}
		wake := r.completeReply(sourcePid, mid, delivery)
		return EmitResult{Mid: mid}, wake

	default: // HandledByProcess
		handlerPid := res.Pid

		if needsResponse {
			q := r.queueFor(handlerPid)
			if !r.peekIncoming(handlerPid, ifhash) && len(q.items) >= r.maxPending {
				return EmitResult{DestinationBusy: true}, nil
			}
		}

		var mid id.Mid
		if needsResponse {
			mid = id.Mid(r.midGen.Next())
			r.requests[mid] = requestSlot{requesterPid: sourcePid, requesterTid: sourceTid, handlerPid: handlerPid}
			if proc, err := r.table.Lookup(sourcePid); err == nil {
				proc.RecordAwait(mid, sourceTid)
			}
		}

		kind := DeliveryNotification
		if needsResponse {
			kind = DeliveryRequest
		}
		delivery := Delivery{Kind: kind, Source: sourcePid, Body: body, ReplyTo: mid, IfHash: ifhash}

		if pw, ok := r.takeParkedIncoming(handlerPid, ifhash); ok {
			return EmitResult{Mid: mid}, &Wakeup{Pid: handlerPid, Tid: pw.tid, Delivery: delivery}
		}

		q := r.queueFor(handlerPid)
		if len(q.items) >= r.maxPending {
			// Notification overflow: drop the newest (this one), flag overran.
			// Requests already failed fast above via DestinationBusy.
			q.overran = true
			if r.OnOverrun != nil {
				r.OnOverrun(handlerPid)
			}
			return EmitResult{Mid: mid}, nil
		}
		q.items = append(q.items, delivery)
		return EmitResult{Mid: mid}, nil
	}
}

// peekIncoming reports whether pid has a thread parked whose filter would
// admit a delivery on ifhash, without consuming it; used only to decide
// whether a request should bypass the DestinationBusy queue-capacity check
// because it would be handed off directly instead of enqueued.
func (r *Router) peekIncoming(pid id.Pid, ifhash id.IfHash) bool {
	for _, pw := range r.parked[pid] {
		if incomingMatches(pw.filter, ifhash) {
			return true
		}
	}
	return false
}

// Reply implements spec §4.4's reply operation.
func (r *Router) Reply(sourcePid id.Pid, replyToMid id.Mid, body []byte) (ReplyResult, *Wakeup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.requests[replyToMid]
	if !ok || slot.handlerPid != sourcePid {
		return ReplyResult{UnknownReply: true}, nil
	}
	delete(r.requests, replyToMid)
	if proc, err := r.table.Lookup(slot.requesterPid); err == nil {
		proc.ForgetAwait(replyToMid)
	}

	delivery := Delivery{Kind: DeliveryReply, Source: sourcePid, Body: body, ReplyTo: replyToMid}
	wake := r.completeReply(slot.requesterPid, replyToMid, delivery)
	return ReplyResult{}, wake
}

// completeReply either hands the reply directly to a parked thread, or
// stashes it in pendingReplies for when the requester eventually calls
// Wait(AwaitingResponse(mid)). Spec §4.4: "Replies are delivered
// immediately on wake-up and bypass the notification FIFO."
func (r *Router) completeReply(destPid id.Pid, mid id.Mid, delivery Delivery) *Wakeup {
	if pw, ok := r.takeParkedReply(destPid, mid); ok {
		return &Wakeup{Pid: destPid, Tid: pw.tid, Delivery: delivery}
	}
	r.pendingReplies[mid] = delivery
	return nil
}

// Wait implements spec §4.4's wait operation across all three filter
// variants: AnyIncoming, AwaitingReply(Mid) and IncomingOnInterfaces
// ([]IfHash) (the last two mutually exclusive with AnyIncoming on
// runtime.WaitFilter).
func (r *Router) Wait(pid id.Pid, tid id.Tid, filter runtime.WaitFilter) WaitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if filter.AnyIncoming || len(filter.Interfaces) > 0 {
		q := r.queueFor(pid)
		for i, d := range q.items {
			if incomingMatches(filter, d.IfHash) {
				q.items = append(q.items[:i:i], q.items[i+1:]...)
				return WaitResult{Delivery: d}
			}
		}
		if filter.AnyIncoming && q.overran {
			q.overran = false
			return WaitResult{Delivery: Delivery{Overrun: true}}
		}
		r.parked[pid] = append(r.parked[pid], parkedWait{tid: tid, filter: filter})
		return WaitResult{Parked: true}
	}

	if delivery, ok := r.pendingReplies[filter.AwaitingReply]; ok {
		delete(r.pendingReplies, filter.AwaitingReply)
		return WaitResult{Delivery: delivery}
	}
	r.parked[pid] = append(r.parked[pid], parkedWait{tid: tid, filter: filter})
	return WaitResult{Parked: true}
}

// Cancel implements spec §4.4's cancel operation: drops the awaiting-slot
// for a request pid itself emitted, silently discarding any reply that
// arrives afterward.
func (r *Router) Cancel(pid id.Pid, mid id.Mid) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.requests[mid]; ok && slot.requesterPid == pid {
		delete(r.requests, mid)
		if proc, err := r.table.Lookup(pid); err == nil {
			proc.ForgetAwait(mid)
		}
	}
	delete(r.pendingReplies, mid)
}

// OnHandlerDeath implements spec §4.4's "Handler death" rule: every
// awaiting sender of a request owed by handlerPid is woken with
// ResponseError(HandlerDead).
func (r *Router) OnHandlerDeath(handlerPid id.Pid) []Wakeup {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wakeups []Wakeup
	for mid, slot := range r.requests {
		if slot.handlerPid != handlerPid {
			continue
		}
		delete(r.requests, mid)
		if proc, err := r.table.Lookup(slot.requesterPid); err == nil {
			proc.ForgetAwait(mid)
		}
		delivery := Delivery{Kind: DeliveryReply, ReplyTo: mid, HandlerDead: true}
		if pw, ok := r.takeParkedReply(slot.requesterPid, mid); ok {
			wakeups = append(wakeups, Wakeup{Pid: slot.requesterPid, Tid: pw.tid, Delivery: delivery})
		} else {
			r.pendingReplies[mid] = delivery
		}
	}
	return wakeups
}

// OnSenderDeath implements spec §4.4's "When a sender dies with
// outstanding requests it is owed, those slots are cancelled and, on
// reply, discarded." owed is the list Table.Terminate returned for the
// dying process.
func (r *Router) OnSenderDeath(owed []process.AwaitedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range owed {
		delete(r.requests, a.Mid)
		delete(r.pendingReplies, a.Mid)
	}
}

// OnProcessGone drops any parked-wait and notification-queue bookkeeping
// for a process that has fully exited, so the router does not retain
// references to a Pid nothing can ever reach again.
func (r *Router) OnProcessGone(pid id.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.parked, pid)
	delete(r.notifQ, pid)
}
