// Package process implements the process table (spec §4.2): the arena of
// live processes and their threads, owning each process's instantiated
// WASM store and deciding liveness for every other subsystem that needs
// to ask "is Pid still here?"
package process

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/runtime"
)

// State is a process's coarse lifecycle state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateDead
)

// TerminationCause records why a process died, carried by StateDead.
type TerminationCause int

const (
	CauseNone TerminationCause = iota
	CauseExited
	CauseTrap
	CauseProtocolViolation
	CauseKilled
)

func (c TerminationCause) String() string {
	switch c {
	case CauseExited:
		return "exited"
	case CauseTrap:
		return "trap"
	case CauseProtocolViolation:
		return "protocol violation"
	case CauseKilled:
		return "killed"
	default:
		return "none"
	}
}

// AwaitedMessage records a request a thread of this process emitted and
// is waiting on the reply for: the request's Mid and the awaiting Tid.
type AwaitedMessage struct {
	Mid       id.Mid
	AwaitTid  id.Tid
}

// Process is one instantiated guest program: Pid, ModHash, store,
// threads, handled interfaces, awaited messages, state and a refcount.
// Its pending-notification FIFO is not held here; the router keeps one
// per Pid.
type Process struct {
	Pid     id.Pid
	ModHash id.ModHash

	store *runtime.Store

	mu          sync.Mutex
	threads     map[id.Tid]*Thread
	handles     map[id.IfHash]struct{}
	awaited     map[id.Mid]AwaitedMessage
	state       State
	cause       TerminationCause
	refcount    int
}

// ThreadState mirrors spec §3's Thread execution-state variant.
type ThreadState int

const (
	ThreadReady ThreadState = iota
	ThreadSuspended
	ThreadTerminated
)

// SuspendReason is populated when ThreadState == ThreadSuspended.
type SuspendReason int

const (
	SuspendNone SuspendReason = iota
	SuspendAwaitingMessage
	SuspendAwaitingResponse
)

// Thread is one schedulable unit of execution within a Process.
type Thread struct {
	Tid   id.Tid
	Pid   id.Pid
	// Entry is the exported guest function name the thread's first
	// Store.Start call invokes. Unused once Started is true.
	Entry   string
	Started bool

	mu            sync.Mutex
	state         ThreadState
	suspendReason SuspendReason
	awaitMid      id.Mid // valid when suspendReason == SuspendAwaitingResponse
	resumeToken   runtime.ResumeToken
}

func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MarkSuspended records that the thread is now parked awaiting either any
// incoming delivery or specifically a reply to mid, with the resume token
// the runtime adapter produced for this suspension.
func (t *Thread) MarkSuspended(reason SuspendReason, mid id.Mid, token runtime.ResumeToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = ThreadSuspended
	t.suspendReason = reason
	t.awaitMid = mid
	t.resumeToken = token
}

// MarkReady records that the thread is runnable again.
func (t *Thread) MarkReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = ThreadReady
}

// SetResumeToken stashes the resume token for a thread whose suspension
// the scheduler is about to resolve inline (it is enqueued Ready with a
// value rather than parked, but the token is still what Resume needs).
func (t *Thread) SetResumeToken(token runtime.ResumeToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeToken = token
	t.state = ThreadReady
}

// SuspendReason reports why a Suspended thread is parked.
func (t *Thread) SuspendReason() SuspendReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendReason
}

// MarkStarted records that the thread's first Store.Start call has been
// issued, so later turns resume it instead of starting it again.
func (t *Thread) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Started = true
}

// MarkTerminated records that the thread has returned, trapped, or been
// cut short by its process's termination.
func (t *Thread) MarkTerminated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = ThreadTerminated
}

func (t *Thread) ResumeToken() runtime.ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumeToken
}

// ErrProcessGone is returned by Lookup/LookupMut for a dead or unknown
// Pid, matching spec §4.2's "returns Gone for dead Pids".
var ErrProcessGone = fmt.Errorf("process: gone")

// SyscallBindings are the pid-parameterized closures Table.Create binds
// into each process's runtime.InlineSyscalls before instantiating its
// module. Supplied once to NewTable by the façade, which is the only
// caller able to close over the router and interface registry without
// this package importing either -- process cannot import router (router
// already imports process for Table), so these plain func values are the
// only link the two share.
type SyscallBindings struct {
	EmitReply  func(pid id.Pid, replyToMid id.Mid, body []byte) bool
	Register   func(pid id.Pid, ifhash id.IfHash) bool
	Unregister func(pid id.Pid, ifhash id.IfHash)
	Cancel     func(pid id.Pid, mid id.Mid)
}

func (b SyscallBindings) bind(pid id.Pid) runtime.InlineSyscalls {
	var inline runtime.InlineSyscalls
	if b.EmitReply != nil {
		inline.EmitReply = func(replyToMid id.Mid, body []byte) bool { return b.EmitReply(pid, replyToMid, body) }
	}
	if b.Register != nil {
		inline.Register = func(ifhash id.IfHash) bool { return b.Register(pid, ifhash) }
	}
	if b.Unregister != nil {
		inline.Unregister = func(ifhash id.IfHash) { b.Unregister(pid, ifhash) }
	}
	if b.Cancel != nil {
		inline.Cancel = func(mid id.Mid) { b.Cancel(pid, mid) }
	}
	return inline
}

// Table owns every Process for the lifetime of the core. Ownership rule
// (spec §4.2): the table exclusively owns each process's store; every
// other subsystem holds only the Pid/Tid back-reference, never the store
// itself, the arena-per-kind pattern design note §9 calls for.
type Table struct {
	engine   *runtime.Engine
	syscalls SyscallBindings
	gen      id.Gen
	tgen     id.Gen

	mu        sync.RWMutex
	processes map[id.Pid]*Process
}

// NewTable creates an empty process table bound to engine, which compiles
// and instantiates every process's guest module. syscalls binds the
// non-suspending host syscalls (emit_reply, register, unregister, cancel)
// each spawned process's module exposes; its zero value links emit_reply
// and register as always-failing exports and unregister and cancel as
// no-ops.
func NewTable(engine *runtime.Engine, syscalls SyscallBindings) *Table {
	return &Table{
		engine:    engine,
		syscalls:  syscalls,
		processes: make(map[id.Pid]*Process),
	}
}

// Create validates and compiles bytecode, generates the new process's Pid,
// binds its inline syscalls, instantiates the module, and registers the
// resulting process with an initial thread in Ready. Spec §4.2:
// "create(ModHash, bytecode) → Pid". The Pid must exist before
// Instantiate so the bound inline syscalls (which close over it) are
// correct from the guest's very first call.
func (t *Table) Create(ctx context.Context, modHash id.ModHash, bytecode []byte, entry string) (id.Pid, id.Tid, error) {
	module, err := t.engine.Compile(ctx, bytecode)
	if err != nil {
		return 0, 0, err
	}

	pid := id.Pid(t.gen.Next())
	tid := id.Tid(t.tgen.Next())

	store, err := module.WithInlineSyscalls(t.syscalls.bind(pid)).Instantiate(ctx)
	if err != nil {
		return 0, 0, err
	}

	proc := &Process{
		Pid:     pid,
		ModHash: modHash,
		store:   store,
		threads: make(map[id.Tid]*Thread),
		handles: make(map[id.IfHash]struct{}),
		awaited: make(map[id.Mid]AwaitedMessage),
		state:   StateReady,
	}
	proc.threads[tid] = &Thread{Tid: tid, Pid: pid, Entry: entry, state: ThreadReady}

	t.mu.Lock()
	t.processes[pid] = proc
	t.mu.Unlock()

	return pid, tid, nil
}

// SpawnThread creates an additional thread within an already-live process.
// Spec §4.2: "spawn_thread(Pid, entry) → Tid".
func (t *Table) SpawnThread(pid id.Pid, entry string) (id.Tid, error) {
	proc, err := t.LookupMut(pid)
	if err != nil {
		return 0, err
	}

	tid := id.Tid(t.tgen.Next())

	proc.mu.Lock()
	proc.threads[tid] = &Thread{Tid: tid, Pid: pid, Entry: entry, state: ThreadReady}
	proc.mu.Unlock()

	return tid, nil
}

// Terminate marks a process and all its threads Dead/Terminated and
// returns the requests this process was itself awaiting replies to, so
// the caller can cancel those slots (router.OnSenderDeath). It does not
// touch the interface registry or the requests this process owed; the
// caller revokes registrations and calls router.OnHandlerDeath.
func (t *Table) Terminate(pid id.Pid, cause TerminationCause) []AwaitedMessage {
	t.mu.RLock()
	proc, ok := t.processes[pid]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()

	if proc.state == StateDead {
		return nil
	}
	proc.state = StateDead
	proc.cause = cause

	owed := make([]AwaitedMessage, 0, len(proc.awaited))
	for _, a := range proc.awaited {
		owed = append(owed, a)
	}

	for _, th := range proc.threads {
		th.MarkTerminated()
	}

	return owed
}

// Lookup returns the process for pid, or ErrProcessGone if dead/unknown.
func (t *Table) Lookup(pid id.Pid) (*Process, error) {
	t.mu.RLock()
	proc, ok := t.processes[pid]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrProcessGone
	}

	proc.mu.Lock()
	dead := proc.state == StateDead
	proc.mu.Unlock()
	if dead {
		return nil, ErrProcessGone
	}
	return proc, nil
}

// LookupMut is Lookup, named separately (matching spec §4.2's lookup vs
// lookup_mut) to flag call sites that intend to mutate the process, even
// though in this implementation both return the same *Process guarded by
// its own mutex.
func (t *Table) LookupMut(pid id.Pid) (*Process, error) {
	return t.Lookup(pid)
}

// Pids returns every currently live process id, for callers (the façade's
// Close) that need to enumerate the whole table once rather than hold
// its lock across a longer operation.
func (t *Table) Pids() []id.Pid {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pids := make([]id.Pid, 0, len(t.processes))
	for pid, proc := range t.processes {
		proc.mu.Lock()
		dead := proc.state == StateDead
		proc.mu.Unlock()
		if !dead {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	return pids
}

// Store returns the process's instantiated runtime store.
func (p *Process) Store() *runtime.Store {
	return p.store
}

// State returns the process's current lifecycle state and, if Dead, the
// cause.
func (p *Process) State() (State, TerminationCause) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.cause
}

// Thread returns the named thread of this process, or nil.
func (p *Process) Thread(tid id.Tid) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[tid]
}

// Threads returns a snapshot of every thread of this process.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		out = append(out, th)
	}
	return out
}

// AllThreadsTerminated reports whether every thread of this process has
// returned, matching spec §4.5's "Returned: mark thread Terminated; if it
// was the last thread of the process, terminate the process."
func (p *Process) AllThreadsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, th := range p.threads {
		if th.State() != ThreadTerminated {
			return false
		}
	}
	return true
}

// Handles returns a snapshot of the interfaces this process currently
// handles.
func (p *Process) Handles() []id.IfHash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Keys(p.handles)
}

// MarkHandles records that this process now handles ifhash. Called after
// a successful ifreg.Registry.Register, not on the register path itself.
func (p *Process) MarkHandles(ifhash id.IfHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[ifhash] = struct{}{}
}

// UnmarkHandles is the inverse of MarkHandles.
func (p *Process) UnmarkHandles(ifhash id.IfHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, ifhash)
}

// RecordAwait records that this process is awaiting a reply to mid via
// tid, so Terminate can report it as owed if the process dies first.
func (p *Process) RecordAwait(mid id.Mid, tid id.Tid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.awaited[mid] = AwaitedMessage{Mid: mid, AwaitTid: tid}
}

// ForgetAwait drops the awaiting-reply bookkeeping for mid, called once
// the reply (or a HandlerDead/cancellation) has been delivered.
func (p *Process) ForgetAwait(mid id.Mid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.awaited, mid)
}

// Ref/Unref maintain the process's reference count; Unref returns the
// count after decrementing. Nothing in the table or the façade waits on
// the count: Core.Close terminates processes without consulting it.
func (p *Process) Ref() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

func (p *Process) Unref() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refcount--
	return p.refcount
}
