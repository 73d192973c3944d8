package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/internal/log"
)

// Store is one instantiated guest module: its linear memory, tables,
// globals, and the bookkeeping needed to suspend/resume its threads.
// Adapted from water's core.core post-Instantiate() state (instance
// api.Module, Invoke), generalized from "one conn-driving goroutine" to
// "one goroutine per suspended thread", since a process may have more
// than one thread suspended at once even though the scheduler only ever
// resumes one at a time (spec §5: single-threaded cooperative core).
type Store struct {
	module   *Module
	instance api.Module
	logger   *log.Logger
	inline   InlineSyscalls

	mu    sync.Mutex
	execs map[uint64]*execution

	closeOnce sync.Once
}

// execution tracks one in-flight (possibly suspended) call of a guest
// exported function on behalf of one Tid.
type execution struct {
	tid id.Tid
	gen uint64

	// resumeCh delivers the value that unblocks a parked host call;
	// outcomeCh delivers the next ExecOutcome back to Start/Resume.
	// resumeCh is unbuffered and outcomeCh holds at most one outcome:
	// exactly one side is ever waiting at a time, which is what makes
	// this a handshake rather than a queue.
	resumeCh  chan ResumeValue
	outcomeCh chan ExecOutcome
}

type tidContextKey struct{}

func tidFromContext(ctx context.Context) uint64 {
	v, _ := ctx.Value(tidContextKey{}).(uint64)
	return v
}

func (s *Store) execution(tid uint64) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[tid]
}

// Start begins execution of an exported guest function on behalf of tid.
// It blocks until the guest returns, traps, or suspends on emit/wait.
//
// Suspension is implemented without language-level coroutines: the guest
// call runs on its own goroutine, and the suspending host function
// (hostEmit/hostWait) blocks that goroutine on an unbuffered channel read
// instead of returning to wazero. Start/Resume observe this as the
// goroutine handing an ExecOutcome back over a second channel, which is
// exactly the "park a handle, resume it later" contract design note §9
// asks for -- the WASM call stack genuinely stays frozen mid-call, it is
// just a blocked Go goroutine underneath it rather than a saved
// continuation.
func (s *Store) Start(ctx context.Context, tid id.Tid, funcName string, args ...uint64) (ExecOutcome, error) {
	if s.instance == nil {
		return ExecOutcome{}, ErrNotInstantiated
	}

	fn := s.instance.ExportedFunction(funcName)
	if fn == nil {
		return ExecOutcome{}, fmt.Errorf("%w: exported function %q", ErrMissingImport, funcName)
	}

	exec := &execution{
		tid:       tid,
		resumeCh:  make(chan ResumeValue),
		outcomeCh: make(chan ExecOutcome, 1),
	}

	s.mu.Lock()
	s.execs[uint64(tid)] = exec
	s.mu.Unlock()

	callCtx := context.WithValue(ctx, tidContextKey{}, uint64(tid))

	go func() {
		results, err := fn.Call(callCtx, args...)
		if err != nil {
			exec.outcomeCh <- ExecOutcome{Kind: ExecTrapped, TrapCause: err}
			return
		}
		exec.outcomeCh <- ExecOutcome{Kind: ExecReturned, Values: results}
	}()

	return <-exec.outcomeCh, nil
}

// Resume continues a previously suspended thread, delivering value as the
// return of the suspending call. A stale token -- one whose generation
// does not match the execution's current generation, which is bumped on
// every resume -- is rejected rather than silently ignored.
func (s *Store) Resume(ctx context.Context, token ResumeToken, value ResumeValue) (ExecOutcome, error) {
	exec := s.execution(uint64(token.tid))
	if exec == nil || exec.gen != token.gen {
		return ExecOutcome{}, ErrStaleResumeToken
	}

	exec.gen++
	exec.resumeCh <- value

	return <-exec.outcomeCh, nil
}

// Forget drops the bookkeeping for a thread once it has returned,
// trapped, or been terminated. The scheduler calls this after observing a
// terminal ExecOutcome.
func (s *Store) Forget(tid id.Tid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, uint64(tid))
}

func (s *Store) hostEmit(ctx context.Context, ifhashPtr, ifhashLen, bodyPtr, bodyLen, needsResponse uint32) uint64 {
	tid := tidFromContext(ctx)
	exec := s.execution(tid)
	if exec == nil {
		panic(fmt.Sprintf("runtime: emit called from unknown thread (tid=%d)", tid))
	}

	ifhashBytes, ok := s.read(ifhashPtr, ifhashLen)
	if !ok || len(ifhashBytes) != 32 {
		panic("runtime: emit: invalid interface hash buffer")
	}
	var ifhash id.IfHash
	copy(ifhash[:], ifhashBytes)

	body, ok := s.read(bodyPtr, bodyLen)
	if !ok {
		panic("runtime: emit: invalid body buffer")
	}

	exec.outcomeCh <- ExecOutcome{
		Kind: ExecSuspended,
		Syscall: SyscallRequest{
			Kind:          SyscallEmit,
			IfHash:        ifhash,
			Body:          body,
			NeedsResponse: needsResponse != 0,
		},
		ResumeToken: ResumeToken{tid: id.Tid(tid), gen: exec.gen},
	}

	resumed := <-exec.resumeCh
	switch {
	case resumed.Unhandled:
		return packEmitResult(0, emitUnhandled)
	case resumed.DestinationBusy:
		return packEmitResult(0, emitBusy)
	default:
		return packEmitResult(uint64(resumed.Mid), emitOk)
	}
}

// wait's filterKind tags which of spec §4.4's three filter variants the
// guest passed; waitFilterInterfaces's operands live in guest memory
// (ifacesPtr/ifacesCount) rather than in a register-sized argument since a
// filter set is unbounded.
const (
	waitFilterAnyIncoming uint32 = iota
	waitFilterAwaitingReply
	waitFilterInterfaces
)

func (s *Store) hostWait(ctx context.Context, filterKind uint32, filterMid uint64, ifacesPtr, ifacesCount, bufPtr, bufCap uint32) uint64 {
	tid := tidFromContext(ctx)
	exec := s.execution(tid)
	if exec == nil {
		panic(fmt.Sprintf("runtime: wait called from unknown thread (tid=%d)", tid))
	}

	var filter WaitFilter
	switch filterKind {
	case waitFilterAwaitingReply:
		filter.AwaitingReply = id.Mid(filterMid)
	case waitFilterInterfaces:
		raw, ok := s.read(ifacesPtr, ifacesCount*32)
		if !ok {
			panic("runtime: wait: invalid interface filter buffer")
		}
		filter.Interfaces = make([]id.IfHash, ifacesCount)
		for i := range filter.Interfaces {
			copy(filter.Interfaces[i][:], raw[i*32:(i+1)*32])
		}
	default:
		filter.AnyIncoming = true
	}

	exec.outcomeCh <- ExecOutcome{
		Kind: ExecSuspended,
		Syscall: SyscallRequest{
			Kind:   SyscallWait,
			Filter: filter,
		},
		ResumeToken: ResumeToken{tid: id.Tid(tid), gen: exec.gen},
	}

	resumed := <-exec.resumeCh
	if !resumed.Overrun && len(resumed.DeliveryBody) > 0 {
		n := len(resumed.DeliveryBody)
		if uint32(n) > bufCap {
			n = int(bufCap)
		}
		_ = s.instance.Memory().Write(bufPtr, resumed.DeliveryBody[:n])
	}
	return packDelivery(resumed)
}

// emitTag values occupy the top byte of the packed emit result; the
// bottom 56 bits carry the Mid when the tag is emitOk.
type emitTag uint64

const (
	emitOk emitTag = iota
	emitUnhandled
	emitBusy
)

// packEmitResult/packDelivery encode the guest-visible return value of
// emit/wait into a single uint64, the way a real syscall ABI would. The
// exact bit layout is this kernel's own convention, not a wire format any
// other implementation needs to match.
func packEmitResult(mid uint64, tag emitTag) uint64 {
	return uint64(tag)<<56 | (mid &^ (0xff << 56))
}

func packDelivery(v ResumeValue) uint64 {
	if v.Overrun {
		return 1 << 63
	}
	return uint64(v.DeliveryKind)<<32 | uint64(uint32(len(v.DeliveryBody)))
}

// hostEmitReply, hostRegister, hostUnregister and hostCancel wire the
// non-suspending syscalls: they decode guest memory/arguments and call
// straight into the closures Module.WithInlineSyscalls bound, never
// touching execs since none of the four ever suspends the calling thread.

func (s *Store) hostEmitReply(_ context.Context, replyToMid uint64, bodyPtr, bodyLen uint32) uint64 {
	if s.inline.EmitReply == nil {
		return 0
	}
	body, ok := s.read(bodyPtr, bodyLen)
	if !ok {
		panic("runtime: emit_reply: invalid body buffer")
	}
	if s.inline.EmitReply(id.Mid(replyToMid), body) {
		return 1
	}
	return 0
}

func (s *Store) hostRegister(_ context.Context, ifhashPtr, ifhashLen uint32) uint64 {
	if s.inline.Register == nil {
		return 0
	}
	ifhashBytes, ok := s.read(ifhashPtr, ifhashLen)
	if !ok || len(ifhashBytes) != 32 {
		panic("runtime: register: invalid interface hash buffer")
	}
	var ifhash id.IfHash
	copy(ifhash[:], ifhashBytes)
	if s.inline.Register(ifhash) {
		return 1
	}
	return 0
}

func (s *Store) hostUnregister(_ context.Context, ifhashPtr, ifhashLen uint32) {
	if s.inline.Unregister == nil {
		return
	}
	ifhashBytes, ok := s.read(ifhashPtr, ifhashLen)
	if !ok || len(ifhashBytes) != 32 {
		panic("runtime: unregister: invalid interface hash buffer")
	}
	var ifhash id.IfHash
	copy(ifhash[:], ifhashBytes)
	s.inline.Unregister(ifhash)
}

func (s *Store) hostCancel(_ context.Context, mid uint64) {
	if s.inline.Cancel == nil {
		return
	}
	s.inline.Cancel(id.Mid(mid))
}

// Read copies len bytes starting at ptr out of the guest's linear memory.
// Grounded on the bounds-checked requireRead helper of the wapc-go wazero
// engine: wazero's own Memory.Read already bounds-checks and returns ok=
// false rather than panicking, but callers across this kernel want an
// error, not a boolean, so this wraps that in ErrOutOfBounds.
func (s *Store) Read(ptr, length uint32) ([]byte, error) {
	b, ok := s.read(ptr, length)
	if !ok {
		return nil, ErrOutOfBounds
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *Store) read(ptr, length uint32) ([]byte, bool) {
	if s.instance == nil {
		return nil, false
	}
	return s.instance.Memory().Read(ptr, length)
}

// Write copies data into the guest's linear memory starting at ptr.
func (s *Store) Write(ptr uint32, data []byte) error {
	if s.instance == nil {
		return ErrNotInstantiated
	}
	if !s.instance.Memory().Write(ptr, data) {
		return ErrOutOfBounds
	}
	return nil
}

// Close releases the instantiated module.
func (s *Store) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.instance != nil {
			if err := s.instance.Close(ctx); err != nil {
				closeErr = fmt.Errorf("runtime: (*wazero/api.Module).Close: %w", err)
			}
			s.instance = nil
		}
	})
	return closeErr
}
