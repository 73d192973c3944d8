// Package redshirt is the embedder-facing system interface façade (spec
// §4.6): it wires the WASM runtime adapter, process table, interface
// registry, message router, scheduler and kernel-resident handlers into
// a single Core, and streams process lifecycle and diagnostic Events
// back to the embedder.
package redshirt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifreg"
	"github.com/tomaka/redshirt/internal/log"
	"github.com/tomaka/redshirt/kernel"
	"github.com/tomaka/redshirt/process"
	"github.com/tomaka/redshirt/router"
	"github.com/tomaka/redshirt/runtime"
	"github.com/tomaka/redshirt/scheduler"
)

// DefaultEntryPoint is the exported function name every spawned program
// is started at, matching the WASI `_start` convention the teacher
// relies on for its transport modules.
const DefaultEntryPoint = "_start"

// eventBufferSize bounds how many Events Core buffers; once the buffer is
// full, each new Event is dropped (and a warning logged) rather than
// blocking the scheduler; diagnostics are best-effort, the scheduler's
// forward progress is not.
const eventBufferSize = 256

// Core is the embedder-facing handle for one running kernel instance.
// Generalizes water.Core/NewCoreWithContext from "one transport module
// instance" to "a scheduler driving many processes".
type Core struct {
	config *Config

	engine   *runtime.Engine
	registry *ifreg.Registry
	table    *process.Table
	router   *router.Router
	kernel   *kernel.Handlers
	sched    *scheduler.Scheduler

	schedEvents chan scheduler.Event
	events      chan Event

	mu     sync.Mutex
	closed bool
}

// NewCore creates a Core from config, registers the kernel-resident
// handlers and any extra ones config.KernelHandlers supplies, and
// returns a Core ready for SpawnProgram/RunOnce/RunFor.
func NewCore(ctx context.Context, config *Config) (*Core, error) {
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger()
	engine := runtime.NewEngine(ctx, config.Engine(), logger)
	registry := ifreg.NewRegistry()

	// c is filled in before table/router exist below: table.Create binds
	// c.handleEmitReply etc. as method values, which only ever run long
	// after NewCore has returned and c is fully populated, so the partial
	// state here is never actually observed.
	c := &Core{
		config:      config,
		engine:      engine,
		registry:    registry,
		kernel:      kernel.New(config.RNGSeed, logger),
		schedEvents: make(chan scheduler.Event, eventBufferSize),
		events:      make(chan Event, eventBufferSize),
	}

	table := process.NewTable(engine, process.SyscallBindings{
		EmitReply:  c.handleEmitReply,
		Register:   c.handleRegister,
		Unregister: c.handleUnregister,
		Cancel:     c.handleCancel,
	})
	rtr := router.New(registry, table, config.MaxPendingPerProcessOrDefault())

	c.table = table
	c.router = rtr

	rtr.OnOverrun = func(pid id.Pid) {
		c.emit(Event{Kind: EventQueueOverrun, Pid: pid})
	}
	c.kernel.Log.OnMessage(func(source id.Pid, level kernel.LogLevel, msg string) {
		c.emit(Event{Kind: EventLog, Pid: source, Message: msg})
	})

	if err := c.kernel.RegisterAll(registry); err != nil {
		return nil, fmt.Errorf("redshirt: registering kernel handlers: %w", err)
	}
	for ifhash, handler := range config.KernelHandlers {
		if err := registry.RegisterKernel(ifhash, handler); err != nil {
			return nil, fmt.Errorf("redshirt: registering embedder kernel handler: %w", err)
		}
	}

	c.sched = scheduler.New(table, rtr, c.schedEvents, c.onProcessDeath)

	return c, nil
}

// onProcessDeath revokes a terminated process's interface registrations
// and emits an InterfaceReleased Event for each one revoked.
func (c *Core) onProcessDeath(pid id.Pid) {
	for _, ifhash := range c.registry.OnProcessDeath(pid) {
		c.emit(Event{Kind: EventInterfaceReleased, Pid: pid, IfHash: ifhash})
	}
}

func (c *Core) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.LWarnf(c.config.Logger(), "redshirt: event buffer full, dropping %s event", ev.Kind)
	}
}

// drainSchedEvents translates pending scheduler.Event values into the
// façade's own Event union, non-blocking.
func (c *Core) drainSchedEvents() {
	for {
		select {
		case ev := <-c.schedEvents:
			switch ev.Kind {
			case scheduler.EventProcessExited:
				c.emit(Event{Kind: EventProcessExited, Pid: ev.Pid, Cause: ev.Cause})
			}
		default:
			return
		}
	}
}

// SpawnProgram loads bytecode, content-hashes it into a ModHash, creates
// a process with a single thread at DefaultEntryPoint, and enqueues that
// thread onto the scheduler's run queue. Spec §4.6: "spawn_program(bytecode)
// → Pid | Error". Rejects with ErrTooManyProcesses once Config.MaxProcesses
// live processes are already admitted; counting Pids() and then creating
// are not atomic, so two concurrent SpawnProgram calls can both pass the
// check and together exceed the limit by one, which this kernel accepts
// since only one of them can ever actually be running at a time anyway.
func (c *Core) SpawnProgram(ctx context.Context, bytecode []byte) (id.Pid, error) {
	if c.config.MaxProcesses > 0 && len(c.table.Pids()) >= c.config.MaxProcesses {
		return 0, ErrTooManyProcesses
	}

	modHash := id.ModHash(blake3.Sum256(bytecode))

	pid, tid, err := c.table.Create(ctx, modHash, bytecode, DefaultEntryPoint)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadProgram, err)
	}

	c.sched.Enqueue(pid, tid, nil)
	return pid, nil
}

// handleEmitReply backs the guest-callable emit_reply syscall: it replies
// to replyToMid on pid's behalf via the router and, if that resolved a
// parked waiter, hands the wakeup straight to the scheduler -- this runs
// on the guest's own goroutine mid-call, not inside RunOnce, but that is
// safe because the cooperative scheduler never lets more than one guest
// goroutine run at a time (RunOnce blocks on the call that is making this
// one), so Scheduler.Wake's access to the run queue is never contended.
func (c *Core) handleEmitReply(pid id.Pid, replyToMid id.Mid, body []byte) bool {
	result, wake := c.router.Reply(pid, replyToMid, body)
	if wake != nil {
		c.sched.Wake(*wake)
	}
	return !result.UnknownReply
}

// handleRegister backs the guest-callable register syscall: first-come-
// first-served against the registry (spec §4.3), mirrored into the
// process's own handled-interfaces set so Process.Handles stays accurate.
func (c *Core) handleRegister(pid id.Pid, ifhash id.IfHash) bool {
	if err := c.registry.Register(ifhash, pid); err != nil {
		return false
	}
	if proc, err := c.table.Lookup(pid); err == nil {
		proc.MarkHandles(ifhash)
	}
	c.emit(Event{Kind: EventInterfaceRegistered, Pid: pid, IfHash: ifhash})
	return true
}

// handleUnregister backs the guest-callable unregister syscall. A no-op
// if pid does not hold ifhash, matching Registry.Unregister's
// idempotent-under-races contract.
func (c *Core) handleUnregister(pid id.Pid, ifhash id.IfHash) {
	if res := c.registry.Resolve(ifhash); res.Kind != ifreg.HandledByProcess || res.Pid != pid {
		return
	}
	c.registry.Unregister(ifhash, pid)
	if proc, err := c.table.Lookup(pid); err == nil {
		proc.UnmarkHandles(ifhash)
	}
	c.emit(Event{Kind: EventInterfaceReleased, Pid: pid, IfHash: ifhash})
}

// handleCancel backs the guest-callable cancel syscall: drops pid's
// awaiting-slot for mid so a reply that arrives afterward is silently
// discarded (spec §4.4's cancel operation).
func (c *Core) handleCancel(pid id.Pid, mid id.Mid) {
	c.router.Cancel(pid, mid)
}

// RegisterExtrinsicHandler lets the embedder register a host-side
// (non-guest) interface handler after the core has started, at the same
// first-come-first-served registry every guest process registers
// against. Spec §4.6's extrinsic-handler hook.
func (c *Core) RegisterExtrinsicHandler(ifhash id.IfHash, handler ifreg.KernelHandler) error {
	if err := c.registry.RegisterKernel(ifhash, handler); err != nil {
		return err
	}
	c.emit(Event{Kind: EventInterfaceRegistered, IfHash: ifhash})
	return nil
}

// RunOnce advances the scheduler by exactly one step and returns whether
// it made progress or went idle (every process parked, nothing runnable).
func (c *Core) RunOnce(ctx context.Context) (scheduler.Progress, error) {
	progress, err := c.sched.RunOnce(ctx)
	c.drainSchedEvents()
	return progress, err
}

// RunFor pumps RunOnce in a background goroutine, bounded by ctx or dur,
// whichever comes first, returning once the pump stops -- either because
// the scheduler went idle, ctx was canceled, or dur elapsed. Mirrors the
// teacher's bounded background-worker idiom (transport_module.go's
// StartWorker/WaitWorker) via errgroup instead of a hand-rolled done
// channel.
func (c *Core) RunFor(ctx context.Context, dur time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, dur)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			progress, err := c.RunOnce(ctx)
			if err != nil {
				return err
			}
			if progress.Idle {
				return nil
			}
		}
	})
	return g.Wait()
}

// Events returns the channel Core streams lifecycle and diagnostic
// Events on. The channel is never closed by Core; it stops receiving
// once Close has torn down every process.
func (c *Core) Events() <-chan Event {
	return c.events
}

// Close terminates every live process concurrently (bounded by an
// errgroup, mirroring TransportModule.Close's wait-then-force-close
// idiom) and releases the underlying WASM engine. Safe to call more than
// once.
func (c *Core) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, pid := range c.table.Pids() {
		pid := pid
		g.Go(func() error {
			owed := c.table.Terminate(pid, process.CauseKilled)
			c.router.OnSenderDeath(owed)
			c.onProcessDeath(pid)
			for _, w := range c.router.OnHandlerDeath(pid) {
				_ = w // no scheduler left to run; the wakeup simply has no observer
			}
			c.router.OnProcessGone(pid)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return c.engine.Close()
}
