package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/tomaka/redshirt/internal/log"
)

// Module is a compiled, not-yet-instantiated guest program. Adapted from
// water's core.core pre-Instantiate() state, split out of Engine so one
// compiled Module can be instantiated many times (once per spawned
// process sharing the same ModHash).
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule

	moduleConfig *ModuleConfigFactory
	inline       InlineSyscalls
}

// WithInlineSyscalls binds the non-suspending host functions (emit_reply,
// register, unregister, cancel) this Module's Store will expose under the
// "redshirt" host module alongside the suspending emit/wait pair. Must be
// called before Instantiate.
func (m *Module) WithInlineSyscalls(s InlineSyscalls) *Module {
	m.inline = s
	return m
}

// WithModuleConfig overrides the ModuleConfigFactory used at Instantiate
// time. If never called, NewModuleConfigFactory()'s defaults apply.
func (m *Module) WithModuleConfig(cfg *ModuleConfigFactory) *Module {
	m.moduleConfig = cfg
	return m
}

// Instantiate links the suspending syscalls (emit, wait) alongside the
// non-suspending ones (emit_reply, register, unregister, cancel) as the
// single "redshirt" host module -- see Store for how suspension itself is
// implemented without language-level coroutines -- then instantiates the
// guest module itself. Every syscall the kernel exposes is fixed and
// enumerated up front; unlike water's core.ImportFunction, there is no
// open-ended per-embedder inline-import registration, since spec §6 closes
// the syscall surface at these six.
func (m *Module) Instantiate(ctx context.Context) (*Store, error) {
	store := &Store{
		module: m,
		execs:  make(map[uint64]*execution),
		logger: m.engine.Logger(),
		inline: m.inline,
	}

	syscallHost := m.engine.wazeroRuntime.NewHostModuleBuilder("redshirt")
	syscallHost = syscallHost.NewFunctionBuilder().WithFunc(store.hostEmit).Export("emit")
	syscallHost = syscallHost.NewFunctionBuilder().WithFunc(store.hostWait).Export("wait")
	syscallHost = syscallHost.NewFunctionBuilder().WithFunc(store.hostEmitReply).Export("emit_reply")
	syscallHost = syscallHost.NewFunctionBuilder().WithFunc(store.hostRegister).Export("register")
	syscallHost = syscallHost.NewFunctionBuilder().WithFunc(store.hostUnregister).Export("unregister")
	syscallHost = syscallHost.NewFunctionBuilder().WithFunc(store.hostCancel).Export("cancel")
	if _, err := syscallHost.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("runtime: instantiating suspending-syscall host module: %w", err)
	}

	cfg := m.moduleConfig
	if cfg == nil {
		cfg = NewModuleConfigFactory()
	}

	instance, err := m.engine.wazeroRuntime.InstantiateModule(ctx, m.compiled, cfg.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModule, err)
	}
	store.instance = instance

	log.LDebugf(store.logger, "runtime: module instantiated")
	return store, nil
}

// Close releases the compiled module. Safe to call once all Stores
// derived from it are closed.
func (m *Module) Close(ctx context.Context) error {
	if m.compiled == nil {
		return nil
	}
	err := m.compiled.Close(ctx)
	m.compiled = nil
	return err
}
