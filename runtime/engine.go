package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/tomaka/redshirt/internal/log"
)

// Engine is the process-wide (or embedder-wide) WASM runtime: it owns the
// wazero.Runtime and compiles guest bytecode into Modules. Adapted from
// water's core.core + NewCoreWithContext, split so that "compile once,
// instantiate many times" -- the shape a kernel needs, since the same
// ModHash-addressed bytecode is typically spawned as more than one process
// -- is a first-class operation instead of being folded into a single
// struct that does both.
type Engine struct {
	ctx           context.Context
	runtimeConfig *RuntimeConfigFactory
	wazeroRuntime wazero.Runtime

	logger *log.Logger

	closeOnce sync.Once
}

// NewEngine creates an Engine bound to ctx. When cfg has wazero's
// WithCloseOnContextDone enabled (NewRuntimeConfigFactory's default),
// closing ctx tears down every Module/Store compiled or instantiated from
// this Engine; a factory switched with Interpreter or Compiler no longer
// carries that setting.
func NewEngine(ctx context.Context, cfg *RuntimeConfigFactory, logger *log.Logger) *Engine {
	if cfg == nil {
		cfg = NewRuntimeConfigFactory()
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	e := &Engine{
		ctx:           ctx,
		runtimeConfig: cfg,
		logger:        logger,
	}
	e.wazeroRuntime = wazero.NewRuntimeWithConfig(ctx, cfg.GetConfig())

	goruntime.SetFinalizer(e, func(e *Engine) {
		_ = e.Close()
	})

	return e
}

// Compile validates and compiles bytecode into a Module. A module whose
// imports/exports wazero cannot validate is reported as ErrBadModule,
// matching spec's "BadModule" compile-time outcome.
func (e *Engine) Compile(ctx context.Context, bytecode []byte) (*Module, error) {
	compiled, err := e.wazeroRuntime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModule, err)
	}

	return &Module{
		engine:   e,
		compiled: compiled,
	}, nil
}

// Close releases the underlying wazero.Runtime and every Module/Store
// derived from it.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		if e.wazeroRuntime != nil {
			if err := e.wazeroRuntime.Close(e.ctx); err != nil {
				closeErr = fmt.Errorf("runtime: (*wazero.Runtime).Close: %w", err)
			}
			e.wazeroRuntime = nil
		}
	})
	return closeErr
}

func (e *Engine) Logger() *log.Logger {
	return e.logger
}
