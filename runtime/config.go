package runtime

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
)

// ModuleConfigFactory builds the wazero.ModuleConfig used to instantiate a
// guest module. Adapted from water's WazeroModuleConfigFactory; trimmed of
// the preopened-directory/network-socket knobs water exposes, since no
// filesystem or socket bridge is part of this kernel's syscall surface
// (spec.md §1 Non-goals) — stdio and clock/rand sources remain, since the
// guest program may still want to print diagnostics.
type ModuleConfigFactory struct {
	moduleConfig wazero.ModuleConfig
}

// NewModuleConfigFactory creates a ModuleConfigFactory with the system
// wall clock, monotonic clock and nanosleep wired in; the random source
// is left at wazero's default. No start function is run at
// instantiation: a guest's entry point is only ever called through
// Store.Start.
func NewModuleConfigFactory() *ModuleConfigFactory {
	return &ModuleConfigFactory{
		moduleConfig: wazero.NewModuleConfig().
			WithSysWalltime().
			WithSysNanotime().
			WithSysNanosleep().
			WithStartFunctions(),
	}
}

func (f *ModuleConfigFactory) Clone() *ModuleConfigFactory {
	if f == nil {
		return nil
	}
	return &ModuleConfigFactory{moduleConfig: f.moduleConfig}
}

func (f *ModuleConfigFactory) GetConfig() wazero.ModuleConfig {
	if f == nil {
		panic("runtime: GetConfig: factory is nil")
	}
	return f.moduleConfig
}

func (f *ModuleConfigFactory) SetArgv(argv []string) {
	f.moduleConfig = f.moduleConfig.WithArgs(argv...)
}

func (f *ModuleConfigFactory) SetEnv(keys, values []string) {
	if len(keys) != len(values) {
		panic("runtime: SetEnv: keys and values must have the same length")
	}
	for i := range keys {
		f.moduleConfig = f.moduleConfig.WithEnv(keys[i], values[i])
	}
}

func (f *ModuleConfigFactory) SetStdin(r io.Reader) {
	f.moduleConfig = f.moduleConfig.WithStdin(r)
}

func (f *ModuleConfigFactory) SetStdout(w io.Writer) {
	f.moduleConfig = f.moduleConfig.WithStdout(w)
}

func (f *ModuleConfigFactory) SetStderr(w io.Writer) {
	f.moduleConfig = f.moduleConfig.WithStderr(w)
}

// RuntimeConfigFactory builds the wazero.RuntimeConfig shared by every
// module compiled through an Engine. Adapted from water's
// WazeroRuntimeConfigFactory, including its global compilation cache
// singleton, which matters here because a kernel may load the same
// ModHash-addressed bytecode for many spawned processes.
type RuntimeConfigFactory struct {
	runtimeConfig    wazero.RuntimeConfig
	compilationCache wazero.CompilationCache
}

func NewRuntimeConfigFactory() *RuntimeConfigFactory {
	return &RuntimeConfigFactory{
		runtimeConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	}
}

func (f *RuntimeConfigFactory) Clone() *RuntimeConfigFactory {
	if f == nil {
		return nil
	}
	return &RuntimeConfigFactory{
		runtimeConfig:    f.runtimeConfig,
		compilationCache: f.compilationCache,
	}
}

func (f *RuntimeConfigFactory) GetConfig() wazero.RuntimeConfig {
	if f == nil {
		panic("runtime: GetConfig: factory is nil")
	}
	if f.compilationCache != nil {
		return f.runtimeConfig.WithCompilationCache(f.compilationCache)
	}
	return f.runtimeConfig.WithCompilationCache(getGlobalCompilationCache())
}

// Interpreter selects the interpreter engine: slower, but available on any
// architecture wazero supports.
func (f *RuntimeConfigFactory) Interpreter() {
	f.runtimeConfig = wazero.NewRuntimeConfigInterpreter()
}

// Compiler selects the ahead-of-time compiler engine.
func (f *RuntimeConfigFactory) Compiler() {
	f.runtimeConfig = wazero.NewRuntimeConfigCompiler()
}

func (f *RuntimeConfigFactory) SetCompilationCache(cache wazero.CompilationCache) {
	f.compilationCache = cache
}

var (
	globalCompilationCache      wazero.CompilationCache
	globalCompilationCacheMutex sync.Mutex
)

func getGlobalCompilationCache() wazero.CompilationCache {
	globalCompilationCacheMutex.Lock()
	defer globalCompilationCacheMutex.Unlock()

	if globalCompilationCache == nil {
		var err error
		globalCompilationCache, err = wazero.NewCompilationCacheWithDir(
			fmt.Sprintf("%s%credshirt-wazero-cache", os.TempDir(), os.PathSeparator))
		if err != nil {
			panic(err)
		}
	}
	return globalCompilationCache
}

// SetGlobalCompilationCache overrides the process-wide compilation cache
// shared by every Engine that does not set its own. Must be called before
// the first module is compiled to take effect everywhere.
func SetGlobalCompilationCache(cache wazero.CompilationCache) {
	globalCompilationCacheMutex.Lock()
	globalCompilationCache = cache
	globalCompilationCacheMutex.Unlock()
}
