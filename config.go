package redshirt

import (
	"encoding/json"
	"os"

	"github.com/tomaka/redshirt/configbuilder"
	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifreg"
	"github.com/tomaka/redshirt/internal/log"
	"github.com/tomaka/redshirt/router"
	"github.com/tomaka/redshirt/runtime"
)

// DefaultMaxPendingPerProcess mirrors router.DefaultMaxPending, so a
// zero-value Config behaves the same as one that spells the knob out.
const DefaultMaxPendingPerProcess = router.DefaultMaxPending

// Config defines the configuration for a Core.
type Config struct {
	// MaxProcesses caps the number of simultaneously live processes the
	// core will admit. Zero means unlimited.
	MaxProcesses int

	// MaxPendingPerProcess bounds each process's notification queue
	// (spec §4.4). Zero means DefaultMaxPendingPerProcess.
	MaxPendingPerProcess int

	// RNGSeed seeds the kernel-resident Random interface (spec §6), so
	// a scenario run can be replayed deterministically.
	RNGSeed int64

	// KernelHandlers lets an embedder register additional kernel-
	// resident interface handlers (beyond the built-in loader/log/
	// random/clock set) at the fixed IfHash values the embedder itself
	// derives via ifhash.Derive.
	KernelHandlers map[id.IfHash]ifreg.KernelHandler

	// EngineConfig configures the wazero engine instantiating guest
	// modules. This field is for advanced use cases and/or debugging
	// purposes only; the zero value uses sane defaults.
	//
	// Caller is supposed to call c.Engine() to get the pointer to the
	// RuntimeConfigFactory. If the pointer is nil, a new one is created
	// and returned.
	EngineConfig *runtime.RuntimeConfigFactory

	// ModuleConfig holds a wazero ModuleConfig (argv, env, stdio); Clone
	// copies it and UnmarshalJSON fills it. NewCore does not apply it:
	// guest modules are instantiated with runtime.NewModuleConfigFactory's
	// defaults whatever this field holds.
	ModuleConfig *runtime.ModuleConfigFactory

	OverrideLogger *log.Logger // essentially a *slog.Logger, aliased to flatten the version discrepancy
}

// Clone creates a deep copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	handlersClone := make(map[id.IfHash]ifreg.KernelHandler, len(c.KernelHandlers))
	for k, v := range c.KernelHandlers {
		handlersClone[k] = v
	}

	return &Config{
		MaxProcesses:         c.MaxProcesses,
		MaxPendingPerProcess: c.MaxPendingPerProcess,
		RNGSeed:              c.RNGSeed,
		KernelHandlers:       handlersClone,
		EngineConfig:         c.EngineConfig.Clone(),
		ModuleConfig:         c.ModuleConfig.Clone(),
		OverrideLogger:       c.OverrideLogger,
	}
}

// MaxPendingPerProcessOrDefault returns MaxPendingPerProcess if set,
// otherwise DefaultMaxPendingPerProcess.
func (c *Config) MaxPendingPerProcessOrDefault() int {
	if c.MaxPendingPerProcess <= 0 {
		return DefaultMaxPendingPerProcess
	}
	return c.MaxPendingPerProcess
}

// Engine returns the EngineConfig, creating one configured for the
// compiler engine if it is nil.
func (c *Config) Engine() *runtime.RuntimeConfigFactory {
	if c.EngineConfig == nil {
		c.EngineConfig = runtime.NewRuntimeConfigFactory()
		c.EngineConfig.Compiler()
	}
	return c.EngineConfig
}

// Module returns the ModuleConfigFactory, creating one with
// runtime.NewModuleConfigFactory's defaults (no stdio attached) if it is
// nil.
func (c *Config) Module() *runtime.ModuleConfigFactory {
	if c.ModuleConfig == nil {
		c.ModuleConfig = runtime.NewModuleConfigFactory()
	}
	return c.ModuleConfig
}

func (c *Config) Logger() *log.Logger {
	if c.OverrideLogger != nil {
		return c.OverrideLogger
	}
	return log.GetDefaultLogger()
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *Config) UnmarshalJSON(data []byte) error {
	var confJSON configbuilder.ConfigJSON
	if err := json.Unmarshal(data, &confJSON); err != nil {
		return err
	}

	c.MaxProcesses = confJSON.MaxProcesses
	c.MaxPendingPerProcess = confJSON.MaxPendingPerProcess
	c.RNGSeed = confJSON.RNGSeed

	c.ModuleConfig = runtime.NewModuleConfigFactory()
	if len(confJSON.Module.Argv) > 0 {
		c.ModuleConfig.SetArgv(confJSON.Module.Argv)
	}

	var envKeys, envValues []string
	for k, v := range confJSON.Module.Env {
		envKeys = append(envKeys, k)
		envValues = append(envValues, v)
	}
	if len(envKeys) > 0 {
		c.ModuleConfig.SetEnv(envKeys, envValues)
	}

	if confJSON.Module.InheritStdin {
		c.ModuleConfig.SetStdin(os.Stdin)
	}
	if confJSON.Module.InheritStdout {
		c.ModuleConfig.SetStdout(os.Stdout)
	}
	if confJSON.Module.InheritStderr {
		c.ModuleConfig.SetStderr(os.Stderr)
	}

	return nil
}

// ConfigFromFile loads a Config from a JSON file on disk.
func ConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
