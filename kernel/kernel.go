package kernel

import (
	"time"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifhash"
	"github.com/tomaka/redshirt/ifreg"
	"github.com/tomaka/redshirt/internal/log"
)

// well-known interface names the kernel reserves at startup. Each hashes
// (via ifhash.Derive) to the IfHash a guest must target to reach that
// kernel-resident handler; the message schema is deliberately coarse
// (every kernel interface takes an opaque byte body) since these are
// system interfaces, not part of the interface-hash scheme user
// processes mint for each other.
const (
	nameLoader        = "redshirt.kernel.loader"
	nameLog           = "redshirt.kernel.log"
	nameRandom        = "redshirt.kernel.random"
	nameSystemTime    = "redshirt.kernel.system_time"
	nameMonotonicTime = "redshirt.kernel.monotonic_time"
)

var kernelMessageSchema = []ifhash.MessageSchema{
	{Name: "request", Direction: ifhash.DirectionInbound},
	{Name: "reply", Direction: ifhash.DirectionOutbound},
}

// LoaderIfHash, LogIfHash, RandomIfHash, SystemTimeIfHash and
// MonotonicTimeIfHash are the fixed IfHash values every embedding of this
// kernel exposes its resident handlers under.
var (
	LoaderIfHash        = ifhash.Derive(nameLoader, kernelMessageSchema)
	LogIfHash           = ifhash.Derive(nameLog, kernelMessageSchema)
	RandomIfHash        = ifhash.Derive(nameRandom, kernelMessageSchema)
	SystemTimeIfHash    = ifhash.Derive(nameSystemTime, kernelMessageSchema)
	MonotonicTimeIfHash = ifhash.Derive(nameMonotonicTime, kernelMessageSchema)
)

// Handlers bundles every kernel-resident handler the façade constructs at
// startup (spec §4.6, SPEC_FULL.md's kernel module section).
type Handlers struct {
	Loader        *Loader
	Log           *Log
	Random        *Random
	SystemTime    *SystemTime
	MonotonicTime *MonotonicTime
}

// New constructs the full set of kernel-resident handlers. rngSeed seeds
// Random; logger (may be nil) backs Log.
func New(rngSeed int64, logger *log.Logger) *Handlers {
	return &Handlers{
		Loader:        NewLoader(),
		Log:           NewLog(logger),
		Random:        NewRandom(rngSeed),
		SystemTime:    NewSystemTime(time.Now),
		MonotonicTime: NewMonotonicTime(),
	}
}

// RegisterAll reserves every kernel-resident handler's well-known IfHash
// in reg. Called once at core startup, before any process can race a
// registration in -- per spec §4.3's "reserved slot; cannot be displaced
// by a process" guarantee, this must happen before the scheduler's run
// loop ever starts stepping guest code.
func (h *Handlers) RegisterAll(reg *ifreg.Registry) error {
	for _, kv := range []struct {
		ifhash  id.IfHash
		handler ifreg.KernelHandler
	}{
		{LoaderIfHash, h.Loader.Handler()},
		{LogIfHash, h.Log.Handler()},
		{RandomIfHash, h.Random.Handler()},
		{SystemTimeIfHash, h.SystemTime.Handler()},
		{MonotonicTimeIfHash, h.MonotonicTime.Handler()},
	} {
		if err := reg.RegisterKernel(kv.ifhash, kv.handler); err != nil {
			return err
		}
	}
	return nil
}
