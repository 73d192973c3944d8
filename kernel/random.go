package kernel

import (
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/tomaka/redshirt/id"
)

// Random is the kernel-resident seeded random source (spec §6:
// "kernel.Random (seeded from Config.RNGSeed)"). Seeding from a single
// config value rather than crypto/rand, unlike water's
// WazeroModuleConfigFactory.WithRandSource(rand.Reader) default, is
// deliberate here: a kernel that reproduces a scenario run for testing
// (spec §8) needs a deterministic stream, not a cryptographic one.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a Random seeded with seed.
func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

// Handler adapts Random into an ifreg.KernelHandler. The request body is
// a little-endian uint32 byte count; the reply is that many pseudo-random
// bytes.
func (r *Random) Handler() func(source id.Pid, body []byte) ([]byte, bool) {
	return func(_ id.Pid, body []byte) ([]byte, bool) {
		if len(body) < 4 {
			return nil, false
		}
		n := binary.LittleEndian.Uint32(body[:4])
		if n > 1<<20 {
			return nil, false
		}
		out := make([]byte, n)

		r.mu.Lock()
		_, _ = r.rng.Read(out)
		r.mu.Unlock()

		return out, true
	}
}
