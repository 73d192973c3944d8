package kernel_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifreg"
	"github.com/tomaka/redshirt/kernel"
)

func TestHandlers(t *testing.T) {
	t.Run("RegisterAll reserves every well-known IfHash", testRegisterAllReservesEveryIfHash)
	t.Run("Loader round-trips bytecode by ModHash", testLoaderRoundTrip)
	t.Run("Loader rejects malformed ModHash body", testLoaderRejectsMalformedBody)
	t.Run("Random returns the requested byte count", testRandomReturnsRequestedByteCount)
	t.Run("Random is deterministic for a fixed seed", testRandomDeterministic)
	t.Run("SystemTime reply decodes to a plausible timestamp", testSystemTimeDecodesTimestamp)
	t.Run("MonotonicTime is non-decreasing", testMonotonicTimeNonDecreasing)
}

func testRegisterAllReservesEveryIfHash(t *testing.T) {
	reg := ifreg.NewRegistry()
	h := kernel.New(1, nil)
	if err := h.RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll() error: %v", err)
	}

	for _, ifh := range []id.IfHash{
		kernel.LoaderIfHash,
		kernel.LogIfHash,
		kernel.RandomIfHash,
		kernel.SystemTimeIfHash,
		kernel.MonotonicTimeIfHash,
	} {
		if res := reg.Resolve(ifh); res.Kind != ifreg.HandledByKernel {
			t.Errorf("Resolve(%s) = %+v, want HandledByKernel", ifh, res)
		}
	}
}

func testLoaderRoundTrip(t *testing.T) {
	l := kernel.NewLoader()
	modHash := id.ModHash{0xAA}
	bytecode := []byte{0, 0x61, 0x73, 0x6d}

	if err := l.Put(modHash, bytecode); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, ok := l.Get(modHash)
	if !ok {
		t.Fatalf("Get() ok = false, want true")
	}
	if string(got) != string(bytecode) {
		t.Errorf("Get() = %v, want %v", got, bytecode)
	}

	handler := l.Handler()
	reply, ok := handler(id.Pid(1), modHash[:])
	if !ok || string(reply) != string(bytecode) {
		t.Errorf("Handler()(modHash) = (%v, %v), want (%v, true)", reply, ok, bytecode)
	}
}

func testLoaderRejectsMalformedBody(t *testing.T) {
	l := kernel.NewLoader()
	handler := l.Handler()

	if _, ok := handler(id.Pid(1), []byte{1, 2, 3}); ok {
		t.Errorf("Handler() accepted a non-32-byte body")
	}
}

func testRandomReturnsRequestedByteCount(t *testing.T) {
	r := kernel.NewRandom(42)
	handler := r.Handler()

	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, 16)

	reply, ok := handler(id.Pid(1), req)
	if !ok {
		t.Fatalf("Handler() ok = false")
	}
	if len(reply) != 16 {
		t.Errorf("Handler() returned %d bytes, want 16", len(reply))
	}
}

func testRandomDeterministic(t *testing.T) {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, 8)

	a, _ := kernel.NewRandom(7).Handler()(id.Pid(1), req)
	b, _ := kernel.NewRandom(7).Handler()(id.Pid(1), req)

	if string(a) != string(b) {
		t.Errorf("two Random sources seeded with 7 diverged: %v != %v", a, b)
	}
}

func testSystemTimeDecodesTimestamp(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := kernel.NewSystemTime(func() time.Time { return fixed })

	reply, ok := st.Handler()(id.Pid(1), nil)
	if !ok || len(reply) != 8 {
		t.Fatalf("Handler() = (%v, %v), want an 8-byte reply", reply, ok)
	}
	nanos := int64(binary.LittleEndian.Uint64(reply))
	if nanos != fixed.UnixNano() {
		t.Errorf("decoded nanos = %d, want %d", nanos, fixed.UnixNano())
	}
}

func testMonotonicTimeNonDecreasing(t *testing.T) {
	mt := kernel.NewMonotonicTime()
	handler := mt.Handler()

	first, _ := handler(id.Pid(1), nil)
	second, _ := handler(id.Pid(1), nil)

	if binary.LittleEndian.Uint64(second) < binary.LittleEndian.Uint64(first) {
		t.Errorf("MonotonicTime went backwards: %v then %v", first, second)
	}
}
