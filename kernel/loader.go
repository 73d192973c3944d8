// Package kernel implements the kernel-resident interface handlers spec
// §4.6/§6 calls for: a dynamic module loader, a log sink, a seeded
// random source, and the two clock interfaces. Each is wired into an
// ifreg.Registry via RegisterKernel and keeps its slot for the life of
// the registry: a user-space process that later calls Register for the
// same IfHash (the loader's included) gets ErrAlreadyRegistered, so the
// kernel-resident loader is never replaced by a user-space one.
package kernel

import (
	"fmt"
	"os"
	"sync"

	"github.com/blang/vfs/memfs"

	"github.com/tomaka/redshirt/id"
)

// Loader is the kernel-resident dynamic loader: a content-addressed
// ModHash -> bytecode store. Adapted from
// internal/wazerofs/memfs.MemFS.WriteFile/ReadFile, which themselves wrap
// github.com/blang/vfs/memfs; this package talks to blang/vfs/memfs
// directly instead of going through the wazero sys.FS adapter, since the
// loader's only need is "put bytes in, get bytes back out by content
// hash", not a guest-visible filesystem.
type Loader struct {
	fs *memfs.MemFS

	mu sync.Mutex
}

// NewLoader creates an empty Loader.
func NewLoader() *Loader {
	return &Loader{fs: memfs.Create()}
}

func pathFor(modHash id.ModHash) string {
	return "/" + modHash.String()
}

// Put stores bytecode under modHash, overwriting any previous bytes
// stored under the same hash (which, content addressing being what it
// is, would be identical anyway).
func (l *Loader) Put(modHash id.ModHash, bytecode []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.OpenFile(pathFor(modHash), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("kernel: loader: put: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(bytecode); err != nil {
		return fmt.Errorf("kernel: loader: put: %w", err)
	}
	return nil
}

// Get retrieves the bytecode stored under modHash, or ok=false if none is
// stored.
func (l *Loader) Get(modHash id.ModHash) (bytecode []byte, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.OpenFile(pathFor(modHash), os.O_RDONLY, 0)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	st, err := l.fs.Stat(pathFor(modHash))
	if err != nil {
		return nil, false
	}
	buf := make([]byte, st.Size())

	if _, err := f.Read(buf); err != nil {
		return nil, false
	}
	return buf, true
}

// Handler adapts Get into an ifreg.KernelHandler: the request body is
// expected to be a raw 32-byte ModHash; the reply is the stored bytecode,
// or ok=false if unknown (surfaced to the guest as an empty, failed
// reply -- the dynamic loader's own wire contract is an embedder/guest
// concern, not this kernel's).
func (l *Loader) Handler() func(source id.Pid, body []byte) ([]byte, bool) {
	return func(_ id.Pid, body []byte) ([]byte, bool) {
		if len(body) != 32 {
			return nil, false
		}
		var modHash id.ModHash
		copy(modHash[:], body)
		return l.Get(modHash)
	}
}
