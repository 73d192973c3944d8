// Package ifreg implements the interface registry (spec §4.3): a
// first-come-first-served map from IfHash to whichever process or
// kernel-resident handler currently owns it.
package ifreg

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/tomaka/redshirt/id"
)

// ResolutionKind tags the Resolution union.
type ResolutionKind int

const (
	Unhandled ResolutionKind = iota
	HandledByProcess
	HandledByKernel
)

// KernelHandler is a kernel-resident interface handler: it runs
// synchronously on the router's calling goroutine and returns the reply
// body directly, with no suspension. Grounded on spec §4.4: "If handler
// is the kernel-resident: invokes the handler synchronously."
type KernelHandler func(source id.Pid, body []byte) (reply []byte, ok bool)

// Resolution is the tagged union resolve() returns: HandledByProcess(Pid)
// | Kernel(KernelHandler) | Unhandled, per spec §4.3.
type Resolution struct {
	Kind    ResolutionKind
	Pid     id.Pid
	Handler KernelHandler
}

// ErrAlreadyRegistered is returned by Register when IfHash already has a
// holder; it wraps the current holder's Pid so the caller can report it.
type ErrAlreadyRegistered struct {
	Holder id.Pid
}

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("ifreg: interface already registered to %s", e.Holder)
}

// Registry is the first-come-first-served IfHash -> handler map. Spec
// §4.3's policy: "Registration is first-come, first-served. A process
// handling an interface does not block on further handler contention;
// contenders fail fast."
type Registry struct {
	mu      sync.Mutex
	entries map[id.IfHash]Resolution
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[id.IfHash]Resolution)}
}

// Register attempts to claim ifhash for pid. Atomic test-and-set: if
// already held (by a process or the kernel), returns
// *ErrAlreadyRegistered wrapping the current holder and does not displace
// it.
func (r *Registry) Register(ifhash id.IfHash, pid id.Pid) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[ifhash]; ok {
		return &ErrAlreadyRegistered{Holder: existing.Pid}
	}

	r.entries[ifhash] = Resolution{Kind: HandledByProcess, Pid: pid}
	return nil
}

// RegisterKernel reserves ifhash for a kernel-resident handler. Spec
// §4.3: "reserved slot; cannot be displaced by a process." Once
// kernel-registered, Register for the same IfHash always fails.
func (r *Registry) RegisterKernel(ifhash id.IfHash, handler KernelHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[ifhash]; ok {
		return &ErrAlreadyRegistered{Holder: existing.Pid}
	}

	r.entries[ifhash] = Resolution{Kind: HandledByKernel, Handler: handler}
	return nil
}

// Unregister removes pid's claim on ifhash. A no-op if pid is not the
// current holder (spec §4.3: "idempotent under races with death").
func (r *Registry) Unregister(ifhash id.IfHash, pid id.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[ifhash]
	if !ok || existing.Kind != HandledByProcess || existing.Pid != pid {
		return
	}
	delete(r.entries, ifhash)
}

// Resolve returns the current Resolution for ifhash: Unhandled if nothing
// claims it.
func (r *Registry) Resolve(ifhash id.IfHash) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.entries[ifhash]
	if !ok {
		return Resolution{Kind: Unhandled}
	}
	return res
}

// OnProcessDeath removes every entry handled by pid and returns their
// IfHashes, so the router can fail the in-flight requests of each.
func (r *Registry) OnProcessDeath(pid id.Pid) []id.IfHash {
	r.mu.Lock()
	defer r.mu.Unlock()

	var revoked []id.IfHash
	for ifhash, res := range r.entries {
		if res.Kind == HandledByProcess && res.Pid == pid {
			revoked = append(revoked, ifhash)
		}
	}
	slices.SortFunc(revoked, func(a, b id.IfHash) int {
		return bytes.Compare(a[:], b[:])
	})
	for _, ifhash := range revoked {
		delete(r.entries, ifhash)
	}
	return revoked
}
