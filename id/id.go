// Package id defines the opaque identifiers threaded through the rest of
// the kernel: process, thread and message ids are kernel-assigned
// monotonic handles, never reused; interface and module hashes are
// content-derived 32-byte digests compared by byte equality.
package id

import "fmt"

// Pid identifies a process for the lifetime of the core. Never reused.
type Pid uint64

func (p Pid) String() string {
	return fmt.Sprintf("pid:%d", uint64(p))
}

// Tid identifies a thread, unique within the core. Never reused.
type Tid uint64

func (t Tid) String() string {
	return fmt.Sprintf("tid:%d", uint64(t))
}

// Mid identifies a message, unique within the core. Carried on the wire
// of replies so a handler can address a reply back to its request.
type Mid uint64

func (m Mid) String() string {
	return fmt.Sprintf("mid:%d", uint64(m))
}

// IfHash is the 32-byte content hash of an interface's canonical encoding
// (name + ordered message schema fingerprints). See package ifhash.
type IfHash [32]byte

func (h IfHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the zero value, used as a sentinel for "no
// interface"/unset in a few call sites.
func (h IfHash) IsZero() bool {
	return h == IfHash{}
}

// ModHash is the 32-byte content hash of a WASM module's bytecode.
type ModHash [32]byte

func (h ModHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

func (h ModHash) IsZero() bool {
	return h == ModHash{}
}

// Gen is a monotonically increasing, never-reused generator for Pid, Tid
// and Mid. It is the arena-per-kind design note §9 calls for: identifiers
// are stable integer handles, and everything else refers back to them via
// lookups rather than holding direct references.
type Gen struct {
	next uint64
}

// Next returns the next value in the sequence, starting at 1 so the zero
// value of Pid/Tid/Mid can be reserved as "none".
func (g *Gen) Next() uint64 {
	g.next++
	return g.next
}
