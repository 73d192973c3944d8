// Package ifhash derives the 32-byte interface hash (spec §6) that
// identifies an interface: the BLAKE3 digest of a canonical, deterministic
// encoding of the interface's name and the ordered schema of its messages.
// Any breaking change to an interface's messages changes its encoding and
// therefore its hash, which is how the kernel avoids a wire-versioning
// scheme for interfaces (spec §1 Non-goals): a new shape is simply a new
// IfHash.
package ifhash

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tomaka/redshirt/id"
	"github.com/zeebo/blake3"
)

// Direction distinguishes messages a handler receives from messages it
// sends, so that flipping a message from inbound to outbound (or vice
// versa) changes the hash even if its name and fingerprint stay the same.
type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// MessageSchema describes one message of an interface for hashing
// purposes. SchemaFingerprint is caller-provided: it is expected to
// already be a digest (or other short deterministic fingerprint) of the
// message's payload schema, not the schema itself.
type MessageSchema struct {
	Name              string
	Direction         Direction
	SchemaFingerprint []byte
}

// protobuf field numbers used for the canonical descriptor encoding below.
// These are wire-format implementation details, not a public schema: the
// descriptor is hashed, never deserialized back by a peer.
const (
	fieldInterfaceName = 1
	fieldMessages      = 2
	fieldMessageName   = 1
	fieldDirection     = 2
	fieldFingerprint   = 3
)

// Derive computes the IfHash of an interface from its name and the
// ordered list of its message schemas. The caller's ordering is part of
// the canonical encoding and therefore part of the hash: reordering two
// messages yields a different IfHash, by design (spec §6: "canonical
// encoding: ... an ordered list of (message-name, direction,
// schema-fingerprint)").
func Derive(name string, messages []MessageSchema) id.IfHash {
	return blake3.Sum256(canonicalEncoding(name, messages))
}

// canonicalEncoding builds the deterministic byte string that gets hashed.
// It uses protobuf's low-level wire encoder (protowire) directly, rather
// than a generated message type, because the encoding only ever needs to
// be produced and hashed -- never parsed back -- and protowire guarantees
// the same field values always serialize to the same bytes, which is the
// one property this function actually needs from a wire format.
func canonicalEncoding(name string, messages []MessageSchema) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldInterfaceName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	for _, m := range messages {
		msgBytes := encodeMessageSchema(m)
		b = protowire.AppendTag(b, fieldMessages, protowire.BytesType)
		b = protowire.AppendBytes(b, msgBytes)
	}

	return b
}

func encodeMessageSchema(m MessageSchema) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMessageName, protowire.BytesType)
	b = protowire.AppendString(b, m.Name)
	b = protowire.AppendTag(b, fieldDirection, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Direction))
	b = protowire.AppendTag(b, fieldFingerprint, protowire.BytesType)
	b = protowire.AppendBytes(b, m.SchemaFingerprint)
	return b
}

// SortedMessages returns a copy of messages sorted by name. Interfaces
// that want order-independent message declarations (most do; a handler
// rarely cares in what order its author listed messages in source) should
// pass their schema through this before calling Derive, so that declaring
// the same messages in a different source order does not silently mint a
// new interface.
func SortedMessages(messages []MessageSchema) []MessageSchema {
	sorted := make([]MessageSchema, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	return sorted
}

// String renders a MessageSchema for diagnostics/logging.
func (m MessageSchema) String() string {
	dir := "in"
	if m.Direction == DirectionOutbound {
		dir = "out"
	}
	return fmt.Sprintf("%s(%s)#%x", m.Name, dir, m.SchemaFingerprint)
}
