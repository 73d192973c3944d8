package ifhash_test

import (
	"testing"

	"github.com/tomaka/redshirt/ifhash"
)

func TestDerive(t *testing.T) {
	t.Run("stable across calls", testDeriveStable)
	t.Run("differs by name", testDeriveDiffersByName)
	t.Run("differs by message order", testDeriveDiffersByOrder)
	t.Run("SortedMessages normalizes order", testSortedMessagesNormalizesOrder)
}

func sampleMessages() []ifhash.MessageSchema {
	return []ifhash.MessageSchema{
		{Name: "ping", Direction: ifhash.DirectionInbound, SchemaFingerprint: []byte{1}},
		{Name: "pong", Direction: ifhash.DirectionOutbound, SchemaFingerprint: []byte{2}},
	}
}

func testDeriveStable(t *testing.T) {
	a := ifhash.Derive("redshirt.test.echo", sampleMessages())
	b := ifhash.Derive("redshirt.test.echo", sampleMessages())
	if a != b {
		t.Errorf("Derive() not stable across calls: %x != %x", a, b)
	}
}

func testDeriveDiffersByName(t *testing.T) {
	a := ifhash.Derive("redshirt.test.echo", sampleMessages())
	b := ifhash.Derive("redshirt.test.other", sampleMessages())
	if a == b {
		t.Errorf("Derive() produced equal hashes for different interface names")
	}
}

func testDeriveDiffersByOrder(t *testing.T) {
	msgs := sampleMessages()
	reversed := []ifhash.MessageSchema{msgs[1], msgs[0]}

	a := ifhash.Derive("redshirt.test.echo", msgs)
	b := ifhash.Derive("redshirt.test.echo", reversed)
	if a == b {
		t.Errorf("Derive() ignored message order")
	}
}

func testSortedMessagesNormalizesOrder(t *testing.T) {
	msgs := sampleMessages()
	reversed := []ifhash.MessageSchema{msgs[1], msgs[0]}

	a := ifhash.Derive("redshirt.test.echo", ifhash.SortedMessages(msgs))
	b := ifhash.Derive("redshirt.test.echo", ifhash.SortedMessages(reversed))
	if a != b {
		t.Errorf("Derive() over SortedMessages() was order-dependent: %x != %x", a, b)
	}
}
