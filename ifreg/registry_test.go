package ifreg_test

import (
	"testing"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifreg"
)

func ifhashOf(b byte) id.IfHash {
	var h id.IfHash
	h[0] = b
	return h
}

func TestRegistry(t *testing.T) {
	t.Run("Register first-come-first-served", testRegisterFirstComeFirstServed)
	t.Run("RegisterKernel cannot be displaced", testRegisterKernelCannotBeDisplaced)
	t.Run("Unregister is idempotent under races", testUnregisterIdempotent)
	t.Run("Resolve reports Unhandled for unknown interface", testResolveUnhandled)
	t.Run("OnProcessDeath revokes only that process's handles", testOnProcessDeathRevokesOwnHandles)
}

func testRegisterFirstComeFirstServed(t *testing.T) {
	reg := ifreg.NewRegistry()
	ifh := ifhashOf(1)

	if err := reg.Register(ifh, id.Pid(1)); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}

	err := reg.Register(ifh, id.Pid(2))
	var already *ifreg.ErrAlreadyRegistered
	if err == nil {
		t.Fatalf("second Register() = nil error, want ErrAlreadyRegistered")
	}
	if !asErrAlreadyRegistered(err, &already) {
		t.Fatalf("second Register() error = %v, want *ErrAlreadyRegistered", err)
	}
	if already.Holder != id.Pid(1) {
		t.Errorf("ErrAlreadyRegistered.Holder = %v, want pid:1", already.Holder)
	}

	res := reg.Resolve(ifh)
	if res.Kind != ifreg.HandledByProcess || res.Pid != id.Pid(1) {
		t.Errorf("Resolve() = %+v, want HandledByProcess(1)", res)
	}
}

func asErrAlreadyRegistered(err error, target **ifreg.ErrAlreadyRegistered) bool {
	e, ok := err.(*ifreg.ErrAlreadyRegistered)
	if ok {
		*target = e
	}
	return ok
}

func testRegisterKernelCannotBeDisplaced(t *testing.T) {
	reg := ifreg.NewRegistry()
	ifh := ifhashOf(2)

	handler := func(source id.Pid, body []byte) ([]byte, bool) { return body, true }
	if err := reg.RegisterKernel(ifh, handler); err != nil {
		t.Fatalf("RegisterKernel() error: %v", err)
	}

	if err := reg.Register(ifh, id.Pid(1)); err == nil {
		t.Errorf("Register() over a kernel slot succeeded, want ErrAlreadyRegistered")
	}

	res := reg.Resolve(ifh)
	if res.Kind != ifreg.HandledByKernel {
		t.Errorf("Resolve() = %+v, want HandledByKernel", res)
	}
}

func testUnregisterIdempotent(t *testing.T) {
	reg := ifreg.NewRegistry()
	ifh := ifhashOf(3)

	reg.Unregister(ifh, id.Pid(1)) // no-op, nothing registered

	if err := reg.Register(ifh, id.Pid(1)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	reg.Unregister(ifh, id.Pid(2)) // wrong holder, no-op
	if res := reg.Resolve(ifh); res.Kind != ifreg.HandledByProcess {
		t.Fatalf("Unregister() by wrong holder displaced the real holder: %+v", res)
	}

	reg.Unregister(ifh, id.Pid(1))
	if res := reg.Resolve(ifh); res.Kind != ifreg.Unhandled {
		t.Errorf("Resolve() after Unregister() = %+v, want Unhandled", res)
	}
}

func testResolveUnhandled(t *testing.T) {
	reg := ifreg.NewRegistry()
	if res := reg.Resolve(ifhashOf(9)); res.Kind != ifreg.Unhandled {
		t.Errorf("Resolve() on unknown interface = %+v, want Unhandled", res)
	}
}

func testOnProcessDeathRevokesOwnHandles(t *testing.T) {
	reg := ifreg.NewRegistry()
	a, b, c := ifhashOf(4), ifhashOf(5), ifhashOf(6)

	if err := reg.Register(a, id.Pid(1)); err != nil {
		t.Fatalf("Register(a) error: %v", err)
	}
	if err := reg.Register(b, id.Pid(1)); err != nil {
		t.Fatalf("Register(b) error: %v", err)
	}
	if err := reg.Register(c, id.Pid(2)); err != nil {
		t.Fatalf("Register(c) error: %v", err)
	}

	revoked := reg.OnProcessDeath(id.Pid(1))
	if len(revoked) != 2 {
		t.Fatalf("OnProcessDeath() revoked %d interfaces, want 2", len(revoked))
	}

	if res := reg.Resolve(a); res.Kind != ifreg.Unhandled {
		t.Errorf("interface a still resolved after its owner died: %+v", res)
	}
	if res := reg.Resolve(c); res.Kind != ifreg.HandledByProcess || res.Pid != id.Pid(2) {
		t.Errorf("unrelated process's interface c was disturbed: %+v", res)
	}
}
