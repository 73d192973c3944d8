package router_test

import (
	"testing"

	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifreg"
	"github.com/tomaka/redshirt/process"
	"github.com/tomaka/redshirt/router"
	"github.com/tomaka/redshirt/runtime"
)

func newRouter(t *testing.T, maxPending int) (*router.Router, *ifreg.Registry) {
	t.Helper()
	reg := ifreg.NewRegistry()
	table := process.NewTable(nil, process.SyscallBindings{})
	return router.New(reg, table, maxPending), reg
}

func TestRouter(t *testing.T) {
	t.Run("Emit on unhandled interface", testEmitUnhandled)
	t.Run("Emit to a kernel handler completes inline", testEmitKernelHandlerInline)
	t.Run("Emit to a parked waiter hands off directly", testEmitHandsOffToParkedWaiter)
	t.Run("Emit enqueues when no one is waiting", testEmitEnqueuesNotification)
	t.Run("Emit overflow drops newest and flags Overrun", testEmitOverflowDropsNewest)
	t.Run("Emit needing a response fails fast when queue is full", testEmitDestinationBusy)
	t.Run("Reply to unknown Mid", testReplyUnknownMid)
	t.Run("Reply wakes the awaiting requester", testReplyWakesRequester)
	t.Run("OnHandlerDeath wakes every awaiting sender", testOnHandlerDeathWakesSenders)
	t.Run("Cancel makes a later Reply report UnknownReply", testCancelDiscardsLateReply)
	t.Run("Wait(IncomingOnInterfaces) ignores notifications on other interfaces", testWaitIncomingOnInterfaces)
}

func testEmitUnhandled(t *testing.T) {
	r, _ := newRouter(t, 4)
	res, wake := r.Emit(id.Pid(1), id.Tid(1), id.IfHash{}, nil, true)
	if !res.Unhandled {
		t.Errorf("EmitResult.Unhandled = false, want true")
	}
	if wake != nil {
		t.Errorf("Emit() on Unhandled returned a Wakeup")
	}
}

func testEmitKernelHandlerInline(t *testing.T) {
	r, reg := newRouter(t, 4)
	ifh := id.IfHash{1}
	if err := reg.RegisterKernel(ifh, func(source id.Pid, body []byte) ([]byte, bool) {
		return append([]byte("echo:"), body...), true
	}); err != nil {
		t.Fatalf("RegisterKernel() error: %v", err)
	}

	res, wake := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("hi"), true)
	if res.Unhandled || res.DestinationBusy {
		t.Fatalf("EmitResult = %+v, want a successful inline reply", res)
	}
	// the kernel handler completes inline, so the reply is available
	// immediately via Wait(AwaitingResponse(mid)), not a Wakeup.
	if wake != nil {
		t.Errorf("Emit() to a kernel handler with nobody waiting returned a Wakeup")
	}

	wr := r.Wait(id.Pid(1), id.Tid(1), runtime.WaitFilter{AwaitingReply: res.Mid})
	if wr.Parked {
		t.Fatalf("Wait() parked instead of returning the already-completed reply")
	}
	if string(wr.Delivery.Body) != "echo:hi" {
		t.Errorf("Wait() delivery body = %q, want %q", wr.Delivery.Body, "echo:hi")
	}
}

func testEmitHandsOffToParkedWaiter(t *testing.T) {
	r, reg := newRouter(t, 4)
	ifh := id.IfHash{2}
	if err := reg.Register(ifh, id.Pid(2)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	wr := r.Wait(id.Pid(2), id.Tid(1), runtime.WaitFilter{AnyIncoming: true})
	if !wr.Parked {
		t.Fatalf("Wait() with nothing queued did not park")
	}

	res, wake := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("hello"), false)
	if res.Unhandled {
		t.Fatalf("EmitResult.Unhandled = true, want false")
	}
	if wake == nil {
		t.Fatalf("Emit() to a parked waiter returned no Wakeup")
	}
	if wake.Pid != id.Pid(2) || wake.Tid != id.Tid(1) {
		t.Errorf("Wakeup = %+v, want pid:2/tid:1", wake)
	}
	if string(wake.Delivery.Body) != "hello" {
		t.Errorf("Wakeup.Delivery.Body = %q, want %q", wake.Delivery.Body, "hello")
	}
}

func testEmitEnqueuesNotification(t *testing.T) {
	r, reg := newRouter(t, 4)
	ifh := id.IfHash{3}
	if err := reg.Register(ifh, id.Pid(2)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if _, wake := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("a"), false); wake != nil {
		t.Fatalf("Emit() with nobody waiting returned a Wakeup")
	}

	wr := r.Wait(id.Pid(2), id.Tid(1), runtime.WaitFilter{AnyIncoming: true})
	if wr.Parked {
		t.Fatalf("Wait() parked instead of draining the queued notification")
	}
	if string(wr.Delivery.Body) != "a" {
		t.Errorf("Wait() delivery body = %q, want %q", wr.Delivery.Body, "a")
	}
}

func testEmitOverflowDropsNewest(t *testing.T) {
	r, reg := newRouter(t, 1)
	ifh := id.IfHash{4}
	if err := reg.Register(ifh, id.Pid(2)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if _, wake := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("first"), false); wake != nil {
		t.Fatalf("first Emit() returned a Wakeup")
	}
	if _, wake := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("second"), false); wake != nil {
		t.Fatalf("second Emit() (overflow) returned a Wakeup")
	}

	wr := r.Wait(id.Pid(2), id.Tid(1), runtime.WaitFilter{AnyIncoming: true})
	if wr.Parked || string(wr.Delivery.Body) != "first" {
		t.Fatalf("Wait() = %+v, want the first queued item", wr)
	}

	wr = r.Wait(id.Pid(2), id.Tid(1), runtime.WaitFilter{AnyIncoming: true})
	if wr.Parked || !wr.Delivery.Overrun {
		t.Errorf("Wait() after the queue drained = %+v, want a one-shot Overrun signal", wr)
	}

	wr = r.Wait(id.Pid(2), id.Tid(1), runtime.WaitFilter{AnyIncoming: true})
	if !wr.Parked {
		t.Errorf("Wait() after the Overrun signal was consumed should park, got %+v", wr)
	}
}

func testEmitDestinationBusy(t *testing.T) {
	r, reg := newRouter(t, 1)
	ifh := id.IfHash{5}
	if err := reg.Register(ifh, id.Pid(2)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if _, wake := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("fills the queue"), false); wake != nil {
		t.Fatalf("priming Emit() returned a Wakeup")
	}

	res, wake := r.Emit(id.Pid(1), id.Tid(2), ifh, []byte("request"), true)
	if !res.DestinationBusy {
		t.Errorf("EmitResult.DestinationBusy = false, want true once the queue is full")
	}
	if wake != nil {
		t.Errorf("Emit() returning DestinationBusy also returned a Wakeup")
	}
}

func testReplyUnknownMid(t *testing.T) {
	r, _ := newRouter(t, 4)
	res, wake := r.Reply(id.Pid(2), id.Mid(999), []byte("x"))
	if !res.UnknownReply {
		t.Errorf("ReplyResult.UnknownReply = false, want true")
	}
	if wake != nil {
		t.Errorf("Reply() to an unknown Mid returned a Wakeup")
	}
}

func testReplyWakesRequester(t *testing.T) {
	r, reg := newRouter(t, 4)
	ifh := id.IfHash{6}
	if err := reg.Register(ifh, id.Pid(2)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	res, _ := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("req"), true)

	wr := r.Wait(id.Pid(1), id.Tid(1), runtime.WaitFilter{AwaitingReply: res.Mid})
	if !wr.Parked {
		t.Fatalf("requester's Wait() should park until the handler replies")
	}

	replyRes, wake := r.Reply(id.Pid(2), res.Mid, []byte("resp"))
	if replyRes.UnknownReply {
		t.Fatalf("Reply() reported UnknownReply for a live request")
	}
	if wake == nil || wake.Pid != id.Pid(1) || wake.Tid != id.Tid(1) {
		t.Fatalf("Reply() Wakeup = %+v, want pid:1/tid:1", wake)
	}
	if string(wake.Delivery.Body) != "resp" {
		t.Errorf("Wakeup.Delivery.Body = %q, want %q", wake.Delivery.Body, "resp")
	}
}

func testOnHandlerDeathWakesSenders(t *testing.T) {
	r, reg := newRouter(t, 4)
	ifh := id.IfHash{7}
	if err := reg.Register(ifh, id.Pid(2)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	res, _ := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("req"), true)
	wr := r.Wait(id.Pid(1), id.Tid(1), runtime.WaitFilter{AwaitingReply: res.Mid})
	if !wr.Parked {
		t.Fatalf("requester's Wait() should park")
	}

	wakeups := r.OnHandlerDeath(id.Pid(2))
	if len(wakeups) != 1 {
		t.Fatalf("OnHandlerDeath() returned %d wakeups, want 1", len(wakeups))
	}
	w := wakeups[0]
	if w.Pid != id.Pid(1) || w.Tid != id.Tid(1) || !w.Delivery.HandlerDead {
		t.Errorf("Wakeup = %+v, want pid:1/tid:1 with HandlerDead", w)
	}
}

func testCancelDiscardsLateReply(t *testing.T) {
	r, reg := newRouter(t, 4)
	ifh := id.IfHash{8}
	if err := reg.Register(ifh, id.Pid(2)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	res, _ := r.Emit(id.Pid(1), id.Tid(1), ifh, []byte("req"), true)

	r.Cancel(id.Pid(1), res.Mid)

	replyRes, wake := r.Reply(id.Pid(2), res.Mid, []byte("too late"))
	if !replyRes.UnknownReply {
		t.Errorf("Reply() after Cancel: UnknownReply = false, want true")
	}
	if wake != nil {
		t.Errorf("Reply() after Cancel returned a Wakeup, want none")
	}

	// Cancel on a Mid nobody is awaiting (or already replied) is a silent no-op.
	r.Cancel(id.Pid(1), id.Mid(99999))
}

func testWaitIncomingOnInterfaces(t *testing.T) {
	r, reg := newRouter(t, 4)
	ifhA := id.IfHash{9}
	ifhB := id.IfHash{10}
	if err := reg.Register(ifhA, id.Pid(2)); err != nil {
		t.Fatalf("Register(ifhA) error: %v", err)
	}
	if err := reg.Register(ifhB, id.Pid(2)); err != nil {
		t.Fatalf("Register(ifhB) error: %v", err)
	}

	// Notification on ifhA queues up since nobody is parked yet.
	if _, wake := r.Emit(id.Pid(1), id.Tid(1), ifhA, []byte("on-a"), false); wake != nil {
		t.Fatalf("Emit(ifhA) returned a Wakeup")
	}

	// Waiting scoped to ifhB only must not see the queued ifhA notification.
	wr := r.Wait(id.Pid(2), id.Tid(1), runtime.WaitFilter{Interfaces: []id.IfHash{ifhB}})
	if !wr.Parked {
		t.Fatalf("Wait(IncomingOnInterfaces: ifhB) = %+v, want Parked since only ifhA is queued", wr)
	}

	// A notification on ifhB is handed off directly to the parked wait.
	_, wake := r.Emit(id.Pid(1), id.Tid(1), ifhB, []byte("on-b"), false)
	if wake == nil {
		t.Fatalf("Emit(ifhB) with a matching IncomingOnInterfaces wait returned no Wakeup")
	}
	if wake.Pid != id.Pid(2) || wake.Tid != id.Tid(1) {
		t.Errorf("Wakeup = %+v, want pid:2/tid:1", wake)
	}
	if string(wake.Delivery.Body) != "on-b" || wake.Delivery.IfHash != ifhB {
		t.Errorf("Wakeup.Delivery = %+v, want body %q on ifhB", wake.Delivery, "on-b")
	}

	// The ifhA notification queued earlier is still there for a broader wait.
	wr = r.Wait(id.Pid(2), id.Tid(1), runtime.WaitFilter{Interfaces: []id.IfHash{ifhA, ifhB}})
	if wr.Parked || string(wr.Delivery.Body) != "on-a" {
		t.Fatalf("Wait(IncomingOnInterfaces: ifhA, ifhB) = %+v, want the queued ifhA notification", wr)
	}
}
