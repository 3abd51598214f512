package transport

import (
	"context"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/pkgforge/master/internal/wire"
)

type greetArgs struct {
	Name string `json:"name"`
}

func testProtocol() wire.Protocol {
	return wire.NewProtocol("HELLO", greetArgs{}, "BYE", nil)
}

// inprocAddr returns a fresh inproc:// address per test so parallel table
// entries never collide on the same in-process transport.
func inprocAddr(t *testing.T) string {
	t.Helper()
	return "inproc://" + t.Name()
}

func TestPushPullRoundTrip(t *testing.T) {
	addr := inprocAddr(t)
	ctx := context.Background()
	proto := testProtocol()

	pull, err := NewPull(ctx, addr, proto)
	if err != nil {
		t.Fatalf("NewPull: %v", err)
	}
	defer pull.Close()

	push, err := NewPush(ctx, addr, proto)
	if err != nil {
		t.Fatalf("NewPush: %v", err)
	}
	defer push.Close()

	// Give the PULL listener a moment to come up before the PUSH dials it.
	time.Sleep(20 * time.Millisecond)

	if err := push.Send("HELLO", greetArgs{Name: "builder-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got greetArgs
	verb, err := pull.Recv(&got)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if verb != "HELLO" {
		t.Errorf("verb = %q, want HELLO", verb)
	}
	if got.Name != "builder-1" {
		t.Errorf("Name = %q, want builder-1", got.Name)
	}
}

func TestSendRejectsVerbNotInProtocol(t *testing.T) {
	addr := inprocAddr(t)
	ctx := context.Background()
	proto := testProtocol()

	push, err := NewPush(ctx, addr, proto)
	if err != nil {
		t.Fatalf("NewPush: %v", err)
	}
	defer push.Close()

	if err := push.Send("GOODBYE", nil); err == nil {
		t.Fatal("Send: expected an error for a verb outside the protocol")
	}
}

func TestRecvRejectsUnexpectedVerb(t *testing.T) {
	addr := inprocAddr(t)
	ctx := context.Background()

	// The PULL side only expects BYE; the PUSH side is free to send HELLO,
	// which should surface as a protocol error on receive.
	recvProto := wire.NewProtocol("BYE", nil)
	sendProto := testProtocol()

	pull, err := NewPull(ctx, addr, recvProto)
	if err != nil {
		t.Fatalf("NewPull: %v", err)
	}
	defer pull.Close()

	push, err := NewPush(ctx, addr, sendProto)
	if err != nil {
		t.Fatalf("NewPush: %v", err)
	}
	defer push.Close()

	time.Sleep(20 * time.Millisecond)

	if err := push.Send("HELLO", greetArgs{Name: "builder-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got greetArgs
	if _, err := pull.Recv(&got); err == nil {
		t.Fatal("Recv: expected a protocol error for an unexpected verb")
	}
}

func TestNoArgVerbRoundTrip(t *testing.T) {
	addr := inprocAddr(t)
	ctx := context.Background()
	proto := testProtocol()

	pull, err := NewPull(ctx, addr, proto)
	if err != nil {
		t.Fatalf("NewPull: %v", err)
	}
	defer pull.Close()

	push, err := NewPush(ctx, addr, proto)
	if err != nil {
		t.Fatalf("NewPush: %v", err)
	}
	defer push.Close()

	time.Sleep(20 * time.Millisecond)

	if err := push.Send("BYE", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	verb, _, err := pull.RecvRaw()
	if err != nil {
		t.Fatalf("RecvRaw: %v", err)
	}
	if verb != "BYE" {
		t.Errorf("verb = %q, want BYE", verb)
	}
}

func TestRouterSendToAndRecvFromRoundTripWithDealer(t *testing.T) {
	addr := inprocAddr(t)
	ctx := context.Background()
	proto := testProtocol()

	router, err := NewRouter(ctx, addr, proto, proto)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	defer router.Close()

	dealer := zmq4.NewDealer(ctx)
	defer dealer.Close()
	if err := dealer.Dial(addr); err != nil {
		t.Fatalf("dealer dial: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	raw, err := wire.EncodeArgs(greetArgs{Name: "builder-1"})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	if err := dealer.Send(zmq4.NewMsgFrom([]byte("HELLO"), raw)); err != nil {
		t.Fatalf("dealer send: %v", err)
	}

	identity, verb, _, err := router.RecvRawFrom()
	if err != nil {
		t.Fatalf("RecvRawFrom: %v", err)
	}
	if len(identity) == 0 {
		t.Error("identity: expected a non-empty routing identity from the ROUTER socket")
	}
	if verb != "HELLO" {
		t.Errorf("verb = %q, want HELLO", verb)
	}

	if err := router.SendTo(identity, "HELLO", greetArgs{Name: "ack"}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	msg, err := dealer.Recv()
	if err != nil {
		t.Fatalf("dealer recv: %v", err)
	}
	if len(msg.Frames) != 2 || string(msg.Frames[0]) != "HELLO" {
		t.Fatalf("dealer received frames = %v", msg.Frames)
	}
}
