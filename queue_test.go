package reploop

import (
	"testing"
	"time"
)

func TestCommandQueueEnqueueRecv(t *testing.T) {
	q := newCommandQueue(2)
	if err := q.enqueue(GenerateStep{CallID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cmd, ok := q.recv()
	if !ok {
		t.Fatalf("expected a command")
	}
	if cmd.callID() != "a" {
		t.Fatalf("expected callID a, got %s", cmd.callID())
	}
}

func TestCommandQueueCloseDrainsBuffered(t *testing.T) {
	q := newCommandQueue(4)
	_ = q.enqueue(GenerateStep{CallID: "x"})
	_ = q.enqueue(GenerateStep{CallID: "y"})
	q.close()

	first, ok := q.recv()
	if !ok || first.callID() != "x" {
		t.Fatalf("expected buffered command x, got %v ok=%v", first, ok)
	}
	second, ok := q.recv()
	if !ok || second.callID() != "y" {
		t.Fatalf("expected buffered command y, got %v ok=%v", second, ok)
	}
	if _, ok := q.recv(); ok {
		t.Fatalf("expected recv to report closed once drained")
	}
}

func TestCommandQueueEnqueueAfterCloseFails(t *testing.T) {
	q := newCommandQueue(1)
	q.close()
	if err := q.enqueue(GenerateStep{CallID: "a"}); err != errQueueClosed {
		t.Fatalf("expected errQueueClosed, got %v", err)
	}
	if q.enqueueOrWarn(GenerateStep{CallID: "a"}) {
		t.Fatalf("expected enqueueOrWarn to report failure after close")
	}
}

func TestCommandQueueCloseIsIdempotent(t *testing.T) {
	q := newCommandQueue(1)
	q.close()
	q.close()
}

func TestEventBusPublishSubscribe(t *testing.T) {
	b := newEventBus()
	ch, unsub := b.subscribe(4)
	defer unsub()

	b.publish(CallStarted{eventHeader: eventHeader{CallID: "a"}, Query: "q"})

	select {
	case e := <-ch:
		cs, ok := e.(CallStarted)
		if !ok || cs.CallID != "a" {
			t.Fatalf("unexpected event %#v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for published event")
	}
}

func TestEventBusFullSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := newEventBus()
	ch, unsub := b.subscribe(1)
	defer unsub()

	b.publish(CallStarted{eventHeader: eventHeader{CallID: "1"}})
	done := make(chan struct{})
	go func() {
		b.publish(CallStarted{eventHeader: eventHeader{CallID: "2"}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber channel")
	}
	<-ch
}

func TestEventBusCloseAllClosesChannels(t *testing.T) {
	b := newEventBus()
	ch, _ := b.subscribe(1)
	b.closeAll()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}
