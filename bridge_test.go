package reploop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestBridgeStoreResolve(t *testing.T) {
	s := newBridgeStore()
	f := s.create("req-1")
	s.resolve("req-1", json.RawMessage(`"ok"`))

	result, err := f.await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(result) != `"ok"` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestBridgeStoreFail(t *testing.T) {
	s := newBridgeStore()
	f := s.create("req-1")
	wantErr := errors.New("boom")
	s.fail("req-1", wantErr)

	_, err := f.await(context.Background())
	if err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestBridgeStoreResolveUnknownIDIsNoop(t *testing.T) {
	s := newBridgeStore()
	s.resolve("nonexistent", json.RawMessage(`1`))
}

func TestBridgeStoreDuplicateCreatePanics(t *testing.T) {
	s := newBridgeStore()
	s.create("dup")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate request id")
		}
	}()
	s.create("dup")
}

func TestBridgeStoreFailAll(t *testing.T) {
	s := newBridgeStore()
	f1 := s.create("a")
	f2 := s.create("b")
	wantErr := errors.New("shutdown")
	s.failAll(wantErr)

	for _, f := range []*bridgeFuture{f1, f2} {
		_, err := f.await(context.Background())
		if err != wantErr {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}
	}
}

func TestBridgeFutureAwaitRespectsContextCancellation(t *testing.T) {
	f := newBridgeFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.await(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestBridgeFutureResolveIsOnceOnly(t *testing.T) {
	f := newBridgeFuture()
	f.resolve(json.RawMessage(`1`))
	f.resolve(json.RawMessage(`2`))

	result, err := f.await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(result) != "1" {
		t.Fatalf("expected first resolve to win, got %s", result)
	}
}
