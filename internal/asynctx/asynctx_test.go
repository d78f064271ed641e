package asynctx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func TestTxSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	ax := New(context.Background(), 4, func(n int) error {
		sent.Add(1)
		return nil
	}, Hooks[int]{OnAfter: func(int) { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.Send(i); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

func TestTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := New(ctx, 1, func(int) error { time.Sleep(150 * time.Millisecond); return nil }, Hooks[int]{
		OnDrop: func(int) error { drops.Add(1); return errOverflow },
	})
	defer ax.Close()
	if err := ax.Send(1); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	if err := ax.Send(2); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := New(context.Background(), 2, func(int) error { return errSendFail }, Hooks[int]{
		OnError: func(int, error) { errs.Add(1) },
	})
	defer ax.Close()
	_ = ax.Send(1)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestTxCloseStopsProcessing(t *testing.T) {
	var sent atomic.Int64
	ax := New(context.Background(), 2, func(int) error { sent.Add(1); return nil }, Hooks[int]{})
	_ = ax.Send(1)
	ax.Close()
	countAfterClose := sent.Load()
	_ = ax.Send(2)
	time.Sleep(50 * time.Millisecond)
	if sent.Load() != countAfterClose {
		t.Fatalf("item processed after close: before=%d after=%d", countAfterClose, sent.Load())
	}
}

func TestTxSendAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tx := New(ctx, 2, func(int) error { return nil }, Hooks[int]{})
	tx.Close()
	if err := tx.Send(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := New(context.Background(), 1, func(int) error { return nil }, Hooks[int]{})
		done := make(chan error, 1)
		go func() {
			done <- ax.Send(1)
		}()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
