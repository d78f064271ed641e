package driver

import (
	"testing"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/console"
)

func callSync(srv *Server, req Request) Response {
	reply := make(chan Response, 1)
	srv.Inbox() <- Call{Req: req, Reply: reply}
	select {
	case resp := <-reply:
		return resp
	case <-time.After(5 * time.Second):
		panic("call timed out")
	}
}

func TestServer_DispatchesGetConfig(t *testing.T) {
	svc := NewService()
	svc.cfg = &Config{Env: map[string]string{"FOO": "bar"}}
	srv := NewServer(svc)
	go srv.Run()
	defer srv.Stop()

	resp := callSync(srv, GetConfigReq{Key: "FOO"})
	cv, ok := resp.(ConfigValueRes)
	if !ok || cv.Value == nil || *cv.Value != "bar" {
		t.Fatalf("expected ConfigValueRes(bar), got %#v", resp)
	}
}

func TestServer_ConcurrentCallsDoNotBlockEachOther(t *testing.T) {
	svc := NewService()
	svc.cfg = &Config{Env: map[string]string{"A": "1", "B": "2"}}
	srv := NewServer(svc)
	go srv.Run()
	defer srv.Stop()

	done := make(chan Response, 2)
	go func() { done <- callSync(srv, GetConfigReq{Key: "A"}) }()
	go func() { done <- callSync(srv, GetConfigReq{Key: "B"}) }()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("concurrent calls did not both complete")
		}
	}
}

func TestServer_WorkerPanicBecomesErrorRes(t *testing.T) {
	svc := NewService()
	svc.serial = &console.Serial{} // Tty left nil: dispatch panics on the nil receiver
	srv := NewServer(svc)
	go srv.Run()
	// Drop the malformed console before stopping: Service.Stop would call
	// Stop on its nil Tty on the tick-loop goroutine, outside any recover.
	defer func() {
		svc.mu.Lock()
		svc.serial = nil
		svc.mu.Unlock()
		srv.Stop()
	}()

	resp := callSync(srv, WriteStringReq{Console: ConsoleSerial, S: "x", Timeout: time.Second})
	er, ok := resp.(ErrorRes)
	if !ok || er.Err.Kind != KindProtocol {
		t.Fatalf("expected ErrorRes(KindProtocol) after a recovered worker panic, got %#v", resp)
	}
}

func TestServer_SurvivesPanicAndServesLaterCalls(t *testing.T) {
	svc := NewService()
	svc.serial = &console.Serial{}
	svc.cfg = &Config{Env: map[string]string{"FOO": "bar"}}
	srv := NewServer(svc)
	go srv.Run()
	defer func() {
		svc.mu.Lock()
		svc.serial = nil
		svc.mu.Unlock()
		srv.Stop()
	}()

	_ = callSync(srv, WriteStringReq{Console: ConsoleSerial, S: "x", Timeout: time.Second})

	resp := callSync(srv, GetConfigReq{Key: "FOO"})
	cv, ok := resp.(ConfigValueRes)
	if !ok || cv.Value == nil || *cv.Value != "bar" {
		t.Fatalf("expected the server to keep serving after a worker panic, got %#v", resp)
	}
}

func TestWithInboxSize_OverridesDefaultBuffer(t *testing.T) {
	srv := NewServer(NewService(), WithInboxSize(4))
	if cap(srv.inbox) != 4 {
		t.Fatalf("expected inbox capacity 4, got %d", cap(srv.inbox))
	}
}

func TestWithInboxSize_ZeroLeavesDefault(t *testing.T) {
	srv := NewServer(NewService(), WithInboxSize(0))
	if cap(srv.inbox) != 16 {
		t.Fatalf("expected default inbox capacity 16, got %d", cap(srv.inbox))
	}
}
