package tty

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/evloop"
)

// fakeConn is a minimal evloop.Conn whose Read drains a queue of canned
// chunks, one per call, and whose Write records everything sent to it. All
// fields are mutex-guarded since tests feed chunks and inspect writes from a
// goroutine racing the evloop's own polling goroutine.
type fakeConn struct {
	mu     sync.Mutex
	chunks [][]byte
	idx    int
	writes []byte
}

func (f *fakeConn) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.chunks) {
		return 0, fakeTimeout{}
	}
	chunk := f.chunks[f.idx]
	f.idx++
	n := copy(b, chunk)
	return n, nil
}

func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, b...)
	return len(b), nil
}

func (f *fakeConn) feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, b)
}

func (f *fakeConn) writtenString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.writes)
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string { return "timeout" }
func (fakeTimeout) Timeout() bool { return true }

func newTestTty(t *testing.T, conn evloop.Conn, setting Setting) *Tty {
	t.Helper()
	ctl, err := evloop.Spawn(conn, "", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	tt := New(ctl, ANSIDecoder{}, setting)
	t.Cleanup(tt.StopEvLoop)
	return tt
}

func TestWaitString_MatchesAcrossChunks(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{[]byte("boot"), []byte("ing kernel..."), []byte("login: ")}}
	tt := newTestTty(t, conn, Setting{Linebreak: "\n"})

	out, err := tt.WaitString("login:", 5*time.Second)
	if err != nil {
		t.Fatalf("wait_string: %v", err)
	}
	if !strings.Contains(out, "login:") {
		t.Fatalf("expected captured buffer to contain login prompt, got %q", out)
	}
}

func TestWaitString_TimesOutWithoutMatch(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{[]byte("nothing relevant")}}
	tt := newTestTty(t, conn, Setting{Linebreak: "\n"})

	_, err := tt.WaitString("login:", 500*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWaitString_DoesNotRematchAlreadyConsumedText(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{[]byte("READY\n"), []byte("more output\n")}}
	tt := newTestTty(t, conn, Setting{Linebreak: "\n"})

	if _, err := tt.WaitString("READY", 3*time.Second); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	// The cut point has advanced past READY; a second wait for the same
	// text must time out rather than match the already-consumed buffer.
	_, err := tt.WaitString("READY", 500*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout on re-match of consumed text, got %v", err)
	}
}

func TestExec_EchoDisabled_ParsesExitCode(t *testing.T) {
	conn := &fakeConn{}
	tt := newTestTty(t, conn, Setting{DisableEcho: true, Linebreak: "\n"})

	// Feed the echoed tag lines once the command has been written: the
	// conn's Read queue is consulted lazily by the event loop, so we can
	// seed it before calling Exec because the loop polls on its own
	// goroutine and Exec blocks waiting on WaitString-style polling.
	go func() {
		// The event loop services its first request about a second after
		// Spawn, so poll until the wrapped command has really been written.
		var written string
		for deadline := time.Now().Add(3 * time.Second); written == "" && time.Now().Before(deadline); {
			time.Sleep(10 * time.Millisecond)
			written = conn.writtenString()
		}
		if written == "" {
			return
		}
		tagStart := strings.Index(written, "echo ") + len("echo ")
		tagEnd := strings.Index(written[tagStart:], ";")
		tag := written[tagStart : tagStart+tagEnd]
		conn.feed([]byte(tag + "\nhello\n-0" + tag + "\n"))
	}()

	code, out, err := tt.Exec("echo hello", 3*time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("expected captured output to contain hello, got %q", out)
	}
}

func TestExec_NonZeroExitCode(t *testing.T) {
	conn := &fakeConn{}
	tt := newTestTty(t, conn, Setting{DisableEcho: true, Linebreak: "\n"})

	go func() {
		var written string
		for deadline := time.Now().Add(3 * time.Second); written == "" && time.Now().Before(deadline); {
			time.Sleep(10 * time.Millisecond)
			written = conn.writtenString()
		}
		if written == "" {
			return
		}
		tagStart := strings.Index(written, "echo ") + len("echo ")
		tagEnd := strings.Index(written[tagStart:], ";")
		tag := written[tagStart : tagStart+tagEnd]
		conn.feed([]byte(tag + "\n-17" + tag + "\n"))
	}()

	code, _, err := tt.Exec("false", 3*time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if code != 17 {
		t.Fatalf("expected exit code 17, got %d", code)
	}
}

func TestCancel_UnblocksWaitString(t *testing.T) {
	conn := &fakeConn{}
	tt := newTestTty(t, conn, Setting{Linebreak: "\n"})

	done := make(chan error, 1)
	go func() {
		_, err := tt.WaitString("never", 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	tt.Cancel()

	select {
	case err := <-done:
		if err != ErrCancel {
			t.Fatalf("expected ErrCancel, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait_string did not unblock after Cancel")
	}
}
