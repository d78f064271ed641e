package console

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/tty"
)

type fakePort struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes bytes.Buffer
	closed bool
}

type fakePortTimeout struct{}

func (fakePortTimeout) Error() string { return "i/o timeout" }
func (fakePortTimeout) Timeout() bool { return true }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() == 0 {
		return 0, fakePortTimeout{}
	}
	return p.buf.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.WriteString(s)
}

func TestDialSerial_OpensAndWiresEvLoop(t *testing.T) {
	port := &fakePort{}
	restore := openSerialPort
	openSerialPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
		if name != "/dev/ttyUSB0" || baud != 115200 {
			t.Fatalf("unexpected open args: %s %d", name, baud)
		}
		return port, nil
	}
	defer func() { openSerialPort = restore }()

	s, err := DialSerial(SerialConfig{Device: "/dev/ttyUSB0", Baud: 115200}, tty.Setting{Linebreak: "\n"}, "")
	if err != nil {
		t.Fatalf("dial serial: %v", err)
	}
	defer s.Stop()

	port.feed("ready\n")
	out, err := s.WaitString("ready", 3*time.Second)
	if err != nil {
		t.Fatalf("wait_string: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty captured buffer")
	}
}

func TestSerialStop_ClosesPort(t *testing.T) {
	port := &fakePort{}
	restore := openSerialPort
	openSerialPort = func(string, int, time.Duration) (Port, error) { return port, nil }
	defer func() { openSerialPort = restore }()

	s, err := DialSerial(SerialConfig{Device: "/dev/ttyUSB0", Baud: 9600}, tty.Setting{Linebreak: "\n"}, "")
	if err != nil {
		t.Fatalf("dial serial: %v", err)
	}
	s.Stop()

	port.mu.Lock()
	closed := port.closed
	port.mu.Unlock()
	if !closed {
		t.Fatal("expected port to be closed after Stop")
	}
}
