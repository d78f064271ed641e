// Package evloop owns a single byte-stream device (serial port, SSH
// channel, ...) on a private goroutine: it drains reads into an
// append-only history buffer and serves read/write/dump/stop requests sent
// over a channel.
package evloop

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/logging"
)

// ReqKind identifies the operation carried by a Req.
type ReqKind int

const (
	ReqWrite ReqKind = iota
	ReqRead
	ReqDump
	ReqStop
)

// Req is one request sent to the event loop. Write carries payload bytes;
// the other kinds ignore it.
type Req struct {
	Kind    ReqKind
	Payload []byte
}

// Res is the event loop's reply to a Req.
type Res struct {
	Done  bool
	Value []byte
}

// call pairs a request with its private reply channel, mirroring the
// per-call reply channel pattern used throughout this driver's request/
// response boundaries.
type call struct {
	req   Req
	reply chan Res
}

// Conn is anything the loop can poll: a non-blocking-read-capable,
// blocking-write-capable byte stream (a serial port, an SSH channel, ...).
type Conn interface {
	io.Reader
	io.Writer
}

// Ctl is the handle callers use to talk to a running event loop.
type Ctl struct {
	reqCh  chan call
	done   chan struct{}
	closed atomic.Bool
}

// ErrClosed is returned by Send once the loop has stopped (either via Stop
// or an unrecoverable I/O error).
var ErrClosed = errors.New("evloop: closed")

// Spawn starts the event loop goroutine over conn and returns a Ctl to
// drive it. If logFile is non-empty, every byte read from conn is also
// appended there (truncated on open), mirroring a console transcript.
func Spawn(conn Conn, logFile string, logger *slog.Logger) (*Ctl, error) {
	if logger == nil {
		logger = logging.L()
	}
	var lf *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		lf = f
	}
	done := make(chan struct{})
	ctl := &Ctl{reqCh: make(chan call), done: done}
	l := &loop{
		conn:    conn,
		reqCh:   ctl.reqCh,
		done:    done,
		logFile: lf,
		logger:  logger,
		scratch: make([]byte, 4096),
	}
	go l.run()
	return ctl, nil
}

// Send issues req and blocks for the loop's reply. Returns ErrClosed if the
// loop has already stopped or stops while the request is pending.
func (c *Ctl) Send(req Req) (Res, error) {
	return c.SendTimeout(req, 0)
}

// SendTimeout is Send bounded by a deadline; timeout <= 0 means wait
// indefinitely (but still unblocks if the loop stops). On timeout or loop
// shutdown it returns ErrClosed.
func (c *Ctl) SendTimeout(req Req, timeout time.Duration) (Res, error) {
	if c.closed.Load() {
		return Res{}, ErrClosed
	}
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	reply := make(chan Res, 1)
	select {
	case c.reqCh <- call{req: req, reply: reply}:
	case <-c.done:
		c.closed.Store(true)
		return Res{}, ErrClosed
	case <-timeoutCh:
		return Res{}, ErrClosed
	}
	select {
	case res := <-reply:
		return res, nil
	case <-c.done:
		c.closed.Store(true)
		return Res{}, ErrClosed
	case <-timeoutCh:
		return Res{}, ErrClosed
	}
}

// Stop asks the loop to terminate and waits for its acknowledgement, or for
// the loop to already be gone. Idempotent.
func (c *Ctl) Stop() {
	if c.closed.Swap(true) {
		return
	}
	reply := make(chan Res, 1)
	select {
	case c.reqCh <- call{req: Req{Kind: ReqStop}, reply: reply}:
		select {
		case <-reply:
		case <-c.done:
		}
	case <-c.done:
	}
}
