package driver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/logging"
)

// tickInterval is the Server's idle poll cadence: how often it checks the
// stop channel and the inbox when neither has anything pending.
const tickInterval = 16 * time.Millisecond

// Call is one inbound request paired with its own reply channel, mirroring
// the per-call reply channel the ScriptHost boundary uses.
type Call struct {
	Req   Request
	Reply chan Response
}

// Server runs a tick loop on its own goroutine: each tick it drains one
// pending stop signal or one pending Call, spawning a worker goroutine per
// Call so a slow exec()/CheckScreen never head-of-line-blocks a cheap
// GetConfig.
type Server struct {
	svc    *Service
	inbox  chan Call
	stopCh chan chan struct{}
	logger *slog.Logger

	stopOnce sync.Once
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithInboxSize overrides the inbox channel's buffer size (default 16).
func WithInboxSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.inbox = make(chan Call, n)
		}
	}
}

// WithLogger overrides the Server's logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds a Server around svc. Call Run to start its tick loop.
func NewServer(svc *Service, opts ...ServerOption) *Server {
	s := &Server{
		svc:    svc,
		inbox:  make(chan Call, 16),
		stopCh: make(chan chan struct{}),
		logger: logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Inbox returns the channel a ScriptHost submits Calls on.
func (s *Server) Inbox() chan<- Call { return s.inbox }

// Run executes the tick loop until Stop is called. It blocks the calling
// goroutine; callers typically run it via `go server.Run()`.
func (s *Server) Run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case ack := <-s.stopCh:
			s.svc.Stop()
			close(ack)
			return
		case call := <-s.inbox:
			go s.handle(call)
		case <-ticker.C:
			// idle tick: nothing pending, loop back to select
		}
	}
}

// handle runs one Call's request against the Service and replies on its
// own channel, never the shared inbox.
func (s *Server) handle(call Call) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker_panic", "reason", r)
			call.Reply <- ErrorRes{Err: newError(KindProtocol, "internal error: %v", r)}
		}
	}()
	call.Reply <- s.svc.HandleReq(call.Req)
}

// Stop signals the tick loop to stop every console (in serial, ssh, vnc
// order, via Service.Stop) and terminate; it blocks until acknowledged.
// Stop is idempotent: only the first call signals the loop, and later calls
// return once that first stop has completed.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		ack := make(chan struct{})
		s.stopCh <- ack
		<-ack
	})
}
