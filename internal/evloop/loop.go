package evloop

import (
	"log/slog"
	"os"
	"time"
)

// minServiceInterval is the pacing floor between serviced requests: a busy
// script issuing back-to-back reads must not starve the read path.
const minServiceInterval = 1 * time.Second

// loop is the private goroutine state; never touched outside its own
// goroutine except through reqCh.
type loop struct {
	conn    Conn
	reqCh   chan call
	done    chan struct{}
	logFile *os.File
	logger  *slog.Logger

	history       []byte
	lastReadIndex int
	scratch       []byte
}

func (l *loop) run() {
	defer close(l.done)
	defer func() {
		if l.logFile != nil {
			_ = l.logFile.Close()
		}
	}()

	nextService := time.Now().Add(minServiceInterval)
	for {
		if err := l.pollRead(); err != nil {
			l.logger.Error("evloop can't continue", "reason", err)
			return
		}

		if time.Now().Before(nextService) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		nextService = time.Now().Add(minServiceInterval)

		select {
		case c := <-l.reqCh:
			if c.req.Kind == ReqStop {
				c.reply <- Res{Done: true}
				return
			}
			res, err := l.handle(c.req)
			if err != nil {
				l.logger.Error("evloop can't continue", "reason", err)
				return
			}
			c.reply <- res
		default:
			// no pending request; keep polling reads
		}
	}
}

// handle processes one non-Stop request. A non-nil error (write failure)
// is terminal for the whole loop, matching spec: a write I/O error fails
// the loop entirely rather than just that one call.
func (l *loop) handle(req Req) (Res, error) {
	switch req.Kind {
	case ReqWrite:
		if _, err := l.conn.Write(req.Payload); err != nil {
			return Res{}, err
		}
		l.logger.Debug("write done")
		return Res{Done: true}, nil
	case ReqRead:
		return Res{Value: l.consumeBuffer()}, nil
	case ReqDump:
		dump := make([]byte, len(l.history))
		copy(dump, l.history)
		return Res{Value: dump}, nil
	default:
		return Res{Done: true}, nil
	}
}

// pollRead performs one non-blocking read attempt, appending any bytes to
// history (and the transcript log file, if configured). Read-timeout
// errors are ignored; any other read error is terminal for the loop.
func (l *loop) pollRead() error {
	n, err := l.conn.Read(l.scratch)
	if n > 0 {
		received := l.scratch[:n]
		l.history = append(l.history, received...)
		if l.logFile != nil {
			if _, werr := l.logFile.Write(received); werr != nil {
				l.logger.Error("unable to store console output", "reason", werr)
			}
		}
	}
	if err != nil && !isTimeout(err) {
		return err
	}
	return nil
}

// consumeBuffer returns everything appended to history since the previous
// Read request and advances lastReadIndex past it.
func (l *loop) consumeBuffer() []byte {
	if l.lastReadIndex == len(l.history) {
		return nil
	}
	res := make([]byte, len(l.history)-l.lastReadIndex)
	copy(res, l.history[l.lastReadIndex:])
	l.lastReadIndex = len(l.history)
	return res
}

// timeoutError is satisfied by net.Error and similar read-timeout errors.
type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	te, ok := err.(timeoutError)
	return ok && te.Timeout()
}
