// Package tty implements the line-oriented command protocol (write_string,
// wait_string, exec) layered on top of an evloop.Ctl.
package tty

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kstaniek/go-sut-driver/internal/evloop"
)

// Setting mirrors the source TtySetting: whether the shell echoes input
// and which line terminator it uses.
type Setting struct {
	DisableEcho bool
	Linebreak   string
}

// Kind classifies a Tty error so callers can branch with errors.Is.
type Kind int

const (
	KindTimeout Kind = iota
	KindCancel
)

// Error is the Tty package's error type.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCancel:
		return "cancelled"
	default:
		return "timeout"
	}
}

var (
	ErrTimeout = &Error{Kind: KindTimeout}
	ErrCancel  = &Error{Kind: KindCancel}
)

// state holds the history buffer shared between wait_string/exec calls; it
// is guarded by its own mutex rather than relying on the caller.
type state struct {
	mu              sync.Mutex
	history         []byte
	lastBufferStart int
}

// Tty is a line-oriented console protocol layered on an evloop.Ctl.
type Tty struct {
	ctl     *evloop.Ctl
	decoder Decoder
	setting Setting

	stopMu sync.Mutex
	stopCh chan struct{}

	st state
}

// New builds a Tty over ctl. decoder defaults to ANSIDecoder if nil.
func New(ctl *evloop.Ctl, decoder Decoder, setting Setting) *Tty {
	if decoder == nil {
		decoder = ANSIDecoder{}
	}
	return &Tty{
		ctl:     ctl,
		decoder: decoder,
		setting: setting,
		stopCh:  make(chan struct{}),
	}
}

// StopEvLoop forwards Stop to the underlying event loop and joins its
// goroutine.
func (t *Tty) StopEvLoop() {
	t.ctl.Stop()
}

// Cancel aborts any in-flight wait_string/exec call; it is idempotent.
func (t *Tty) Cancel() {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

func (t *Tty) cancelled() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// Write sends raw bytes, bounded by timeout.
func (t *Tty) Write(b []byte, timeout time.Duration) error {
	if _, err := t.ctl.SendTimeout(evloop.Req{Kind: evloop.ReqWrite, Payload: b}, timeout); err != nil {
		return ErrTimeout
	}
	return nil
}

// WriteString sends s, bounded by timeout.
func (t *Tty) WriteString(s string, timeout time.Duration) error {
	return t.Write([]byte(s), timeout)
}

// consumeAction is what a consumeAndMap predicate returns each tick.
type consumeAction[T any] struct {
	done    bool
	cancel  bool
	value   T
}

// WaitString blocks until pattern appears (at least once) in the decoded
// history since the last cut point, or the timeout/cancel fires. It returns
// the decoded buffer observed at match time.
func (t *Tty) WaitString(pattern string, timeout time.Duration) (string, error) {
	return consumeAndMap(t, timeout, func(buffer, _ []byte) consumeAction[string] {
		bufferStr := t.decoder.ParseAndStrip(buffer)
		if countSubstring(bufferStr, pattern, 1) {
			return consumeAction[string]{done: true, value: bufferStr}
		}
		return consumeAction[string]{}
	})
}

// execResult is the outcome of an exec() call.
type execResult struct {
	code  int
	value string
}

// Exec runs cmd through the console's shell, isolates its exit code using a
// random anchor tag, and returns (exit code, captured stdout).
//
// Tie-break policy: two exec calls that don't overlap in time never
// cross-contaminate history, because the cut point only advances on a
// successful match (see consumeAndMap); a timed-out exec leaves the buffer
// intact for the next wait_string/exec to inspect.
func (t *Tty) Exec(cmd string, timeout time.Duration) (int, string, error) {
	const enterInput = "\r"

	// Wait for the prompt to be on screen before writing; command text
	// sent too fast after a previous command can land mid-prompt-redraw
	// and break the anchor regex.
	time.Sleep(70 * time.Millisecond)

	tag := nanoid6()
	const sep = "-"

	var wrapped, matchLeft string
	if t.setting.DisableEcho {
		wrapped = "echo " + tag + "; " + cmd + "; echo -$?" + tag + enterInput
		matchLeft = tag + t.setting.Linebreak
	} else {
		wrapped = cmd + "; echo " + sep + "$?" + tag + enterInput
		matchLeft = tag + t.setting.Linebreak + enterInput
	}
	matchRight := tag + t.setting.Linebreak

	deadline := time.Now().Add(timeout)
	if err := t.WriteString(wrapped, timeout); err != nil {
		return 0, "", err
	}

	remaining := time.Until(deadline)
	res, err := consumeAndMap(t, remaining, func(buffer, _ []byte) consumeAction[execResult] {
		bufferStr := t.decoder.ParseAndStrip(buffer)
		captured, ok := captureBetween(bufferStr, matchLeft, matchRight)
		if !ok {
			return consumeAction[execResult]{}
		}
		if captured == "" {
			return consumeAction[execResult]{done: true, value: execResult{code: 1, value: "invalid consume regex"}}
		}
		if out, flag, ok := rsplitOnce(captured, sep); ok {
			if n, err := strconv.Atoi(flag); err == nil {
				return consumeAction[execResult]{done: true, value: execResult{code: n, value: out}}
			}
		} else if n, err := strconv.Atoi(captured); err == nil {
			// some commands (e.g. sleep) print nothing
			return consumeAction[execResult]{done: true, value: execResult{code: n, value: ""}}
		}
		return consumeAction[execResult]{done: true, value: execResult{code: 1, value: captured}}
	})
	if err != nil {
		return 0, "", err
	}
	return res.code, res.value, nil
}

// consumeAndMap is the shared polling loop for WaitString/Exec: each tick it
// checks cancellation, checks the deadline, sleeps briefly, reads new bytes,
// appends them to history, and asks f whether a match was found. On match
// the cut point advances past everything consumed so far.
func consumeAndMap[T any](t *Tty, timeout time.Duration, f func(buffer, newBytes []byte) consumeAction[T]) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)

	for {
		if t.cancelled() {
			return zero, ErrCancel
		}
		if time.Now().After(deadline) {
			return zero, ErrTimeout
		}

		time.Sleep(1 * time.Second)

		res, err := t.ctl.SendTimeout(evloop.Req{Kind: evloop.ReqRead}, 1*time.Second)
		if err != nil {
			continue
		}
		if len(res.Value) == 0 {
			continue
		}

		t.st.mu.Lock()
		t.st.history = append(t.st.history, res.Value...)
		sinceCut := t.st.history[t.st.lastBufferStart:]
		action := f(sinceCut, res.Value)
		if action.done {
			t.st.lastBufferStart = len(t.st.history)
			t.st.mu.Unlock()
			return action.value, nil
		}
		if action.cancel {
			t.st.mu.Unlock()
			return zero, ErrCancel
		}
		t.st.mu.Unlock()
	}
}

func countSubstring(s, substr string, n int) bool {
	count := 0
	start := 0
	for {
		idx := strings.Index(s[start:], substr)
		if idx < 0 {
			return false
		}
		count++
		if count == n {
			return true
		}
		start += idx + len(substr)
	}
}

// captureBetween finds exactly the text between the first occurrence of
// left and the first occurrence of right that follows it. ok is false if
// left has not appeared yet (caller should keep waiting); an empty string
// is returned (with ok true) if left appears more than once before right
// ever does, matching the source's "invalid consume regex" Protocol error.
func captureBetween(s, left, right string) (string, bool) {
	li := strings.Index(s, left)
	if li < 0 {
		return "", false
	}
	rest := s[li+len(left):]
	ri := strings.Index(rest, right)
	beforeRight := rest
	if ri >= 0 {
		beforeRight = rest[:ri]
	}
	if strings.Contains(beforeRight, left) {
		// left anchor appears again before we ever found right: ambiguous capture.
		return "", true
	}
	if ri < 0 {
		return "", false
	}
	return rest[:ri], true
}

func indexOrLen(s, sub string) int {
	if i := strings.Index(s, sub); i >= 0 {
		return i
	}
	return len(s)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func rsplitOnce(s, sep string) (left, right string, ok bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// nanoid6 generates a short random tag used to anchor the exit-code
// capture in Exec; collisions are inconsequential (just a failed match
// retried against the device).
func nanoid6() string {
	id := uuid.New().String()
	id = strings.ReplaceAll(id, "-", "")
	return id[:6]
}
