package vnc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/asynctx"
	"github.com/kstaniek/go-sut-driver/internal/logging"
	"github.com/kstaniek/go-sut-driver/internal/metrics"
)

// SaveRequest is one screenshot handed to the Writer (encoded to PNG when
// written): the decoded frame plus a tag
// used in the resulting filename, and an ack channel the submitter can
// wait on if it needs to know the write has completed before proceeding.
type SaveRequest struct {
	PNG *Screenshot
	Tag string
	Ack chan error
}

// Writer is the screenshot persistence side channel: a dedicated goroutine
// (via asynctx.Tx) that writes one file per distinct frame, skipping
// byte-identical repeats, and leaves a final "-last.png" behind on Close.
type Writer struct {
	dir string
	tx  *asynctx.Tx[SaveRequest]

	mu   sync.Mutex
	seq  int
	last *Screenshot
}

// NewWriter starts the writer goroutine rooted at a background context;
// call Close to stop it and flush the final frame.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vnc writer: %w", err)
	}
	w := &Writer{dir: dir}
	w.tx = asynctx.New(context.Background(), 32, w.process, asynctx.Hooks[SaveRequest]{
		OnError: func(req SaveRequest, err error) {
			logging.L().Error("screenshot_write_failed", "tag", req.Tag, "reason", err)
		},
		OnDrop: func(req SaveRequest) error {
			if req.Ack != nil {
				req.Ack <- errAckDropped
			}
			return nil
		},
	})
	return w, nil
}

var errAckDropped = fmt.Errorf("vnc: screenshot dropped, writer overloaded")

// Save submits a screenshot for persistence; it does not block on the
// write completing unless the caller reads from Ack.
func (w *Writer) Save(shot *Screenshot, tag string, ack chan error) error {
	return w.tx.Send(SaveRequest{PNG: shot, Tag: tag, Ack: ack})
}

func (w *Writer) process(req SaveRequest) error {
	w.mu.Lock()
	dup := req.PNG.Equal(w.last)
	if !dup {
		w.seq++
	}
	seq := w.seq
	w.last = req.PNG
	w.mu.Unlock()

	var err error
	if !dup {
		name := fmt.Sprintf("output-%05d-%s-%s.png", seq, time.Now().Format("20060102150405"), req.Tag)
		err = w.writeFile(name, req.PNG)
		if err == nil {
			metrics.IncScreenshotWritten()
		}
	} else {
		metrics.IncScreenshotDeduped()
	}
	if req.Ack != nil {
		req.Ack <- err
	}
	return err
}

func (w *Writer) writeFile(name string, shot *Screenshot) error {
	data, err := shot.EncodePNG()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, name), data, 0o644)
}

// Close stops accepting new screenshots and writes the most recent distinct
// frame to "{dir}/-last.png" before returning.
func (w *Writer) Close() {
	w.tx.Close()
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()
	if last == nil {
		return
	}
	if err := w.writeFile("-last.png", last); err != nil {
		logging.L().Error("screenshot_final_write_failed", "reason", err)
	}
}
