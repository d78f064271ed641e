package vnc

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriter_SkipsDuplicateFrames(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	shot := solidShot(2, 2, 5, 6, 7)
	ack1 := make(chan error, 1)
	ack2 := make(chan error, 1)

	if err := w.Save(shot, "t1", ack1); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	waitAck(t, ack1)

	// identical frame, new tag: must be deduplicated (no new file written)
	if err := w.Save(solidShot(2, 2, 5, 6, 7), "t2", ack2); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	waitAck(t, ack2)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 file written for duplicate frames, got %d: %v", len(entries), entries)
	}
}

func TestWriter_DistinctFramesEachGetAFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	ack1 := make(chan error, 1)
	ack2 := make(chan error, 1)
	if err := w.Save(solidShot(2, 2, 1, 1, 1), "a", ack1); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	waitAck(t, ack1)
	if err := w.Save(solidShot(2, 2, 2, 2, 2), "b", ack2); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	waitAck(t, ack2)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 distinct files, got %d: %v", len(entries), entries)
	}
}

func TestWriter_CloseFlushesLastFrame(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ack := make(chan error, 1)
	if err := w.Save(solidShot(2, 2, 9, 9, 9), "final", ack); err != nil {
		t.Fatalf("save: %v", err)
	}
	waitAck(t, ack)
	w.Close()

	if _, err := os.Stat(filepath.Join(dir, "-last.png")); err != nil {
		t.Fatalf("expected -last.png to exist after Close: %v", err)
	}
}

func waitAck(t *testing.T, ack chan error) {
	t.Helper()
	select {
	case err := <-ack:
		if err != nil {
			t.Fatalf("ack error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for write ack")
	}
}
