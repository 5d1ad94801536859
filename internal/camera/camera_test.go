package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestCaptureInvokesConfiguredBinary(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell for the fake binary")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "fake-still")
	script := "#!/bin/sh\nprintf '\\xff\\xd8fakejpeg'\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	c := New(fake)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.Capture(ctx, Settings{Width: 640, Height: 480, Exposure: ExposureAuto})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected nonempty output")
	}
}

func TestCaptureNoDeviceWhenBinaryMissing(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := c.Capture(context.Background(), Settings{})
	if err == nil {
		t.Fatalf("expected error for missing binary")
	}
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestDebugSaverNamesAndPrunesFiles(t *testing.T) {
	dir := t.TempDir()
	s := DebugSaver{Dir: dir, Retention: time.Hour}

	at := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	path, err := s.Save(at, []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "pump_reading_20260731_090000.jpg" {
		t.Fatalf("unexpected debug filename: %s", filepath.Base(path))
	}

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	oldPath, err := s.Save(old, []byte("old"))
	if err != nil {
		t.Fatalf("Save old: %v", err)
	}
	if err := os.Chtimes(oldPath, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old debug image to be pruned")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected recent debug image to survive prune: %v", err)
	}
}
