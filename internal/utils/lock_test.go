package utils

import (
	"path/filepath"
	"testing"
)

func TestDBLockExclusive(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stl311.sqlite")

	first, err := NewDBLock(dbPath)
	if err != nil {
		t.Fatalf("NewDBLock: %v", err)
	}
	second, err := NewDBLock(dbPath)
	if err != nil {
		t.Fatalf("NewDBLock: %v", err)
	}

	ok, err := first.TryLock()
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = second.TryLock()
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}
	if ok {
		t.Fatalf("expected second lock to be refused while first is held")
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ok, err = second.TryLock()
	if err != nil || !ok {
		t.Fatalf("expected lock after release, got ok=%v err=%v", ok, err)
	}
	_ = second.Unlock()
}

func TestSetLogLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "warning", "error", "fatal"} {
		if err := SetLogLevel(lvl); err != nil {
			t.Fatalf("SetLogLevel(%q): %v", lvl, err)
		}
	}
	if err := SetLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	_ = SetLogLevel("info")
}
