package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterShiftsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	w, err := newRotatingWriter(path, 16, 2, 0)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	for _, line := range []string{"first-record\n", "second-record\n", "third-record\n", "fourth-record\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	read := func(p string) string {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		return string(data)
	}
	if got := read(path); got != "fourth-record\n" {
		t.Fatalf("active file = %q", got)
	}
	if got := read(path + ".1"); got != "third-record\n" {
		t.Fatalf("backup 1 = %q", got)
	}
	if got := read(path + ".2"); got != "second-record\n" {
		t.Fatalf("backup 2 = %q", got)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("only two backups should be kept")
	}
}

func TestRotatingWriterPrunesExpiredBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 8, 3, time.Hour)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path+".2", []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed backup: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path+".2", old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if _, err := w.Write([]byte(strings.Repeat("a", 8))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("b")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The stale file was shifted to .3 and then dropped for its age.
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expired backup should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("fresh backup should remain: %v", err)
	}
}
