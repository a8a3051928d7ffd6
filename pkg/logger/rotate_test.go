package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditFileRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := openAuditFile(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.Close()
	// Tighten the threshold so the test does not write a whole megabyte.
	sink.limit = 64

	first := bytes.Repeat([]byte("a"), 48)
	if _, err := sink.Write(first); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sink.Write(bytes.Repeat([]byte("b"), 48)); err != nil {
		t.Fatalf("write: %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if !bytes.Equal(backup, first) {
		t.Fatalf("backup content = %q", backup)
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("active file missing: %v", err)
	}
	if len(active) != 48 || active[0] != 'b' {
		t.Fatalf("active content = %q", active)
	}
}

func TestAuditFileOpensLazily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := openAuditFile(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.Close()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file created before first write: %v", err)
	}
	if _, err := sink.Write([]byte("entry\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file missing after write: %v", err)
	}
}
