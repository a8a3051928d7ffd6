package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditMaxBackups = 7
	defaultAuditMaxAgeDays = 30
)

// auditFile is an append-only sink for the audit trail that rotates by size.
// On rotation the active file becomes <path>.1 and existing backups shift up
// one slot; backups past the retention count or older than the retention age
// are dropped.
type auditFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int
	maxAge  time.Duration

	current *os.File
	written int64
}

func openAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultAuditMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultAuditMaxBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:    path,
		limit:   int64(maxSizeMB) << 20,
		backups: maxBackups,
		maxAge:  time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

// Write implements io.Writer. The file opens lazily, so constructing the sink
// never touches disk before the first record arrives.
func (f *auditFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == nil {
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	if f.limit > 0 && f.written+int64(len(p)) > f.limit {
		f.rotate()
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	n, err := f.current.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *auditFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	f.written = 0
	return err
}

func (f *auditFile) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	f.current = file
	f.written = info.Size()
	return nil
}

// rotate closes the active file and shifts the backup chain by one slot.
// Rename failures are ignored; the worst outcome is an oversized backup.
func (f *auditFile) rotate() {
	if f.current != nil {
		_ = f.current.Close()
		f.current = nil
	}
	f.written = 0

	if f.backups <= 0 {
		_ = os.Remove(f.path)
		return
	}
	for i := f.backups - 1; i >= 1; i-- {
		if _, err := os.Stat(f.backup(i)); err == nil {
			_ = os.Rename(f.backup(i), f.backup(i+1))
		}
	}
	if _, err := os.Stat(f.path); err == nil {
		_ = os.Rename(f.path, f.backup(1))
	}
	f.pruneExpired()
}

func (f *auditFile) backup(n int) string {
	return fmt.Sprintf("%s.%d", f.path, n)
}

func (f *auditFile) pruneExpired() {
	if f.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-f.maxAge)
	for i := 1; i <= f.backups; i++ {
		info, err := os.Stat(f.backup(i))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(f.backup(i))
		}
	}
}
