package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// auditFile appends audit records to one file and moves it aside as
// <name>-<timestamp><ext> once it would grow past maxSize. Backups beyond
// maxBackups or older than maxAge are pruned after each rotation.
type auditFile struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:       path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func (a *auditFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.open(); err != nil {
		return 0, err
	}
	// A single record larger than maxSize is written to an empty file rather
	// than rotated forever.
	if a.size > 0 && a.size+int64(len(p)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return 0, err
		}
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

func (a *auditFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeFile()
}

func (a *auditFile) open() error {
	if a.file != nil {
		return nil
	}
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = file
	a.size = info.Size()
	return nil
}

func (a *auditFile) closeFile() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.size = 0
	return err
}

func (a *auditFile) rotate() error {
	if err := a.closeFile(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	if err := os.Rename(a.path, a.backupName(a.now())); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	a.prune()
	return nil
}

func (a *auditFile) backupName(at time.Time) string {
	ext := filepath.Ext(a.path)
	base := strings.TrimSuffix(a.path, ext)
	return fmt.Sprintf("%s-%s%s", base, at.UTC().Format(backupTimeFormat), ext)
}

// backups returns the rotated files, newest first.
func (a *auditFile) backups() []string {
	ext := filepath.Ext(a.path)
	matches, err := filepath.Glob(strings.TrimSuffix(a.path, ext) + "-*" + ext)
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (a *auditFile) prune() {
	cutoff := a.now().Add(-a.maxAge)
	for i, path := range a.backups() {
		if i >= a.maxBackups {
			_ = os.Remove(path)
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
