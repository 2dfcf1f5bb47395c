// Package status maintains the single-line status file read by the dashboard.
package status

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const layout = "2006-01-02 15:04:05"

// File writes "YYYY-MM-DD HH:MM:SS - msg" to one path, replacing it each time.
type File struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu   sync.RWMutex
	msg  string
	when time.Time
}

// New creates a File. An empty path keeps the status in memory only.
func New(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, now: time.Now, logger: logger}
}

// Set records msg. Write failures are logged, never returned.
func (f *File) Set(msg string) {
	now := f.now()
	f.mu.Lock()
	f.msg, f.when = msg, now
	f.mu.Unlock()

	if f.path == "" {
		return
	}
	line := now.Local().Format(layout) + " - " + msg + "\n"
	if err := replace(f.path, []byte(line)); err != nil {
		f.logger.Error("status: write", "path", f.path, "error", err)
	}
}

// Get returns the last message and when it was set.
func (f *File) Get() (string, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.msg, f.when
}

func replace(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	os.Chmod(name, 0o644)
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
