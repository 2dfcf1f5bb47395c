// Package retention prunes the find log by listing age.
package retention

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxLine = 1 << 20

type stamp struct {
	Timestamp *float64 `json:"vinted_item_timestamp"`
}

// Sweep drops records whose site timestamp is known and older than maxAgeDays.
// Kept lines, unparsable ones included, are copied byte for byte. The file is replaced atomically; on
// error the original is left as it was. A missing file is not an error.
func Sweep(path string, maxAgeDays int, now time.Time, logger *slog.Logger) (kept, removed int, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	in, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("retention: open %s: %w", path, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".sweep-*")
	if err != nil {
		return 0, 0, fmt.Errorf("retention: temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(e error) (int, int, error) {
		tmp.Close()
		os.Remove(tmpName)
		return 0, 0, e
	}

	cutoff := float64(now.Unix()) - float64(maxAgeDays)*86400
	w := bufio.NewWriter(tmp)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var s stamp
		if err := json.Unmarshal(b, &s); err != nil {
			logger.Warn("retention: malformed line kept", "path", path, "line", line, "error", err)
		} else if s.Timestamp != nil && *s.Timestamp > 0 && *s.Timestamp < cutoff {
			removed++
			continue
		}
		w.Write(b)
		if err := w.WriteByte('\n'); err != nil {
			return fail(fmt.Errorf("retention: write: %w", err))
		}
		kept++
	}
	if err := sc.Err(); err != nil {
		return fail(fmt.Errorf("retention: scan %s: %w", path, err))
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("retention: flush: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("retention: sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, 0, fmt.Errorf("retention: close: %w", err)
	}
	if fi, err := in.Stat(); err == nil {
		os.Chmod(tmpName, fi.Mode().Perm())
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, 0, fmt.Errorf("retention: replace %s: %w", path, err)
	}
	return kept, removed, nil
}

// Config drives a Sweeper.
type Config struct {
	Path     string
	MaxAge   int           // days; <= 0 disables the sweeper
	Interval time.Duration // default 6h
	// Lock, when set, is held for the duration of each sweep.
	Lock sync.Locker
	// OnSweep is called after every sweep attempt.
	OnSweep func(kept, removed int, err error)
	Now     func() time.Time
}

// Sweeper runs Sweep on a ticker.
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, logger: logger}
}

// Run sweeps once immediately, then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.MaxAge <= 0 {
		s.logger.Info("retention: disabled")
		return
	}
	s.logger.Info("retention: started", "path", s.cfg.Path, "max_age_days", s.cfg.MaxAge, "interval", s.cfg.Interval.String())
	s.Once()

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Once()
		}
	}
}

// Once performs a single sweep.
func (s *Sweeper) Once() (kept, removed int, err error) {
	if s.cfg.Lock != nil {
		s.cfg.Lock.Lock()
		defer s.cfg.Lock.Unlock()
	}
	kept, removed, err = Sweep(s.cfg.Path, s.cfg.MaxAge, s.cfg.Now(), s.logger)
	if err != nil {
		s.logger.Error("retention: sweep failed", "path", s.cfg.Path, "error", err)
	} else if removed > 0 {
		s.logger.Info("retention: swept", "path", s.cfg.Path, "kept", kept, "removed", removed)
	}
	if s.cfg.OnSweep != nil {
		s.cfg.OnSweep(kept, removed, err)
	}
	return kept, removed, err
}
