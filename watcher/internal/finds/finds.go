// Package finds owns the append-only JSONL log of surfaced listings.
package finds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/vintwatch/idgen"
	"github.com/hazyhaar/vintwatch/watcher/internal/item"
)

// maxLine bounds one JSONL record.
const maxLine = 1 << 20

// Record is one line of the find log.
type Record struct {
	item.Item
	Profile   string  `json:"profile_name_found"`
	FoundISO  string  `json:"timestamp_found_iso"`
	FoundUnix float64 `json:"timestamp_found_unix"`
	FindID    string  `json:"find_id,omitempty"`
}

// UnmarshalJSON accepts the id as a JSON string or number. Older logs carry
// the API's integer ids verbatim.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	r.ID = item.ParseID(aux.ID)
	return nil
}

// NewRecord stamps it with the discovering profile, the discovery time and a
// fresh find id.
func NewRecord(it item.Item, profile string, now time.Time) Record {
	now = now.UTC()
	return Record{
		Item:      it,
		Profile:   profile,
		FoundISO:  now.Format(time.RFC3339Nano),
		FoundUnix: float64(now.UnixNano()) / 1e9,
		FindID:    idgen.New(),
	}
}

// Log serializes access to one find log file. The retention sweeper takes
// the same lock through Locker so appends never race a rewrite.
type Log struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// Open returns a Log for path. The file is created on first Append.
func Open(path string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{path: path, logger: logger}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Locker exposes the log's write lock.
func (l *Log) Locker() sync.Locker { return &l.mu }

// Append writes recs as JSONL and fsyncs the file.
func (l *Log) Append(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("finds: encode %s: %w", r.ID, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("finds: open %s: %w", l.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("finds: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("finds: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("finds: close: %w", err)
	}
	l.logger.Debug("finds: appended", "path", l.path, "count", len(recs))
	return nil
}

// ReadAll returns every readable record in file order. Malformed lines are
// skipped. A missing file yields no records.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finds: open %s: %w", l.path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(b, &r); err != nil {
			l.logger.Warn("finds: malformed line skipped", "path", l.path, "line", line, "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("finds: scan %s: %w", l.path, err)
	}
	return out, nil
}

// Recent returns at most n records, most relevant first, optionally
// restricted to one profile. n <= 0 means all.
func (l *Log) Recent(n int, profile string) ([]Record, error) {
	recs, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if profile != "" {
		recs = slices.DeleteFunc(recs, func(r Record) bool { return r.Profile != profile })
	}
	Sort(recs)
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

// Sort orders records with a known site timestamp first, by timestamp then
// discovery time, both descending. Records without one follow, by discovery
// time descending.
func Sort(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		ak, bk := a.Timestamp > 0, b.Timestamp > 0
		switch {
		case ak && !bk:
			return -1
		case !ak && bk:
			return 1
		case ak && a.Timestamp != b.Timestamp:
			if a.Timestamp > b.Timestamp {
				return -1
			}
			return 1
		}
		switch {
		case a.FoundUnix > b.FoundUnix:
			return -1
		case a.FoundUnix < b.FoundUnix:
			return 1
		}
		return 0
	})
}
