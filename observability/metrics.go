// Package observability keeps a local SQLite record of what the watcher did:
// one row per profile poll, periodic heartbeats, and lifecycle events.
//
// Writes never block the poll loop. Poll metrics are buffered and flushed in
// batches; a failing store is logged and otherwise ignored.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/vintwatch/dbopen"
)

// PollMetric is one profile poll.
type PollMetric struct {
	CycleID   string
	Cycle     int
	Profile   string
	Outcome   string
	Attempts  int
	Items     int // returned by the API
	Filtered  int
	Finds     int
	Duration  time.Duration
	Timestamp time.Time
}

// MetricsManager buffers poll metrics and writes them in one transaction.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []PollMetric
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMetricsManager starts the flush loop. Defaults: 50 rows, 10s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]PollMetric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues m.
func (mm *MetricsManager) Record(m PollMetric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Flush writes the buffer now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns stored metrics, newest first. Empty profile means all; a
// zero since means unbounded.
func (mm *MetricsManager) Query(ctx context.Context, profile string, since time.Time, limit int) ([]PollMetric, error) {
	q := `SELECT cycle_id, cycle, profile, outcome, attempts, items, filtered, finds, duration_ms, timestamp
		FROM poll_metrics WHERE 1=1`
	var args []any
	if profile != "" {
		q += " AND profile = ?"
		args = append(args, profile)
	}
	if !since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	q += " ORDER BY timestamp DESC, metric_id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []PollMetric
	for rows.Next() {
		var m PollMetric
		var durMS, ts int64
		if err := rows.Scan(&m.CycleID, &m.Cycle, &m.Profile, &m.Outcome, &m.Attempts,
			&m.Items, &m.Filtered, &m.Finds, &durMS, &ts); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Duration = time.Duration(durMS) * time.Millisecond
		m.Timestamp = time.Unix(ts, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retentionDays.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := dbopen.Exec(ctx, mm.db, "DELETE FROM poll_metrics WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes the buffer and stops the loop. Safe to call twice.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO poll_metrics
			(cycle_id, cycle, profile, outcome, attempts, items, filtered, finds, duration_ms, timestamp)
			VALUES (?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range mm.buffer {
			if _, err := stmt.ExecContext(ctx, m.CycleID, m.Cycle, m.Profile, m.Outcome, m.Attempts,
				m.Items, m.Filtered, m.Finds, m.Duration.Milliseconds(), m.Timestamp.Unix()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability: flush metrics", "rows", len(mm.buffer), "error", err)
	}
	mm.buffer = mm.buffer[:0]
}
