package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter records that the watcher process is alive, along with the
// cycle it is in and a few runtime figures.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	cycle      func() int
	logger     *slog.Logger
}

// NewHeartbeatWriter creates a writer. cycle may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, cycle func() int, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if cycle == nil {
		cycle = func() int { return 0 }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		cycle:      cycle,
		logger:     logger,
	}
}

// Run writes one heartbeat immediately, then one per interval until ctx ends.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	t := time.NewTicker(hw.interval)
	defer t.Stop()
	for {
		if err := hw.Write(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("observability: heartbeat", "worker", hw.workerName, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Write inserts one heartbeat row.
func (hw *HeartbeatWriter) Write(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, cycle, timestamp,
			goroutines_count, memory_alloc_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, hw.cycle(), time.Now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, mem.NumGC)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatStatus is the latest heartbeat of a worker.
type HeartbeatStatus struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Cycle      int       `json:"cycle"`
	Timestamp  time.Time `json:"timestamp"`
	Alive      bool      `json:"alive"` // last beat within the staleness threshold
}

// LatestHeartbeat returns the newest heartbeat for workerName, or nil if none.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleness time.Duration) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, cycle, timestamp
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName).
		Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &hs.Cycle, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleness
	return &hs, nil
}
