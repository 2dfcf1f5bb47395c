package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vintwatch/dbopen"
)

// WorkerName identifies the poller in worker_heartbeats.
const WorkerName = "vintwatch"

// Store bundles the observability components over one database.
type Store struct {
	DB      *sql.DB
	Metrics *MetricsManager
	Events  *EventLogger
	logger  *slog.Logger
}

// Open opens (or creates) the database at path and starts the metrics flusher.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an already initialized db.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		DB:      db,
		Metrics: NewMetricsManager(db, 0, 0, logger),
		Events:  NewEventLogger(db, logger),
		logger:  logger,
	}
}

// Heartbeat returns a writer for this store.
func (s *Store) Heartbeat(interval time.Duration, cycle func() int) *HeartbeatWriter {
	return NewHeartbeatWriter(s.DB, WorkerName, interval, cycle, s.logger)
}

// Cleanup deletes rows older than retentionDays from every table.
// retentionDays <= 0 keeps everything.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	total, err := s.Metrics.Cleanup(ctx, retentionDays)
	if err != nil {
		return total, err
	}
	for _, q := range []string{
		"DELETE FROM worker_heartbeats WHERE timestamp < ?",
		"DELETE FROM event_log WHERE created_at < ?",
	} {
		res, err := dbopen.Exec(ctx, s.DB, q, threshold)
		if err != nil {
			return total, fmt.Errorf("observability: cleanup: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Close flushes pending metrics and closes the database.
func (s *Store) Close() error {
	s.Metrics.Close()
	return s.DB.Close()
}
