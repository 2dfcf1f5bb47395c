package observability

import "database/sql"

// Schema is the DDL of the observability database. Open applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS poll_metrics (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id    TEXT NOT NULL,
    cycle       INTEGER NOT NULL,
    profile     TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    attempts    INTEGER NOT NULL,
    items       INTEGER NOT NULL,
    filtered    INTEGER NOT NULL,
    finds       INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_poll_metrics_profile_time
    ON poll_metrics(profile, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_poll_metrics_time
    ON poll_metrics(timestamp DESC);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id     TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    cycle            INTEGER NOT NULL DEFAULT 0,
    timestamp        INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    gc_count         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS event_log (
    event_id   TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    cycle      INTEGER NOT NULL DEFAULT 0,
    profile    TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    success    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_time ON event_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_kind ON event_log(kind, created_at DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
