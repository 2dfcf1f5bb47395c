package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vintwatch/idgen"
)

// Event kinds.
const (
	EventStart          = "start"
	EventCycleStart     = "cycle_start"
	EventCycleEnd       = "cycle_end"
	EventSessionRefresh = "session_refresh"
	EventProfilesSaved  = "profiles_saved"
	EventRetention      = "retention_sweep"
	EventFatal          = "fatal"
	EventStop           = "stop"
)

// Event is one lifecycle entry.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Cycle     int       `json:"cycle"`
	Profile   string    `json:"profile,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// EventLogger writes lifecycle events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// NewEventLogger creates an EventLogger with "evt_" prefixed ids.
func NewEventLogger(db *sql.DB, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{db: db, newID: idgen.Prefixed("evt_", idgen.Default), logger: logger}
}

// Log records e. Failures are logged and dropped.
func (l *EventLogger) Log(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO event_log (event_id, kind, cycle, profile, detail, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), e.Kind, e.Cycle, e.Profile, e.Detail, e.Success, e.CreatedAt.Unix())
	if err != nil {
		l.logger.Error("observability: event log", "kind", e.Kind, "error", err)
	}
}

// Recent returns the newest events, newest first.
func (l *EventLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, kind, cycle, profile, detail, success, created_at
		FROM event_log ORDER BY created_at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Cycle, &e.Profile, &e.Detail, &e.Success, &ts); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
