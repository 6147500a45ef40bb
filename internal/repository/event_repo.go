package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	climatebridge "climate_bridge"
)

type EventSQLite struct {
	db *sql.DB
}

func NewEventSQLite(db *sql.DB) *EventSQLite { return &EventSQLite{db: db} }

var _ EventRepo = (*EventSQLite)(nil)

// Append inserts a new audit entry. If EventID or OccurredAt are empty,
// they're set.
func (r *EventSQLite) Append(ctx context.Context, e climatebridge.CommandEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	} else {
		e.OccurredAt = e.OccurredAt.UTC()
	}

	// Insert with SQLite TIMESTAMP format "YYYY-MM-DD HH:MM:SS"
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO command_events (id, batch_id, occurred_at, kind, key, succeeded, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.EventID,
		e.BatchID,
		e.OccurredAt.Format("2006-01-02 15:04:05"),
		strings.TrimSpace(e.Kind),
		e.Key,
		e.Succeeded,
		e.Detail,
	)

	return err
}

// List returns audit entries filtered by [from, to] (inclusive) and/or kind,
// ordered ASC.
func (r *EventSQLite) List(ctx context.Context, from, to time.Time, kind string) ([]climatebridge.CommandEvent, error) {
	var (
		conds []string
		args  []any
	)

	if !from.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, to.UTC())
	}
	if kind = strings.TrimSpace(kind); kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, kind)
	}

	q := `SELECT id, batch_id, occurred_at, kind, key, succeeded, detail FROM command_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY occurred_at ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]climatebridge.CommandEvent, 0, 64)
	for rows.Next() {
		var ev climatebridge.CommandEvent
		var detail sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.BatchID, &ev.OccurredAt, &ev.Kind, &ev.Key, &ev.Succeeded, &detail); err != nil {
			return nil, err
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		if detail.Valid {
			ev.Detail = detail.String
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
