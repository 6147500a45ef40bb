package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	climatebridge "climate_bridge"
)

type SnapshotSQLite struct {
	db *sql.DB
}

func NewSnapshotSQLite(db *sql.DB) *SnapshotSQLite {
	return &SnapshotSQLite{db: db}
}

var _ SnapshotRepo = (*SnapshotSQLite)(nil)

// ErrNoSnapshot reports that no quota snapshot has been persisted yet.
var ErrNoSnapshot = errors.New("no quota snapshot stored")

const (
	quotaSnapshotRowID = 1

	upsertSnapshotSQL = `
		INSERT INTO quota_snapshots (id, remaining, call_limit, poll_cost, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remaining=excluded.remaining,
			call_limit=excluded.call_limit,
			poll_cost=excluded.poll_cost,
			updated_at=excluded.updated_at
	`

	selectSnapshotSQL = `
		SELECT remaining, call_limit, poll_cost, updated_at
		FROM quota_snapshots WHERE id=?
	`
)

// Save upserts the single snapshot row.
func (r *SnapshotSQLite) Save(ctx context.Context, s climatebridge.QuotaSnapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, upsertSnapshotSQL,
		quotaSnapshotRowID,
		s.Remaining,
		s.Limit,
		s.PollCost,
		s.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
	)
	return err
}

// Load returns the persisted snapshot, or ErrNoSnapshot when the row has
// never been written.
func (r *SnapshotSQLite) Load(ctx context.Context) (climatebridge.QuotaSnapshot, error) {
	var s climatebridge.QuotaSnapshot
	err := r.db.QueryRowContext(ctx, selectSnapshotSQL, quotaSnapshotRowID).
		Scan(&s.Remaining, &s.Limit, &s.PollCost, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return climatebridge.QuotaSnapshot{}, ErrNoSnapshot
		}
		return climatebridge.QuotaSnapshot{}, err
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}
