package repository

import (
	"context"
	"database/sql"
	"time"

	climatebridge "climate_bridge"
)

type Authorization interface {
	Create(username, hash string) (int, error)
	GetByUsername(username string) (*climatebridge.User, error)
}

type SnapshotRepo interface {
	Save(ctx context.Context, s climatebridge.QuotaSnapshot) error
	Load(ctx context.Context) (climatebridge.QuotaSnapshot, error)
}

type EventRepo interface {
	Append(ctx context.Context, e climatebridge.CommandEvent) error
	List(ctx context.Context, from, to time.Time, kind string) ([]climatebridge.CommandEvent, error)
}

type Repository struct {
	SnapshotRepo SnapshotRepo
	EventRepo    EventRepo
	Auth         Authorization
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		SnapshotRepo: NewSnapshotSQLite(db),
		EventRepo:    NewEventSQLite(db),
		Auth:         NewUserRepository(db),
	}
}
