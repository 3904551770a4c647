package storage

import (
	"context"
	"errors"
	"time"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
	"pushbot/internal/directory"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart (tests, dry runs)
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL reachable at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store is everything the engine persists. Each backend implements all of it.
type Store interface {
	campaign.Store
	campaign.LogStore
	directory.Store

	// InsertLogIfAbsent creates the entry for (CampaignID, RecipientID) unless
	// one exists, and returns whichever entry is stored.
	InsertLogIfAbsent(ctx context.Context, e delivery.Entry) (delivery.Entry, bool, error)
	FindLogByRef(ctx context.Context, ref delivery.MessageRef) (delivery.Entry, error)

	AppendAudit(ctx context.Context, r campaign.AuditRecord) error
	ListAudit(ctx context.Context, campaignID string, limit int) ([]campaign.AuditRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
