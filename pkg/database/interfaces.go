package database

import (
	"context"
)

// Store persists per-guild session records. Implementations are safe for
// concurrent use; records of different guilds never affect each other.
type Store interface {
	// Put replaces the guild's record.
	Put(ctx context.Context, guildID string, data []byte) error
	// Get returns ErrNotFound when the guild has no record.
	Get(ctx context.Context, guildID string) (*Record, error)
	ListAll(ctx context.Context) ([]*Record, error)
	// Delete succeeds when there is nothing to delete.
	Delete(ctx context.Context, guildID string) error
	Close() error
}

// HistoryRepository records playback attempts
type HistoryRepository interface {
	Record(ctx context.Context, entry *HistoryEntry) error
	Recent(ctx context.Context, guildID string, limit int) ([]*HistoryEntry, error)
	Prune(ctx context.Context) (int64, error)
}

// MigrationManager defines the interface for database migrations
type MigrationManager interface {
	GetCurrentVersion() (int, error)
	GetLatestVersion() int
	Migrate() error
	GetMigrationHistory() ([]*Migration, error)
}
