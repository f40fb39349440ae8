package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type historyRepository struct {
	db        *sql.DB
	retention time.Duration
}

// Record stores a playback attempt, assigning an ID and timestamp when unset
func (r *historyRepository) Record(ctx context.Context, entry *HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PlayedAt.IsZero() {
		entry.PlayedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO playback_history (id, guild_id, title, source_ref, requested_by, outcome, error_kind, played_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.GuildID,
		entry.Title,
		entry.SourceRef,
		nullString(entry.RequestedBy),
		entry.Outcome,
		nullString(entry.ErrorKind),
		entry.PlayedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record playback: %w", err)
	}
	return nil
}

// Recent returns a guild's latest attempts, newest first
func (r *historyRepository) Recent(ctx context.Context, guildID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
	SELECT id, guild_id, title, source_ref, requested_by, outcome, error_kind, played_at
	FROM playback_history
	WHERE guild_id = ?
	ORDER BY played_at DESC
	LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var requestedBy, errorKind sql.NullString
		if err := rows.Scan(&e.ID, &e.GuildID, &e.Title, &e.SourceRef, &requestedBy, &e.Outcome, &errorKind, &e.PlayedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.RequestedBy = requestedBy.String
		e.ErrorKind = errorKind.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes attempts older than the retention period
func (r *historyRepository) Prune(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, "DELETE FROM playback_history WHERE played_at < ?", time.Now().UTC().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
