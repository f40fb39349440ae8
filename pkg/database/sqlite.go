package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Put upserts the guild's snapshot record
func (s *SQLiteStore) Put(ctx context.Context, guildID string, data []byte) error {
	query := `
	INSERT INTO guild_snapshots (guild_id, data, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(guild_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, guildID, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store snapshot for guild %s: %w", guildID, err)
	}
	return nil
}

// Get retrieves one guild's snapshot record
func (s *SQLiteStore) Get(ctx context.Context, guildID string) (*Record, error) {
	query := `
	SELECT guild_id, data, updated_at FROM guild_snapshots
	WHERE guild_id = ?
	`

	r := &Record{}
	err := s.db.QueryRowContext(ctx, query, guildID).Scan(&r.GuildID, &r.Data, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot for guild %s: %w", guildID, err)
	}
	return r, nil
}

// ListAll returns every stored snapshot record
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id, data, updated_at FROM guild_snapshots ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.GuildID, &r.Data, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Delete removes the guild's snapshot record
func (s *SQLiteStore) Delete(ctx context.Context, guildID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM guild_snapshots WHERE guild_id = ?", guildID); err != nil {
		return fmt.Errorf("failed to delete snapshot for guild %s: %w", guildID, err)
	}
	return nil
}
