package database

import (
	"crypto/md5"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// migrationManager implements the MigrationManager interface
type migrationManager struct {
	db         *sql.DB
	migrations map[int]*migrationScript
}

// migrationScript represents a single database migration
type migrationScript struct {
	Version     int
	Name        string
	Description string
	UpSQL       string
	Checksum    string
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB) (MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	mm := &migrationManager{
		db:         db,
		migrations: make(map[int]*migrationScript),
	}

	if err := mm.initializeMigrationTable(); err != nil {
		return nil, fmt.Errorf("failed to initialize migration table: %w", err)
	}
	mm.loadMigrations()

	return mm, nil
}

// initializeMigrationTable creates the migration tracking table
func (mm *migrationManager) initializeMigrationTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)
	`

	if _, err := mm.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

// loadMigrations registers all migration scripts
func (mm *migrationManager) loadMigrations() {
	mm.migrations[1] = &migrationScript{
		Version:     1,
		Name:        "guild_snapshots",
		Description: "Create per-guild session snapshot table",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS guild_snapshots (
				guild_id TEXT PRIMARY KEY,
				data BLOB NOT NULL,
				updated_at DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_guild_snapshots_updated ON guild_snapshots(updated_at);
		`,
	}

	mm.migrations[2] = &migrationScript{
		Version:     2,
		Name:        "playback_history",
		Description: "Record every playback attempt",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS playback_history (
				id TEXT PRIMARY KEY,
				guild_id TEXT NOT NULL,
				title TEXT NOT NULL,
				source_ref TEXT NOT NULL,
				requested_by TEXT,
				outcome TEXT NOT NULL CHECK (outcome IN ('completed', 'skipped', 'failed')),
				error_kind TEXT,
				played_at DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_playback_history_guild_time ON playback_history(guild_id, played_at DESC);
			CREATE INDEX IF NOT EXISTS idx_playback_history_played ON playback_history(played_at);
		`,
	}

	for _, m := range mm.migrations {
		m.Checksum = mm.calculateChecksum(m.UpSQL)
	}
}

// GetCurrentVersion returns the highest applied version, 0 for a new database
func (mm *migrationManager) GetCurrentVersion() (int, error) {
	var version sql.NullInt64
	if err := mm.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// GetLatestVersion returns the highest known migration version
func (mm *migrationManager) GetLatestVersion() int {
	latest := 0
	for v := range mm.migrations {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// Migrate applies all pending migrations in order
func (mm *migrationManager) Migrate() error {
	current, err := mm.GetCurrentVersion()
	if err != nil {
		return err
	}

	for v := 1; v <= current; v++ {
		if err := mm.validateMigrationChecksum(v); err != nil {
			return err
		}
	}

	versions := make([]int, 0, len(mm.migrations))
	for v := range mm.migrations {
		if v > current {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)

	for _, v := range versions {
		if err := mm.runMigration(v); err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, v, err)
		}
	}
	return nil
}

// GetMigrationHistory lists applied migrations, oldest first
func (mm *migrationManager) GetMigrationHistory() ([]*Migration, error) {
	rows, err := mm.db.Query(`
		SELECT version, name, COALESCE(description, ''), checksum, applied_at
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var migrations []*Migration
	for rows.Next() {
		m := &Migration{}
		if err := rows.Scan(&m.Version, &m.Name, &m.Description, &m.Checksum, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		migrations = append(migrations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	return migrations, nil
}

// runMigration applies a single migration inside a transaction
func (mm *migrationManager) runMigration(version int) error {
	migration, exists := mm.migrations[version]
	if !exists {
		return ErrMigrationNotFound
	}

	tx, err := mm.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO schema_migrations (version, name, description, checksum, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, version, migration.Name, migration.Description, migration.Checksum, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update migration tracking: %w", err)
	}

	return tx.Commit()
}

// validateMigrationChecksum fails when an applied migration's SQL changed
func (mm *migrationManager) validateMigrationChecksum(version int) error {
	migration, exists := mm.migrations[version]
	if !exists {
		return nil
	}

	var stored string
	err := mm.db.QueryRow("SELECT checksum FROM schema_migrations WHERE version = ?", version).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checksum: %w", err)
	}
	if stored != migration.Checksum {
		return fmt.Errorf("%w: version %d", ErrChecksumMismatch, version)
	}
	return nil
}

// calculateChecksum calculates MD5 checksum of migration SQL
func (mm *migrationManager) calculateChecksum(sql string) string {
	hash := md5.Sum([]byte(sql))
	return fmt.Sprintf("%x", hash)
}
