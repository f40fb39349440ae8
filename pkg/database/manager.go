package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/Vivace/pkg/logging"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the SQLite-backed Store. It also owns the playback history.
type SQLiteStore struct {
	config  *DatabaseConfig
	db      *sql.DB
	logger  logging.Logger
	history *historyRepository

	migrationManager MigrationManager

	mutex    sync.RWMutex
	closed   bool
	stopChan chan struct{}
}

// OpenSQLite opens the database, applies migrations and starts the history
// retention task.
func OpenSQLite(config *DatabaseConfig, logger logging.Logger) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultDatabaseConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	db, err := sql.Open("sqlite3", buildConnectionString(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(max(config.MaxConnections/2, 1))
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	mm, err := NewMigrationManager(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration manager: %w", err)
	}
	if err := mm.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &SQLiteStore{
		config:           config,
		db:               db,
		logger:           logger.With(logging.String("component", "sqlite")),
		migrationManager: mm,
		stopChan:         make(chan struct{}),
	}
	s.history = &historyRepository{db: db, retention: config.HistoryRetention}

	if config.HistoryRetention > 0 {
		go s.runRetentionTask(time.Hour)
	}

	version, _ := mm.GetCurrentVersion()
	s.logger.Info("Database connected",
		logging.String("path", config.DatabasePath),
		logging.Int("schema_version", version),
	)
	return s, nil
}

// History returns the playback history repository
func (s *SQLiteStore) History() HistoryRepository {
	return s.history
}

// SchemaVersion returns the applied schema version
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return s.migrationManager.GetCurrentVersion()
}

// Ping tests the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return ErrDatabaseNotConnected
	}
	return s.db.PingContext(ctx)
}

// Close stops background tasks and closes the database
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopChan)

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("Database closed")
	return nil
}

// Backup writes a consistent copy of the database to path
func (s *SQLiteStore) Backup(ctx context.Context, path string) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return ErrDatabaseNotConnected
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	s.logger.Info("Database backup created", logging.String("path", path))
	return nil
}

func (s *SQLiteStore) runRetentionTask(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := s.history.Prune(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("History cleanup failed", logging.Error(err))
			} else if n > 0 {
				s.logger.Debug("Pruned playback history", logging.Int64("rows", n))
			}
		case <-s.stopChan:
			return
		}
	}
}

// buildConnectionString builds the SQLite connection string with options
func buildConnectionString(config *DatabaseConfig) string {
	connStr := config.DatabasePath + "?"

	if config.WALMode {
		connStr += "_journal_mode=WAL&"
	}

	connStr += fmt.Sprintf("_synchronous=%s&", config.SynchronousMode)
	connStr += fmt.Sprintf("_cache_size=%d&", config.CacheSize)
	connStr += "_busy_timeout=5000&_foreign_keys=on"

	return connStr
}
