package database

import (
	"time"
)

// DatabaseConfig holds configuration for the SQLite store
type DatabaseConfig struct {
	// Connection settings
	DatabasePath      string        `json:"database_path"`
	MaxConnections    int           `json:"max_connections"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`

	// Performance settings
	WALMode         bool   `json:"wal_mode"`
	SynchronousMode string `json:"synchronous_mode"`
	CacheSize       int    `json:"cache_size"`

	// History retention
	HistoryRetention time.Duration `json:"history_retention"`
}

// DefaultDatabaseConfig returns a configuration with sensible defaults
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		DatabasePath:      "vivace.db",
		MaxConnections:    4,
		ConnectionTimeout: 10 * time.Second,

		WALMode:         true,
		SynchronousMode: "NORMAL",
		CacheSize:       -16000, // 16MB

		HistoryRetention: 30 * 24 * time.Hour,
	}
}

// Validate validates the database configuration
func (c *DatabaseConfig) Validate() error {
	if c.DatabasePath == "" {
		return ErrInvalidDatabasePath
	}
	if c.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		return ErrInvalidConnectionTimeout
	}
	if c.SynchronousMode != "OFF" && c.SynchronousMode != "NORMAL" && c.SynchronousMode != "FULL" {
		return ErrInvalidSynchronousMode
	}
	return nil
}

// RedisConfig holds configuration for the Redis store
type RedisConfig struct {
	Host     string        `json:"host"`
	Port     string        `json:"port"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
	Prefix   string        `json:"prefix"`
}

// DefaultRedisConfig returns local Redis settings with a one day record TTL
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:   "localhost",
		Port:   "6379",
		TTL:    24 * time.Hour,
		Prefix: "vivace",
	}
}

// Validate validates the Redis configuration
func (c *RedisConfig) Validate() error {
	if c.Host == "" || c.Port == "" {
		return ErrInvalidRedisAddress
	}
	if c.TTL <= 0 {
		return ErrInvalidRecordTTL
	}
	return nil
}

// Record is one guild's persisted session state. Data is opaque to the store.
type Record struct {
	GuildID   string    `json:"guild_id"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is one playback attempt
type HistoryEntry struct {
	ID          string    `json:"id"`
	GuildID     string    `json:"guild_id"`
	Title       string    `json:"title"`
	SourceRef   string    `json:"source_ref"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Outcome     string    `json:"outcome"` // completed, skipped, failed
	ErrorKind   string    `json:"error_kind,omitempty"`
	PlayedAt    time.Time `json:"played_at"`
}

// Outcomes recorded in playback history
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Migration represents an applied database migration
type Migration struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
	Checksum    string    `json:"checksum"`
}
