package database

import "errors"

// Configuration errors
var (
	ErrInvalidDatabasePath      = errors.New("invalid database path")
	ErrInvalidMaxConnections    = errors.New("invalid max connections")
	ErrInvalidConnectionTimeout = errors.New("invalid connection timeout")
	ErrInvalidSynchronousMode   = errors.New("invalid synchronous mode")
	ErrInvalidRecordTTL         = errors.New("invalid record ttl")
	ErrInvalidRedisAddress      = errors.New("invalid redis address")
)

// Operation errors
var (
	ErrNotFound             = errors.New("record not found")
	ErrDatabaseNotConnected = errors.New("database not connected")
	ErrMigrationFailed      = errors.New("migration failed")
)

// Migration errors
var (
	ErrMigrationNotFound = errors.New("migration not found")
	ErrChecksumMismatch  = errors.New("migration checksum mismatch")
)
