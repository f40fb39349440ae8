package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	config := DefaultDatabaseConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	store, err := OpenSQLite(config, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDatabaseConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *DatabaseConfig)
		wantErr error
	}{
		{"defaults", func(c *DatabaseConfig) {}, nil},
		{"empty path", func(c *DatabaseConfig) { c.DatabasePath = "" }, ErrInvalidDatabasePath},
		{"no connections", func(c *DatabaseConfig) { c.MaxConnections = 0 }, ErrInvalidMaxConnections},
		{"no timeout", func(c *DatabaseConfig) { c.ConnectionTimeout = 0 }, ErrInvalidConnectionTimeout},
		{"bad sync mode", func(c *DatabaseConfig) { c.SynchronousMode = "SOMETIMES" }, ErrInvalidSynchronousMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultDatabaseConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSQLiteStore_PutGetDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "g1", []byte(`{"v":1}`)))
	require.NoError(t, store.Put(ctx, "g1", []byte(`{"v":2}`)))
	require.NoError(t, store.Put(ctx, "g2", []byte(`{"v":3}`)))

	r, err := store.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", r.GuildID)
	assert.JSONEq(t, `{"v":2}`, string(r.Data))
	assert.WithinDuration(t, time.Now(), r.UpdatedAt, time.Minute)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "g1", all[0].GuildID)
	assert.Equal(t, "g2", all[1].GuildID)

	require.NoError(t, store.Delete(ctx, "g1"))
	require.NoError(t, store.Delete(ctx, "g1"))
	_, err = store.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrNotFound)

	r, err = store.Get(ctx, "g2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":3}`, string(r.Data))
}

func TestSQLiteStore_ReopenKeepsRecords(t *testing.T) {
	config := DefaultDatabaseConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := OpenSQLite(config, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "g1", []byte("queued")))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	store, err = OpenSQLite(config, nil)
	require.NoError(t, err)
	defer store.Close()

	r, err := store.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "queued", string(r.Data))

	version, err := store.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestSQLiteStore_PingAfterClose(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Ping(context.Background()), ErrDatabaseNotConnected)
}

func TestSQLiteStore_Backup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "g1", []byte("data")))

	path := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, store.Backup(ctx, path))

	config := DefaultDatabaseConfig()
	config.DatabasePath = path
	restored, err := OpenSQLite(config, nil)
	require.NoError(t, err)
	defer restored.Close()

	r, err := restored.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "data", string(r.Data))
}

func TestHistory(t *testing.T) {
	store := openTestStore(t)
	history := store.History()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, title := range []string{"first", "second", "third"} {
		require.NoError(t, history.Record(ctx, &HistoryEntry{
			GuildID:   "g1",
			Title:     title,
			SourceRef: "https://youtu.be/dQw4w9WgXcQ",
			Outcome:   OutcomeCompleted,
			PlayedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	failed := &HistoryEntry{GuildID: "g2", Title: "broken", SourceRef: "x", Outcome: OutcomeFailed, ErrorKind: "stream_unavailable"}
	require.NoError(t, history.Record(ctx, failed))
	assert.NotEmpty(t, failed.ID)
	assert.False(t, failed.PlayedAt.IsZero())

	recent, err := history.Recent(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Title)
	assert.Equal(t, "second", recent[1].Title)
	assert.Empty(t, recent[0].RequestedBy)

	other, err := history.Recent(ctx, "g2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "stream_unavailable", other[0].ErrorKind)
}

func TestHistory_Prune(t *testing.T) {
	config := DefaultDatabaseConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "prune.db")
	config.HistoryRetention = 24 * time.Hour
	store, err := OpenSQLite(config, nil)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	history := store.History()
	require.NoError(t, history.Record(ctx, &HistoryEntry{GuildID: "g1", Title: "old", SourceRef: "x", Outcome: OutcomeSkipped, PlayedAt: time.Now().UTC().Add(-48 * time.Hour)}))
	require.NoError(t, history.Record(ctx, &HistoryEntry{GuildID: "g1", Title: "new", SourceRef: "x", Outcome: OutcomeCompleted}))

	n, err := history.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := history.Recent(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Title)
}
