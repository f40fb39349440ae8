package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, DefaultRedisConfig(), nil)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore_PutGetDelete(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "g1", []byte(`{"queue":[]}`)))
	r, err := store.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", r.GuildID)
	assert.JSONEq(t, `{"queue":[]}`, string(r.Data))

	assert.Equal(t, 24*time.Hour, mr.TTL("vivace:snapshot:g1"))
	members, err := mr.Members("vivace:snapshots")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, members)

	require.NoError(t, store.Delete(ctx, "g1"))
	require.NoError(t, store.Delete(ctx, "g1"))
	_, err = store.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("vivace:snapshots"))
}

func TestRedisStore_ListAllPrunesExpired(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "g1", []byte("a")))
	require.NoError(t, store.Put(ctx, "g2", []byte("b")))
	mr.Del("vivace:snapshot:g1")

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "g2", records[0].GuildID)

	members, err := mr.Members("vivace:snapshots")
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, members)
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "g1", []byte("a")))
	mr.FastForward(25 * time.Hour)

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	config := DefaultRedisConfig()
	config.Host = mr.Host()
	config.Port = mr.Port()

	store, err := OpenRedis(context.Background(), config, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Put(context.Background(), "g1", []byte("x")))

	bad := DefaultRedisConfig()
	bad.TTL = 0
	_, err = OpenRedis(context.Background(), bad, nil)
	assert.ErrorIs(t, err, ErrInvalidRecordTTL)
}
