package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/latoulicious/Vivace/pkg/database"
	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/latoulicious/Vivace/pkg/player"
	"github.com/latoulicious/Vivace/pkg/search"
	"github.com/latoulicious/Vivace/pkg/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

func ref(id string) string { return "https://www.youtube.com/watch?v=" + id }

type memoryStore struct {
	mu      sync.Mutex
	records map[string]*database.Record
	failPut error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*database.Record)}
}

func (s *memoryStore) Put(ctx context.Context, guildID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.records[guildID] = &database.Record{GuildID: guildID, Data: append([]byte(nil), data...), UpdatedAt: time.Now()}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, guildID string) (*database.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[guildID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) ListAll(ctx context.Context) ([]*database.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*database.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out, nil
}

func (s *memoryStore) Delete(ctx context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, guildID)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) snapshot(t *testing.T, guildID string) (Snapshot, bool) {
	t.Helper()
	s.mu.Lock()
	r, ok := s.records[guildID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	snap, err := DecodeSnapshot(r.Data)
	require.NoError(t, err)
	return snap, true
}

type fakeResolver struct {
	results map[string][]search.Candidate
	calls   atomic.Int32
}

func (r *fakeResolver) Resolve(ctx context.Context, query string, maxResults int) ([]search.Candidate, error) {
	r.calls.Add(1)
	c, ok := r.results[query]
	if !ok {
		return nil, fmt.Errorf("%w: %q", music.ErrSearchExhausted, query)
	}
	return c, nil
}

type fakeAcquirer struct{}

func (fakeAcquirer) Acquire(ctx context.Context, track music.Track) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(track.SourceRef)), nil
}

type fakeConn struct {
	hold *atomic.Bool
}

func (c fakeConn) Endpoint() string { return "vc" }
func (c fakeConn) Ready() bool      { return true }
func (c fakeConn) Subscribe(ctx context.Context, stream io.Reader, gate *voice.Gate) error {
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return err
	}
	if c.hold.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}
func (c fakeConn) Events() <-chan voice.Event { return nil }
func (c fakeConn) Disconnect() error          { return nil }

type fakeConnector struct {
	hold atomic.Bool
	fail atomic.Bool

	mu        sync.Mutex
	joins     map[string][]string
	forgotten []string
	listener  voice.Listener
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{joins: make(map[string][]string)}
}

func (c *fakeConnector) Join(ctx context.Context, guildID, endpoint string) (voice.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins[guildID] = append(c.joins[guildID], endpoint)
	if c.fail.Load() {
		return nil, fmt.Errorf("%w: gateway refused", music.ErrTransport)
	}
	return fakeConn{hold: &c.hold}, nil
}

func (c *fakeConnector) Teardown(guildID string) {}

func (c *fakeConnector) MigrateIdle(ctx context.Context, guildID, endpoint string) error { return nil }

func (c *fakeConnector) Subscribe(l voice.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *fakeConnector) Forget(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, guildID)
}

func (c *fakeConnector) Joins(guildID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joins[guildID]...)
}

type fakePresence struct {
	mu        sync.Mutex
	endpoints map[string]string
	humans    map[string]int
}

func (p *fakePresence) UserEndpoint(guildID, userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[userID]
	return ep, ok
}

func (p *fakePresence) HumansIn(guildID, endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.humans[endpoint]
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*database.HistoryEntry
}

func (h *fakeHistory) Record(ctx context.Context, e *database.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *fakeHistory) Recent(ctx context.Context, guildID string, limit int) ([]*database.HistoryEntry, error) {
	return nil, nil
}

func (h *fakeHistory) Prune(ctx context.Context) (int64, error) { return 0, nil }

func (h *fakeHistory) Entries() []*database.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*database.HistoryEntry(nil), h.entries...)
}

type env struct {
	registry  *Registry
	store     *memoryStore
	resolver  *fakeResolver
	connector *fakeConnector
	presence  *fakePresence
	history   *fakeHistory
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Player.RetryBase = 10 * time.Millisecond
	cfg.Player.RetryStep = 5 * time.Millisecond
	cfg.Player.RetryCap = 20 * time.Millisecond
	return cfg
}

func newEnv(t *testing.T, store *memoryStore) *env {
	t.Helper()
	if store == nil {
		store = newMemoryStore()
	}
	e := &env{
		store: store,
		resolver: &fakeResolver{results: map[string][]search.Candidate{
			"song a": {{Title: "Song A Official Video", SourceRef: ref("aaaaaaaaaaa"), Duration: 200 * time.Second}},
			"song b": {{Title: "Song B", SourceRef: ref("bbbbbbbbbbb"), Duration: 180 * time.Second}},
		}},
		connector: newFakeConnector(),
		presence: &fakePresence{
			endpoints: map[string]string{"u1": "vc1"},
			humans:    map[string]int{},
		},
		history: &fakeHistory{},
	}
	e.registry = NewRegistry(Deps{
		Resolver:  e.resolver,
		Acquirer:  fakeAcquirer{},
		Connector: e.connector,
		Presence:  e.presence,
		Store:     store,
		History:   e.history,
		Logger:    logging.Nop(),
	}, testConfig())
	t.Cleanup(func() { e.registry.Close(context.Background()) })
	return e
}

func (e *env) view(t *testing.T, guildID string) QueueView {
	t.Helper()
	v, err := e.registry.QueueSnapshot(context.Background(), guildID)
	require.NoError(t, err)
	return v
}

func totalTracks(v QueueView) int {
	n := len(v.Queue)
	if v.Current != nil {
		n++
	}
	return n
}

func TestEnqueue_SelectsOfficialVideo(t *testing.T) {
	e := newEnv(t, nil)
	e.connector.hold.Store(true)

	provider := candidatesProvider{
		{Title: "Song A Cover", SourceRef: ref("ccccccccccc"), Duration: 200 * time.Second},
		{Title: "Song A Official Video", SourceRef: ref("aaaaaaaaaaa"), Duration: 200 * time.Second},
	}
	e.registry.deps.Resolver = search.NewResolver(provider, search.DefaultConfig(), logging.Nop(), nil)

	acc, err := e.registry.Enqueue(context.Background(), PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "u1", Repeat: 1})
	require.NoError(t, err)
	assert.Equal(t, "Song A Official Video", acc.Track.Title)
	assert.Equal(t, 1, acc.Copies)
	assert.Equal(t, 0, acc.Position)

	require.Eventually(t, func() bool { return e.view(t, "g1").Status == music.StatusPlaying }, wait, 2*time.Millisecond)
	v := e.view(t, "g1")
	assert.Equal(t, 1, totalTracks(v))
	assert.Equal(t, "Song A Official Video", v.Current.Title)
	assert.Equal(t, "u1", v.Current.RequestedBy)
	assert.Equal(t, []string{"vc1"}, e.connector.Joins("g1"))
}

type candidatesProvider []search.Candidate

func (p candidatesProvider) Name() string { return "fixed" }
func (p candidatesProvider) Search(ctx context.Context, text string, limit int) ([]search.Candidate, error) {
	return append([]search.Candidate(nil), p...), nil
}

func TestEnqueue_RepeatIsClamped(t *testing.T) {
	e := newEnv(t, nil)
	e.connector.hold.Store(true)
	ctx := context.Background()

	acc, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g0", Query: "song a", RequesterID: "u1", Repeat: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Copies)
	require.Eventually(t, func() bool { return totalTracks(e.view(t, "g0")) == 1 }, wait, 2*time.Millisecond)

	acc, err = e.registry.Enqueue(ctx, PlayRequest{GuildID: "g75", Query: "song a", RequesterID: "u1", Repeat: 75})
	require.NoError(t, err)
	assert.Equal(t, 50, acc.Copies)
	require.Eventually(t, func() bool { return totalTracks(e.view(t, "g75")) == 50 }, wait, 2*time.Millisecond)
	assert.Equal(t, int32(2), e.resolver.calls.Load())
}

func TestEnqueue_Rejections(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "nobody"})
	assert.ErrorIs(t, err, music.ErrNoEndpoint)
	assert.Equal(t, int32(0), e.resolver.calls.Load())

	_, err = e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "unknown", RequesterID: "u1"})
	assert.ErrorIs(t, err, music.ErrSearchExhausted)
	assert.Empty(t, e.registry.Guilds())
}

func TestEnqueue_FallsBackToSessionEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.connector.hold.Store(true)
	ctx := context.Background()

	_, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.view(t, "g1").Status == music.StatusPlaying }, wait, 2*time.Millisecond)

	acc, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song b", RequesterID: "elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Position)
	require.Eventually(t, func() bool { return totalTracks(e.view(t, "g1")) == 2 }, wait, 2*time.Millisecond)
}

func TestControl(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	t.Run("without a session", func(t *testing.T) {
		res, err := e.registry.Control(ctx, "none", ActionPause)
		require.NoError(t, err)
		assert.False(t, res.Applied)

		res, err = e.registry.Control(ctx, "none", ActionStop)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, music.StatusIdle, res.Status)
	})

	t.Run("pause resume and stop twice", func(t *testing.T) {
		e.connector.hold.Store(true)
		_, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "u1", Repeat: 3})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return e.view(t, "g1").Status == music.StatusPlaying }, wait, 2*time.Millisecond)

		res, err := e.registry.Control(ctx, "g1", ActionPause)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, music.StatusPaused, res.Status)

		res, err = e.registry.Control(ctx, "g1", ActionResume)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, music.StatusPlaying, res.Status)

		for i := 0; i < 2; i++ {
			res, err = e.registry.Control(ctx, "g1", ActionStop)
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, music.StatusIdle, res.Status)
			v := e.view(t, "g1")
			assert.Empty(t, v.Queue)
			assert.Nil(t, v.Current)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := e.registry.Control(ctx, "g1", Action("rewind"))
		assert.Error(t, err)
	})
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Skip ")
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, a)

	_, err = ParseAction("shuffle")
	assert.Error(t, err)
}

func TestPersistRestoreRecover(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	first := newEnv(t, store)
	first.connector.hold.Store(true)
	_, err := first.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "u1", ChannelID: "text1"})
	require.NoError(t, err)
	_, err = first.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song b", RequesterID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.view(t, "g1").Status == music.StatusPlaying }, wait, 2*time.Millisecond)

	require.NoError(t, first.registry.Close(ctx))

	snap, ok := store.snapshot(t, "g1")
	require.True(t, ok)
	assert.True(t, snap.IsPlaying)
	require.NotNil(t, snap.CurrentTrack)
	assert.Equal(t, "Song A Official Video", snap.CurrentTrack.Title)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, "vc1", snap.LastEndpoint)
	assert.Equal(t, "text1", snap.RequestChannel)

	second := newEnv(t, store)
	n, err := second.registry.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v := second.view(t, "g1")
	assert.Equal(t, music.StatusIdle, v.Status)
	assert.True(t, v.Dormant)
	require.Len(t, v.Queue, 2)
	assert.Equal(t, "Song A Official Video", v.Queue[0].Title)
	assert.Equal(t, "Song B", v.Queue[1].Title)
	assert.Equal(t, 200*time.Second, v.Queue[0].Duration)

	recovered, err := second.registry.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, second.connector.Joins("g1"))

	second.presence.mu.Lock()
	second.presence.humans["vc1"] = 1
	second.presence.mu.Unlock()

	recovered, err = second.registry.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	require.Eventually(t, func() bool { return len(second.connector.Joins("g1")) > 0 }, wait, 2*time.Millisecond)
	assert.Equal(t, "vc1", second.connector.Joins("g1")[0])
}

func TestRecover_LeavesErrorCappedSessionsDormant(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.connector.fail.Store(true)

	_, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.view(t, "g1").Dormant }, wait, 2*time.Millisecond)
	joins := len(e.connector.Joins("g1"))

	e.connector.fail.Store(false)
	e.presence.mu.Lock()
	e.presence.humans["vc1"] = 1
	e.presence.mu.Unlock()

	recovered, err := e.registry.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
	woke, err := e.registry.RecoverGuild(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, woke)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, e.connector.Joins("g1"), joins)
	assert.True(t, e.view(t, "g1").Dormant)

	// The next request wakes it.
	_, err = e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song b", RequesterID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.connector.Joins("g1")) > joins }, wait, 2*time.Millisecond)
}

func TestRecoverGuild_OnlyTouchesThatGuild(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	for _, g := range []string{"g1", "g2"} {
		data, err := Snapshot{
			GuildID:      g,
			Queue:        []TrackRecord{{Title: "Song A", SourceRef: ref("aaaaaaaaaaa"), Duration: 200}},
			LastEndpoint: "vc1",
			Timestamp:    time.Now(),
		}.Encode()
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, g, data))
	}

	e := newEnv(t, store)
	n, err := e.registry.RestoreAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	e.presence.mu.Lock()
	e.presence.humans["vc1"] = 1
	e.presence.mu.Unlock()

	woke, err := e.registry.RecoverGuild(ctx, "g2")
	require.NoError(t, err)
	assert.True(t, woke)
	require.Eventually(t, func() bool { return len(e.connector.Joins("g2")) > 0 }, wait, 2*time.Millisecond)
	assert.Empty(t, e.connector.Joins("g1"))
	assert.True(t, e.view(t, "g1").Dormant)
}

func TestRestoreAll_DropsStaleRecords(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	old := Snapshot{
		GuildID:   "old",
		Queue:     []TrackRecord{{Title: "x", SourceRef: ref("xxxxxxxxxxx"), Duration: 100}},
		Timestamp: time.Now().Add(-25 * time.Hour),
	}
	fresh := old
	fresh.GuildID = "fresh"
	fresh.Timestamp = time.Now().Add(-time.Hour)

	for _, s := range []Snapshot{old, fresh} {
		data, err := s.Encode()
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, s.GuildID, data))
	}
	require.NoError(t, store.Put(ctx, "garbage", []byte("{not json")))

	e := newEnv(t, store)
	n, err := e.registry.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"fresh"}, e.registry.Guilds())

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = store.Get(ctx, "garbage")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCleanupDeletesRecord(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.connector.hold.Store(true)

	_, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "u1"})
	require.NoError(t, err)
	require.NoError(t, e.registry.PersistAll(ctx))
	_, ok := e.store.snapshot(t, "g1")
	require.True(t, ok)

	require.NoError(t, e.registry.Cleanup(ctx, "g1"))
	_, ok = e.store.snapshot(t, "g1")
	assert.False(t, ok)
	assert.Empty(t, e.registry.Guilds())
	assert.Contains(t, e.connector.forgotten, "g1")
}

func TestPersistAll_ReportsFailures(t *testing.T) {
	store := newMemoryStore()
	e := newEnv(t, store)
	ctx := context.Background()
	e.connector.hold.Store(true)

	_, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song a", RequesterID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.view(t, "g1").Status == music.StatusPlaying }, wait, 2*time.Millisecond)

	store.mu.Lock()
	store.failPut = errors.New("disk full")
	store.mu.Unlock()

	err = e.registry.PersistAll(ctx)
	assert.ErrorIs(t, err, music.ErrPersistence)

	assert.Equal(t, music.StatusPlaying, e.view(t, "g1").Status)
}

func TestStateChangedAndHistory(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var statuses []music.Status
	e.registry.OnStateChanged(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "g1", c.GuildID)
		statuses = append(statuses, c.View.Status)
	})

	_, err := e.registry.Enqueue(ctx, PlayRequest{GuildID: "g1", Query: "song b", RequesterID: "u1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.history.Entries()) == 1 }, wait, 2*time.Millisecond)
	entry := e.history.Entries()[0]
	assert.Equal(t, "Song B", entry.Title)
	assert.Equal(t, database.OutcomeCompleted, entry.Outcome)
	assert.Equal(t, "u1", entry.RequestedBy)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == music.StatusIdle
	}, wait, 2*time.Millisecond)
	mu.Lock()
	assert.Contains(t, statuses, music.StatusPlaying)
	mu.Unlock()
}

func TestVoiceStateIsRoutedToSession(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	snap := Snapshot{
		GuildID:      "g1",
		Queue:        []TrackRecord{{Title: "x", SourceRef: ref("xxxxxxxxxxx"), Duration: 100}},
		LastEndpoint: "vc1",
		Timestamp:    time.Now(),
	}
	data, err := snap.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "g1", data))

	e := newEnv(t, store)
	_, err = e.registry.RestoreAll(ctx)
	require.NoError(t, err)

	e.connector.mu.Lock()
	listener := e.connector.listener
	e.connector.mu.Unlock()
	require.NotNil(t, listener)
	listener("g1", voice.StateConnecting, voice.StateReady)

	require.Eventually(t, func() bool { return len(e.history.Entries()) == 1 }, wait, 2*time.Millisecond)
}

func TestSnapshotEncoding(t *testing.T) {
	cur := music.Track{Title: "now", SourceRef: ref("nnnnnnnnnnn"), Duration: 95 * time.Second, RequestedBy: "u1"}
	pending := music.Track{Title: "next", SourceRef: ref("ppppppppppp"), Duration: 61500 * time.Millisecond}
	st := player.State{
		GuildID:  "g1",
		Status:   music.StatusPaused,
		Current:  &cur,
		Pending:  &pending,
		Queue:    []music.Track{{Title: "later", SourceRef: ref("lllllllllll")}},
		Endpoint: "vc1",
	}

	snap := SnapshotOf(st)
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, "paused", snap.Status)
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, "next", snap.Queue[0].Title)
	assert.Equal(t, int64(61), snap.Queue[0].Duration)

	data, err := snap.Encode()
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(95), raw["currentTrack"].(map[string]any)["duration"])
	assert.Equal(t, "u1", raw["currentTrack"].(map[string]any)["requesterId"])
	assert.Equal(t, "vc1", raw["lastEndpoint"])

	back, err := DecodeSnapshot(data)
	require.NoError(t, err)
	tracks := back.Tracks()
	require.Len(t, tracks, 3)
	assert.Equal(t, "now", tracks[0].Title)
	assert.Equal(t, 95*time.Second, tracks[0].Duration)
}
