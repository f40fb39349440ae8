// Package session keeps one playback engine per guild and is the entry point
// for the command layer: play requests, controls, queue views, persistence
// and restart recovery all go through the Registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latoulicious/Vivace/pkg/database"
	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/latoulicious/Vivace/pkg/player"
	"github.com/latoulicious/Vivace/pkg/search"
	"github.com/latoulicious/Vivace/pkg/voice"
)

// MaxRepeat caps how many copies one request may enqueue.
const MaxRepeat = 50

// Resolver turns a query into ranked candidates.
type Resolver interface {
	Resolve(ctx context.Context, query string, maxResults int) ([]search.Candidate, error)
}

// Connector is the connection manager as the registry needs it.
type Connector interface {
	player.Connector
	Subscribe(l voice.Listener)
	Forget(guildID string)
}

// Action is a playback control.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionSkip   Action = "skip"
	ActionStop   Action = "stop"
)

// ParseAction accepts the action names case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionResume, ActionSkip, ActionStop:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// PlayRequest asks for a query to be resolved and queued.
type PlayRequest struct {
	GuildID     string
	Query       string
	RequesterID string
	// ChannelID is the text channel the request came from.
	ChannelID string
	Repeat    int
}

// Accepted describes what a play request queued.
type Accepted struct {
	Track  music.Track
	Copies int
	// Position is the 1-based queue position of the first copy; 0 means it
	// started right away.
	Position int
}

// ControlResult reports the effect of a control. Inapplicable controls are
// not errors; Applied is false instead.
type ControlResult struct {
	Action  Action
	Applied bool
	Status  music.Status
}

// QueueView is the read model for "now playing / up next".
type QueueView struct {
	GuildID string
	Status  music.Status
	Current *music.Track
	Queue   []music.Track
	Dormant bool
}

// StateChange is delivered to listeners after every session transition.
type StateChange struct {
	GuildID  string
	View     QueueView
	Snapshot Snapshot
}

// Listener receives state changes on the registry's dispatch goroutine.
type Listener func(StateChange)

// Config tunes a Registry.
type Config struct {
	Player player.Config
	// IdleEndpoints maps guild IDs to the endpoint to park on when idle.
	IdleEndpoints map[string]string
	SnapshotTTL   time.Duration
	WriteTimeout  time.Duration
	NotifyBuffer  int
}

// DefaultConfig returns production session settings.
func DefaultConfig() Config {
	return Config{
		Player:       player.DefaultConfig(),
		SnapshotTTL:  24 * time.Hour,
		WriteTimeout: 5 * time.Second,
		NotifyBuffer: 256,
	}
}

// Deps are the collaborators of a Registry. History is optional.
type Deps struct {
	Resolver  Resolver
	Acquirer  player.Acquirer
	Connector Connector
	Presence  voice.Presence
	Store     database.Store
	History   database.HistoryRepository
	Logger    logging.Logger
	Metrics   *metrics.Collector
}

// Registry owns every guild's session.
type Registry struct {
	deps   Deps
	cfg    Config
	logger logging.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*player.Engine

	persist *persister
	closed  atomic.Bool

	listenersMu sync.RWMutex
	listeners   []Listener
	changes     chan StateChange
	outcomes    chan player.Outcome
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewRegistry creates a registry and routes connection state changes to the
// matching sessions.
func NewRegistry(deps Deps, cfg Config) *Registry {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	def := DefaultConfig()
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = def.SnapshotTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = def.NotifyBuffer
	}

	logger := deps.Logger.With(logging.String("component", "session"))
	r := &Registry{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*player.Engine),
		persist:  newPersister(deps.Store, cfg.WriteTimeout, logger, deps.Metrics),
		changes:  make(chan StateChange, cfg.NotifyBuffer),
		outcomes: make(chan player.Outcome, cfg.NotifyBuffer),
		stop:     make(chan struct{}),
	}

	if deps.Connector != nil {
		deps.Connector.Subscribe(r.onVoiceState)
	}

	r.wg.Add(2)
	go r.dispatch()
	go r.recordHistory()
	return r
}

// OnStateChanged registers a listener for session transitions.
func (r *Registry) OnStateChanged(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) lookup(guildID string) (*player.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[guildID]
	return e, ok
}

func (r *Registry) session(guildID string) (*player.Engine, error) {
	if r.closed.Load() {
		return nil, music.ErrClosed
	}
	if e, ok := r.lookup(guildID); ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[guildID]; ok {
		return e, nil
	}
	e := player.New(guildID, r.deps.Acquirer, r.deps.Connector, r.playerConfig(guildID), r.deps.Logger, r.deps.Metrics)
	r.sessions[guildID] = e
	return e, nil
}

func (r *Registry) playerConfig(guildID string) player.Config {
	cfg := r.cfg.Player
	cfg.IdleEndpoint = r.cfg.IdleEndpoints[guildID]
	cfg.OnTransition = r.transitioned
	cfg.OnOutcome = r.outcome
	return cfg
}

// Enqueue resolves the request's query once and queues clamp(repeat, 1, 50)
// copies of the result. The requester's current endpoint wins over the
// session's last one; with neither the request fails with music.ErrNoEndpoint.
func (r *Registry) Enqueue(ctx context.Context, req PlayRequest) (Accepted, error) {
	if req.GuildID == "" {
		return Accepted{}, fmt.Errorf("missing guild")
	}

	endpoint := ""
	if r.deps.Presence != nil && req.RequesterID != "" {
		endpoint, _ = r.deps.Presence.UserEndpoint(req.GuildID, req.RequesterID)
	}
	if endpoint == "" {
		if e, ok := r.lookup(req.GuildID); ok {
			if st, err := e.State(ctx); err == nil {
				endpoint = st.Endpoint
			}
		}
	}
	if endpoint == "" {
		return Accepted{}, music.ErrNoEndpoint
	}

	candidates, err := r.deps.Resolver.Resolve(ctx, req.Query, 1)
	if err != nil {
		return Accepted{}, err
	}
	if len(candidates) == 0 {
		return Accepted{}, fmt.Errorf("%w: %q", music.ErrSearchExhausted, req.Query)
	}

	copies := clampRepeat(req.Repeat)
	track := candidates[0].Track(req.RequesterID, r.now())
	tracks := make([]music.Track, copies)
	for i := range tracks {
		tracks[i] = track
	}

	e, err := r.session(req.GuildID)
	if err != nil {
		return Accepted{}, err
	}
	before, err := e.State(ctx)
	if err != nil {
		return Accepted{}, err
	}
	if _, err := e.Enqueue(ctx, tracks, endpoint, req.ChannelID); err != nil {
		return Accepted{}, err
	}

	position := len(before.Upcoming()) + 1
	if before.Phase == player.PhaseIdle && len(before.Queue) == 0 {
		position = 0
	}

	r.logger.Info("Track queued",
		logging.Guild(req.GuildID),
		logging.String("title", track.Title),
		logging.String("requester", req.RequesterID),
		logging.Int("copies", copies),
	)
	return Accepted{Track: track, Copies: copies, Position: position}, nil
}

func clampRepeat(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxRepeat {
		return MaxRepeat
	}
	return n
}

// Control applies a playback control. Controls on a guild without a session
// are no-ops, except that Stop always reports applied.
func (r *Registry) Control(ctx context.Context, guildID string, action Action) (ControlResult, error) {
	res := ControlResult{Action: action, Status: music.StatusIdle}

	e, ok := r.lookup(guildID)
	if !ok {
		switch action {
		case ActionStop:
			res.Applied = true
			if r.deps.Connector != nil {
				r.deps.Connector.Teardown(guildID)
			}
		case ActionPause, ActionResume, ActionSkip:
		default:
			return res, fmt.Errorf("unknown action %q", action)
		}
		return res, nil
	}

	var err error
	switch action {
	case ActionPause:
		res.Applied, err = e.Pause(ctx)
	case ActionResume:
		res.Applied, err = e.Resume(ctx)
	case ActionSkip:
		res.Applied, err = e.Skip(ctx)
	case ActionStop:
		err = e.Stop(ctx)
		res.Applied = err == nil
	default:
		return res, fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return res, err
	}

	if st, err := e.State(ctx); err == nil {
		res.Status = st.Status
	}
	return res, nil
}

// QueueSnapshot returns the guild's current view. Guilds without a session
// report an empty idle view.
func (r *Registry) QueueSnapshot(ctx context.Context, guildID string) (QueueView, error) {
	e, ok := r.lookup(guildID)
	if !ok {
		return QueueView{GuildID: guildID, Status: music.StatusIdle}, nil
	}
	st, err := e.State(ctx)
	if err != nil {
		return QueueView{}, err
	}
	return viewOf(st), nil
}

// Snapshot returns the guild's serialisable state.
func (r *Registry) Snapshot(ctx context.Context, guildID string) (Snapshot, error) {
	e, ok := r.lookup(guildID)
	if !ok {
		return Snapshot{GuildID: guildID, Status: music.StatusIdle.String(), Timestamp: r.now().UTC()}, nil
	}
	st, err := e.State(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(st), nil
}

// Guilds lists guilds with a live session.
func (r *Registry) Guilds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func viewOf(st player.State) QueueView {
	return QueueView{
		GuildID: st.GuildID,
		Status:  st.Status,
		Current: st.Current,
		Queue:   st.Upcoming(),
		Dormant: st.Dormant,
	}
}

// PersistAll writes every session's snapshot, each as its own record, and
// waits for the writes. Failures are reported but do not stop other guilds.
func (r *Registry) PersistAll(ctx context.Context) error {
	r.mu.RLock()
	engines := make(map[string]*player.Engine, len(r.sessions))
	for id, e := range r.sessions {
		engines[id] = e
	}
	r.mu.RUnlock()

	var errs []error
	for guildID, e := range engines {
		st, err := e.State(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", guildID, err))
			continue
		}
		data, err := SnapshotOf(st).Encode()
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: guild %s: %v", music.ErrPersistence, guildID, err))
			continue
		}
		r.persist.Put(guildID, data)
	}

	if err := r.persist.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RestoreAll rehydrates sessions from the store. Records older than the
// snapshot TTL are deleted. Restored sessions never start playing on their
// own; see Recover.
func (r *Registry) RestoreAll(ctx context.Context) (int, error) {
	records, err := r.deps.Store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list snapshots: %v", music.ErrPersistence, err)
	}

	now := r.now()
	restored := 0
	for _, rec := range records {
		snap, err := DecodeSnapshot(rec.Data)
		if err != nil {
			r.logger.Warn("Dropping unreadable snapshot", logging.Guild(rec.GuildID), logging.Error(err))
			r.deleteRecord(ctx, rec.GuildID)
			continue
		}
		stamp := snap.Timestamp
		if stamp.IsZero() {
			stamp = rec.UpdatedAt
		}
		if now.Sub(stamp) > r.cfg.SnapshotTTL {
			r.logger.Info("Dropping stale snapshot", logging.Guild(rec.GuildID), logging.Duration("age", now.Sub(stamp)))
			r.deleteRecord(ctx, rec.GuildID)
			continue
		}
		if snap.Empty() {
			continue
		}
		if r.restore(rec.GuildID, snap, stamp) {
			restored++
		}
	}

	r.logger.Info("Sessions restored", logging.Int("count", restored), logging.Int("records", len(records)))
	return restored, nil
}

func (r *Registry) restore(guildID string, snap Snapshot, stamp time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[guildID]; exists {
		return false
	}
	r.sessions[guildID] = player.NewRestored(guildID, r.deps.Acquirer, r.deps.Connector, r.playerConfig(guildID),
		r.deps.Logger, r.deps.Metrics, player.Restore{
			Queue:          snap.Tracks(),
			Endpoint:       snap.LastEndpoint,
			RequestChannel: snap.RequestChannel,
			UpdatedAt:      stamp,
		})
	return true
}

func (r *Registry) deleteRecord(ctx context.Context, guildID string) {
	if err := r.deps.Store.Delete(ctx, guildID); err != nil {
		r.logger.Warn("Failed to delete snapshot", logging.Guild(guildID), logging.Error(err))
	}
}

// Recover resumes restored sessions whose last endpoint has at least one
// human listener. The others stay dormant until the next request, as do
// sessions that went dormant on their own.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, guildID := range r.Guilds() {
		woke, err := r.RecoverGuild(ctx, guildID)
		if err != nil {
			return recovered, err
		}
		if woke {
			recovered++
		}
	}
	return recovered, nil
}

// RecoverGuild is Recover for a single guild.
func (r *Registry) RecoverGuild(ctx context.Context, guildID string) (bool, error) {
	if r.deps.Presence == nil {
		return false, nil
	}
	e, ok := r.lookup(guildID)
	if !ok {
		return false, nil
	}
	st, err := e.State(ctx)
	if err != nil {
		return false, err
	}
	if !st.Restored || !st.Dormant || len(st.Queue) == 0 || st.Endpoint == "" {
		return false, nil
	}
	if r.deps.Presence.HumansIn(guildID, st.Endpoint) == 0 {
		r.logger.Debug("Nobody listening, leaving session dormant", logging.Guild(guildID))
		return false, nil
	}
	woke, err := e.Wake(ctx)
	if err != nil {
		return false, err
	}
	if woke {
		r.logger.Info("Session recovered", logging.Guild(guildID), logging.String("endpoint", st.Endpoint))
	}
	return woke, nil
}

// Cleanup stops the guild's session, forgets it and deletes its record.
func (r *Registry) Cleanup(ctx context.Context, guildID string) error {
	r.mu.Lock()
	e, ok := r.sessions[guildID]
	delete(r.sessions, guildID)
	r.mu.Unlock()

	if ok {
		e.Close()
	}
	if r.deps.Connector != nil {
		r.deps.Connector.Forget(guildID)
	}
	r.persist.Delete(guildID)
	return r.persist.Flush(ctx)
}

// Close persists every session, then stops them without recording the
// stopped state, so the next process can restore the queues.
func (r *Registry) Close(ctx context.Context) error {
	err := r.PersistAll(ctx)
	if r.closed.Swap(true) {
		return err
	}

	r.mu.Lock()
	engines := make([]*player.Engine, 0, len(r.sessions))
	for _, e := range r.sessions {
		engines = append(engines, e)
	}
	r.sessions = make(map[string]*player.Engine)
	r.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
	r.persist.Close()
	close(r.stop)
	r.wg.Wait()
	return err
}

// transitioned runs on the engine goroutine and must not block.
func (r *Registry) transitioned(st player.State) {
	if r.closed.Load() {
		return
	}
	snap := SnapshotOf(st)
	if data, err := snap.Encode(); err == nil {
		r.persist.Put(st.GuildID, data)
	} else {
		r.logger.Warn("Failed to encode snapshot", logging.Guild(st.GuildID), logging.Error(err))
	}

	select {
	case r.changes <- StateChange{GuildID: st.GuildID, View: viewOf(st), Snapshot: snap}:
	default:
		r.logger.Warn("State change dropped, listeners are falling behind", logging.Guild(st.GuildID))
	}
}

func (r *Registry) outcome(o player.Outcome) {
	if r.deps.History == nil {
		return
	}
	select {
	case r.outcomes <- o:
	default:
		r.logger.Warn("Playback history entry dropped", logging.Guild(o.GuildID))
	}
}

func (r *Registry) onVoiceState(guildID string, _, to voice.State) {
	if e, ok := r.lookup(guildID); ok {
		e.OnVoiceState(to)
	}
}

func (r *Registry) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case c := <-r.changes:
			r.listenersMu.RLock()
			listeners := append([]Listener(nil), r.listeners...)
			r.listenersMu.RUnlock()
			for _, l := range listeners {
				l(c)
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) recordHistory() {
	defer r.wg.Done()
	for {
		select {
		case o := <-r.outcomes:
			entry := &database.HistoryEntry{
				GuildID:     o.GuildID,
				Title:       o.Track.Title,
				SourceRef:   o.Track.SourceRef,
				RequestedBy: o.Track.RequestedBy,
				Outcome:     o.Result,
			}
			if o.Result == player.OutcomeFailed {
				entry.ErrorKind = o.Kind.String()
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
			if err := r.deps.History.Record(ctx, entry); err != nil {
				r.logger.Warn("Failed to record playback history", logging.Guild(o.GuildID), logging.Error(err))
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}
