package player

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/latoulicious/Vivace/pkg/voice"
)

// Acquirer opens ready audio streams for tracks.
type Acquirer interface {
	Acquire(ctx context.Context, track music.Track) (io.ReadCloser, error)
}

// Connector manages the guild's audio connection.
type Connector interface {
	Join(ctx context.Context, guildID, endpoint string) (voice.Conn, error)
	Teardown(guildID string)
	MigrateIdle(ctx context.Context, guildID, endpoint string) error
}

// Config tunes an Engine.
type Config struct {
	RetryBase            time.Duration
	RetryStep            time.Duration
	RetryCap             time.Duration
	SuccessesToReset     int
	MaxConsecutiveErrors int
	MigrateTimeout       time.Duration
	// IdleEndpoint is where the connection parks once the queue runs dry.
	IdleEndpoint string
	// OnTransition is called from the engine goroutine after every
	// transition. It must not block.
	OnTransition func(State)
	// OnOutcome is called from the engine goroutine whenever a track stops
	// being played or started. It must not block.
	OnOutcome func(Outcome)
}

// DefaultConfig returns production playback settings.
func DefaultConfig() Config {
	return Config{
		RetryBase:            2 * time.Second,
		RetryStep:            time.Second,
		RetryCap:             10 * time.Second,
		SuccessesToReset:     3,
		MaxConsecutiveErrors: 5,
		MigrateTimeout:       15 * time.Second,
	}
}

// RetryDelay returns the wait before retrying after priorErrors earlier
// consecutive failures.
func (c Config) RetryDelay(priorErrors int) time.Duration {
	d := c.RetryBase + time.Duration(priorErrors)*c.RetryStep
	if d > c.RetryCap {
		return c.RetryCap
	}
	return d
}

var (
	errSkipped        = errors.New("skipped")
	errStopped        = errors.New("stopped")
	errConnectionLost = errors.New("connection lost")
)

// Engine is the playback state machine of one guild.
type Engine struct {
	guildID   string
	acquirer  Acquirer
	connector Connector
	cfg       Config
	logger    logging.Logger
	metrics   *metrics.Collector

	cmds      chan command
	events    chan any
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run goroutine.
	phase          Phase
	queue          *music.Queue
	current        *music.Track
	pending        *music.Track
	endpoint       string
	requestChannel string
	errorCount     int
	successStreak  int
	playedAny      bool
	dormant        bool
	restored       bool
	retryFront     bool

	epoch      uint64
	attempt    context.CancelCauseFunc
	gate       *voice.Gate
	retryTimer *time.Timer
	retrySeq   uint64
	migrate    context.CancelFunc
	updatedAt  time.Time
}

// Restore seeds a new engine with previously persisted state. The engine
// starts dormant: nothing plays until Wake or a new request.
type Restore struct {
	Queue          []music.Track
	Endpoint       string
	RequestChannel string
	UpdatedAt      time.Time
}

// New creates an engine and starts its goroutine.
func New(guildID string, acquirer Acquirer, connector Connector, cfg Config, logger logging.Logger, m *metrics.Collector) *Engine {
	return newEngine(guildID, acquirer, connector, cfg, logger, m, nil)
}

// NewRestored creates a dormant engine holding restored state.
func NewRestored(guildID string, acquirer Acquirer, connector Connector, cfg Config, logger logging.Logger, m *metrics.Collector, r Restore) *Engine {
	return newEngine(guildID, acquirer, connector, cfg, logger, m, &r)
}

func newEngine(guildID string, acquirer Acquirer, connector Connector, cfg Config, logger logging.Logger, m *metrics.Collector, r *Restore) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	def := DefaultConfig()
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryStep < 0 {
		cfg.RetryStep = def.RetryStep
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.SuccessesToReset <= 0 {
		cfg.SuccessesToReset = def.SuccessesToReset
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.MigrateTimeout <= 0 {
		cfg.MigrateTimeout = def.MigrateTimeout
	}

	e := &Engine{
		guildID:   guildID,
		acquirer:  acquirer,
		connector: connector,
		cfg:       cfg,
		logger:    logger.With(logging.Guild(guildID), logging.String("component", "player")),
		metrics:   m,
		cmds:      make(chan command),
		events:    make(chan any, 64),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		queue:     music.NewQueue(),
		updatedAt: time.Now(),
	}
	if r != nil {
		e.queue.Append(r.Queue...)
		e.endpoint = r.Endpoint
		e.requestChannel = r.RequestChannel
		e.dormant = true
		e.restored = true
		if !r.UpdatedAt.IsZero() {
			e.updatedAt = r.UpdatedAt
		}
	}

	go e.run()
	return e
}

type commandKind int

const (
	cmdEnqueue commandKind = iota
	cmdPause
	cmdResume
	cmdSkip
	cmdStop
	cmdWake
	cmdState
)

type command struct {
	kind     commandKind
	tracks   []music.Track
	endpoint string
	channel  string
	reply    chan reply
}

type reply struct {
	applied bool
	state   State
}

// Worker results and timer firings.
type (
	startResult struct {
		epoch  uint64
		conn   voice.Conn
		stream io.ReadCloser
		err    error
	}
	playDone struct {
		epoch uint64
		err   error
		cause error
	}
	retryFire struct {
		epoch uint64
		seq   uint64
	}
	voiceChange struct {
		state voice.State
	}
)

func (e *Engine) call(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case e.cmds <- c:
	case <-e.done:
		return reply{}, music.ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r, nil
	case <-e.done:
		return reply{}, music.ErrClosed
	}
}

// Enqueue appends tracks and starts playback if idle. A non-empty endpoint
// or channel updates the session's affinity.
func (e *Engine) Enqueue(ctx context.Context, tracks []music.Track, endpoint, channel string) (State, error) {
	r, err := e.call(ctx, command{kind: cmdEnqueue, tracks: tracks, endpoint: endpoint, channel: channel})
	return r.state, err
}

// Pause reports whether it paused anything.
func (e *Engine) Pause(ctx context.Context) (bool, error) {
	r, err := e.call(ctx, command{kind: cmdPause})
	return r.applied, err
}

// Resume reports whether it resumed anything.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	r, err := e.call(ctx, command{kind: cmdResume})
	return r.applied, err
}

// Skip advances past the current, starting or retried track.
func (e *Engine) Skip(ctx context.Context) (bool, error) {
	r, err := e.call(ctx, command{kind: cmdSkip})
	return r.applied, err
}

// Stop clears everything and releases the connection. It always applies.
func (e *Engine) Stop(ctx context.Context) error {
	_, err := e.call(ctx, command{kind: cmdStop})
	return err
}

// Wake leaves the dormant state and starts playing the queue if there is one.
func (e *Engine) Wake(ctx context.Context) (bool, error) {
	r, err := e.call(ctx, command{kind: cmdWake})
	return r.applied, err
}

// State returns a consistent copy of the engine state.
func (e *Engine) State(ctx context.Context) (State, error) {
	r, err := e.call(ctx, command{kind: cmdState})
	return r.state, err
}

// OnVoiceState feeds a connection state change to the engine. It never
// blocks; changes are dropped if the engine is backed up.
func (e *Engine) OnVoiceState(s voice.State) {
	select {
	case e.events <- voiceChange{state: s}:
	default:
		e.logger.Warn("Dropped voice state change", logging.String("state", s.String()))
	}
}

// Close stops playback and ends the engine goroutine.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
		close(e.done)
	})
	<-e.exited
}

func (e *Engine) post(ev any) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) run() {
	defer close(e.exited)
	for {
		select {
		case <-e.done:
			e.halt(errStopped)
			return
		case c := <-e.cmds:
			c.reply <- e.handleCommand(c)
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleCommand(c command) reply {
	applied := true
	changed := true

	switch c.kind {
	case cmdEnqueue:
		if c.endpoint != "" {
			e.endpoint = c.endpoint
		}
		if c.channel != "" {
			e.requestChannel = c.channel
		}
		e.queue.Append(c.tracks...)
		if e.dormant {
			e.wake()
		} else {
			e.evaluate()
		}

	case cmdPause:
		applied = e.phase == PhasePlaying
		if applied {
			e.gate.Pause()
			e.phase = PhasePaused
		}
		changed = applied

	case cmdResume:
		switch {
		case e.phase == PhasePaused:
			e.gate.Resume()
			e.phase = PhasePlaying
		case e.dormant && e.phase == PhaseIdle && e.queue.Len() > 0:
			e.wake()
		default:
			applied = false
		}
		changed = applied

	case cmdSkip:
		applied = e.skip()
		changed = applied

	case cmdStop:
		e.halt(errStopped)
		e.connector.Teardown(e.guildID)
		e.logger.Info("Playback stopped")

	case cmdWake:
		applied = e.dormant || (e.phase == PhaseIdle && e.queue.Len() > 0)
		e.wake()
		changed = applied

	case cmdState:
		changed = false
	}

	if changed {
		e.transitioned()
	}
	return reply{applied: applied, state: e.snapshot()}
}

func (e *Engine) handleEvent(ev any) {
	switch ev := ev.(type) {
	case startResult:
		e.onStartResult(ev)
	case playDone:
		e.onPlayDone(ev)
	case retryFire:
		if ev.epoch != e.epoch || e.phase != PhaseRecovering || ev.seq != e.retrySeq {
			return
		}
		e.retryTimer = nil
		e.retryFront = false
		e.phase = PhaseIdle
		e.evaluate()
		e.transitioned()
	case voiceChange:
		e.onVoiceChange(ev.state)
	}
}

// evaluate starts the next track when idle.
func (e *Engine) evaluate() {
	if e.phase != PhaseIdle || e.dormant {
		return
	}
	track, ok := e.queue.Pop()
	if !ok {
		if e.playedAny {
			e.playedAny = false
			e.parkIdle()
		}
		return
	}
	if e.endpoint == "" {
		e.queue.PushFront(track)
		e.dormant = true
		e.logger.Warn("No endpoint to play on, going dormant")
		return
	}

	e.pending = &track
	e.phase = PhaseStarting
	e.cancelMigration()

	ctx, cancel := context.WithCancelCause(context.Background())
	e.attempt = cancel
	go e.start(ctx, e.epoch, track, e.endpoint)
}

func (e *Engine) start(ctx context.Context, epoch uint64, track music.Track, endpoint string) {
	res := startResult{epoch: epoch}
	res.conn, res.err = e.connector.Join(ctx, e.guildID, endpoint)
	if res.err == nil {
		res.stream, res.err = e.acquirer.Acquire(ctx, track)
	}
	if !e.post(res) && res.stream != nil {
		res.stream.Close()
	}
}

func (e *Engine) play(ctx context.Context, epoch uint64, conn voice.Conn, stream io.ReadCloser, gate *voice.Gate) {
	err := conn.Subscribe(ctx, stream, gate)
	stream.Close()
	e.post(playDone{epoch: epoch, err: err, cause: context.Cause(ctx)})
}

func (e *Engine) onStartResult(r startResult) {
	if r.epoch != e.epoch || e.phase != PhaseStarting || e.pending == nil {
		if r.stream != nil {
			r.stream.Close()
		}
		return
	}
	track := *e.pending
	e.pending = nil

	if r.err != nil {
		e.cancelAttempt(r.err)
		e.failed(track, r.err, false)
		e.transitioned()
		return
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	prev := e.attempt
	e.attempt = func(cause error) {
		cancel(cause)
		prev(cause)
	}
	e.current = &track
	e.gate = voice.NewGate()
	e.phase = PhasePlaying
	e.logger.Info("Now playing",
		logging.String("title", track.Title),
		logging.String("source", track.SourceRef),
	)
	go e.play(ctx, e.epoch, r.conn, r.stream, e.gate)
	e.transitioned()
}

func (e *Engine) onPlayDone(d playDone) {
	if d.epoch != e.epoch || (e.phase != PhasePlaying && e.phase != PhasePaused) || e.current == nil {
		return
	}
	track := *e.current
	e.current = nil
	e.cancelAttempt(errStopped)

	if d.err == nil || errors.Is(d.cause, errSkipped) {
		e.completed(track, OutcomeCompleted)
		e.phase = PhaseIdle
		e.evaluate()
		e.transitioned()
		return
	}

	err := d.err
	if errors.Is(d.cause, errConnectionLost) {
		err = music.ErrTransport
	}
	e.failed(track, err, true)
	e.transitioned()
}

func (e *Engine) onVoiceChange(s voice.State) {
	switch s {
	case voice.StateDegraded:
		if e.phase == PhasePlaying || e.phase == PhasePaused {
			e.logger.Warn("Connection degraded during playback")
			e.cancelAttempt(errConnectionLost)
		}
	case voice.StateReady:
		// A reconnect on behalf of listeners revives a restored session.
		// Sessions that gave up after errors wait for a request.
		if e.restored && e.dormant && e.queue.Len() > 0 && e.phase == PhaseIdle {
			e.wake()
			e.transitioned()
		}
	}
}

// wake leaves the dormant state with a fresh error budget.
func (e *Engine) wake() {
	e.dormant = false
	e.restored = false
	e.errorCount = 0
	e.successStreak = 0
	e.evaluate()
}

func (e *Engine) completed(track music.Track, result string) {
	e.report(Outcome{Track: track, Result: result})
	e.playedAny = true
	e.successStreak++
	if e.successStreak >= e.cfg.SuccessesToReset {
		e.errorCount = 0
		e.successStreak = 0
	}
	e.metrics.Counter(metrics.PlaybackCompleted, 1, nil)
	e.logger.Debug("Track finished", logging.String("title", track.Title))
}

// failed applies the failure policy. Acquisition failures drop the track;
// transport and playback failures put it back at the front for a retry.
func (e *Engine) failed(track music.Track, err error, midPlayback bool) {
	kind := music.Classify(err)
	e.report(Outcome{Track: track, Result: OutcomeFailed, Kind: kind, Err: err})
	e.metrics.Error("player", err)
	e.logger.Warn("Playback failed",
		logging.String("title", track.Title),
		logging.String("kind", kind.String()),
		logging.Bool("mid_playback", midPlayback),
		logging.Error(err),
	)

	if kind == music.KindInvalidReference {
		e.phase = PhaseIdle
		e.evaluate()
		return
	}

	e.successStreak = 0
	prior := e.errorCount
	e.errorCount++

	e.retryFront = midPlayback || kind.Retryable()
	if e.retryFront {
		e.queue.PushFront(track)
	}

	if e.errorCount >= e.cfg.MaxConsecutiveErrors {
		e.logger.Warn("Too many consecutive errors, going dormant", logging.Int("errors", e.errorCount))
		e.retryFront = false
		e.phase = PhaseIdle
		e.dormant = true
		return
	}

	delay := e.cfg.RetryDelay(prior)
	e.phase = PhaseRecovering
	e.retrySeq++
	fire := retryFire{epoch: e.epoch, seq: e.retrySeq}
	e.retryTimer = time.AfterFunc(delay, func() { e.post(fire) })
	e.logger.Info("Retrying after delay", logging.Duration("delay", delay), logging.Bool("same_track", e.retryFront))
}

func (e *Engine) skip() bool {
	switch e.phase {
	case PhasePlaying, PhasePaused:
		track := *e.current
		e.cancelAttempt(errSkipped)
		e.epoch++
		e.current = nil
		e.completed(track, OutcomeSkipped)
		e.phase = PhaseIdle
		e.logger.Info("Skipped", logging.String("title", track.Title))
	case PhaseStarting:
		e.cancelAttempt(errSkipped)
		e.epoch++
		e.logger.Info("Skipped while starting", logging.String("title", e.pending.Title))
		e.report(Outcome{Track: *e.pending, Result: OutcomeSkipped})
		e.pending = nil
		e.phase = PhaseIdle
	case PhaseRecovering:
		e.stopRetry()
		if e.retryFront {
			e.queue.Pop()
		}
		e.retryFront = false
		e.phase = PhaseIdle
	case PhaseIdle:
		if _, ok := e.queue.Pop(); !ok {
			return false
		}
		e.dormant = false
	}
	e.evaluate()
	return true
}

// halt cancels all in-flight work and clears the session.
func (e *Engine) halt(cause error) {
	e.epoch++
	e.cancelAttempt(cause)
	e.cancelMigration()
	e.stopRetry()
	if e.gate != nil {
		e.gate.Resume()
		e.gate = nil
	}
	e.queue.Clear()
	e.current = nil
	e.pending = nil
	e.phase = PhaseIdle
	e.errorCount = 0
	e.successStreak = 0
	e.playedAny = false
	e.dormant = false
	e.restored = false
	e.retryFront = false
}

func (e *Engine) cancelAttempt(cause error) {
	if e.attempt != nil {
		e.attempt(cause)
		e.attempt = nil
	}
}

func (e *Engine) stopRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *Engine) cancelMigration() {
	if e.migrate != nil {
		e.migrate()
		e.migrate = nil
	}
}

// parkIdle moves the connection to the idle endpoint without blocking.
func (e *Engine) parkIdle() {
	if e.cfg.IdleEndpoint == "" || e.cfg.IdleEndpoint == e.endpoint {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MigrateTimeout)
	e.migrate = cancel
	idle := e.cfg.IdleEndpoint
	go func() {
		defer cancel()
		if err := e.connector.MigrateIdle(ctx, e.guildID, idle); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("Idle migration failed", logging.Error(err))
		}
	}()
}

func (e *Engine) report(o Outcome) {
	if e.cfg.OnOutcome != nil {
		o.GuildID = e.guildID
		e.cfg.OnOutcome(o)
	}
}

func (e *Engine) transitioned() {
	e.updatedAt = time.Now()
	if e.cfg.OnTransition != nil {
		e.cfg.OnTransition(e.snapshot())
	}
}

func (e *Engine) snapshot() State {
	s := State{
		GuildID:           e.guildID,
		Phase:             e.phase,
		Status:            e.phase.Status(),
		Queue:             e.queue.Items(),
		Endpoint:          e.endpoint,
		RequestChannel:    e.requestChannel,
		ConsecutiveErrors: e.errorCount,
		Dormant:           e.dormant,
		Restored:          e.restored,
		UpdatedAt:         e.updatedAt,
	}
	if e.current != nil {
		t := *e.current
		s.Current = &t
	}
	if e.pending != nil {
		t := *e.pending
		s.Pending = &t
	}
	return s
}
