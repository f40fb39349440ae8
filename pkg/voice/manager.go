package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/music"
)

// Listener receives state transitions. It is called synchronously from the
// goroutine performing the transition and must not block.
type Listener func(guildID string, from, to State)

// Config tunes a Manager.
type Config struct {
	JoinTimeout    time.Duration
	ReconnectDelay time.Duration
}

// DefaultConfig returns the production connection settings.
func DefaultConfig() Config {
	return Config{
		JoinTimeout:    15 * time.Second,
		ReconnectDelay: 5 * time.Second,
	}
}

// Manager owns every guild's connection. Operations on one guild are
// serialised; different guilds never wait on each other.
type Manager struct {
	transport Transport
	presence  Presence
	cfg       Config
	logger    logging.Logger
	metrics   *metrics.Collector

	mu     sync.Mutex
	guilds map[string]*guildConn

	listenersMu sync.RWMutex
	listeners   []Listener
}

type guildConn struct {
	// sem serialises join, teardown, migration and reconnection.
	sem chan struct{}

	stateMu  sync.RWMutex
	state    State
	endpoint string
	// cancelReconnect aborts a scheduled or running reconnection without
	// waiting for sem.
	cancelReconnect context.CancelFunc

	// Guarded by sem.
	conn        Conn
	gen         uint64
	stopWatch   context.CancelFunc
	reconnectAt *time.Timer
}

// NewManager creates a connection manager.
func NewManager(transport Transport, presence Presence, cfg Config, logger logging.Logger, m *metrics.Collector) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultConfig().JoinTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	return &Manager{
		transport: transport,
		presence:  presence,
		cfg:       cfg,
		logger:    logger.With(logging.String("component", "voice")),
		metrics:   m,
		guilds:    make(map[string]*guildConn),
	}
}

// Subscribe registers a state listener.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) guild(guildID string) *guildConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	if !ok {
		g = &guildConn{sem: make(chan struct{}, 1)}
		m.guilds[guildID] = g
	}
	return g
}

func (g *guildConn) lock(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; a cancelled caller must not proceed.
	if err := ctx.Err(); err != nil {
		<-g.sem
		return err
	}
	return nil
}

func (g *guildConn) unlock() { <-g.sem }

func (g *guildConn) abortReconnect() {
	g.stateMu.Lock()
	cancel := g.cancelReconnect
	g.cancelReconnect = nil
	g.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) setState(guildID string, g *guildConn, to State) {
	g.stateMu.Lock()
	from := g.state
	g.state = to
	g.stateMu.Unlock()
	if from == to {
		return
	}

	m.logger.Debug("Connection state changed",
		logging.Guild(guildID),
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	)

	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l(guildID, from, to)
	}
}

// State returns the current state of a guild's connection.
func (m *Manager) State(guildID string) State {
	g := m.guild(guildID)
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

// Endpoint returns the last endpoint the guild was bound to, if any.
func (m *Manager) Endpoint(guildID string) string {
	g := m.guild(guildID)
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.endpoint
}

// Join returns a ready connection to endpoint. An existing ready connection
// to the same endpoint is returned unchanged; anything else is torn down and
// replaced. Failures wrap music.ErrTransport.
func (m *Manager) Join(ctx context.Context, guildID, endpoint string) (Conn, error) {
	g := m.guild(guildID)
	g.abortReconnect()
	if err := g.lock(ctx); err != nil {
		return nil, err
	}
	defer g.unlock()

	return m.joinLocked(ctx, guildID, g, endpoint)
}

func (m *Manager) joinLocked(ctx context.Context, guildID string, g *guildConn, endpoint string) (Conn, error) {
	if g.conn != nil && m.State(guildID) == StateReady && g.conn.Endpoint() == endpoint && g.conn.Ready() {
		return g.conn, nil
	}

	m.closeLocked(g)
	m.setState(guildID, g, StateConnecting)

	jctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()

	start := time.Now()
	conn, err := m.transport.Join(jctx, guildID, endpoint)
	if err != nil {
		m.setState(guildID, g, StateDisconnected)
		m.metrics.Counter(metrics.JoinTotal, 1, map[string]string{"result": "error"})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("join %s: %w: %v", endpoint, music.ErrTransport, err)
	}
	if ctx.Err() != nil {
		conn.Disconnect()
		m.setState(guildID, g, StateDisconnected)
		return nil, ctx.Err()
	}

	g.gen++
	g.conn = conn
	watchCtx, stopWatch := context.WithCancel(context.Background())
	g.stopWatch = stopWatch
	go m.watch(watchCtx, guildID, g, conn, g.gen)

	g.stateMu.Lock()
	g.endpoint = endpoint
	g.stateMu.Unlock()
	m.setState(guildID, g, StateReady)

	m.metrics.Counter(metrics.JoinTotal, 1, map[string]string{"result": "ok"})
	m.logger.Info("Voice connection ready",
		logging.Guild(guildID),
		logging.String("endpoint", endpoint),
		logging.Duration("elapsed", time.Since(start)),
	)
	return conn, nil
}

// closeLocked releases the current connection without changing state.
func (m *Manager) closeLocked(g *guildConn) {
	if g.reconnectAt != nil {
		g.reconnectAt.Stop()
		g.reconnectAt = nil
	}
	if g.stopWatch != nil {
		g.stopWatch()
		g.stopWatch = nil
	}
	if g.conn != nil {
		if err := g.conn.Disconnect(); err != nil {
			m.logger.Debug("Disconnect returned error", logging.Error(err))
		}
		g.conn = nil
	}
	g.gen++
}

// Teardown releases the guild's connection and marks it Destroyed. It is
// safe to call repeatedly.
func (m *Manager) Teardown(guildID string) {
	g := m.guild(guildID)
	g.abortReconnect()
	_ = g.lock(context.Background())
	defer g.unlock()

	m.closeLocked(g)
	m.setState(guildID, g, StateDestroyed)
}

// Forget tears the guild down and drops its bookkeeping entirely.
func (m *Manager) Forget(guildID string) {
	m.Teardown(guildID)
	m.mu.Lock()
	delete(m.guilds, guildID)
	m.mu.Unlock()
}

// MigrateIdle moves a ready connection to endpoint. It does nothing when
// there is no ready connection or it is already there, and gives up without
// side effects if ctx is done before the guild could be locked.
func (m *Manager) MigrateIdle(ctx context.Context, guildID, endpoint string) error {
	g := m.guild(guildID)
	if err := g.lock(ctx); err != nil {
		return err
	}
	defer g.unlock()

	if g.conn == nil || m.State(guildID) != StateReady || g.conn.Endpoint() == endpoint {
		return nil
	}
	m.logger.Info("Migrating idle connection",
		logging.Guild(guildID),
		logging.String("from", g.conn.Endpoint()),
		logging.String("to", endpoint),
	)
	_, err := m.joinLocked(ctx, guildID, g, endpoint)
	return err
}

// watch turns connection events into state transitions.
func (m *Manager) watch(ctx context.Context, guildID string, g *guildConn, conn Conn, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				m.dropped(guildID, g, gen, Event{Type: EventDisconnected})
				return
			}
			switch ev.Type {
			case EventDisconnected, EventError:
				m.dropped(guildID, g, gen, ev)
				return
			}
		}
	}
}

// dropped handles an unexpected loss of the connection of generation gen.
func (m *Manager) dropped(guildID string, g *guildConn, gen uint64, ev Event) {
	if err := g.lock(context.Background()); err != nil {
		return
	}
	defer g.unlock()
	if g.gen != gen || g.conn == nil {
		return
	}

	m.logger.Warn("Voice connection lost",
		logging.Guild(guildID),
		logging.String("event", ev.Type.String()),
		logging.Error(ev.Err),
	)

	m.closeLocked(g)
	m.setState(guildID, g, StateDegraded)

	expect := g.gen
	ctx, cancel := context.WithCancel(context.Background())
	g.abortReconnect()
	g.stateMu.Lock()
	g.cancelReconnect = cancel
	g.stateMu.Unlock()
	g.reconnectAt = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		defer cancel()
		m.reconnect(ctx, guildID, g, expect)
	})
}

func (m *Manager) reconnect(ctx context.Context, guildID string, g *guildConn, gen uint64) {
	if err := g.lock(ctx); err != nil {
		return
	}
	defer g.unlock()
	if g.gen != gen || m.State(guildID) != StateDegraded {
		return
	}
	g.reconnectAt = nil

	g.stateMu.RLock()
	endpoint := g.endpoint
	g.stateMu.RUnlock()

	if endpoint == "" || m.presence == nil || m.presence.HumansIn(guildID, endpoint) == 0 {
		m.logger.Info("Nobody left to reconnect for", logging.Guild(guildID), logging.String("endpoint", endpoint))
		m.setState(guildID, g, StateDisconnected)
		return
	}

	m.metrics.Counter(metrics.ReconnectTotal, 1, nil)
	if _, err := m.joinLocked(ctx, guildID, g, endpoint); err != nil {
		if ctx.Err() != nil {
			m.logger.Debug("Reconnect aborted", logging.Guild(guildID))
			return
		}
		m.logger.Warn("Reconnect failed", logging.Guild(guildID), logging.Error(err))
	}
}
