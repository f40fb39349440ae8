// Package voice owns the live audio connection of every guild.
//
// A Manager keeps one connection per guild and moves it through
// Disconnected, Connecting, Ready, Degraded and Destroyed. The actual wire
// work is behind the Transport and Conn interfaces so the state machine can
// be exercised without Discord.
package voice

import (
	"context"
	"io"
	"sync"
)

// State is the manager's view of a guild's audio endpoint. It is never
// persisted.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDegraded
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// EventType is what a live connection reports about itself.
type EventType int

const (
	EventReady EventType = iota
	EventDisconnected
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification.
type Event struct {
	Type EventType
	Err  error
}

// Conn is a live connection to one audio endpoint.
type Conn interface {
	Endpoint() string
	Ready() bool
	// Subscribe plays stream until it ends (nil), ctx is cancelled
	// (ctx.Err()) or the connection fails. Output stalls while gate is closed.
	Subscribe(ctx context.Context, stream io.Reader, gate *Gate) error
	Events() <-chan Event
	Disconnect() error
}

// Transport opens connections. Join returns once the connection is ready or
// ctx expires.
type Transport interface {
	Join(ctx context.Context, guildID, endpoint string) (Conn, error)
}

// Presence answers who is connected where.
type Presence interface {
	// UserEndpoint returns the endpoint the user is currently connected to.
	UserEndpoint(guildID, userID string) (string, bool)
	// HumansIn counts non-bot participants in an endpoint.
	HumansIn(guildID, endpoint string) int
}

// Gate pauses output. The zero value is open.
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Pause closes the gate. It reports false if it was already closed.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.resume = make(chan struct{})
	return true
}

// Resume opens the gate. It reports false if it was already open.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resume)
	return true
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is closed. A nil gate never blocks.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.resume
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
