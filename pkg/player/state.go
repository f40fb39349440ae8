// Package player drives one guild's playback.
//
// An Engine is an actor: a single goroutine owns the queue, the current
// track and the phase, and every change arrives either as a command from a
// caller or as an event from a worker it started. Work that blocks (joining
// the endpoint, acquiring a stream, playing it, waiting out a retry delay)
// runs on worker goroutines tagged with the epoch they started under, and
// results from an older epoch are discarded.
package player

import (
	"time"

	"github.com/latoulicious/Vivace/pkg/music"
)

// Phase is the engine's internal playback phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhasePlaying
	PhasePaused
	PhaseRecovering
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhasePlaying:
		return "playing"
	case PhasePaused:
		return "paused"
	case PhaseRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Status maps the phase onto the externally visible status.
func (p Phase) Status() music.Status {
	switch p {
	case PhasePlaying:
		return music.StatusPlaying
	case PhasePaused:
		return music.StatusPaused
	default:
		return music.StatusIdle
	}
}

// State is a consistent copy of a session's playback state.
type State struct {
	GuildID string
	Phase   Phase
	Status  music.Status
	// Current is set exactly when Status is playing or paused.
	Current *music.Track
	// Pending is the track being started while Phase is starting.
	Pending           *music.Track
	Queue             []music.Track
	Endpoint          string
	RequestChannel    string
	ConsecutiveErrors int
	Dormant           bool
	// Restored is set while a session loaded from a snapshot has not yet
	// been woken.
	Restored  bool
	UpdatedAt time.Time
}

// Upcoming lists the tracks still to be played in order, with a pending
// track first. Persisted snapshots use this so an interrupted start is not
// lost.
func (s State) Upcoming() []music.Track {
	out := make([]music.Track, 0, len(s.Queue)+1)
	if s.Pending != nil {
		out = append(out, *s.Pending)
	}
	return append(out, s.Queue...)
}

// Outcome results reported through Config.OnOutcome.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Outcome describes how one attempt at a track ended.
type Outcome struct {
	GuildID string
	Track   music.Track
	Result  string
	// Kind and Err are set for failures.
	Kind music.Kind
	Err  error
}
