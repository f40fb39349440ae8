package music

import (
	"time"
)

// Track is a resolved, playable unit. Values are never mutated once created;
// copies are handed around instead of pointers.
type Track struct {
	Title       string
	SourceRef   string
	Duration    time.Duration
	Thumbnail   string
	RequestedBy string
	AddedAt     time.Time
}

// Status is the externally visible playback status of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String; unknown values map to idle.
func ParseStatus(s string) Status {
	switch s {
	case "playing":
		return StatusPlaying
	case "paused":
		return StatusPaused
	default:
		return StatusIdle
	}
}

// Queue is the FIFO of tracks waiting to be played for one guild.
//
// It is not safe for concurrent use: a Queue belongs to exactly one session
// loop, which serialises every access.
type Queue struct {
	items []Track
}

// NewQueue creates a queue holding the given tracks in order.
func NewQueue(tracks ...Track) *Queue {
	q := &Queue{items: make([]Track, 0, len(tracks))}
	q.items = append(q.items, tracks...)
	return q
}

// Append adds tracks at the back of the queue.
func (q *Queue) Append(tracks ...Track) {
	q.items = append(q.items, tracks...)
}

// PushFront puts a track back at the head so it is the next one played.
func (q *Queue) PushFront(t Track) {
	q.items = append(q.items, Track{})
	copy(q.items[1:], q.items)
	q.items[0] = t
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (Track, bool) {
	if len(q.items) == 0 {
		return Track{}, false
	}
	t := q.items[0]
	q.items[0] = Track{}
	q.items = q.items[1:]
	return t, true
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (Track, bool) {
	if len(q.items) == 0 {
		return Track{}, false
	}
	return q.items[0], true
}

// Len returns the number of queued tracks.
func (q *Queue) Len() int {
	return len(q.items)
}

// Items returns a copy of the queued tracks in playback order.
func (q *Queue) Items() []Track {
	result := make([]Track, len(q.items))
	copy(result, q.items)
	return result
}

// Clear drops every queued track.
func (q *Queue) Clear() {
	q.items = make([]Track, 0)
}
