package music

import (
	"context"
	"errors"
)

// Playback error taxonomy. Boundary errors are wrapped with %w around one of
// these so callers can branch with errors.Is.
var (
	ErrSearchExhausted   = errors.New("no search strategy produced a result")
	ErrStreamUnavailable = errors.New("no stream option became ready")
	ErrTransport         = errors.New("voice transport failure")
	ErrInvalidReference  = errors.New("malformed source reference")
	ErrPersistence       = errors.New("snapshot persistence failed")
)

// Request errors
var (
	ErrNoEndpoint = errors.New("requester is not connected to a voice channel")
	ErrEmptyQuery = errors.New("empty query")
	ErrClosed     = errors.New("session closed")
)

// Kind classifies an error into the taxonomy above.
type Kind int

const (
	KindUnknown Kind = iota
	KindSearchExhausted
	KindStreamUnavailable
	KindTransport
	KindInvalidReference
	KindPersistence
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindSearchExhausted:
		return "search_exhausted"
	case KindStreamUnavailable:
		return "stream_unavailable"
	case KindTransport:
		return "transport"
	case KindInvalidReference:
		return "invalid_reference"
	case KindPersistence:
		return "persistence"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the playback engine retries the same track for
// this kind of failure. Invalid references and unavailable streams drop the
// track instead.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindUnknown:
		return true
	default:
		return false
	}
}

// Classify maps any error onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidReference):
		return KindInvalidReference
	case errors.Is(err, ErrSearchExhausted):
		return KindSearchExhausted
	case errors.Is(err, ErrStreamUnavailable):
		return KindStreamUnavailable
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}
