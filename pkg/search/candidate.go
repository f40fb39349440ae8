// Package search turns free-text requests into ranked playable candidates.
//
// A Resolver runs an ordered list of strategies against a Provider, stopping
// at the first strategy that returns anything, and ranks the results with
// Score. Scoring is a pure function so selection is reproducible offline.
package search

import (
	"context"
	"errors"
	"time"

	"github.com/latoulicious/Vivace/pkg/music"
)

// ErrNoResults is returned by providers for an empty result page. The
// resolver treats it as a strategy miss, never as a transport failure.
var ErrNoResults = errors.New("no results")

// Candidate is an unranked search result. It only lives during resolution.
type Candidate struct {
	Title       string
	SourceRef   string
	Duration    time.Duration
	Publisher   string
	Views       int64
	Description string
	Thumbnail   string
}

// Track converts the candidate into a queueable track.
func (c Candidate) Track(requestedBy string, now time.Time) music.Track {
	thumb := c.Thumbnail
	if thumb == "" {
		thumb = music.ThumbnailURL(music.VideoID(c.SourceRef))
	}
	return music.Track{
		Title:       c.Title,
		SourceRef:   c.SourceRef,
		Duration:    c.Duration,
		Thumbnail:   thumb,
		RequestedBy: requestedBy,
		AddedAt:     now,
	}
}

// Provider is an external search backend. Latency is not guaranteed; callers
// bound it with the context.
type Provider interface {
	Name() string
	Search(ctx context.Context, text string, limit int) ([]Candidate, error)
}

// Lookuper resolves metadata for a known video ID.
type Lookuper interface {
	Lookup(ctx context.Context, videoID string) (Candidate, error)
}
