package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// YTSearchProvider scrapes YouTube search results without external binaries.
type YTSearchProvider struct {
	client *ytsearch.Client
}

func NewYTSearchProvider() *YTSearchProvider {
	return &YTSearchProvider{client: ytsearch.NewClient(nil)}
}

func (p *YTSearchProvider) Name() string { return "ytsearch" }

func (p *YTSearchProvider) Search(ctx context.Context, text string, limit int) ([]Candidate, error) {
	res, err := p.client.Search(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ytsearch: %w: %v", music.ErrTransport, err)
	}

	var candidates []Candidate
	for _, r := range res.Results {
		if r.VideoID == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			Title:     r.Title,
			SourceRef: music.WatchURL(r.VideoID),
			Duration:  parseClock(r.Duration),
			Publisher: r.Channel,
			Thumbnail: music.ThumbnailURL(r.VideoID),
		})
		if limit > 0 && len(candidates) >= limit {
			break
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoResults
	}
	return candidates, nil
}

// YTMusicProvider searches YouTube Music tracks. Its results skew towards
// studio releases, which is why it is usually merged ahead of plain search.
type YTMusicProvider struct{}

func NewYTMusicProvider() *YTMusicProvider { return &YTMusicProvider{} }

func (p *YTMusicProvider) Name() string { return "ytmusic" }

func (p *YTMusicProvider) Search(ctx context.Context, text string, limit int) ([]Candidate, error) {
	type result struct {
		candidates []Candidate
		err        error
	}
	// The ytmusic client takes no context, so it runs aside and is abandoned
	// if ctx expires first.
	done := make(chan result, 1)
	go func() {
		r, err := ytmusic.TrackSearch(text).Next()
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{candidates: musicCandidates(r.Tracks, limit)}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("ytmusic: %w: %v", music.ErrTransport, r.err)
		}
		if len(r.candidates) == 0 {
			return nil, ErrNoResults
		}
		return r.candidates, nil
	}
}

// parseClock parses "3:20" or "1:05:20".
func parseClock(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	var total int
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

func musicCandidates(tracks []*ytmusic.TrackItem, limit int) []Candidate {
	var out []Candidate
	for _, t := range tracks {
		if t == nil || t.VideoID == "" {
			continue
		}
		publisher := ""
		if len(t.Artists) > 0 {
			publisher = t.Artists[0].Name + " - Topic"
		}
		out = append(out, Candidate{
			Title:     t.Title,
			SourceRef: music.WatchURL(t.VideoID),
			Publisher: publisher,
			Duration:  time.Duration(t.Duration) * time.Second,
			Thumbnail: music.ThumbnailURL(t.VideoID),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
