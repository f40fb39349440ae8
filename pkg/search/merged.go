package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/latoulicious/Vivace/pkg/music"
	"golang.org/x/time/rate"
)

// Merged queries several providers concurrently and concatenates their
// results in provider order, keeping the first occurrence of each video.
type Merged struct {
	providers []Provider
}

// NewMerged combines providers. Order decides precedence in the output.
func NewMerged(providers ...Provider) *Merged {
	return &Merged{providers: providers}
}

func (m *Merged) Name() string {
	names := make([]string, len(m.providers))
	for i, p := range m.providers {
		names[i] = p.Name()
	}
	return "merged(" + strings.Join(names, ",") + ")"
}

// Search succeeds if any provider succeeds. When all fail with ErrNoResults
// the merged call does too; otherwise the first transport error is returned.
func (m *Merged) Search(ctx context.Context, text string, limit int) ([]Candidate, error) {
	results := make([][]Candidate, len(m.providers))
	errs := make([]error, len(m.providers))

	var wg sync.WaitGroup
	for i, p := range m.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			results[i], errs[i] = p.Search(ctx, text, limit)
		}(i, p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var out []Candidate
	for _, rs := range results {
		for _, c := range rs {
			id := music.VideoID(c.SourceRef)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrNoResults) {
			return nil, err
		}
	}
	return nil, ErrNoResults
}

// Lookup asks each provider that supports lookups in order.
func (m *Merged) Lookup(ctx context.Context, videoID string) (Candidate, error) {
	var lastErr error = ErrNoResults
	for _, p := range m.providers {
		l, ok := p.(Lookuper)
		if !ok {
			continue
		}
		c, err := l.Lookup(ctx, videoID)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return Candidate{}, lastErr
}

// Limited throttles a provider with a token bucket shared by every guild.
type Limited struct {
	Provider
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls on average with the given burst.
func NewLimited(p Provider, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{Provider: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Search(ctx context.Context, text string, limit int) ([]Candidate, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}
	return l.Provider.Search(ctx, text, limit)
}

// Lookup is forwarded when the wrapped provider supports it.
func (l *Limited) Lookup(ctx context.Context, videoID string) (Candidate, error) {
	lk, ok := l.Provider.(Lookuper)
	if !ok {
		return Candidate{}, ErrNoResults
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return Candidate{}, fmt.Errorf("search rate limit: %w", err)
	}
	return lk.Lookup(ctx, videoID)
}
