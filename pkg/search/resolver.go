package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/music"
)

// Strategy rewrites the query and bounds how long the provider may take.
type Strategy struct {
	Name    string
	Timeout time.Duration
	Retries int
	Rewrite func(query string) string
}

// DefaultStrategies returns literal, simplified and single-word search, in
// that order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "literal", Timeout: 8 * time.Second, Retries: 1, Rewrite: strings.TrimSpace},
		{Name: "simplified", Timeout: 6 * time.Second, Rewrite: func(q string) string { return Simplify(q, 3) }},
		{Name: "keyword", Timeout: 4 * time.Second, Rewrite: SignificantWord},
	}
}

// Config tunes a Resolver.
type Config struct {
	Strategies   []Strategy
	RetryBackoff time.Duration
	// Limit is how many results each provider call asks for.
	Limit int
}

// DefaultConfig returns the production resolver settings.
func DefaultConfig() Config {
	return Config{
		Strategies:   DefaultStrategies(),
		RetryBackoff: 750 * time.Millisecond,
		Limit:        10,
	}
}

// Resolver runs search strategies in order and ranks what the first
// productive one returns.
type Resolver struct {
	provider Provider
	lookuper Lookuper
	cfg      Config
	logger   logging.Logger
	metrics  *metrics.Collector
}

// NewResolver creates a resolver. If provider also implements Lookuper it is
// used for URL requests.
func NewResolver(provider Provider, cfg Config, logger logging.Logger, m *metrics.Collector) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	r := &Resolver{provider: provider, cfg: cfg, logger: logger.With(logging.String("component", "search")), metrics: m}
	if l, ok := provider.(Lookuper); ok {
		r.lookuper = l
	}
	return r
}

// WithLookuper overrides the metadata source used for URL requests.
func (r *Resolver) WithLookuper(l Lookuper) *Resolver {
	r.lookuper = l
	return r
}

// Resolve returns up to maxResults candidates for query, best first.
//
// It fails with music.ErrInvalidReference for malformed URLs and with
// music.ErrSearchExhausted once every strategy came back empty.
func (r *Resolver) Resolve(ctx context.Context, query string, maxResults int) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, music.ErrEmptyQuery
	}
	if maxResults <= 0 {
		maxResults = 1
	}

	start := time.Now()
	defer func() { r.metrics.Timing(metrics.SearchLatency, time.Since(start), nil) }()

	if music.IsURL(query) {
		return r.resolveURL(ctx, query)
	}

	tried := make(map[string]bool)
	for _, s := range r.cfg.Strategies {
		text := s.Rewrite(query)
		if text == "" || tried[text] {
			continue
		}
		tried[text] = true

		candidates := r.runStrategy(ctx, s, text)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		r.metrics.Counter(metrics.SearchTotal, 1, map[string]string{"result": "ok"})
		r.metrics.Counter(metrics.SearchStrategy, 1, map[string]string{"strategy": s.Name})
		r.logger.Debug("Search strategy succeeded",
			logging.String("strategy", s.Name),
			logging.String("text", text),
			logging.Int("results", len(candidates)),
		)

		ranked := Rank(query, candidates)
		if len(ranked) > maxResults {
			ranked = ranked[:maxResults]
		}
		out := make([]Candidate, len(ranked))
		for i, rc := range ranked {
			out[i] = rc.Candidate
		}
		return out, nil
	}

	r.metrics.Counter(metrics.SearchTotal, 1, map[string]string{"result": "exhausted"})
	r.logger.Info("All search strategies exhausted", logging.String("query", query))
	return nil, fmt.Errorf("%w: %q", music.ErrSearchExhausted, query)
}

// runStrategy never fails: errors and timeouts are logged and reported as an
// empty result.
func (r *Resolver) runStrategy(ctx context.Context, s Strategy, text string) []Candidate {
	for attempt := 0; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, s.Timeout)
		candidates, err := r.provider.Search(sctx, text, r.cfg.Limit)
		cancel()

		if err == nil {
			return playable(candidates)
		}
		if ctx.Err() != nil {
			return nil
		}

		r.logger.Warn("Search strategy failed",
			logging.String("strategy", s.Name),
			logging.Int("attempt", attempt+1),
			logging.Error(err),
		)
		if errors.Is(err, ErrNoResults) || attempt >= s.Retries {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.RetryBackoff):
		}
	}
}

func (r *Resolver) resolveURL(ctx context.Context, ref string) ([]Candidate, error) {
	id := music.VideoID(ref)
	if id == "" {
		return nil, fmt.Errorf("%w: %q", music.ErrInvalidReference, ref)
	}
	timeout := 8 * time.Second
	if len(r.cfg.Strategies) > 0 {
		timeout = r.cfg.Strategies[0].Timeout
	}

	if r.lookuper != nil {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		c, err := r.lookuper.Lookup(lctx, id)
		cancel()
		if err == nil && c.SourceRef != "" {
			return []Candidate{c}, nil
		}
		r.logger.Warn("Metadata lookup failed", logging.String("video_id", id), logging.Error(err))
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	results, err := r.provider.Search(sctx, id, r.cfg.Limit)
	cancel()
	if err == nil {
		for _, c := range results {
			if music.VideoID(c.SourceRef) == id {
				return []Candidate{c}, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The reference is valid even without metadata; play it untitled.
	return []Candidate{{Title: music.WatchURL(id), SourceRef: music.WatchURL(id)}}, nil
}

// playable drops candidates whose reference the stream acquirer would reject.
func playable(candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if music.VideoID(c.SourceRef) != "" {
			out = append(out, c)
		}
	}
	return out
}

var trivialWords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "or": true,
	"to": true, "in": true, "on": true, "by": true, "for": true, "with": true,
	"ft": true, "feat": true, "official": true, "video": true, "audio": true,
	"lyrics": true, "lyric": true, "hd": true, "mv": true, "music": true,
}

func significantWords(query string) []string {
	var words []string
	for _, w := range strings.Fields(normalize(query)) {
		if !trivialWords[w] {
			words = append(words, w)
		}
	}
	return words
}

// Simplify keeps the first n non-trivial words of the query.
func Simplify(query string, n int) string {
	words := significantWords(query)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// SignificantWord returns the longest non-trivial word; the first one wins
// on ties.
func SignificantWord(query string) string {
	best := ""
	for _, w := range significantWords(query) {
		if len([]rune(w)) > len([]rune(best)) {
			best = w
		}
	}
	return best
}
