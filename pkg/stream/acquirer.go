// Package stream opens readable audio byte streams for resolved tracks.
//
// The Acquirer validates the track's reference, then walks an ordered list
// of quality options. Each option is accepted only once the stream yields its
// first byte within the probe window; the rest are closed and discarded.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/music"
)

// Quality names the intent of an option set.
type Quality string

const (
	QualityLow      Quality = "low"
	QualityHigh     Quality = "high"
	QualityFallback Quality = "fallback"
)

// Options is one quality/format variant to try.
type Options struct {
	Quality Quality
	// Format is a yt-dlp format selector.
	Format string
}

// DefaultOptions tries a small audio-only stream first for a fast start,
// then the best audio, then any format that carries audio.
func DefaultOptions() []Options {
	return []Options{
		{Quality: QualityLow, Format: "worstaudio[abr>=48]/worstaudio"},
		{Quality: QualityHigh, Format: "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio"},
		{Quality: QualityFallback, Format: "best[ext=mp4]/best"},
	}
}

// Provider opens a byte stream for a source reference. The stream must stay
// bound to ctx: cancelling it releases the underlying process or request.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, sourceRef string, opts Options) (io.ReadCloser, error)
}

// Config tunes an Acquirer.
type Config struct {
	Options      []Options
	ProbeTimeout time.Duration
	BufferSize   int
}

// DefaultConfig returns the production acquisition settings.
func DefaultConfig() Config {
	return Config{
		Options:      DefaultOptions(),
		ProbeTimeout: 6 * time.Second,
		BufferSize:   64 * 1024,
	}
}

// Acquirer turns tracks into ready streams.
type Acquirer struct {
	provider Provider
	cfg      Config
	logger   logging.Logger
	metrics  *metrics.Collector
}

// NewAcquirer creates an acquirer over provider.
func NewAcquirer(provider Provider, cfg Config, logger logging.Logger, m *metrics.Collector) *Acquirer {
	if logger == nil {
		logger = logging.Nop()
	}
	if len(cfg.Options) == 0 {
		cfg.Options = DefaultOptions()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 6 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	return &Acquirer{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With(logging.String("component", "stream")),
		metrics:  m,
	}
}

// Acquire returns a stream that has already produced data.
//
// Malformed references fail with music.ErrInvalidReference before any
// network access. When no option becomes ready the error wraps
// music.ErrStreamUnavailable.
func (a *Acquirer) Acquire(ctx context.Context, track music.Track) (io.ReadCloser, error) {
	if err := music.ValidateReference(track.SourceRef); err != nil {
		a.metrics.Counter(metrics.AcquireTotal, 1, map[string]string{"result": "invalid"})
		return nil, err
	}

	start := time.Now()
	var lastErr error
	for _, opts := range a.cfg.Options {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rc, err := a.provider.OpenStream(ctx, track.SourceRef, opts)
		if err != nil {
			lastErr = err
			a.logger.Warn("Stream option failed to open",
				logging.String("quality", string(opts.Quality)),
				logging.String("title", track.Title),
				logging.Error(err),
			)
			continue
		}

		ready, err := probe(ctx, rc, a.cfg.ProbeTimeout, a.cfg.BufferSize)
		if err != nil {
			lastErr = err
			a.logger.Warn("Stream option not ready",
				logging.String("quality", string(opts.Quality)),
				logging.String("title", track.Title),
				logging.Error(err),
			)
			continue
		}

		a.metrics.Timing(metrics.AcquireLatency, time.Since(start), map[string]string{"quality": string(opts.Quality)})
		a.metrics.Counter(metrics.AcquireTotal, 1, map[string]string{"result": "ok"})
		a.logger.Debug("Stream ready",
			logging.String("quality", string(opts.Quality)),
			logging.String("title", track.Title),
			logging.Duration("elapsed", time.Since(start)),
		)
		return ready, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.metrics.Counter(metrics.AcquireTotal, 1, map[string]string{"result": "unavailable"})
	return nil, fmt.Errorf("%w: %s: %v", music.ErrStreamUnavailable, track.SourceRef, lastErr)
}

// probedStream keeps the peeked bytes in front of the original stream.
type probedStream struct {
	*bufio.Reader
	io.Closer
}

var errProbeTimeout = fmt.Errorf("stream did not become readable in time")

// probe waits for the first byte of rc. On any failure rc is closed.
func probe(ctx context.Context, rc io.ReadCloser, timeout time.Duration, size int) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(rc, size)
	done := make(chan error, 1)
	go func() {
		_, err := br.Peek(1)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			rc.Close()
			if err == io.EOF {
				return nil, fmt.Errorf("stream ended before any data")
			}
			return nil, err
		}
		return probedStream{Reader: br, Closer: rc}, nil
	case <-timer.C:
		rc.Close()
		return nil, errProbeTimeout
	case <-ctx.Done():
		rc.Close()
		return nil, ctx.Err()
	}
}

// FirstOf tries each provider in order until one opens a stream.
type FirstOf []Provider

func (f FirstOf) Name() string {
	name := "first-of("
	for i, p := range f {
		if i > 0 {
			name += ","
		}
		name += p.Name()
	}
	return name + ")"
}

func (f FirstOf) OpenStream(ctx context.Context, sourceRef string, opts Options) (io.ReadCloser, error) {
	var lastErr error = fmt.Errorf("no stream providers configured")
	for _, p := range f {
		rc, err := p.OpenStream(ctx, sourceRef, opts)
		if err == nil {
			return rc, nil
		}
		lastErr = fmt.Errorf("%s: %w", p.Name(), err)
	}
	return nil, lastErr
}
