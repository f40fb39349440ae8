package search

import (
	"context"
	"fmt"
	"strings"
)

// BuildOptions selects and configures providers by name.
type BuildOptions struct {
	Providers     []string // ytdlp, ytsearch, ytmusic, dataapi
	YouTubeAPIKey string
	Proxy         string
	RatePerSecond float64
	Burst         int
}

// Build assembles the provider chain used by the resolver: the named
// providers merged in order, behind a shared rate limiter.
func Build(ctx context.Context, opts BuildOptions) (Provider, error) {
	var providers []Provider
	for _, name := range opts.Providers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			continue
		case "ytdlp":
			providers = append(providers, NewYtdlpProvider(opts.Proxy))
		case "ytsearch":
			providers = append(providers, NewYTSearchProvider())
		case "ytmusic":
			providers = append(providers, NewYTMusicProvider())
		case "dataapi":
			if opts.YouTubeAPIKey == "" {
				return nil, fmt.Errorf("search provider dataapi requires YOUTUBE_API_KEY")
			}
			p, err := NewDataAPIProvider(ctx, opts.YouTubeAPIKey)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("unknown search provider %q", name)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no search providers configured")
	}

	var p Provider = providers[0]
	if len(providers) > 1 {
		p = NewMerged(providers...)
	}
	if opts.RatePerSecond > 0 {
		p = NewLimited(p, opts.RatePerSecond, opts.Burst)
	}
	return p, nil
}
