package stream

import (
	"fmt"
	"strings"
)

// Build returns the named providers, tried in order for every option set.
func Build(names []string, proxy string) (Provider, error) {
	var providers FirstOf
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			continue
		case "ytdlp":
			providers = append(providers, NewYtdlpProvider(proxy))
		case "youtube":
			providers = append(providers, NewYouTubeProvider())
		default:
			return nil, fmt.Errorf("unknown stream provider %q", name)
		}
	}
	switch len(providers) {
	case 0:
		return nil, fmt.Errorf("no stream providers configured")
	case 1:
		return providers[0], nil
	}
	return providers, nil
}
