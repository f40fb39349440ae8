package search

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"time"

	"github.com/latoulicious/Vivace/pkg/music"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// DataAPIProvider searches through the YouTube Data API v3. Each Search costs
// quota, so it is normally placed behind Limited.
type DataAPIProvider struct {
	service *youtube.Service
}

// NewDataAPIProvider creates a provider authenticated with an API key.
func NewDataAPIProvider(ctx context.Context, apiKey string, opts ...option.ClientOption) (*DataAPIProvider, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating YouTube client: %w", err)
	}
	return &DataAPIProvider{service: service}, nil
}

func (p *DataAPIProvider) Name() string { return "dataapi" }

// Search lists matching videos, then fetches their durations and view counts
// in one batch call.
func (p *DataAPIProvider) Search(ctx context.Context, text string, limit int) ([]Candidate, error) {
	if limit <= 0 || limit > 50 {
		limit = 50 // API maximum per request
	}

	response, err := p.service.Search.List([]string{"snippet"}).
		Q(text).
		Type("video").
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube search: %w: %v", music.ErrTransport, err)
	}

	var ids []string
	byID := make(map[string]*Candidate)
	candidates := make([]Candidate, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}
		id := item.Id.VideoId
		ids = append(ids, id)
		candidates = append(candidates, Candidate{
			Title:       html.UnescapeString(item.Snippet.Title),
			SourceRef:   music.WatchURL(id),
			Publisher:   item.Snippet.ChannelTitle,
			Description: item.Snippet.Description,
			Thumbnail:   music.ThumbnailURL(id),
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoResults
	}
	for i := range candidates {
		byID[music.VideoID(candidates[i].SourceRef)] = &candidates[i]
	}

	// Details are best-effort; candidates without them still rank.
	details, err := p.service.Videos.List([]string{"contentDetails", "statistics"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err == nil {
		for _, v := range details.Items {
			c, ok := byID[v.Id]
			if !ok {
				continue
			}
			if v.ContentDetails != nil {
				c.Duration = parseISODuration(v.ContentDetails.Duration)
			}
			if v.Statistics != nil {
				c.Views = int64(v.Statistics.ViewCount)
			}
		}
	}

	return candidates, nil
}

var isoDurationPattern = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// parseISODuration parses the PT#H#M#S form the API returns.
func parseISODuration(s string) time.Duration {
	m := isoDurationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	var d time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, _ := strconv.Atoi(m[i+1])
		d += time.Duration(n) * unit
	}
	return d
}
