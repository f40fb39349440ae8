package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/lrstanley/go-ytdlp"
)

const ytdlpPrintTemplate = "%(id)s\t%(title)s\t%(channel)s\t%(duration)s\t%(view_count)s"

// YtdlpProvider searches through the yt-dlp binary.
type YtdlpProvider struct {
	// Proxy is passed to yt-dlp when set.
	Proxy string
}

// NewYtdlpProvider creates a yt-dlp backed provider.
func NewYtdlpProvider(proxy string) *YtdlpProvider {
	return &YtdlpProvider{Proxy: proxy}
}

func (p *YtdlpProvider) Name() string { return "ytdlp" }

func (p *YtdlpProvider) command() *ytdlp.Command {
	cmd := ytdlp.New().Quiet().NoWarnings().IgnoreConfig()
	if p.Proxy != "" {
		cmd.Proxy(p.Proxy)
	}
	return cmd
}

// Search runs a ytsearchN: query and parses one candidate per output line.
func (p *YtdlpProvider) Search(ctx context.Context, text string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 1
	}
	res, err := p.command().
		FlatPlaylist().
		Print(ytdlpPrintTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, text))
	if err != nil {
		return nil, fmt.Errorf("yt-dlp search: %w: %v", music.ErrTransport, err)
	}

	candidates := parseYtdlpLines(res.Stdout)
	if len(candidates) == 0 {
		return nil, ErrNoResults
	}
	return candidates, nil
}

// Lookup fetches metadata for a single video.
func (p *YtdlpProvider) Lookup(ctx context.Context, videoID string) (Candidate, error) {
	res, err := p.command().
		NoPlaylist().
		Print(ytdlpPrintTemplate).
		Run(ctx, music.WatchURL(videoID))
	if err != nil {
		return Candidate{}, fmt.Errorf("yt-dlp lookup: %w: %v", music.ErrTransport, err)
	}
	candidates := parseYtdlpLines(res.Stdout)
	if len(candidates) == 0 {
		return Candidate{}, ErrNoResults
	}
	return candidates[0], nil
}

func parseYtdlpLines(out string) []Candidate {
	var candidates []Candidate
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 5 || music.VideoID(parts[0]) == "" {
			continue
		}
		c := Candidate{
			Title:     parts[1],
			SourceRef: music.WatchURL(parts[0]),
			Publisher: parts[2],
			Thumbnail: music.ThumbnailURL(parts[0]),
		}
		if secs, err := strconv.ParseFloat(parts[3], 64); err == nil {
			c.Duration = time.Duration(secs * float64(time.Second))
		}
		if views, err := strconv.ParseInt(parts[4], 10, 64); err == nil {
			c.Views = views
		}
		candidates = append(candidates, c)
	}
	return candidates
}
