package stream

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/latoulicious/Vivace/pkg/music"
)

// YouTubeProvider streams directly over HTTP using the kkdai/youtube client,
// with no external binary.
type YouTubeProvider struct {
	client *youtube.Client
}

func NewYouTubeProvider() *YouTubeProvider {
	return &YouTubeProvider{client: &youtube.Client{}}
}

func (p *YouTubeProvider) Name() string { return "youtube" }

func (p *YouTubeProvider) OpenStream(ctx context.Context, sourceRef string, opts Options) (io.ReadCloser, error) {
	id := music.VideoID(sourceRef)
	if id == "" {
		return nil, fmt.Errorf("%w: %q", music.ErrInvalidReference, sourceRef)
	}

	video, err := p.client.GetVideoContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get video info: %w", err)
	}

	format, err := pickFormat(video.Formats, opts.Quality)
	if err != nil {
		return nil, err
	}

	rc, _, err := p.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return rc, nil
}

// pickFormat maps a quality intent onto the video's formats.
func pickFormat(formats youtube.FormatList, quality Quality) (*youtube.Format, error) {
	withAudio := formats.WithAudioChannels()
	audioOnly := withAudio.Type("audio")

	var pool youtube.FormatList
	switch quality {
	case QualityFallback:
		pool = withAudio
	default:
		pool = audioOnly
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("no %s audio formats available", quality)
	}
	pool.Sort()

	switch quality {
	case QualityLow:
		return &pool[len(pool)-1], nil
	case QualityHigh:
		// Prefer opus, which needs no further decoding upstream of ffmpeg.
		for i := range pool {
			if strings.Contains(pool[i].MimeType, "opus") {
				return &pool[i], nil
			}
		}
	}
	return &pool[0], nil
}
