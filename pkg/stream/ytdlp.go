package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/lrstanley/go-ytdlp"
)

// YtdlpProvider pipes yt-dlp's download to stdout.
type YtdlpProvider struct {
	Proxy string
}

func NewYtdlpProvider(proxy string) *YtdlpProvider {
	return &YtdlpProvider{Proxy: proxy}
}

func (p *YtdlpProvider) Name() string { return "ytdlp" }

// OpenStream starts yt-dlp with the option's format selector. The process is
// killed when ctx is cancelled or the stream is closed.
func (p *YtdlpProvider) OpenStream(ctx context.Context, sourceRef string, opts Options) (io.ReadCloser, error) {
	id := music.VideoID(sourceRef)
	if id == "" {
		return nil, fmt.Errorf("%w: %q", music.ErrInvalidReference, sourceRef)
	}

	builder := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig().
		Format(opts.Format).
		Output("-").
		NoPart().
		NoPlaylist()
	if p.Proxy != "" {
		builder.Proxy(p.Proxy)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := builder.BuildCommand(ctx, music.WatchURL(id))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("yt-dlp stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("yt-dlp start: %w", err)
	}

	return &processStream{ReadCloser: stdout, cmd: cmd, cancel: cancel, stderr: stderr}, nil
}

// processStream reaps its process on Close.
type processStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *bytes.Buffer
	once   sync.Once
	err    error
}

func (s *processStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.ReadCloser.Close()
		if err := s.cmd.Wait(); err != nil {
			msg := strings.ToLower(err.Error())
			if !strings.Contains(msg, "killed") && !strings.Contains(msg, "broken pipe") {
				s.err = fmt.Errorf("yt-dlp exited: %w: %s", err, strings.TrimSpace(s.stderr.String()))
			}
		}
	})
	return s.err
}
