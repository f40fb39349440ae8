package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackedStream records whether it was closed.
type trackedStream struct {
	io.Reader
	mu     sync.Mutex
	closed bool
	onRead chan struct{}
}

func (s *trackedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.onRead != nil {
		close(s.onRead)
	}
	s.closed = true
	return nil
}

func (s *trackedStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stalledReader blocks until its stream is closed.
type stalledReader struct{ unblock chan struct{} }

func (r stalledReader) Read(p []byte) (int, error) {
	<-r.unblock
	return 0, io.ErrClosedPipe
}

type fakeStreams struct {
	mu      sync.Mutex
	byQual  map[Quality]func() (io.ReadCloser, error)
	opened  []Quality
	streams []*trackedStream
}

func (f *fakeStreams) Name() string { return "fake" }

func (f *fakeStreams) OpenStream(ctx context.Context, ref string, opts Options) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, opts.Quality)
	open, ok := f.byQual[opts.Quality]
	if !ok {
		return nil, errors.New("unsupported")
	}
	rc, err := open()
	if ts, ok := rc.(*trackedStream); ok {
		f.streams = append(f.streams, ts)
	}
	return rc, err
}

func ready(data string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return &trackedStream{Reader: strings.NewReader(data)}, nil
	}
}

func stalled() func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		unblock := make(chan struct{})
		return &trackedStream{Reader: stalledReader{unblock: unblock}, onRead: unblock}, nil
	}
}

func failing() func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return nil, errors.New("403") }
}

func testAcquirer(p Provider) *Acquirer {
	cfg := DefaultConfig()
	cfg.ProbeTimeout = 30 * time.Millisecond
	return NewAcquirer(p, cfg, logging.Nop(), metrics.NewCollector(nil))
}

var validTrack = music.Track{Title: "t", SourceRef: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"}

func TestAcquire_FirstReadyOptionWins(t *testing.T) {
	p := &fakeStreams{byQual: map[Quality]func() (io.ReadCloser, error){
		QualityLow:  ready("low-bytes"),
		QualityHigh: ready("high-bytes"),
	}}

	rc, err := testAcquirer(p).Acquire(context.Background(), validTrack)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "low-bytes", string(data))
	assert.Equal(t, []Quality{QualityLow}, p.opened)
}

func TestAcquire_FallsBackAndClosesLosers(t *testing.T) {
	p := &fakeStreams{byQual: map[Quality]func() (io.ReadCloser, error){
		QualityLow:      stalled(),
		QualityHigh:     failing(),
		QualityFallback: ready("fallback"),
	}}

	rc, err := testAcquirer(p).Acquire(context.Background(), validTrack)
	require.NoError(t, err)

	data, _ := io.ReadAll(rc)
	assert.Equal(t, "fallback", string(data))
	assert.Equal(t, []Quality{QualityLow, QualityHigh, QualityFallback}, p.opened)
	require.Len(t, p.streams, 2)
	assert.True(t, p.streams[0].Closed(), "stalled option must be closed")
	assert.False(t, p.streams[1].Closed())

	require.NoError(t, rc.Close())
	assert.True(t, p.streams[1].Closed())
}

func TestAcquire_Unavailable(t *testing.T) {
	p := &fakeStreams{byQual: map[Quality]func() (io.ReadCloser, error){
		QualityLow:  stalled(),
		QualityHigh: ready(""),
	}}

	_, err := testAcquirer(p).Acquire(context.Background(), validTrack)
	require.Error(t, err)
	assert.ErrorIs(t, err, music.ErrStreamUnavailable)
	for _, s := range p.streams {
		assert.True(t, s.Closed())
	}
}

func TestAcquire_InvalidReferenceNoNetwork(t *testing.T) {
	p := &fakeStreams{byQual: map[Quality]func() (io.ReadCloser, error){QualityLow: ready("x")}}

	_, err := testAcquirer(p).Acquire(context.Background(), music.Track{SourceRef: "file:///etc/passwd"})
	assert.ErrorIs(t, err, music.ErrInvalidReference)
	assert.Empty(t, p.opened)
}

func TestAcquire_Cancelled(t *testing.T) {
	p := &fakeStreams{byQual: map[Quality]func() (io.ReadCloser, error){QualityLow: stalled()}}
	a := testAcquirer(p)
	a.cfg.ProbeTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := a.Acquire(ctx, validTrack)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []Quality{QualityLow}, p.opened)
}

func TestFirstOf(t *testing.T) {
	broken := &fakeStreams{}
	good := &fakeStreams{byQual: map[Quality]func() (io.ReadCloser, error){QualityLow: ready("ok")}}

	rc, err := FirstOf{broken, good}.OpenStream(context.Background(), validTrack.SourceRef, Options{Quality: QualityLow})
	require.NoError(t, err)
	rc.Close()

	_, err = FirstOf{broken}.OpenStream(context.Background(), validTrack.SourceRef, Options{Quality: QualityLow})
	assert.Error(t, err)
	assert.Equal(t, "first-of(fake,fake)", FirstOf{broken, good}.Name())
}

func TestPickFormat(t *testing.T) {
	formats := youtube.FormatList{
		{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Bitrate: 500000, AudioChannels: 2},
		{ItagNo: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 130000, AudioChannels: 2},
		{ItagNo: 251, MimeType: `audio/webm; codecs="opus"`, Bitrate: 160000, AudioChannels: 2},
	}

	f, err := pickFormat(formats, QualityHigh)
	require.NoError(t, err)
	assert.Contains(t, f.MimeType, "opus")

	f, err = pickFormat(formats, QualityLow)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(f.MimeType, "audio/"))

	f, err = pickFormat(formats, QualityFallback)
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = pickFormat(youtube.FormatList{}, QualityHigh)
	assert.Error(t, err)
}
