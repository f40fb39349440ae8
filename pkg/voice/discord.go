package voice

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/music"
	"layeh.com/gopus"
)

const (
	sampleRate = 48000
	channels   = 2
	frameSize  = 960 // 20ms at 48kHz
	frameBytes = frameSize * channels * 2
	maxOpus    = frameBytes
	bitrate    = 128000
)

// DiscordConfig tunes the discordgo transport.
type DiscordConfig struct {
	JoinAttempts   int
	ReadyPoll      time.Duration
	HealthInterval time.Duration
	// UnhealthyChecks is how many consecutive not-ready health checks
	// declare the connection lost.
	UnhealthyChecks int
	StallTimeout    time.Duration
	FFmpegPath      string
}

// DefaultDiscordConfig returns production transport settings.
func DefaultDiscordConfig() DiscordConfig {
	return DiscordConfig{
		JoinAttempts:    3,
		ReadyPoll:       100 * time.Millisecond,
		HealthInterval:  2 * time.Second,
		UnhealthyChecks: 3,
		StallTimeout:    10 * time.Second,
		FFmpegPath:      "ffmpeg",
	}
}

// DiscordTransport implements Transport and Presence on a discordgo session.
type DiscordTransport struct {
	session *discordgo.Session
	cfg     DiscordConfig
	logger  logging.Logger

	mu    sync.Mutex
	conns map[string]*discordConn
}

// NewDiscordTransport wires the transport into the session's voice state
// events.
func NewDiscordTransport(s *discordgo.Session, cfg DiscordConfig, logger logging.Logger) *DiscordTransport {
	if logger == nil {
		logger = logging.Nop()
	}
	t := &DiscordTransport{
		session: s,
		cfg:     cfg,
		logger:  logger.With(logging.String("component", "discord_voice")),
		conns:   make(map[string]*discordConn),
	}
	s.AddHandler(t.onVoiceStateUpdate)
	return t
}

// Join connects to a voice channel, retrying a few times, and waits until
// discordgo reports the connection ready.
func (t *DiscordTransport) Join(ctx context.Context, guildID, channelID string) (Conn, error) {
	var vc *discordgo.VoiceConnection
	var err error
	for i := 0; i < t.cfg.JoinAttempts; i++ {
		vc, err = t.session.ChannelVoiceJoin(guildID, channelID, false, true)
		if err == nil {
			break
		}
		t.logger.Warn("Voice join attempt failed",
			logging.Guild(guildID),
			logging.Int("attempt", i+1),
			logging.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel after %d attempts: %w", t.cfg.JoinAttempts, err)
	}

	if err := t.waitReady(ctx, vc); err != nil {
		vc.Disconnect()
		return nil, err
	}

	conn := newDiscordConn(vc, channelID, t, t.logger.With(logging.Guild(guildID)))
	t.mu.Lock()
	t.conns[guildID] = conn
	t.mu.Unlock()
	go conn.monitor()
	return conn, nil
}

func (t *DiscordTransport) waitReady(ctx context.Context, vc *discordgo.VoiceConnection) error {
	ticker := time.NewTicker(t.cfg.ReadyPoll)
	defer ticker.Stop()
	for {
		if vcReady(vc) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("voice connection timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func vcReady(vc *discordgo.VoiceConnection) bool {
	vc.RLock()
	defer vc.RUnlock()
	return vc.Ready
}

func (t *DiscordTransport) release(guildID string, c *discordConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[guildID] == c {
		delete(t.conns, guildID)
	}
}

// onVoiceStateUpdate reports the bot being disconnected from its channel.
func (t *DiscordTransport) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil || v.UserID != s.State.User.ID {
		return
	}
	t.mu.Lock()
	conn := t.conns[v.GuildID]
	t.mu.Unlock()
	if conn == nil {
		return
	}
	if v.ChannelID == "" {
		conn.emit(Event{Type: EventDisconnected})
	}
}

// UserEndpoint finds the voice channel a user sits in.
func (t *DiscordTransport) UserEndpoint(guildID, userID string) (string, bool) {
	guild, err := t.session.State.Guild(guildID)
	if err != nil {
		return "", false
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, true
		}
	}
	return "", false
}

// HumansIn counts non-bot members in a voice channel.
func (t *DiscordTransport) HumansIn(guildID, channelID string) int {
	guild, err := t.session.State.Guild(guildID)
	if err != nil {
		return 0
	}
	self := ""
	if t.session.State.User != nil {
		self = t.session.State.User.ID
	}

	count := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == self {
			continue
		}
		member := vs.Member
		if member == nil {
			member, _ = t.session.State.Member(guildID, vs.UserID)
		}
		if member != nil && member.User != nil && member.User.Bot {
			continue
		}
		count++
	}
	return count
}

// discordConn adapts a discordgo voice connection to Conn.
type discordConn struct {
	vc        *discordgo.VoiceConnection
	channelID string
	transport *DiscordTransport
	logger    logging.Logger

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	emitOnce  sync.Once
}

func newDiscordConn(vc *discordgo.VoiceConnection, channelID string, t *DiscordTransport, logger logging.Logger) *discordConn {
	return &discordConn{
		vc:        vc,
		channelID: channelID,
		transport: t,
		logger:    logger,
		events:    make(chan Event, 1),
		closed:    make(chan struct{}),
	}
}

func (c *discordConn) Endpoint() string { return c.channelID }

func (c *discordConn) Ready() bool { return vcReady(c.vc) }

func (c *discordConn) Events() <-chan Event { return c.events }

// emit reports the first terminal event; later ones are dropped.
func (c *discordConn) emit(ev Event) {
	c.emitOnce.Do(func() {
		c.events <- ev
	})
}

// monitor checks readiness periodically, as discordgo gives no callback when
// the voice websocket dies.
func (c *discordConn) monitor() {
	ticker := time.NewTicker(c.transport.cfg.HealthInterval)
	defer ticker.Stop()

	unhealthy := 0
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if c.Ready() {
				unhealthy = 0
				continue
			}
			unhealthy++
			c.logger.Debug("Voice connection not ready", logging.Int("checks", unhealthy))
			if unhealthy >= c.transport.cfg.UnhealthyChecks {
				c.emit(Event{Type: EventError, Err: errors.New("voice connection health check failed")})
				return
			}
		}
	}
}

func (c *discordConn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.transport.release(c.vc.GuildID, c)
		err = c.vc.Disconnect()
	})
	return err
}

// Subscribe decodes stream with ffmpeg into PCM, encodes 20ms Opus frames and
// sends them to Discord.
func (c *discordConn) Subscribe(ctx context.Context, stream io.Reader, gate *Gate) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.transport.cfg.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"pipe:1")
	cmd.Stdin = stream

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	defer func() {
		cancel()
		cmd.Wait()
	}()

	encoder, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("failed to create opus encoder: %w", err)
	}
	encoder.SetBitrate(bitrate)

	frames := make(chan []int16, 16)
	readErr := make(chan error, 1)
	go readPCM(ctx, bufio.NewReaderSize(stdout, frameBytes*16), frames, readErr)

	c.vc.Speaking(true)
	defer c.vc.Speaking(false)

	for {
		if err := gate.Wait(ctx); err != nil {
			return err
		}

		var pcm []int16
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return fmt.Errorf("%w: connection closed during playback", music.ErrTransport)
		case p, ok := <-frames:
			if !ok {
				return c.readResult(ctx, readErr)
			}
			pcm = p
		case <-time.After(c.transport.cfg.StallTimeout):
			return fmt.Errorf("timeout reading PCM data")
		}

		opus, err := encoder.Encode(pcm, frameSize, maxOpus)
		if err != nil {
			c.logger.Warn("Opus encoding error", logging.Error(err))
			continue
		}

		select {
		case c.vc.OpusSend <- opus:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return fmt.Errorf("%w: connection closed during playback", music.ErrTransport)
		case <-time.After(time.Second):
			if !c.Ready() {
				return fmt.Errorf("%w: voice connection not ready", music.ErrTransport)
			}
		}
	}
}

func (c *discordConn) readResult(ctx context.Context, readErr <-chan error) error {
	var err error
	select {
	case err = <-readErr:
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("error reading PCM data: %w", err)
	}
	return nil
}

// readPCM slices ffmpeg output into frames and closes frames when the
// output ends. A read error is posted to done before the close.
func readPCM(ctx context.Context, r io.Reader, frames chan<- []int16, done chan<- error) {
	defer close(frames)
	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			pcm := make([]int16, frameSize*channels)
			for i := 0; i < n/2; i++ {
				pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}
			select {
			case frames <- pcm:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				done <- err
			}
			return
		}
	}
}
