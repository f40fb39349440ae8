package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/latoulicious/Vivace/pkg/session"
)

// Intake is the part of the session registry the commands drive.
type Intake interface {
	Enqueue(ctx context.Context, req session.PlayRequest) (session.Accepted, error)
	Control(ctx context.Context, guildID string, action session.Action) (session.ControlResult, error)
	QueueSnapshot(ctx context.Context, guildID string) (session.QueueView, error)
}

// maxListed bounds the queue listing to stay under the message size limit.
const maxListed = 15

// SlashHandler answers slash command interactions.
type SlashHandler struct {
	intake  Intake
	logger  logging.Logger
	timeout time.Duration
}

func NewSlashHandler(intake Intake, logger logging.Logger) *SlashHandler {
	return &SlashHandler{
		intake:  intake,
		logger:  logger.With(logging.String("component", "handlers")),
		timeout: 45 * time.Second,
	}
}

// Handle is registered with discordgo.Session.AddHandler.
func (h *SlashHandler) Handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.Member == nil || i.Member.User == nil || i.Member.User.Bot {
		return
	}

	// Acknowledge first, searches can take longer than the response window.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		h.logger.Warn("Failed to acknowledge interaction", logging.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	response := h.Execute(ctx, Invocation{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		UserID:    i.Member.User.ID,
		Data:      i.ApplicationCommandData(),
	})

	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &response}); err != nil {
		h.logger.Warn("Failed to send interaction response", logging.Guild(i.GuildID), logging.Error(err))
	}
}

// Invocation is one command call stripped of the Discord plumbing.
type Invocation struct {
	GuildID   string
	ChannelID string
	UserID    string
	Data      discordgo.ApplicationCommandInteractionData
}

// Execute runs a command and returns the reply text.
func (h *SlashHandler) Execute(ctx context.Context, inv Invocation) string {
	logger := h.logger.With(logging.Guild(inv.GuildID), logging.String("command", inv.Data.Name))
	logger.Debug("Command received", logging.String("user", inv.UserID))

	switch inv.Data.Name {
	case "play":
		return h.play(ctx, logger, inv)
	case "queue":
		return h.queue(ctx, inv.GuildID)
	case "nowplaying":
		return h.nowPlaying(ctx, inv.GuildID)
	case "skip", "stop", "pause", "resume":
		return h.control(ctx, logger, inv.GuildID, session.Action(inv.Data.Name))
	case "help":
		return helpText()
	default:
		return "❌ Unknown command."
	}
}

func (h *SlashHandler) play(ctx context.Context, logger logging.Logger, inv Invocation) string {
	req := session.PlayRequest{
		GuildID:     inv.GuildID,
		RequesterID: inv.UserID,
		ChannelID:   inv.ChannelID,
		Repeat:      1,
	}
	for _, opt := range inv.Data.Options {
		switch opt.Name {
		case "query":
			req.Query = strings.TrimSpace(opt.StringValue())
		case "repeat":
			req.Repeat = int(opt.IntValue())
		}
	}
	if req.Query == "" {
		return "❌ Please provide something to search for."
	}

	acc, err := h.intake.Enqueue(ctx, req)
	if err != nil {
		logger.Info("Play request rejected", logging.String("query", req.Query), logging.Error(err))
		return describeError(err)
	}

	var b strings.Builder
	if acc.Position == 0 {
		fmt.Fprintf(&b, "▶️ Playing **%s** (%s)", acc.Track.Title, formatDuration(acc.Track.Duration))
	} else {
		fmt.Fprintf(&b, "✅ Added **%s** (%s) to queue (Position: %d)", acc.Track.Title, formatDuration(acc.Track.Duration), acc.Position)
	}
	if acc.Copies > 1 {
		fmt.Fprintf(&b, " ×%d", acc.Copies)
	}
	return b.String()
}

func (h *SlashHandler) control(ctx context.Context, logger logging.Logger, guildID string, action session.Action) string {
	res, err := h.intake.Control(ctx, guildID, action)
	if err != nil {
		logger.Warn("Control failed", logging.Error(err))
		return describeError(err)
	}
	if !res.Applied {
		switch action {
		case session.ActionPause:
			return "❌ Nothing is playing."
		case session.ActionResume:
			return "❌ Nothing is paused or waiting."
		default:
			return "❌ Nothing to skip."
		}
	}
	switch action {
	case session.ActionPause:
		return "⏸️ Paused playback!"
	case session.ActionResume:
		return "▶️ Resumed playback!"
	case session.ActionSkip:
		return "⏭️ Skipped current song!"
	default:
		return "⏹️ Stopped playback and cleared queue!"
	}
}

func (h *SlashHandler) queue(ctx context.Context, guildID string) string {
	view, err := h.intake.QueueSnapshot(ctx, guildID)
	if err != nil {
		return describeError(err)
	}
	if view.Current == nil && len(view.Queue) == 0 {
		return "📭 The queue is empty."
	}

	var b strings.Builder
	if view.Current != nil {
		fmt.Fprintf(&b, "%s **%s** (%s)\n", statusEmoji(view.Status), view.Current.Title, formatDuration(view.Current.Duration))
	}
	if len(view.Queue) > 0 {
		b.WriteString("**Up next:**\n")
	}
	for i, t := range view.Queue {
		if i == maxListed {
			fmt.Fprintf(&b, "…and %d more\n", len(view.Queue)-maxListed)
			break
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, t.Title, formatDuration(t.Duration))
	}
	if view.Dormant {
		b.WriteString("💤 Waiting for listeners, use /play or /resume to continue.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *SlashHandler) nowPlaying(ctx context.Context, guildID string) string {
	view, err := h.intake.QueueSnapshot(ctx, guildID)
	if err != nil {
		return describeError(err)
	}
	if view.Current == nil {
		return "🎵 Nothing is currently playing."
	}
	t := view.Current
	msg := fmt.Sprintf("%s **%s** (%s)", statusEmoji(view.Status), t.Title, formatDuration(t.Duration))
	if t.RequestedBy != "" {
		msg += fmt.Sprintf("\nRequested by <@%s>", t.RequestedBy)
	}
	return msg
}

func statusEmoji(s music.Status) string {
	if s == music.StatusPaused {
		return "⏸️"
	}
	return "🎵"
}

// describeError turns a taxonomy error into something a user can act on.
func describeError(err error) string {
	switch {
	case errors.Is(err, music.ErrNoEndpoint):
		return "❌ You need to be in a voice channel first."
	case errors.Is(err, music.ErrInvalidReference):
		return "❌ That link is not a playable YouTube video."
	case errors.Is(err, music.ErrSearchExhausted):
		return "❌ No results found. Try different search terms."
	case errors.Is(err, music.ErrStreamUnavailable):
		return "❌ That track could not be streamed."
	case errors.Is(err, music.ErrTransport):
		return "❌ Could not connect to the voice channel."
	case errors.Is(err, context.DeadlineExceeded):
		return "⌛ That took too long, please try again."
	default:
		return "❌ Something went wrong."
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "live"
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func helpText() string {
	return strings.Join([]string{
		"**🎵 Commands**",
		"`/play <query> [repeat]` search or paste a link, repeat up to 50 times",
		"`/queue` show what's queued",
		"`/nowplaying` show the current song",
		"`/pause` `/resume` `/skip` `/stop` control playback",
	}, "\n")
}
