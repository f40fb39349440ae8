package handlers

import (
	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/session"
)

var minRepeat = float64(1)

// Commands are the slash commands the bot serves.
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "play",
			Description: "Search for a song or paste a link and queue it",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "query",
					Description: "Search text or YouTube URL",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "repeat",
					Description: "How many times to queue it",
					MinValue:    &minRepeat,
					MaxValue:    session.MaxRepeat,
				},
			},
		},
		{
			Name:        "queue",
			Description: "Show the current queue",
		},
		{
			Name:        "nowplaying",
			Description: "Show what's currently playing",
		},
		{
			Name:        "skip",
			Description: "Skip the current song",
		},
		{
			Name:        "stop",
			Description: "Stop playback and clear the queue",
		},
		{
			Name:        "pause",
			Description: "Pause the current playback",
		},
		{
			Name:        "resume",
			Description: "Resume paused playback",
		},
		{
			Name:        "help",
			Description: "Show help information",
		},
	}
}

// RegisterCommands creates every command, in one guild when guildID is set
// and globally otherwise.
func RegisterCommands(s *discordgo.Session, guildID string, logger logging.Logger) error {
	for _, cmd := range Commands() {
		if _, err := s.ApplicationCommandCreate(s.State.User.ID, guildID, cmd); err != nil {
			logger.Error("Failed to register command", logging.String("command", cmd.Name), logging.Error(err))
			return err
		}
		logger.Debug("Registered command", logging.String("command", cmd.Name))
	}
	logger.Info("Slash commands registered", logging.Int("count", len(Commands())), logging.String("scope", scope(guildID)))
	return nil
}

// DeleteCommands removes every registered command in the scope.
func DeleteCommands(s *discordgo.Session, guildID string, logger logging.Logger) error {
	cmds, err := s.ApplicationCommands(s.State.User.ID, guildID)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := s.ApplicationCommandDelete(s.State.User.ID, guildID, cmd.ID); err != nil {
			logger.Error("Failed to delete command", logging.String("command", cmd.Name), logging.Error(err))
			return err
		}
	}
	logger.Info("Slash commands deleted", logging.Int("count", len(cmds)), logging.String("scope", scope(guildID)))
	return nil
}

func scope(guildID string) string {
	if guildID == "" {
		return "global"
	}
	return "guild " + guildID
}
