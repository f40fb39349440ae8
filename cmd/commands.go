package main

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"github.com/latoulicious/Vivace/internal/config"
	"github.com/latoulicious/Vivace/internal/handlers"
	"github.com/latoulicious/Vivace/pkg/logging"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Manage slash command registration",
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the slash commands (GUILD_ID scopes them to one guild)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *discordgo.Session, cfg *config.Config, logger logging.Logger) error {
			return handlers.RegisterCommands(s, cfg.GuildID, logger)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete every registered slash command",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *discordgo.Session, cfg *config.Config, logger logging.Logger) error {
			return handlers.DeleteCommands(s, cfg.GuildID, logger)
		})
	},
}

func withSession(fn func(*discordgo.Session, *config.Config, logging.Logger) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.DiscordToken == "" {
		return config.ErrDiscordTokenNotSet
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create Discord session: %w", err)
	}
	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer dg.Close()
	return fn(dg, cfg, logger)
}

func init() {
	commandsCmd.AddCommand(registerCmd, deleteCmd)
	rootCmd.AddCommand(commandsCmd)
}
