package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"github.com/latoulicious/Vivace/internal/config"
	"github.com/latoulicious/Vivace/internal/handlers"
	"github.com/latoulicious/Vivace/internal/presence"
	"github.com/latoulicious/Vivace/pkg/cron"
	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/session"
	"github.com/latoulicious/Vivace/pkg/stream"
	"github.com/latoulicious/Vivace/pkg/voice"
)

var registerCommands bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and serve music",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&registerCommands, "register", false, "register slash commands before serving")
	rootCmd.AddCommand(runCmd)
}

func runBot(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector(logger)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	defer st.Close()

	resolver, err := buildResolver(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	streams, err := stream.Build(cfg.StreamProviders, cfg.Proxy)
	if err != nil {
		return err
	}
	acquirer := stream.NewAcquirer(streams, stream.DefaultConfig(), logger, m)

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	dcfg := voice.DefaultDiscordConfig()
	dcfg.FFmpegPath = cfg.FFmpegPath
	transport := voice.NewDiscordTransport(dg, dcfg, logger)
	connections := voice.NewManager(transport, transport, voice.DefaultConfig(), logger, m)

	scfg := session.DefaultConfig()
	scfg.IdleEndpoints = cfg.IdleChannels
	scfg.SnapshotTTL = cfg.SnapshotTTL
	registry := session.NewRegistry(session.Deps{
		Resolver:  resolver,
		Acquirer:  acquirer,
		Connector: connections,
		Presence:  transport,
		Store:     st.snapshots,
		History:   st.history,
		Logger:    logger,
		Metrics:   m,
	}, scfg)

	pm := presence.NewPresenceManager(dg, func() int { return len(dg.State.Guilds) }, logger)
	registry.OnStateChanged(pm.OnStateChange)

	dg.AddHandler(handlers.NewSlashHandler(registry, logger).Handle)
	dg.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		// Voice states arrive with the guild, so listeners are known now.
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := registry.RecoverGuild(rctx, g.ID); err != nil {
			logger.Warn("Session recovery failed", logging.Guild(g.ID), logging.Error(err))
		}
	})
	dg.AddHandler(func(s *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Unavailable {
			return
		}
		if err := registry.Cleanup(ctx, g.ID); err != nil {
			logger.Warn("Guild cleanup failed", logging.Guild(g.ID), logging.Error(err))
		}
	})

	restored, err := registry.RestoreAll(ctx)
	if err != nil {
		logger.Error("Failed to restore sessions", logging.Error(err))
	}

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	if registerCommands {
		if err := handlers.RegisterCommands(dg, cfg.GuildID, logger); err != nil {
			logger.Error("Slash command registration failed", logging.Error(err))
		}
	}

	pm.UpdateDefaultPresence()

	jobs := cron.New(logger)
	if err := scheduleJobs(jobs, cfg, st, registry, pm, m); err != nil {
		return err
	}
	jobs.Start()

	logger.Info("Bot is running. Press CTRL-C to exit.",
		logging.String("store", cfg.StoreBackend),
		logging.Int("restored", restored),
	)
	<-ctx.Done()

	logger.Info("Shutting down")
	jobs.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("Failed to persist sessions on shutdown", logging.Error(err))
	}
	m.LogSnapshot()
	return dg.Close()
}

func scheduleJobs(jobs *cron.Scheduler, cfg *config.Config, st *stores, registry *session.Registry, pm *presence.PresenceManager, m *metrics.Collector) error {
	if err := jobs.Add("presence", "@every 5m", 10*time.Second, pm.RefreshIdle); err != nil {
		return err
	}
	// Periodic checkpoint so a crash loses at most a minute of queue edits.
	if err := jobs.Add("checkpoint", "@every 1m", 30*time.Second, registry.PersistAll); err != nil {
		return err
	}
	if cfg.MetricsInterval > 0 {
		err := jobs.Add("metrics", "@every "+cfg.MetricsInterval.String(), 0, func(context.Context) error {
			m.LogSnapshot()
			return nil
		})
		if err != nil {
			return err
		}
	}
	if st.sqlite != nil && cfg.BackupDir != "" {
		err := jobs.Add("backup", "0 30 4 * * *", 10*time.Minute, func(ctx context.Context) error {
			if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
				return err
			}
			name := fmt.Sprintf("vivace-%s.db", time.Now().Format("20060102"))
			return st.sqlite.Backup(ctx, filepath.Join(cfg.BackupDir, name))
		})
		if err != nil {
			return err
		}
	}
	return nil
}
