package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latoulicious/Vivace/internal/config"
	"github.com/latoulicious/Vivace/pkg/database"
	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/search"
)

var rootCmd = &cobra.Command{
	Use:           "vivace",
	Short:         "Vivace is a multi-guild Discord music bot.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logCfg.OutputPath = cfg.LogFile
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

// stores is the configured snapshot store plus playback history, which only
// the SQLite backend keeps.
type stores struct {
	snapshots database.Store
	history   database.HistoryRepository
	sqlite    *database.SQLiteStore
}

func openStores(ctx context.Context, cfg *config.Config, logger logging.Logger) (*stores, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rs, err := database.OpenRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return &stores{snapshots: rs}, nil
	default:
		sq, err := database.OpenSQLite(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return &stores{snapshots: sq, history: sq.History(), sqlite: sq}, nil
	}
}

func (s *stores) Close() error {
	return s.snapshots.Close()
}

func buildResolver(ctx context.Context, cfg *config.Config, logger logging.Logger, m *metrics.Collector) (*search.Resolver, error) {
	provider, err := search.Build(ctx, search.BuildOptions{
		Providers:     cfg.SearchProviders,
		YouTubeAPIKey: cfg.YouTubeAPIKey,
		Proxy:         cfg.Proxy,
		RatePerSecond: cfg.SearchRate,
		Burst:         cfg.SearchBurst,
	})
	if err != nil {
		return nil, err
	}
	resolver := search.NewResolver(provider, search.DefaultConfig(), logger, m)
	if lk, ok := provider.(search.Lookuper); ok {
		resolver = resolver.WithLookuper(lk)
	}
	return resolver, nil
}
