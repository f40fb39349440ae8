package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/latoulicious/Vivace/pkg/database"
)

var (
	ErrDiscordTokenNotSet = errors.New("DISCORD_TOKEN is not set")
	ErrInvalidBackend     = errors.New("STORE_BACKEND must be sqlite or redis")
	ErrInvalidIdleChannel = errors.New("IDLE_CHANNELS entries must look like guild:channel")
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	DiscordToken string
	// GuildID scopes slash command registration; empty registers globally.
	GuildID string

	StoreBackend string
	Database     *database.DatabaseConfig
	Redis        *database.RedisConfig
	SnapshotTTL  time.Duration

	SearchProviders []string
	SearchRate      float64
	SearchBurst     int
	YouTubeAPIKey   string
	Proxy           string

	StreamProviders []string
	FFmpegPath      string

	// IdleChannels maps a guild to the voice channel to park in when idle.
	IdleChannels map[string]string

	LogLevel  string
	LogFormat string
	LogFile   string

	MetricsInterval time.Duration
	// BackupDir enables a daily copy of the SQLite database.
	BackupDir string
}

// LoadConfig reads the environment, after loading .env when present. Only
// DISCORD_TOKEN is mandatory for running the bot; call Validate for that.
func LoadConfig() (*Config, error) {
	// A missing .env is fine, the environment may already be set.
	_ = godotenv.Load()

	idle, err := parseIdleChannels(getEnv("IDLE_CHANNELS", ""))
	if err != nil {
		return nil, err
	}

	db := database.DefaultDatabaseConfig()
	db.DatabasePath = getEnv("DATABASE_PATH", db.DatabasePath)
	db.HistoryRetention = getEnvDuration("HISTORY_RETENTION", db.HistoryRetention)

	snapshotTTL := getEnvDuration("SNAPSHOT_TTL", 24*time.Hour)

	rdb := database.DefaultRedisConfig()
	rdb.Host = getEnv("REDIS_HOST", rdb.Host)
	rdb.Port = getEnv("REDIS_PORT", rdb.Port)
	rdb.Password = getEnv("REDIS_PASSWORD", "")
	rdb.DB = getEnvInt("REDIS_DB", 0)
	rdb.Prefix = getEnv("REDIS_PREFIX", rdb.Prefix)
	rdb.TTL = snapshotTTL

	return &Config{
		DiscordToken: os.Getenv("DISCORD_TOKEN"),
		GuildID:      getEnv("GUILD_ID", ""),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		Database:     db,
		Redis:        rdb,
		SnapshotTTL:  snapshotTTL,

		SearchProviders: getEnvList("SEARCH_PROVIDERS", []string{"ytdlp", "ytsearch"}),
		SearchRate:      getEnvFloat("SEARCH_RATE_PER_SEC", 2),
		SearchBurst:     getEnvInt("SEARCH_BURST", 2),
		YouTubeAPIKey:   getEnv("YOUTUBE_API_KEY", ""),
		Proxy:           getEnv("PROXY", ""),

		StreamProviders: getEnvList("STREAM_PROVIDERS", []string{"ytdlp", "youtube"}),
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),

		IdleChannels: idle,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		LogFile:   getEnv("LOG_FILE", ""),

		MetricsInterval: getEnvDuration("METRICS_INTERVAL", 5*time.Minute),
		BackupDir:       getEnv("BACKUP_DIR", ""),
	}, nil
}

// Validate checks what the bot needs to start.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return ErrDiscordTokenNotSet
	}
	return c.ValidateStore()
}

// ValidateStore checks only the storage settings, for the offline commands.
func (c *Config) ValidateStore() error {
	switch c.StoreBackend {
	case BackendSQLite:
		return c.Database.Validate()
	case BackendRedis:
		return c.Redis.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.StoreBackend)
	}
}

func parseIdleChannels(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		guild, channel, ok := strings.Cut(entry, ":")
		guild, channel = strings.TrimSpace(guild), strings.TrimSpace(channel)
		if !ok || guild == "" || channel == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidIdleChannel, entry)
		}
		out[guild] = channel
	}
	return out, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
