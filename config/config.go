package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config mirrors config/config.yaml.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Links    LinksConfig    `mapstructure:"links"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Roles    RolesConfig    `mapstructure:"roles"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// SyncConfig drives the periodic loops.
type SyncConfig struct {
	EventInterval       time.Duration `mapstructure:"event_interval"`
	EventBatchSize      int           `mapstructure:"event_batch_size"`
	Workers             int           `mapstructure:"workers"`
	ProcessingTimeout   time.Duration `mapstructure:"processing_timeout"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	ReconcileStaleAfter time.Duration `mapstructure:"reconcile_stale_after"`
	ReconcileLimit      int           `mapstructure:"reconcile_limit"`
	RoleGrantInterval   time.Duration `mapstructure:"role_grant_interval"`
	RoleGrantMaxRetries int           `mapstructure:"role_grant_max_retries"`
	RoleGrantBatchSize  int           `mapstructure:"role_grant_batch_size"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	CompletedRetention  time.Duration `mapstructure:"completed_retention"`
	FailedRetention     time.Duration `mapstructure:"failed_retention"`
}

type LinksConfig struct {
	CodeTTL time.Duration `mapstructure:"code_ttl"`
}

type DiscordConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	BotToken string        `mapstructure:"bot_token"`
	GuildID  string        `mapstructure:"guild_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RolesConfig maps achievements and ranks to external role names.
// Rank keys are rank ids written as strings.
type RolesConfig struct {
	Achievements map[string]string `mapstructure:"achievements"`
	Ranks        map[string]string `mapstructure:"ranks"`
}

type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"` // defaults to the account's R2 endpoint
}

type AuthConfig struct {
	Clients []ClientConfig `mapstructure:"clients"`
}

// ClientConfig is one caller of the HTTP API.
type ClientConfig struct {
	Name         string   `mapstructure:"name"`
	Token        string   `mapstructure:"token"`
	Capabilities []string `mapstructure:"capabilities"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5200)
	v.SetDefault("server.allowed_origins", "http://localhost:3000")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("sync.event_interval", 5*time.Second)
	v.SetDefault("sync.event_batch_size", 100)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.processing_timeout", 15*time.Minute)
	v.SetDefault("sync.reconcile_interval", time.Hour)
	v.SetDefault("sync.reconcile_stale_after", time.Hour)
	v.SetDefault("sync.reconcile_limit", 100)
	v.SetDefault("sync.role_grant_interval", 5*time.Minute)
	v.SetDefault("sync.role_grant_max_retries", 3)
	v.SetDefault("sync.role_grant_batch_size", 50)
	v.SetDefault("sync.cleanup_interval", 24*time.Hour)
	v.SetDefault("sync.completed_retention", 30*24*time.Hour)
	v.SetDefault("sync.failed_retention", 7*24*time.Hour)

	v.SetDefault("links.code_ttl", 15*time.Minute)

	v.SetDefault("discord.enabled", false)
	v.SetDefault("discord.base_url", "https://discord.com/api/v10")
	v.SetDefault("discord.bot_token", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.timeout", 10*time.Second)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "sync-events")
}

// Load reads config.yaml from dir (if present), then applies .env and
// SYNC_* environment overrides. Secrets come from their usual env names.
func Load(dir string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir == "" {
		dir = "./config"
	}
	v.AddConfigPath(dir)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Discord.BotToken = v
	}
	if v := os.Getenv("DISCORD_GUILD_ID"); v != "" {
		cfg.Discord.GuildID = v
	}
	if v := os.Getenv("CLOUDFLARE_ACCOUNT_ID"); v != "" {
		cfg.Archive.AccountID = v
	}
	if v := os.Getenv("R2_ACCESS_KEY_ID"); v != "" {
		cfg.Archive.AccessKeyID = v
	}
	if v := os.Getenv("R2_ACCESS_KEY_SECRET"); v != "" {
		cfg.Archive.AccessKeySecret = v
	}
	if v := os.Getenv("R2_BUCKET_NAME"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("SYNC_ADMIN_TOKEN"); v != "" {
		cfg.Auth.Clients = append(cfg.Auth.Clients, ClientConfig{
			Name:         "admin",
			Token:        v,
			Capabilities: []string{"sync:admin", "sync:read", "events:write", "links:write", "roles:write"},
		})
	}
	if v := os.Getenv("SYNC_BOT_TOKEN"); v != "" {
		cfg.Auth.Clients = append(cfg.Auth.Clients, ClientConfig{
			Name:         "bot",
			Token:        v,
			Capabilities: []string{"events:write", "links:write", "roles:write", "sync:read"},
		})
	}
}

// Validate rejects settings the loops cannot run with.
func (c *Config) Validate() error {
	if c.Sync.EventInterval <= 0 || c.Sync.ReconcileInterval <= 0 || c.Sync.RoleGrantInterval <= 0 {
		return errors.New("sync intervals must be positive")
	}
	if c.Sync.EventBatchSize <= 0 || c.Sync.ReconcileLimit <= 0 {
		return errors.New("sync batch sizes must be positive")
	}
	if c.Sync.Workers <= 0 {
		return errors.New("sync.workers must be positive")
	}
	if c.Sync.RoleGrantMaxRetries <= 0 {
		return errors.New("sync.role_grant_max_retries must be positive")
	}
	if c.Discord.Enabled && (c.Discord.BotToken == "" || c.Discord.GuildID == "") {
		return errors.New("discord.enabled requires bot_token and guild_id")
	}
	if c.Archive.Enabled && ((c.Archive.AccountID == "" && c.Archive.Endpoint == "") || c.Archive.Bucket == "") {
		return errors.New("archive.enabled requires account_id (or endpoint) and bucket")
	}
	for _, cl := range c.Auth.Clients {
		if cl.Token == "" {
			return fmt.Errorf("auth client %q has no token", cl.Name)
		}
	}
	return nil
}
