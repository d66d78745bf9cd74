package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dkeye/Calling/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	minConfigLimit     = 1
	maxConfigLimit     = 10
	defaultConfigLimit = 5
)

type Conversation struct {
	ID           string   `mapstructure:"id"`
	Type         string   `mapstructure:"type"`
	Participants []string `mapstructure:"participants"`
}

type Config struct {
	Mode              string         `mapstructure:"mode"`
	ListenPort        int            `mapstructure:"listen_port"`
	LogLevel          string         `mapstructure:"log_level"`
	BackendURL        string         `mapstructure:"backend_url"`
	PushURL           string         `mapstructure:"push_url"`
	UserID            string         `mapstructure:"user_id"`
	ClientID          string         `mapstructure:"client_id"`
	AccessToken       string         `mapstructure:"access_token"`
	AccessTokenTTL    time.Duration  `mapstructure:"access_token_ttl"`
	RefreshToken      string         `mapstructure:"refresh_token"`
	KeepalivePeriod   time.Duration  `mapstructure:"keepalive_period"`
	ReconnectInterval time.Duration  `mapstructure:"reconnect_interval"`
	SetupDelay        time.Duration  `mapstructure:"setup_delay"`
	ConfigLimit       int            `mapstructure:"config_limit"`
	ConfigCeiling     time.Duration  `mapstructure:"config_ceiling"`
	CallingSupported  bool           `mapstructure:"calling_supported"`
	ConflictPolicy    string         `mapstructure:"conflict_policy"`
	IncludeLoopback   bool           `mapstructure:"include_loopback"`
	CommandRateLimit  int            `mapstructure:"command_rate_limit"`
	CommandRateWindow time.Duration  `mapstructure:"command_rate_window"`
	ActivityCapacity  int            `mapstructure:"activity_capacity"`
	Conversations     []Conversation `mapstructure:"conversations"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("listen_port", 8090)
	v.SetDefault("log_level", "info")
	v.SetDefault("keepalive_period", "5s")
	v.SetDefault("reconnect_interval", "15s")
	v.SetDefault("setup_delay", "250ms")
	v.SetDefault("config_limit", defaultConfigLimit)
	v.SetDefault("config_ceiling", "1h")
	v.SetDefault("calling_supported", true)
	v.SetDefault("conflict_policy", "ask")
	v.SetDefault("command_rate_limit", 10)
	v.SetDefault("command_rate_window", "10s")
	v.SetDefault("activity_capacity", 200)
}

// Load reads config/config.<env>.yaml; env falls back to CONFIG_ENV, then
// "dev". A missing file leaves the defaults in place.
func Load(env string) (*Config, *viper.Viper, error) {
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config loaded")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.ListenPort).
		Str("backend", cfg.BackendURL).
		Int("conversations", len(cfg.Conversations)).
		Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate clamps config_limit into range and rejects settings the client
// cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ConfigLimit == 0:
		c.ConfigLimit = defaultConfigLimit
	case c.ConfigLimit < minConfigLimit:
		c.ConfigLimit = minConfigLimit
	case c.ConfigLimit > maxConfigLimit:
		c.ConfigLimit = maxConfigLimit
	}
	for name, d := range map[string]time.Duration{
		"keepalive_period":   c.KeepalivePeriod,
		"reconnect_interval": c.ReconnectInterval,
		"setup_delay":        c.SetupDelay,
		"config_ceiling":     c.ConfigCeiling,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.ConflictPolicy {
	case "ask", "leave", "ignore":
	default:
		return fmt.Errorf("conflict_policy must be ask, leave or ignore, got %q", c.ConflictPolicy)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := c.DirectoryEntries(); err != nil {
		return err
	}
	return nil
}

// DirectoryEntries converts the configured conversations.
func (c *Config) DirectoryEntries() ([]domain.Conversation, error) {
	out := make([]domain.Conversation, 0, len(c.Conversations))
	for _, conv := range c.Conversations {
		if conv.ID == "" {
			return nil, fmt.Errorf("conversation without id")
		}
		typ, ok := domain.ParseConversationType(conv.Type)
		if !ok {
			return nil, fmt.Errorf("conversation %s: unknown type %q", conv.ID, conv.Type)
		}
		participants := make([]domain.UserID, 0, len(conv.Participants))
		for _, p := range conv.Participants {
			participants = append(participants, domain.UserID(p))
		}
		out = append(out, domain.Conversation{ID: domain.ConversationID(conv.ID), Type: typ, Participants: participants})
	}
	return out, nil
}

// ApplyLogLevel sets the global zerolog level.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Err(err).Str("module", "config").Str("log_level", level).Msg("ignoring log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

// Watch re-applies log_level whenever the config file changes. Other keys
// need a restart.
func Watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("log_level")
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Str("log_level", level).Msg("config changed")
		ApplyLogLevel(level)
	})
	v.WatchConfig()
}
