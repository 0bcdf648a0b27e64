package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "QUANDR3"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseURL     = "sqlite://quandr3.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "quandr3_session"
	defaultSessionTTL      = 24 * time.Hour
	defaultLinkTTLMinutes  = 15
	defaultFeedPageSize    = 25
	defaultFeedMaxPageSize = 50
	defaultSweepSchedule   = "@every 1m"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabaseURL     string
	LogLevel        string
	SigningSecret   string
	CookieName      string
	SessionTTL      time.Duration
	LinkTTL         time.Duration
	FeedPageSize    int
	FeedMaxPageSize int
	SweepSchedule   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.url", defaultDatabaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.session_ttl_minutes", int(defaultSessionTTL.Minutes()))
	configViper.SetDefault("auth.link_ttl_minutes", defaultLinkTTLMinutes)
	configViper.SetDefault("feed.page_size", defaultFeedPageSize)
	configViper.SetDefault("feed.max_page_size", defaultFeedMaxPageSize)
	configViper.SetDefault("sweep.schedule", defaultSweepSchedule)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabaseURL:     configViper.GetString("database.url"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		CookieName:      configViper.GetString("auth.cookie_name"),
		SessionTTL:      time.Duration(configViper.GetInt("auth.session_ttl_minutes")) * time.Minute,
		LinkTTL:         time.Duration(configViper.GetInt("auth.link_ttl_minutes")) * time.Minute,
		FeedPageSize:    configViper.GetInt("feed.page_size"),
		FeedMaxPageSize: configViper.GetInt("feed.max_page_size"),
		SweepSchedule:   configViper.GetString("sweep.schedule"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.FeedPageSize <= 0 || c.FeedMaxPageSize < c.FeedPageSize {
		return fmt.Errorf("feed.page_size must be positive and no larger than feed.max_page_size")
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		return fmt.Errorf("sweep.schedule is required")
	}
	return nil
}
