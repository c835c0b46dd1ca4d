package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "KIDBOX"
	defaultDatabasePath  = "kidbox-sync.db"
	defaultLogLevel      = "info"
	defaultLogEncoding   = "json"
	defaultFlushInterval = 30 * time.Second
	defaultPullInterval  = 5 * time.Minute
	defaultHTTPAddress   = "0.0.0.0:8080"
)

// AppConfig captures runtime configuration for the sync daemon and the
// development backend.
type AppConfig struct {
	DatabasePath  string
	RemoteBaseURL string
	RemoteToken   string
	DeviceID      string
	FamilyIDs     []string
	FlushInterval time.Duration
	PullInterval  time.Duration
	LogLevel      string
	LogEncoding   string

	// Devserver-only settings.
	HTTPAddress   string
	SigningSecret string
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("sync.flush_interval", defaultFlushInterval)
	configViper.SetDefault("sync.pull_interval", defaultPullInterval)
	configViper.SetDefault("http.address", defaultHTTPAddress)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:  configViper.GetString("database.path"),
		RemoteBaseURL: configViper.GetString("remote.base_url"),
		RemoteToken:   configViper.GetString("remote.token"),
		DeviceID:      configViper.GetString("device.id"),
		FamilyIDs:     configViper.GetStringSlice("sync.family_ids"),
		FlushInterval: configViper.GetDuration("sync.flush_interval"),
		PullInterval:  configViper.GetDuration("sync.pull_interval"),
		LogLevel:      configViper.GetString("log.level"),
		LogEncoding:   configViper.GetString("log.encoding"),
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("sync.flush_interval must be positive")
	}
	if c.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive")
	}
	return nil
}

// ValidateDaemon checks the settings the sync daemon additionally requires.
func (c AppConfig) ValidateDaemon() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if len(c.FamilyIDs) == 0 {
		return fmt.Errorf("sync.family_ids is required")
	}
	return nil
}

// ValidateDevserver checks the settings the development backend requires.
func (c AppConfig) ValidateDevserver() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}
