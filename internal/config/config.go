// Package config holds the application's root configuration. Loaded once
// through Viper and held as a process-wide singleton, as every component
// reads it but none mutate it.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Browser BrowserConfig `mapstructure:"browser"`
	Target  TargetConfig  `mapstructure:"target"`
	Session SessionConfig `mapstructure:"session"`
	Server  ServerConfig  `mapstructure:"server"`
	Chat    ChatConfig    `mapstructure:"chat"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Format      string `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the driven browser instance.
type BrowserConfig struct {
	Headless bool   `mapstructure:"headless"`
	ExecPath string `mapstructure:"exec_path"`
	// ProfileDir is the persistent user-data directory. When empty and
	// PersistProfile is set, the fixed default directory is used instead.
	ProfileDir     string `mapstructure:"profile_dir"`
	PersistProfile bool   `mapstructure:"persist_profile"`
	UserAgent      string `mapstructure:"user_agent"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
}

// TargetConfig identifies the chat application being driven.
type TargetConfig struct {
	URL string `mapstructure:"url"`
	// BrandText is a phrase that only appears in the real application UI,
	// used to tell the app's own loading copy apart from challenge pages.
	BrandText    string `mapstructure:"brand_text"`
	DefaultModel string `mapstructure:"default_model"`
}

// SessionConfig holds the durable session file layout.
type SessionConfig struct {
	File      string `mapstructure:"file"`
	BackupDir string `mapstructure:"backup_dir"`
}

// ServerConfig holds settings for the HTTP surface.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChatConfig holds conversation-level tunables.
type ChatConfig struct {
	ReplyTimeout   time.Duration `mapstructure:"reply_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MinReplyLength int           `mapstructure:"min_reply_length"`
	Typing         TypingConfig  `mapstructure:"typing"`
}

// TypingConfig shapes the human-cadence input emulation. Delays are per
// character; every PauseEvery characters a longer pause of PauseMin..PauseMax
// is inserted to mimic a writer collecting their thoughts.
type TypingConfig struct {
	MinDelay   time.Duration `mapstructure:"min_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	PauseEvery int           `mapstructure:"pause_every"`
	PauseMin   time.Duration `mapstructure:"pause_min"`
	PauseMax   time.Duration `mapstructure:"pause_max"`
}

// SetDefaults installs defaults so the app can run with a minimal config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "panthara")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")

	v.SetDefault("target.url", "https://panthara.ai")
	v.SetDefault("target.brand_text", "Panthara")
	v.SetDefault("target.default_model", "panthara-core")

	v.SetDefault("session.file", "session.json")
	v.SetDefault("session.backup_dir", ".")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("chat.reply_timeout", 300*time.Second)
	v.SetDefault("chat.poll_interval", 500*time.Millisecond)
	v.SetDefault("chat.min_reply_length", 2)
	v.SetDefault("chat.typing.min_delay", 20*time.Millisecond)
	v.SetDefault("chat.typing.max_delay", 70*time.Millisecond)
	v.SetDefault("chat.typing.pause_every", 16)
	v.SetDefault("chat.typing.pause_min", 300*time.Millisecond)
	v.SetDefault("chat.typing.pause_max", 900*time.Millisecond)
}

// DefaultProfileDir is used when profile persistence is enabled through the
// boolean flag without an explicit directory path.
const DefaultProfileDir = ".panthara-profile"

// ResolveProfileDir applies the env contract for the persistent profile: an
// explicit path wins, otherwise the boolean enable-flag selects the fixed
// default, otherwise the browser runs on an ephemeral profile.
func (b BrowserConfig) ResolveProfileDir() string {
	if b.ProfileDir != "" {
		return b.ProfileDir
	}
	if b.PersistProfile {
		return DefaultProfileDir
	}
	return ""
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Target.URL == "" {
		return fmt.Errorf("target.url must be set")
	}
	if c.Session.File == "" {
		return fmt.Errorf("session.file must be set")
	}
	if c.Chat.Typing.MinDelay > c.Chat.Typing.MaxDelay {
		return fmt.Errorf("chat.typing.min_delay exceeds max_delay")
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			loadErr = err
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set stores a configuration directly. Intended for tests and for callers
// that assemble the config themselves.
func Set(cfg *Config) {
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
