package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsProduceValidConfig(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 300*time.Second, cfg.Chat.ReplyTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Chat.PollInterval)
	assert.Equal(t, 20*time.Millisecond, cfg.Chat.Typing.MinDelay)
	assert.Equal(t, 70*time.Millisecond, cfg.Chat.Typing.MaxDelay)
}

func TestValidateRejectsMissingTarget(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Target.URL = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingSessionFile(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Session.File = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedTypingRange(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Chat.Typing.MinDelay = 100 * time.Millisecond
	cfg.Chat.Typing.MaxDelay = 50 * time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestResolveProfileDir(t *testing.T) {
	assert.Equal(t, "/opt/profile", BrowserConfig{ProfileDir: "/opt/profile"}.ResolveProfileDir(),
		"an explicit path always wins")
	assert.Equal(t, DefaultProfileDir, BrowserConfig{PersistProfile: true}.ResolveProfileDir())
	assert.Equal(t, "/opt/profile", BrowserConfig{ProfileDir: "/opt/profile", PersistProfile: true}.ResolveProfileDir())
	assert.Equal(t, "", BrowserConfig{}.ResolveProfileDir(), "no persistence means an ephemeral profile")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PANTHARA_SERVER_PORT", "9999")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("PANTHARA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	assert.Equal(t, 9999, cfg.Server.Port)
}
