package osubot

import (
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Osu.ClientID = "12345"
	cfg.Osu.ClientSecret = "secret"
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	return cfg
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(validTestConfig()))

	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"missing discord token", func(cfg *Config) { cfg.Discord.Token = "" }},
		{"missing osu client id", func(cfg *Config) { cfg.Osu.ClientID = "" }},
		{"bad database type", func(cfg *Config) { cfg.DatabaseType = "mysql" }},
		{"bad api url", func(cfg *Config) { cfg.Osu.APIURL = "not a url" }},
		{"requests per minute", func(cfg *Config) { cfg.Osu.RequestsPerMinute = 0 }},
		{"top score limit", func(cfg *Config) { cfg.Tracker.TopScoreLimit = 101 }},
		{"workers", func(cfg *Config) { cfg.Tracker.Workers = 0 }},
		{"session max age", func(cfg *Config) { cfg.API.SessionMaxAge = 48 * time.Hour }},
		{"api listen", func(cfg *Config) { cfg.API.Enabled = true; cfg.API.Listen = "" }},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := validTestConfig()
				tc.modify(cfg)
				err := ValidateConfig(cfg)
				require.Error(t, err)
				var validationErrs validator.ValidationErrors
				assert.ErrorAs(t, err, &validationErrs)
			},
		)
	}
}

func TestTrackerConfigValidate(t *testing.T) {
	cfg := *DefaultConfig().Tracker
	assert.NoError(t, cfg.validate())

	cfg.RefreshInterval = 0
	assert.NoError(t, cfg.validate(), "zero disables the refresher")

	cfg.RefreshInterval = 30 * time.Second
	assert.Error(t, cfg.validate())

	cfg.RefreshInterval = -time.Minute
	assert.Error(t, cfg.validate())

	full := validTestConfig()
	full.Tracker.RefreshInterval = time.Second
	assert.Error(t, ValidateConfig(full))
}

func TestCORSConfig(t *testing.T) {
	c := DefaultCORSConfig()
	c.AllowMethods[0] = "PUT"
	assert.Equal(t, "GET", DefaultCORSAllowMethods[0], "defaults shouldn't be shared")

	gc := c.GINConfig()
	assert.Equal(t, c.AllowHeaders, gc.AllowHeaders)
	assert.True(t, gc.AllowCredentials)
	assert.Equal(t, DefaultCORSMaxAge, gc.MaxAge)

	assert.False(t, SSLConfig{Cert: "cert.pem"}.Enabled())
	assert.True(t, SSLConfig{Cert: "cert.pem", Key: "key.pem"}.Enabled())
}
