package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, 10, cfg.Webhook.Batch)
	assert.Equal(t, 10*time.Second, cfg.Webhook.RequestTimeout())
	assert.Equal(t, 30*time.Second, cfg.Webhook.BaseBackoff())
	assert.Equal(t, time.Hour, cfg.Webhook.MaxBackoff())
	assert.Equal(t, 0, cfg.Webhook.MaxAttempts)
	assert.Equal(t, "FMS-Ticket-Activity/1.0", cfg.Webhook.UserAgent)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, "https://api.telegram.org", cfg.Telegram.BaseURL)
}

func TestLoadFrom_EnvBindings(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	t.Setenv("TICKET_ACTIVITY_WEBHOOK_BATCH", "25")
	t.Setenv("TICKET_ACTIVITY_WEBHOOK_TIMEOUT_MS", "2500")
	t.Setenv("TICKET_ACTIVITY_WEBHOOK_MAX_BACKOFF_MS", "60000")

	v := viper.New()
	BindEnv(v)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, "https://proj.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, 25, cfg.Webhook.Batch)
	assert.Equal(t, 2500*time.Millisecond, cfg.Webhook.RequestTimeout())
	assert.Equal(t, time.Minute, cfg.Webhook.MaxBackoff())
	// 未覆盖的键保持默认
	assert.Equal(t, 30*time.Second, cfg.Webhook.BaseBackoff())
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MissingCredentials(t *testing.T) {
	cfg := GetDefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	assert.Contains(t, err.Error(), "SUPABASE_URL")
}

func TestDSN(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Contains(t, cfg.DSN(), "dbname=fms")
	assert.Contains(t, cfg.DSN(), "sslmode=disable")

	cfg.Database.DSN = "postgres://u:p@db:5432/x"
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.DSN())
}

func TestConfigureLogger_File(t *testing.T) {
	logger := logrus.New()
	lc := GetDefaultConfig().Log
	lc.Output = "file"
	lc.Format = "text"
	lc.Level = "debug"
	lc.FilePath = filepath.Join(t.TempDir(), "logs", "app.log")

	require.NoError(t, ConfigureLogger(logger, lc))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	lc.Level = "nonsense"
	lc.Output = "stdout"
	require.NoError(t, ConfigureLogger(logger, lc))
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestSupabaseConfig_CallbackToken(t *testing.T) {
	assert.Equal(t, "svc", SupabaseConfig{ServiceRoleKey: "svc"}.CallbackToken())
	assert.Equal(t, "cb", SupabaseConfig{ServiceRoleKey: "svc", OnboardingToken: "cb"}.CallbackToken())
	assert.Empty(t, SupabaseConfig{}.CallbackToken())
}
