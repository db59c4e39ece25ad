package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", `
database:
  driver: sqlite
  dsn: ":memory:"
`)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "credit_webhook_events", cfg.Queue.WebhookQueue)
	assert.Equal(t, 4, cfg.Queue.MaxWorkers)
	assert.Equal(t, "credit_ledger_events", cfg.PubSub.Channel)
	assert.Equal(t, "skip", cfg.Cron.ConcurrencyPolicy)

	d := DefaultCredits()
	assert.Equal(t, d.Plans, cfg.Credits.Plans)
	assert.Equal(t, 30, cfg.Credits.RefillValidityDays)
	assert.Equal(t, 3, cfg.Credits.ActivationLeadDays)
	assert.Equal(t, int64(50), cfg.Credits.RegistrationBonus.Credits)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", `
server:
  port: 9090
credits:
  plans:
    solo: { level: 1, monthly_credits: 10 }
  packages:
    tiny: { credits: 5, valid_days: 7 }
  yearly_bonus_percent: 50
`)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	plan, ok := cfg.Credits.Plan("solo")
	require.True(t, ok)
	assert.Equal(t, int64(10), plan.MonthlyCredits)
	_, ok = cfg.Credits.Plan("basic")
	assert.False(t, ok)

	pkg, ok := cfg.Credits.Package("tiny")
	require.True(t, ok)
	assert.Equal(t, 7, pkg.ValidDays)

	assert.Equal(t, int64(60), cfg.Credits.YearlyBonus("solo"))
}

func TestLoad_PrefersLocalFile(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", "jwt:\n  secret: from-main\n")
	writeConfig(t, dir, "config.local.yaml", "jwt:\n  secret: from-local\n")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-local", cfg.JWT.Secret)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", "internal:\n  token: from-file\n")
	t.Setenv("INTERNAL_TOKEN", "from-env")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Internal.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCreditsConfig_Helpers(t *testing.T) {
	c := DefaultCredits()

	levels := c.PlanLevels()
	assert.Equal(t, map[string]int{"basic": 1, "pro": 2, "max": 3}, levels)

	// 150 × 12 × 20%
	assert.Equal(t, int64(360), c.YearlyBonus("basic"))
	assert.Equal(t, int64(0), c.YearlyBonus("gold"))

	_, ok := c.Package("starter")
	assert.True(t, ok)
}
