package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/credit_ledger/config"
	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/service"
)

func TestBuild_SQLiteWithoutRedis(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"},
		Credits:  config.DefaultCredits(),
	}

	c, err := Build(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), false)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Redis)
	assert.Nil(t, c.Queue)

	ctx := context.Background()
	res, err := c.Credits.GrantCredits(ctx, &service.GrantRequest{
		UserID:          1,
		Amount:          10,
		TransactionType: model.TxAdminAdjustment,
	})
	require.NoError(t, err)
	assert.NotZero(t, res.GrantID)

	balance, err := c.Credits.GetAvailableBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestBuild_RejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "oracle"}}

	_, err := Build(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestBuild_RequiresRedis(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"},
		Redis:    config.RedisConfig{Host: "127.0.0.1", Port: 1},
		Credits:  config.DefaultCredits(),
	}

	_, err := Build(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}
