package bootstrap

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger/config"
	"github.com/qs3c/credit_ledger/internal/database"
	"github.com/qs3c/credit_ledger/internal/pkg/metrics"
	"github.com/qs3c/credit_ledger/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger/internal/pkg/queue"
	"github.com/qs3c/credit_ledger/internal/repository"
	"github.com/qs3c/credit_ledger/internal/service"
)

// Container 三个二进制共用的依赖
type Container struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *gorm.DB
	Redis  *redis.Client
	Queue  *queue.Queue

	Credits *service.CreditService
	Freeze  *service.FreezeService
	Subs    *service.SubscriptionService
	Webhook *service.WebhookService
}

// NewLogger JSON 日志输出到 stdout，并设为默认 logger
func NewLogger(component string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", component)
	slog.SetDefault(logger)
	return logger
}

// Build 连接数据库与 Redis 并装配服务
// requireRedis 为 false 且未配置 Redis 时，不发布账本事件，支付事件同步处理
func Build(cfg *config.Config, logger *slog.Logger, requireRedis bool) (*Container, error) {
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected", "driver", cfg.Database.Driver)

	c := &Container{Config: cfg, Logger: logger, DB: db}
	opts := []service.Option{service.WithLogger(logger)}

	if cfg.Redis.Host != "" || requireRedis {
		rdb, err := database.NewRedis(&cfg.Redis)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("redis connected", "host", cfg.Redis.Host)
		c.Redis = rdb
		c.Queue = queue.NewQueue(rdb, cfg.Queue.WebhookQueue)
		opts = append(opts, service.WithPublisher(pubsub.NewPublisher(rdb, cfg.PubSub.Channel)))
	}

	metrics.Register()

	txm := repository.NewTxManager(db)
	creditRepo := repository.NewCreditRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)

	c.Credits = service.NewCreditService(txm, creditRepo, cfg, opts...)
	c.Freeze = service.NewFreezeService(txm, creditRepo, subRepo, opts...)
	c.Subs = service.NewSubscriptionService(txm, subRepo, creditRepo, c.Credits, c.Freeze, cfg, opts...)
	c.Webhook = service.NewWebhookService(c.Credits, c.Subs, opts...)

	return c, nil
}

// Close 释放连接
func (c *Container) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("close redis failed", "error", err)
		}
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			c.Logger.Warn("close database failed", "error", err)
		}
	}
}
