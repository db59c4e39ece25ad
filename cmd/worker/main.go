package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qs3c/credit_ledger/config"
	"github.com/qs3c/credit_ledger/internal/bootstrap"
	"github.com/qs3c/credit_ledger/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger/internal/worker"
)

func main() {
	logger := bootstrap.NewLogger("worker")

	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	c, err := bootstrap.Build(cfg, logger, true)
	if err != nil {
		logger.Error("failed to build container", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 账本事件只做日志，便于排查
	sub := pubsub.NewSubscriber(c.Redis, cfg.PubSub.Channel)
	go func() {
		err := sub.Subscribe(ctx, func(evt *pubsub.LedgerEvent) {
			logger.Debug("ledger event",
				"type", evt.Type,
				"user_id", evt.UserID,
				"amount", evt.Amount,
				"balance", evt.Balance,
			)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ledger event subscription ended", "error", err)
		}
	}()

	processor := worker.NewProcessor(c.Webhook, c.Queue, worker.DefaultMaxAttempts, logger)
	pool := worker.NewPool(
		c.Queue,
		processor,
		cfg.Queue.MaxWorkers,
		time.Duration(cfg.Queue.PopTimeoutSeconds)*time.Second,
		logger,
	)

	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool failed", "error", err)
	}
	logger.Info("worker shutdown complete")
}
