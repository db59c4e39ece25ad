package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qs3c/credit_ledger/config"
	"github.com/qs3c/credit_ledger/internal/api"
	"github.com/qs3c/credit_ledger/internal/api/handler"
	"github.com/qs3c/credit_ledger/internal/bootstrap"
	"github.com/qs3c/credit_ledger/internal/pkg/cron"
)

func main() {
	logger := bootstrap.NewLogger("server")

	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	c, err := bootstrap.Build(cfg, logger, false)
	if err != nil {
		logger.Error("failed to build container", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	// 未配置 Redis 时支付事件同步处理
	var events handler.EventEnqueuer
	if c.Queue != nil {
		events = c.Queue
	}

	router := api.NewRouter(
		handler.NewCreditHandler(c.Credits),
		handler.NewSubscriptionHandler(c.Subs),
		handler.NewInternalHandler(c.Credits, c.Freeze, c.Webhook, events),
		cfg,
	)

	// 定时任务
	scheduler := cron.NewService(cfg.Cron, c.Freeze, c.Subs, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start cron", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server shutdown complete")
}
