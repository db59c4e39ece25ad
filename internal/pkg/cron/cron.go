package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qs3c/credit_ledger/config"
)

// 默认调度
const (
	DefaultUnfreezeSchedule = "*/10 * * * *"
	DefaultExpireSchedule   = "*/5 * * * *"
	DefaultPendingSchedule  = "*/5 * * * *"
	DefaultMonthlySchedule  = "@hourly"
)

const jobTimeout = 10 * time.Minute

// Unfreezer 到期解冻
type Unfreezer interface {
	UnfreezeExpiredPackages(ctx context.Context) (int, error)
}

// PeriodSweeper 订阅周期的批量推进
type PeriodSweeper interface {
	ActivatePendingPeriods(ctx context.Context) (int, error)
	ExpireDuePeriods(ctx context.Context) (int, error)
	ActivateMonthlyCredits(ctx context.Context) (int, error)
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int, error)
}

// Service 账本定时任务
type Service struct {
	cron     *cron.Cron
	cfg      config.CronConfig
	jobs     []job
	logger   *slog.Logger
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

func NewService(cfg config.CronConfig, unfreezer Unfreezer, periods PeriodSweeper, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")

	// 顺序即 RunNow 的执行顺序：先激活待生效周期，再处理到期，最后解冻和按月发放
	jobs := []job{
		{"activate_pending", orDefault(cfg.PendingSchedule, DefaultPendingSchedule), periods.ActivatePendingPeriods},
		{"expire_periods", orDefault(cfg.ExpireSchedule, DefaultExpireSchedule), periods.ExpireDuePeriods},
		{"unfreeze", orDefault(cfg.UnfreezeSchedule, DefaultUnfreezeSchedule), unfreezer.UnfreezeExpiredPackages},
		{"monthly_credits", orDefault(cfg.MonthlySchedule, DefaultMonthlySchedule), periods.ActivateMonthlyCredits},
	}

	return &Service{
		cron:   newCron(cfg, logger),
		cfg:    cfg,
		jobs:   jobs,
		logger: logger,
	}
}

func newCron(cfg config.CronConfig, logger *slog.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	options := []cron.Option{cron.WithParser(parser), cron.WithLocation(time.UTC)}

	var wrapper cron.JobWrapper
	switch policy := strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy)); policy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	case "skip", "":
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	default:
		logger.Warn("unknown concurrency policy, defaulting to skip", "policy", policy)
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	options = append(options, cron.WithChain(cron.Recover(cron.DefaultLogger), wrapper))

	return cron.New(options...)
}

func orDefault(schedule, fallback string) string {
	if strings.TrimSpace(schedule) == "" {
		return fallback
	}
	return schedule
}

// Start 注册并启动全部任务
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("cron disabled by config")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	for _, j := range s.jobs {
		j := j
		if _, err := s.cron.AddFunc(j.schedule, func() { s.runJob(context.Background(), j) }); err != nil {
			return fmt.Errorf("register job %s (%q): %w", j.name, j.schedule, err)
		}
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("cron started", "jobs", len(s.jobs))
	return nil
}

// Stop 停止调度并等待运行中的任务结束，可重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.logger.Info("cron stopped")
	})
}

// Entries 已注册的任务数
func (s *Service) Entries() int {
	return len(s.cron.Entries())
}

// RunNow 立即按顺序执行全部任务，某个任务失败不影响后续任务
func (s *Service) RunNow(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		if err := s.runJob(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) runJob(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := j.run(ctx)
	if err != nil {
		s.logger.Error("cron job failed", "job", j.name, "error", err)
		return err
	}
	s.logger.Info("cron job finished", "job", j.name, "rows", n, "elapsed", time.Since(start))
	return nil
}
