package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qs3c/credit_ledger/internal/pkg/queue"
)

// EventSource 阻塞取事件，超时返回 nil
type EventSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.EventMessage, error)
}

// Pool 多个消费协程共享一个队列
type Pool struct {
	source     EventSource
	processor  *Processor
	workers    int
	popTimeout time.Duration
	logger     *slog.Logger
}

func NewPool(source EventSource, processor *Processor, workers int, popTimeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:     source,
		processor:  processor,
		workers:    workers,
		popTimeout: popTimeout,
		logger:     logger,
	}
}

// Run 阻塞直到 ctx 取消
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	p.logger.Info("worker pool started", "workers", p.workers)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.source.Pop(ctx, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("pop event failed", "worker", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		// 已取出的事件处理完再退出
		if err := p.processor.Process(context.WithoutCancel(ctx), msg); err != nil {
			p.logger.Warn("event failed", "worker", workerID, "event_id", msg.EventID, "error", err)
		}
	}
}
