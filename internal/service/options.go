package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/qs3c/credit_ledger/internal/pkg/metrics"
	"github.com/qs3c/credit_ledger/internal/pkg/pubsub"
)

// EventPublisher 账本事件出口
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, evt *pubsub.LedgerEvent) error
}

type Option func(*options)

type options struct {
	now       func() time.Time
	logger    *slog.Logger
	publisher EventPublisher
}

func defaultOptions(opts []Option) options {
	o := options{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = func() time.Time { return now().UTC() }
	}
}

// WithLogger 设置日志
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPublisher 设置账本事件发布者
func WithPublisher(p EventPublisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// publish 事务提交后发布事件，发布失败只记录日志
func (o *options) publish(ctx context.Context, evt *pubsub.LedgerEvent) {
	if o.publisher == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = o.now()
	}
	if err := o.publisher.PublishLedgerEvent(ctx, evt); err != nil {
		o.logger.Warn("publish ledger event failed", "type", evt.Type, "user_id", evt.UserID, "error", err)
	}
}

// integrity 记录并返回完整性错误
func (o *options) integrity(e *IntegrityError) error {
	metrics.IntegrityViolationsTotal.WithLabelValues(e.Kind).Inc()
	o.logger.Error("ledger integrity violation",
		"kind", e.Kind,
		"user_id", e.UserID,
		"grant_id", e.GrantID,
		"detail", e.Detail,
	)
	return e
}
