package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qs3c/credit_ledger/internal/pkg/queue"
	"github.com/qs3c/credit_ledger/internal/service"
)

// DefaultMaxAttempts 临时错误最多重试次数
const DefaultMaxAttempts = 3

// EventHandler 支付事件落账
type EventHandler interface {
	Handle(ctx context.Context, msg *queue.EventMessage) (*service.WebhookResult, error)
}

// EventQueue 重投与失败列表
type EventQueue interface {
	Push(ctx context.Context, msg *queue.EventMessage) error
	PushFailed(ctx context.Context, msg *queue.EventMessage, cause error) error
}

// Processor 事件处理器
type Processor struct {
	handler     EventHandler
	queue       EventQueue
	maxAttempts int
	logger      *slog.Logger
}

// NewProcessor 创建事件处理器
func NewProcessor(handler EventHandler, q EventQueue, maxAttempts int, logger *slog.Logger) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		handler:     handler,
		queue:       q,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Process 处理一条事件
// 校验类错误直接进失败列表，其余错误重新入队，超过次数后进失败列表
func (p *Processor) Process(ctx context.Context, msg *queue.EventMessage) error {
	result, err := p.handler.Handle(ctx, msg)
	if err == nil {
		p.logger.Debug("event processed", "event_id", msg.EventID, "status", result.Status, "action", result.Action)
		return nil
	}

	if permanent(err) || msg.Attempts+1 >= p.maxAttempts {
		if qerr := p.queue.PushFailed(ctx, msg, err); qerr != nil {
			return fmt.Errorf("dead-letter event %s: %w (cause: %v)", msg.EventID, qerr, err)
		}
		p.logger.Error("event moved to failed list", "event_id", msg.EventID, "type", msg.Type, "error", err)
		return err
	}

	msg.Attempts++
	msg.LastError = err.Error()
	if qerr := p.queue.Push(ctx, msg); qerr != nil {
		return fmt.Errorf("requeue event %s: %w (cause: %v)", msg.EventID, qerr, err)
	}
	p.logger.Warn("event requeued", "event_id", msg.EventID, "attempts", msg.Attempts, "error", err)
	return err
}

var permanentErrors = []error{
	service.ErrMissingEventID,
	service.ErrUnknownEventType,
	service.ErrInvalidUser,
	service.ErrInvalidAmount,
	service.ErrInvalidExpiry,
	service.ErrInvalidTransaction,
	service.ErrInvalidPlan,
	service.ErrInvalidBillingCycle,
	service.ErrInvalidAdjustmentMode,
	service.ErrUnknownPackage,
	service.ErrPeriodNotFound,
	service.ErrPeriodNotActive,
	service.ErrAlreadySubscribed,
	service.ErrIntegrityViolation,
}

// permanent 重试也不会成功的错误
func permanent(err error) bool {
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
