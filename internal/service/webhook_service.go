package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/pkg/metrics"
	"github.com/qs3c/credit_ledger/internal/pkg/period"
	"github.com/qs3c/credit_ledger/internal/pkg/queue"
)

// 事件处理结果
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
)

// WebhookResult 支付事件处理结果
type WebhookResult struct {
	Status   string `json:"status"`
	Action   string `json:"action,omitempty"`
	PeriodID int64  `json:"period_id,omitempty"`
	GrantID  int64  `json:"grant_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// WebhookService 把支付层的事件落到账本和订阅周期上
type WebhookService struct {
	credits *CreditService
	subs    *SubscriptionService
	cfg     levelsProvider
	options
}

type levelsProvider interface {
	PlanLevels() map[string]int
}

func NewWebhookService(credits *CreditService, subs *SubscriptionService, opts ...Option) *WebhookService {
	return &WebhookService{
		credits: credits,
		subs:    subs,
		cfg:     subs.cfg.Credits,
		options: defaultOptions(opts),
	}
}

// Handle 处理一条事件，同一事件 ID 重复投递不会重复发放
func (s *WebhookService) Handle(ctx context.Context, msg *queue.EventMessage) (*WebhookResult, error) {
	result, err := s.handle(ctx, msg)
	status := "error"
	if err == nil {
		status = result.Status
	}
	metrics.WebhookEventsTotal.WithLabelValues(msg.Type, status).Inc()

	if err != nil {
		s.logger.Warn("payment event failed", "event_id", msg.EventID, "type", msg.Type, "user_id", msg.UserID, "error", err)
		return nil, err
	}
	s.logger.Info("payment event handled",
		"event_id", msg.EventID,
		"type", msg.Type,
		"user_id", msg.UserID,
		"status", result.Status,
		"action", result.Action,
	)
	return result, nil
}

func (s *WebhookService) handle(ctx context.Context, msg *queue.EventMessage) (*WebhookResult, error) {
	if msg.EventID == "" {
		return nil, ErrMissingEventID
	}
	if msg.UserID <= 0 && msg.SubscriptionID != "" {
		p, err := s.subs.PeriodByExternalID(ctx, msg.SubscriptionID)
		if err != nil {
			return nil, err
		}
		msg.UserID = p.UserID
	}
	if msg.UserID <= 0 {
		return nil, ErrInvalidUser
	}

	key := "evt:" + msg.EventID

	switch msg.Type {
	case queue.EventCheckoutCompleted:
		if msg.ProductType == queue.ProductCreditPackage {
			return s.grantPackage(ctx, msg, key)
		}
		return s.checkoutSubscription(ctx, msg, key)

	case queue.EventSubscriptionPaid:
		res, err := s.subs.Renew(ctx, &RenewRequest{
			UserID:                 msg.UserID,
			ExternalSubscriptionID: msg.SubscriptionID,
			IdempotencyKey:         key,
		})
		if errors.Is(err, ErrNoActivePeriod) && msg.PlanTier != "" {
			res, err = s.subs.Purchase(ctx, &PurchaseRequest{
				UserID:                 msg.UserID,
				PlanTier:               msg.PlanTier,
				BillingCycle:           msg.BillingCycle,
				ExternalSubscriptionID: msg.SubscriptionID,
				IdempotencyKey:         key,
			})
			return transitionResult(string(period.ActionPurchase), res, err)
		}
		return transitionResult(string(period.ActionRenew), res, err)

	case queue.EventSubscriptionCancelled:
		res, err := s.subs.CancelForEvent(ctx, msg.UserID, msg.Reason, key)
		if errors.Is(err, ErrNoActivePeriod) {
			return &WebhookResult{Status: WebhookIgnored, Action: "cancel", Detail: err.Error()}, nil
		}
		return transitionResult("cancel", res, err)

	case queue.EventSubscriptionExpired:
		res, err := s.subs.Expire(ctx, msg.UserID, key)
		if errors.Is(err, ErrNoActivePeriod) {
			return &WebhookResult{Status: WebhookIgnored, Action: "expire", Detail: err.Error()}, nil
		}
		return transitionResult("expire", res, err)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, msg.Type)
}

func (s *WebhookService) grantPackage(ctx context.Context, msg *queue.EventMessage, key string) (*WebhookResult, error) {
	orderID := msg.OrderID
	if orderID == "" {
		orderID = msg.EventID
	}
	res, err := s.credits.GrantPackagePurchase(ctx, msg.UserID, msg.PackageCode, orderID, key)
	if err != nil {
		return nil, err
	}

	status := WebhookApplied
	if res.Duplicate {
		status = WebhookDuplicate
	}
	return &WebhookResult{
		Status:  status,
		Action:  model.TxPackagePurchase,
		GrantID: res.GrantID,
		Detail:  fmt.Sprintf("balance %d", res.Balance),
	}, nil
}

// checkoutSubscription 订阅下单：未指定动作时按当前订阅推断
func (s *WebhookService) checkoutSubscription(ctx context.Context, msg *queue.EventMessage, key string) (*WebhookResult, error) {
	action := period.Action(msg.Action)
	if action == "" || action == period.ActionPurchase {
		current, err := s.subs.CurrentPeriod(ctx, msg.UserID)
		switch {
		case err == nil:
			action = period.DetermineAction(current.PlanTier, current.BillingCycle, msg.PlanTier, msg.BillingCycle, s.cfg.PlanLevels())
		case errors.Is(err, ErrNoActivePeriod):
			action = period.ActionPurchase
		default:
			return nil, err
		}
	}

	var (
		res *TransitionResult
		err error
	)
	switch action {
	case period.ActionPurchase:
		res, err = s.subs.Purchase(ctx, &PurchaseRequest{
			UserID:                 msg.UserID,
			PlanTier:               msg.PlanTier,
			BillingCycle:           msg.BillingCycle,
			ExternalSubscriptionID: msg.SubscriptionID,
			IdempotencyKey:         key,
		})
	case period.ActionRenew:
		res, err = s.subs.Renew(ctx, &RenewRequest{
			UserID:                 msg.UserID,
			ExternalSubscriptionID: msg.SubscriptionID,
			IdempotencyKey:         key,
		})
	case period.ActionUpgrade, period.ActionChange, period.ActionDowngrade:
		mode := msg.AdjustmentMode
		if mode == "" {
			mode = model.AdjustImmediate
			if action == period.ActionDowngrade {
				mode = model.AdjustScheduled
			}
		}
		res, err = s.subs.ChangeTier(ctx, &ChangeTierRequest{
			UserID:                 msg.UserID,
			PlanTier:               msg.PlanTier,
			BillingCycle:           msg.BillingCycle,
			Mode:                   mode,
			ExternalSubscriptionID: msg.SubscriptionID,
			IdempotencyKey:         key,
		})
	default:
		return nil, fmt.Errorf("%w: action %s", ErrUnknownEventType, action)
	}

	return transitionResult(string(action), res, err)
}

func transitionResult(action string, res *TransitionResult, err error) (*WebhookResult, error) {
	if err != nil {
		return nil, err
	}

	status := WebhookApplied
	if res.Duplicate {
		status = WebhookDuplicate
	}
	out := &WebhookResult{Status: status, Action: action}
	if res.Period != nil {
		out.PeriodID = res.Period.ID
		out.Detail = fmt.Sprintf("%s %s %s", res.Period.PlanTier, res.Period.BillingCycle, res.Period.Status)
	}
	return out, nil
}
