package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/pkg/queue"
)

func TestWebhookService_PackageCheckoutIsIdempotent(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	msg := &queue.EventMessage{
		EventID:     "evt_pkg_1",
		Type:        queue.EventCheckoutCompleted,
		UserID:      1,
		ProductType: queue.ProductCreditPackage,
		PackageCode: "standard",
		OrderID:     "order_1",
	}

	res, err := l.webhook.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Status)
	assert.NotZero(t, res.GrantID)

	again, err := l.webhook.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, again.Status)
	assert.Equal(t, res.GrantID, again.GrantID)

	assert.Equal(t, int64(500), l.balance(t, 1))
}

func TestWebhookService_SubscriptionCheckoutInfersAction(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	userID := int64(2)

	res, err := l.webhook.Handle(ctx, &queue.EventMessage{
		EventID:        "evt_sub_1",
		Type:           queue.EventCheckoutCompleted,
		UserID:         userID,
		ProductType:    queue.ProductSubscription,
		PlanTier:       "basic",
		BillingCycle:   model.CycleMonthly,
		SubscriptionID: "sub_ext_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "purchase", res.Action)
	assert.Equal(t, int64(150), l.balance(t, userID))

	l.clock.Advance(5 * day)
	res, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID:      "evt_sub_2",
		Type:         queue.EventCheckoutCompleted,
		UserID:       userID,
		ProductType:  queue.ProductSubscription,
		PlanTier:     "pro",
		BillingCycle: model.CycleMonthly,
		Action:       "purchase",
	})
	require.NoError(t, err)
	assert.Equal(t, "upgrade", res.Action)
	assert.Equal(t, WebhookApplied, res.Status)

	current, err := l.subs.CurrentPeriod(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "pro", current.PlanTier)
	assert.Equal(t, "sub_ext_1", current.ExternalSubscriptionID)
	assert.Equal(t, int64(800), l.balance(t, userID))

	// 降档默认到期生效
	res, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID:      "evt_sub_3",
		Type:         queue.EventCheckoutCompleted,
		UserID:       userID,
		ProductType:  queue.ProductSubscription,
		PlanTier:     "basic",
		BillingCycle: model.CycleMonthly,
	})
	require.NoError(t, err)
	assert.Equal(t, "downgrade", res.Action)

	pending, err := l.subRepo.GetPendingByUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, res.PeriodID, pending.ID)
	assert.Equal(t, "basic", pending.PlanTier)
}

func TestWebhookService_RenewalAndCancellation(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	userID := int64(3)

	// 没有生效订阅时续费事件按首购处理
	res, err := l.webhook.Handle(ctx, &queue.EventMessage{
		EventID:        "evt_paid_1",
		Type:           queue.EventSubscriptionPaid,
		UserID:         userID,
		PlanTier:       "basic",
		BillingCycle:   model.CycleMonthly,
		SubscriptionID: "sub_ext_3",
	})
	require.NoError(t, err)
	assert.Equal(t, "purchase", res.Action)

	l.clock.Advance(27 * day)
	res, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID:        "evt_paid_2",
		Type:           queue.EventSubscriptionPaid,
		SubscriptionID: "sub_ext_3",
	})
	require.NoError(t, err)
	assert.Equal(t, "renew", res.Action)
	assert.Equal(t, int64(300), l.balance(t, userID))

	res, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID: "evt_cancel_1",
		Type:    queue.EventSubscriptionCancelled,
		UserID:  userID,
		Reason:  "user request",
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Status)

	current, err := l.subs.CurrentPeriod(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodPendingCancel, current.Status)

	res, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID: "evt_expired_1",
		Type:    queue.EventSubscriptionExpired,
		UserID:  userID,
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Status)

	_, err = l.subs.CurrentPeriod(ctx, userID)
	assert.ErrorIs(t, err, ErrNoActivePeriod)

	res, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID: "evt_cancel_2",
		Type:    queue.EventSubscriptionCancelled,
		UserID:  userID,
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Status)
}

func TestWebhookService_ReplayedEndEventsDoNotTouchNewerPeriods(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	userID := int64(4)

	checkout := func(eventID, tier string) *WebhookResult {
		res, err := l.webhook.Handle(ctx, &queue.EventMessage{
			EventID:      eventID,
			Type:         queue.EventCheckoutCompleted,
			UserID:       userID,
			ProductType:  queue.ProductSubscription,
			PlanTier:     tier,
			BillingCycle: model.CycleMonthly,
		})
		require.NoError(t, err)
		require.Equal(t, WebhookApplied, res.Status)
		return res
	}
	expired := &queue.EventMessage{EventID: "evt_end_2", Type: queue.EventSubscriptionExpired, UserID: userID}
	cancelled := &queue.EventMessage{EventID: "evt_end_4", Type: queue.EventSubscriptionCancelled, UserID: userID}

	first := checkout("evt_end_1", "basic")

	res, err := l.webhook.Handle(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Status)
	assert.Equal(t, first.PeriodID, res.PeriodID)

	l.clock.Advance(day)
	pro := checkout("evt_end_3", "pro")

	// 重放的结束事件按重复处理，不结束新周期
	res, err = l.webhook.Handle(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, res.Status)
	assert.Equal(t, first.PeriodID, res.PeriodID)

	current, err := l.subs.CurrentPeriod(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, pro.PeriodID, current.ID)
	assert.Equal(t, model.PeriodActive, current.Status)

	res, err = l.webhook.Handle(ctx, cancelled)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Status)
	assert.Equal(t, pro.PeriodID, res.PeriodID)

	_, err = l.subs.Expire(ctx, userID, "")
	require.NoError(t, err)

	l.clock.Advance(day)
	top := checkout("evt_end_5", "max")

	res, err = l.webhook.Handle(ctx, cancelled)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, res.Status)
	assert.Equal(t, pro.PeriodID, res.PeriodID)

	current, err = l.subs.CurrentPeriod(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, top.PeriodID, current.ID)
	assert.Equal(t, model.PeriodActive, current.Status)
	assert.Nil(t, current.CancelledAt)
}

func TestWebhookService_IgnoredEndEventStaysIgnored(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	userID := int64(5)

	early := &queue.EventMessage{EventID: "evt_early_cancel", Type: queue.EventSubscriptionCancelled, UserID: userID}
	res, err := l.webhook.Handle(ctx, early)
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Status)

	_, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID:      "evt_late_purchase",
		Type:         queue.EventCheckoutCompleted,
		UserID:       userID,
		ProductType:  queue.ProductSubscription,
		PlanTier:     "basic",
		BillingCycle: model.CycleMonthly,
	})
	require.NoError(t, err)

	// 迟到的重投不应取消之后购买的周期
	res, err = l.webhook.Handle(ctx, early)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, res.Status)
	assert.Zero(t, res.PeriodID)

	current, err := l.subs.CurrentPeriod(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodActive, current.Status)

	var events int64
	require.NoError(t, l.db.Model(&model.ProcessedEvent{}).Where("user_id = ?", userID).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestWebhookService_RejectsBadEvents(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	_, err := l.webhook.Handle(ctx, &queue.EventMessage{Type: queue.EventCheckoutCompleted, UserID: 1})
	assert.ErrorIs(t, err, ErrMissingEventID)

	_, err = l.webhook.Handle(ctx, &queue.EventMessage{EventID: "evt_x", Type: "refund.created", UserID: 1})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = l.webhook.Handle(ctx, &queue.EventMessage{EventID: "evt_y", Type: queue.EventSubscriptionPaid})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = l.webhook.Handle(ctx, &queue.EventMessage{EventID: "evt_z", Type: queue.EventSubscriptionPaid, SubscriptionID: "missing"})
	assert.ErrorIs(t, err, ErrPeriodNotFound)

	_, err = l.webhook.Handle(ctx, &queue.EventMessage{
		EventID:     "evt_pkg",
		Type:        queue.EventCheckoutCompleted,
		UserID:      1,
		ProductType: queue.ProductCreditPackage,
		PackageCode: "mega",
	})
	assert.ErrorIs(t, err, ErrUnknownPackage)
}
