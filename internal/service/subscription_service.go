package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger/config"
	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/model/dto"
	"github.com/qs3c/credit_ledger/internal/pkg/metrics"
	"github.com/qs3c/credit_ledger/internal/pkg/period"
	"github.com/qs3c/credit_ledger/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger/internal/repository"
)

// PurchaseRequest 首次订阅
type PurchaseRequest struct {
	UserID                 int64
	PlanTier               string
	BillingCycle           string
	ExternalSubscriptionID string
	IdempotencyKey         string
}

// RenewRequest 续费
type RenewRequest struct {
	UserID                 int64
	ExternalSubscriptionID string
	IdempotencyKey         string
}

// ChangeTierRequest 升降档
type ChangeTierRequest struct {
	UserID                 int64
	PlanTier               string
	BillingCycle           string
	Mode                   string
	ExternalSubscriptionID string
	IdempotencyKey         string
}

// TransitionResult 订阅变更结果
type TransitionResult struct {
	Period      *model.SubscriptionPeriod
	OldPeriodID int64
	Granted     int64
	Frozen      int
	Released    int
	Resumed     int
	Duplicate   bool
}

type SubscriptionService struct {
	txm        *repository.TxManager
	subRepo    *repository.SubscriptionRepository
	creditRepo *repository.CreditRepository
	credits    *CreditService
	freeze     *FreezeService
	cfg        *config.Config
	options
}

func NewSubscriptionService(
	txm *repository.TxManager,
	subRepo *repository.SubscriptionRepository,
	creditRepo *repository.CreditRepository,
	credits *CreditService,
	freeze *FreezeService,
	cfg *config.Config,
	opts ...Option,
) *SubscriptionService {
	return &SubscriptionService{
		txm:        txm,
		subRepo:    subRepo,
		creditRepo: creditRepo,
		credits:    credits,
		freeze:     freeze,
		cfg:        cfg,
		options:    defaultOptions(opts),
	}
}

func (s *SubscriptionService) validatePlan(tier, cycle string) (config.PlanConfig, error) {
	plan, ok := s.cfg.Credits.Plan(tier)
	if !ok {
		return plan, ErrInvalidPlan
	}
	if !period.ValidBillingCycle(cycle) {
		return plan, ErrInvalidBillingCycle
	}
	return plan, nil
}

func baseKey(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return key
}

// Purchase 首次订阅：新建生效周期并发放首月积分，年付额外发放赠送积分
func (s *SubscriptionService) Purchase(ctx context.Context, req *PurchaseRequest) (*TransitionResult, error) {
	plan, err := s.validatePlan(req.PlanTier, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	defer metrics.ObserveTx("purchase", time.Now())

	key := baseKey(req.IdempotencyKey)
	var result *TransitionResult
	err = s.txm.Do(ctx, func(tx *gorm.DB) error {
		subRepo := s.subRepo.WithTx(tx)
		now := s.now()

		if dup, err := s.findByGrantKey(ctx, tx, key); err != nil || dup != nil {
			result = dup
			return err
		}

		if _, err := subRepo.LockCurrent(ctx, req.UserID, now); err == nil {
			return ErrAlreadySubscribed
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		p := &model.SubscriptionPeriod{
			UserID:                 req.UserID,
			PlanTier:               req.PlanTier,
			BillingCycle:           req.BillingCycle,
			Status:                 model.PeriodActive,
			StartedAt:              now,
			ExpiresAt:              period.PeriodEnd(now, req.BillingCycle),
			MonthlyCredits:         plan.MonthlyCredits,
			UnactivatedMonths:      period.TotalMonths(req.BillingCycle) - 1,
			AutoRenew:              true,
			ExternalSubscriptionID: req.ExternalSubscriptionID,
		}
		if err := subRepo.Create(ctx, p); err != nil {
			return err
		}

		granted, err := s.grantPeriodCredits(ctx, tx, p, key, now)
		if err != nil {
			return err
		}

		result = &TransitionResult{Period: p, Granted: granted}
		return nil
	})
	result, err = s.settle(ctx, key, result, err)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, string(period.ActionPurchase), result)
	return result, nil
}

// Renew 续费：当前周期转为历史，新周期从旧周期结束（或现在）开始，挂有降档的按降档目标续费
func (s *SubscriptionService) Renew(ctx context.Context, req *RenewRequest) (*TransitionResult, error) {
	defer metrics.ObserveTx("renew", time.Now())

	key := baseKey(req.IdempotencyKey)
	var result *TransitionResult
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		subRepo := s.subRepo.WithTx(tx)
		now := s.now()

		if dup, err := s.findByGrantKey(ctx, tx, key); err != nil || dup != nil {
			result = dup
			return err
		}

		old, err := subRepo.LockCurrent(ctx, req.UserID, now)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoActivePeriod
			}
			return err
		}

		// 已预约的待生效周期优先
		if pending, err := subRepo.GetPendingByUser(ctx, req.UserID); err == nil {
			result, err = s.activatePendingTx(ctx, tx, pending, old, key)
			return err
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		tier, cycle := old.PlanTier, old.BillingCycle
		if old.HasScheduledChange() {
			tier = *old.DowngradeToPlan
			if old.DowngradeToBillingCycle != nil && *old.DowngradeToBillingCycle != "" {
				cycle = *old.DowngradeToBillingCycle
			}
		}
		plan, err := s.validatePlan(tier, cycle)
		if err != nil {
			return err
		}

		start := now
		if old.ExpiresAt.After(now) {
			start = old.ExpiresAt
		}

		extID := req.ExternalSubscriptionID
		if extID == "" {
			extID = old.ExternalSubscriptionID
		}
		prevID := old.ID
		p := &model.SubscriptionPeriod{
			UserID:                 req.UserID,
			PlanTier:               tier,
			BillingCycle:           cycle,
			Status:                 model.PeriodActive,
			StartedAt:              start,
			ExpiresAt:              period.PeriodEnd(start, cycle),
			MonthlyCredits:         plan.MonthlyCredits,
			UnactivatedMonths:      period.TotalMonths(cycle) - 1,
			AutoRenew:              true,
			ExternalSubscriptionID: extID,
			PreviousPeriodID:       &prevID,
		}
		if err := subRepo.Create(ctx, p); err != nil {
			return err
		}

		released, _, err := s.retireTx(ctx, tx, old, model.PeriodExpired, p)
		if err != nil {
			return err
		}

		// 月度积分有效期接着上一笔往后顺延
		refillStart := now
		latest, err := s.creditRepo.WithTx(tx).LatestRefillExpiry(ctx, old.ID)
		if err != nil {
			return err
		}
		if latest != nil && latest.After(now) {
			refillStart = *latest
		}

		granted, err := s.grantPeriodCredits(ctx, tx, p, key, refillStart)
		if err != nil {
			return err
		}

		result = &TransitionResult{Period: p, OldPeriodID: old.ID, Granted: granted, Released: released}
		return nil
	})
	result, err = s.settle(ctx, key, result, err)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, string(period.ActionRenew), result)
	return result, nil
}

// Cancel 取消订阅。immediate 立即结束并释放该周期冻结的积分，否则到期后结束。
func (s *SubscriptionService) Cancel(ctx context.Context, userID, periodID int64, immediate bool, reason string) (*TransitionResult, error) {
	return s.cancel(ctx, userID, periodID, immediate, reason, "")
}

// CancelForEvent 支付侧通知取消续费。同一 key 只生效一次
func (s *SubscriptionService) CancelForEvent(ctx context.Context, userID int64, reason, key string) (*TransitionResult, error) {
	return s.cancel(ctx, userID, 0, false, reason, key)
}

func (s *SubscriptionService) cancel(ctx context.Context, userID, periodID int64, immediate bool, reason, key string) (*TransitionResult, error) {
	defer metrics.ObserveTx("cancel", time.Now())

	var (
		result   *TransitionResult
		noPeriod bool
	)
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		subRepo := s.subRepo.WithTx(tx)
		now := s.now()

		dup, err := s.findEvent(ctx, subRepo, key)
		if err != nil || dup != nil {
			result = dup
			return err
		}

		p, err := s.lockUserPeriod(ctx, subRepo, userID, periodID, now)
		if errors.Is(err, ErrNoActivePeriod) && key != "" {
			noPeriod = true
			return s.recordEvent(ctx, subRepo, key, "cancel", userID, 0)
		}
		if err != nil {
			return err
		}
		if !p.IsCurrentAt(now) {
			return ErrPeriodNotActive
		}

		result = &TransitionResult{Period: p, OldPeriodID: p.ID}
		if !immediate {
			fields := map[string]interface{}{
				"status":              model.PeriodPendingCancel,
				"auto_renew":          false,
				"cancelled_at":        now,
				"cancellation_reason": reason,
			}
			if err := subRepo.Updates(ctx, p.ID, fields); err != nil {
				return err
			}
			p.Status = model.PeriodPendingCancel
			p.AutoRenew = false
			p.CancelledAt = &now
			p.CancellationReason = reason
			return s.recordEvent(ctx, subRepo, key, "cancel", userID, p.ID)
		}

		fields := map[string]interface{}{
			"status":              model.PeriodCancelled,
			"expires_at":          now,
			"auto_renew":          false,
			"cancelled_at":        now,
			"cancellation_reason": reason,
		}
		if err := subRepo.Updates(ctx, p.ID, fields); err != nil {
			return err
		}
		p.Status = model.PeriodCancelled
		p.ExpiresAt = now
		p.AutoRenew = false
		p.CancelledAt = &now
		p.CancellationReason = reason

		if err := s.cancelPendingTx(ctx, subRepo, userID, now); err != nil {
			return err
		}

		result.Released, err = s.freeze.releaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		result.Resumed, err = s.handOverPausedTx(ctx, tx, p.ID, nil)
		if err != nil {
			return err
		}
		return s.recordEvent(ctx, subRepo, key, "cancel", userID, p.ID)
	})
	result, err = s.settleEvent(ctx, key, result, err)
	if err != nil {
		return nil, err
	}
	if result != nil && result.Duplicate {
		return result, nil
	}
	if noPeriod {
		return nil, ErrNoActivePeriod
	}

	s.logger.Info("subscription cancelled",
		"user_id", userID,
		"period_id", result.Period.ID,
		"immediate", immediate,
		"released", result.Released,
	)
	s.announce(ctx, "cancel", result)
	return result, nil
}

// ScheduleDowngrade 预约到期降档
func (s *SubscriptionService) ScheduleDowngrade(ctx context.Context, userID int64, tier, cycle string) (*model.SubscriptionPeriod, error) {
	var p *model.SubscriptionPeriod
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		subRepo := s.subRepo.WithTx(tx)

		var err error
		p, err = subRepo.LockCurrent(ctx, userID, s.now())
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoActivePeriod
			}
			return err
		}

		if cycle == "" {
			cycle = p.BillingCycle
		}
		if _, err := s.validatePlan(tier, cycle); err != nil {
			return err
		}
		action := period.DetermineAction(p.PlanTier, p.BillingCycle, tier, cycle, s.cfg.Credits.PlanLevels())
		if action != period.ActionDowngrade && action != period.ActionChange {
			return ErrInvalidPlan
		}

		mode := model.AdjustScheduled
		fields := map[string]interface{}{
			"downgrade_to_plan":          tier,
			"downgrade_to_billing_cycle": cycle,
			"adjustment_mode":            mode,
		}
		if err := subRepo.Updates(ctx, p.ID, fields); err != nil {
			return err
		}
		p.DowngradeToPlan = &tier
		p.DowngradeToBillingCycle = &cycle
		p.AdjustmentMode = &mode
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ChangeTier 升降档。immediate 立即切换并冻结旧档位积分，scheduled 在当前周期结束时生效。
func (s *SubscriptionService) ChangeTier(ctx context.Context, req *ChangeTierRequest) (*TransitionResult, error) {
	plan, err := s.validatePlan(req.PlanTier, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = model.AdjustImmediate
	}
	if mode != model.AdjustImmediate && mode != model.AdjustScheduled {
		return nil, ErrInvalidAdjustmentMode
	}
	defer metrics.ObserveTx("change_tier", time.Now())

	key := baseKey(req.IdempotencyKey)
	var result *TransitionResult
	err = s.txm.Do(ctx, func(tx *gorm.DB) error {
		subRepo := s.subRepo.WithTx(tx)
		now := s.now()

		if dup, err := s.findByGrantKey(ctx, tx, key); err != nil || dup != nil {
			result = dup
			return err
		}

		old, err := subRepo.LockCurrent(ctx, req.UserID, now)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoActivePeriod
			}
			return err
		}

		extID := req.ExternalSubscriptionID
		if extID == "" {
			extID = old.ExternalSubscriptionID
		}
		prevID := old.ID

		if mode == model.AdjustScheduled {
			result, err = s.scheduleChangeTx(ctx, subRepo, old, req, plan, extID)
			return err
		}

		if err := s.cancelPendingTx(ctx, subRepo, req.UserID, now); err != nil {
			return err
		}

		p := &model.SubscriptionPeriod{
			UserID:                 req.UserID,
			PlanTier:               req.PlanTier,
			BillingCycle:           req.BillingCycle,
			Status:                 model.PeriodActive,
			StartedAt:              now,
			ExpiresAt:              period.PeriodEnd(now, req.BillingCycle),
			MonthlyCredits:         plan.MonthlyCredits,
			UnactivatedMonths:      period.TotalMonths(req.BillingCycle) - 1,
			AutoRenew:              true,
			ExternalSubscriptionID: extID,
			PreviousPeriodID:       &prevID,
		}
		if err := subRepo.Create(ctx, p); err != nil {
			return err
		}

		if err := s.pauseOrCancelTx(ctx, subRepo, old, p, now); err != nil {
			return err
		}
		if _, err := s.handOverPausedTx(ctx, tx, old.ID, p); err != nil {
			return err
		}

		granted, err := s.grantPeriodCredits(ctx, tx, p, key, now)
		if err != nil {
			return err
		}

		frozen, err := s.freeze.freezeTx(ctx, tx, req.UserID, p, true)
		if err != nil {
			return err
		}

		result = &TransitionResult{Period: p, OldPeriodID: old.ID, Granted: granted, Frozen: frozen}
		return nil
	})
	result, err = s.settle(ctx, key, result, err)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, string(period.ActionChange), result)
	return result, nil
}

// scheduleChangeTx 新建待生效周期，旧周期结束时激活
func (s *SubscriptionService) scheduleChangeTx(
	ctx context.Context,
	subRepo *repository.SubscriptionRepository,
	old *model.SubscriptionPeriod,
	req *ChangeTierRequest,
	plan config.PlanConfig,
	extID string,
) (*TransitionResult, error) {
	pending, err := subRepo.GetPendingByUser(ctx, req.UserID)
	switch {
	case err == nil && pending.PlanTier == req.PlanTier && pending.BillingCycle == req.BillingCycle:
		return &TransitionResult{Period: pending, OldPeriodID: old.ID, Duplicate: true}, nil
	case err == nil:
		if err := s.cancelPendingTx(ctx, subRepo, req.UserID, s.now()); err != nil {
			return nil, err
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	activation := old.ExpiresAt
	prevID := old.ID
	p := &model.SubscriptionPeriod{
		UserID:                 req.UserID,
		PlanTier:               req.PlanTier,
		BillingCycle:           req.BillingCycle,
		Status:                 model.PeriodPending,
		StartedAt:              activation,
		ExpiresAt:              period.PeriodEnd(activation, req.BillingCycle),
		ActivationDate:         &activation,
		MonthlyCredits:         plan.MonthlyCredits,
		UnactivatedMonths:      period.TotalMonths(req.BillingCycle) - 1,
		AutoRenew:              true,
		ExternalSubscriptionID: extID,
		PreviousPeriodID:       &prevID,
	}
	if err := subRepo.Create(ctx, p); err != nil {
		return nil, err
	}

	mode := model.AdjustScheduled
	fields := map[string]interface{}{
		"downgrade_to_plan":          req.PlanTier,
		"downgrade_to_billing_cycle": req.BillingCycle,
		"adjustment_mode":            mode,
	}
	if err := subRepo.Updates(ctx, old.ID, fields); err != nil {
		return nil, err
	}

	return &TransitionResult{Period: p, OldPeriodID: old.ID}, nil
}

// CurrentPeriod 当前生效周期：状态为 active / pending_cancel 且未到期的最近一个
func (s *SubscriptionService) CurrentPeriod(ctx context.Context, userID int64) (*model.SubscriptionPeriod, error) {
	p, err := s.subRepo.GetCurrent(ctx, userID, s.now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActivePeriod
		}
		return nil, err
	}
	return p, nil
}

// PeriodByExternalID 按支付侧订阅 ID 查最近的周期
func (s *SubscriptionService) PeriodByExternalID(ctx context.Context, externalID string) (*model.SubscriptionPeriod, error) {
	p, err := s.subRepo.GetByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPeriodNotFound
		}
		return nil, err
	}
	return p, nil
}

// RemainingMonths 周期剩余月数，该周期发放的积分被冻结时以解冻时间为参照
func (s *SubscriptionService) RemainingMonths(ctx context.Context, p *model.SubscriptionPeriod) (int, error) {
	frozenUntil, err := s.creditRepo.FrozenUntilForPeriod(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	return period.RemainingMonths(p.BillingCycle, p.StartedAt, frozenUntil, s.now()), nil
}

// GetStatus 订阅状态
func (s *SubscriptionService) GetStatus(ctx context.Context, userID int64) (*dto.SubscriptionStatus, error) {
	history, err := s.history(ctx, userID)
	if err != nil {
		return nil, err
	}

	p, err := s.CurrentPeriod(ctx, userID)
	if errors.Is(err, ErrNoActivePeriod) {
		return &dto.SubscriptionStatus{HasSubscription: false, History: history}, nil
	}
	if err != nil {
		return nil, err
	}

	frozenUntil, err := s.creditRepo.FrozenUntilForPeriod(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	status := &dto.SubscriptionStatus{
		HasSubscription:   true,
		PeriodID:          p.ID,
		PlanTier:          p.PlanTier,
		BillingCycle:      p.BillingCycle,
		Status:            p.Status,
		StartedAt:         p.StartedAt.Format(time.RFC3339),
		ExpiresAt:         p.ExpiresAt.Format(time.RFC3339),
		RemainingDays:     period.RemainingDays(p.ExpiresAt, now),
		RemainingMonths:   period.RemainingMonths(p.BillingCycle, p.StartedAt, frozenUntil, now),
		UnactivatedMonths: p.UnactivatedMonths,
		AutoRenew:         p.AutoRenew,
		FrozenUntil:       formatTime(frozenUntil),
		History:           history,
	}
	if p.HasScheduledChange() {
		change := &dto.ScheduledChange{
			PlanTier:       *p.DowngradeToPlan,
			AdjustmentMode: model.AdjustScheduled,
			EffectiveAt:    p.ExpiresAt.Format(time.RFC3339),
		}
		if p.DowngradeToBillingCycle != nil {
			change.BillingCycle = *p.DowngradeToBillingCycle
		}
		if p.AdjustmentMode != nil {
			change.AdjustmentMode = *p.AdjustmentMode
		}
		status.ScheduledChange = change
	}

	return status, nil
}

func (s *SubscriptionService) history(ctx context.Context, userID int64) ([]dto.PeriodSummary, error) {
	periods, err := s.subRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.PeriodSummary, 0, len(periods))
	for _, p := range periods {
		out = append(out, dto.PeriodSummary{
			ID:                 p.ID,
			PlanTier:           p.PlanTier,
			BillingCycle:       p.BillingCycle,
			Status:             p.Status,
			StartedAt:          p.StartedAt.Format(time.RFC3339),
			ExpiresAt:          p.ExpiresAt.Format(time.RFC3339),
			UnactivatedMonths:  p.UnactivatedMonths,
			CancellationReason: p.CancellationReason,
		})
	}
	return out, nil
}

// Expire 支付侧通知订阅已结束。key 非空时同一事件只生效一次
func (s *SubscriptionService) Expire(ctx context.Context, userID int64, key string) (*TransitionResult, error) {
	var (
		result   *TransitionResult
		noPeriod bool
	)
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		subRepo := s.subRepo.WithTx(tx)
		now := s.now()

		dup, err := s.findEvent(ctx, subRepo, key)
		if err != nil || dup != nil {
			result = dup
			return err
		}

		p, err := subRepo.LockCurrent(ctx, userID, now)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if key == "" {
				return ErrNoActivePeriod
			}
			noPeriod = true
			return s.recordEvent(ctx, subRepo, key, "expire", userID, 0)
		}
		if p.ExpiresAt.After(now) {
			if err := subRepo.Updates(ctx, p.ID, map[string]interface{}{"expires_at": now}); err != nil {
				return err
			}
			p.ExpiresAt = now
		}

		released, resumed, err := s.retireTx(ctx, tx, p, model.PeriodExpired, nil)
		if err != nil {
			return err
		}
		result = &TransitionResult{Period: p, OldPeriodID: p.ID, Released: released, Resumed: resumed}
		return s.recordEvent(ctx, subRepo, key, "expire", userID, p.ID)
	})
	result, err = s.settleEvent(ctx, key, result, err)
	if err != nil {
		return nil, err
	}
	if result != nil && result.Duplicate {
		return result, nil
	}
	if noPeriod {
		return nil, ErrNoActivePeriod
	}

	s.announce(ctx, "expire", result)
	return result, nil
}

// ExpireDuePeriods 将到期周期置为 expired，并释放它们冻结的积分
func (s *SubscriptionService) ExpireDuePeriods(ctx context.Context) (int, error) {
	due, err := s.subRepo.ListDue(ctx, s.now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, d := range due {
		var (
			released int
			expired  bool
		)
		err := s.txm.Do(ctx, func(tx *gorm.DB) error {
			p, err := s.subRepo.WithTx(tx).LockByID(ctx, d.ID)
			if err != nil {
				return err
			}
			// 加锁后复查，期间可能已被续费或取消
			if p.IsCurrentAt(s.now()) || (p.Status != model.PeriodActive && p.Status != model.PeriodPendingCancel) {
				return nil
			}
			released, _, err = s.retireTx(ctx, tx, p, model.PeriodExpired, nil)
			expired = err == nil
			return err
		})
		if err != nil {
			s.logger.Error("expire period failed", "period_id", d.ID, "user_id", d.UserID, "error", err)
			continue
		}
		if !expired {
			continue
		}
		count++
		if released > 0 {
			s.publish(ctx, &pubsub.LedgerEvent{
				Type:     pubsub.EventCreditsUnfrozen,
				UserID:   d.UserID,
				Rows:     released,
				PeriodID: d.ID,
			})
		}
	}
	return count, nil
}

// ActivatePendingPeriods 激活到期的预约周期
func (s *SubscriptionService) ActivatePendingPeriods(ctx context.Context) (int, error) {
	due, err := s.subRepo.ListPendingDue(ctx, s.now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, d := range due {
		var result *TransitionResult
		err := s.txm.Do(ctx, func(tx *gorm.DB) error {
			subRepo := s.subRepo.WithTx(tx)
			p, err := subRepo.LockByID(ctx, d.ID)
			if err != nil {
				return err
			}
			if p.Status != model.PeriodPending {
				return nil
			}

			var prev *model.SubscriptionPeriod
			if p.PreviousPeriodID != nil {
				prev, err = subRepo.LockByID(ctx, *p.PreviousPeriodID)
				if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
			result, err = s.activatePendingTx(ctx, tx, p, prev, fmt.Sprintf("period:%d:activate", p.ID))
			return err
		})
		if err != nil {
			s.logger.Error("activate pending period failed", "period_id", d.ID, "user_id", d.UserID, "error", err)
			continue
		}
		if result != nil {
			count++
			s.announce(ctx, string(period.ActionRenew), result)
		}
	}
	return count, nil
}

// ActivateMonthlyCredits 年付周期按月发放积分：上一笔月度积分临近到期时发放下个月的
func (s *SubscriptionService) ActivateMonthlyCredits(ctx context.Context) (int, error) {
	due, err := s.subRepo.ListWithUnactivatedMonths(ctx, s.now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, d := range due {
		var granted int64
		err := s.txm.Do(ctx, func(tx *gorm.DB) error {
			var err error
			granted, err = s.activateMonthTx(ctx, tx, d.ID)
			return err
		})
		if err != nil {
			s.logger.Error("activate monthly credits failed", "period_id", d.ID, "user_id", d.UserID, "error", err)
			continue
		}
		if granted > 0 {
			count++
			s.publish(ctx, &pubsub.LedgerEvent{
				Type:     pubsub.EventCreditsGranted,
				UserID:   d.UserID,
				Amount:   granted,
				PeriodID: d.ID,
			})
		}
	}
	return count, nil
}

func (s *SubscriptionService) activateMonthTx(ctx context.Context, tx *gorm.DB, periodID int64) (int64, error) {
	subRepo := s.subRepo.WithTx(tx)
	now := s.now()

	p, err := subRepo.LockByID(ctx, periodID)
	if err != nil {
		return 0, err
	}
	if p.UnactivatedMonths <= 0 || !p.IsCurrentAt(now) {
		return 0, nil
	}

	latest, err := s.creditRepo.WithTx(tx).LatestRefillExpiry(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	lead := now.AddDate(0, 0, s.cfg.Credits.ActivationLeadDays)
	if latest != nil && latest.After(lead) {
		return 0, nil
	}

	start := now
	if latest != nil && latest.After(now) {
		start = *latest
	}
	expiresAt := period.ExtendedExpiry(start, s.cfg.Credits.RefillValidityDays)
	month := period.TotalMonths(p.BillingCycle) - p.UnactivatedMonths + 1

	res, err := s.credits.grantTx(ctx, tx, &GrantRequest{
		UserID:          p.UserID,
		Amount:          p.MonthlyCredits,
		TransactionType: model.TxSubscriptionRefill,
		SourcePeriodID:  &p.ID,
		ExpiresAt:       &expiresAt,
		IdempotencyKey:  fmt.Sprintf("period:%d:month:%d", p.ID, month),
		Description:     fmt.Sprintf("%s 年付第 %d 个月积分", p.PlanTier, month),
	})
	if err != nil {
		return 0, err
	}

	if err := subRepo.Updates(ctx, p.ID, map[string]interface{}{"unactivated_months": p.UnactivatedMonths - 1}); err != nil {
		return 0, err
	}
	if res.Duplicate {
		return 0, nil
	}
	return p.MonthlyCredits, nil
}

// activatePendingTx 激活预约周期，前一个周期转为历史
func (s *SubscriptionService) activatePendingTx(ctx context.Context, tx *gorm.DB, pending, prev *model.SubscriptionPeriod, key string) (*TransitionResult, error) {
	subRepo := s.subRepo.WithTx(tx)
	now := s.now()

	result := &TransitionResult{Period: pending}
	if prev != nil {
		result.OldPeriodID = prev.ID
		if prev.Status == model.PeriodActive || prev.Status == model.PeriodPendingCancel {
			released, _, err := s.retireTx(ctx, tx, prev, model.PeriodExpired, pending)
			if err != nil {
				return nil, err
			}
			result.Released = released
		}
	}

	start := now
	if pending.ActivationDate != nil && pending.ActivationDate.After(now) {
		start = *pending.ActivationDate
	}
	fields := map[string]interface{}{
		"status":     model.PeriodActive,
		"started_at": start,
		"expires_at": period.PeriodEnd(start, pending.BillingCycle),
	}
	if err := subRepo.Updates(ctx, pending.ID, fields); err != nil {
		return nil, err
	}
	pending.Status = model.PeriodActive
	pending.StartedAt = start
	pending.ExpiresAt = period.PeriodEnd(start, pending.BillingCycle)

	granted, err := s.grantPeriodCredits(ctx, tx, pending, key, now)
	if err != nil {
		return nil, err
	}
	result.Granted = granted
	return result, nil
}

// retireTx 周期转为历史状态，并释放它冻结的积分。
// 被它暂停的年付周期交给 successor 继续暂停，successor 为 nil 时恢复。
func (s *SubscriptionService) retireTx(
	ctx context.Context,
	tx *gorm.DB,
	p *model.SubscriptionPeriod,
	status string,
	successor *model.SubscriptionPeriod,
) (released, resumed int, err error) {
	if err = s.subRepo.WithTx(tx).Updates(ctx, p.ID, map[string]interface{}{"status": status}); err != nil {
		return 0, 0, err
	}
	p.Status = status
	if released, err = s.freeze.releaseTx(ctx, tx, p.ID); err != nil {
		return 0, 0, err
	}
	if resumed, err = s.handOverPausedTx(ctx, tx, p.ID, successor); err != nil {
		return 0, 0, err
	}
	return released, resumed, nil
}

// pauseOrCancelTx 立即换档时处理旧周期。
// 年付还有未发放的月份时暂停，记下剩余时长，由 next 结束后恢复；否则直接取消。
func (s *SubscriptionService) pauseOrCancelTx(ctx context.Context, subRepo *repository.SubscriptionRepository, old, next *model.SubscriptionPeriod, now time.Time) error {
	fields := map[string]interface{}{
		"auto_renew":          false,
		"cancelled_at":        now,
		"cancellation_reason": frozenReasonTierChange,
	}
	if old.UnactivatedMonths > 0 {
		remaining := int64(old.ExpiresAt.Sub(now) / time.Second)
		if remaining < 0 {
			remaining = 0
		}
		fields["status"] = model.PeriodPaused
		fields["paused_by_period_id"] = next.ID
		fields["paused_at"] = now
		fields["paused_remaining_seconds"] = remaining
	} else {
		fields["status"] = model.PeriodCancelled
	}
	return subRepo.Updates(ctx, old.ID, fields)
}

// handOverPausedTx 被 fromID 暂停的周期改由 to 暂停。
// to 为 nil 时恢复为 active：到期时间从现在起补回暂停时的剩余时长，开始时间顺延暂停的时长。
func (s *SubscriptionService) handOverPausedTx(ctx context.Context, tx *gorm.DB, fromID int64, to *model.SubscriptionPeriod) (int, error) {
	subRepo := s.subRepo.WithTx(tx)
	paused, err := subRepo.LockPausedBy(ctx, fromID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	for _, p := range paused {
		if to != nil {
			if err := subRepo.Updates(ctx, p.ID, map[string]interface{}{"paused_by_period_id": to.ID}); err != nil {
				return 0, err
			}
			continue
		}

		var remaining time.Duration
		if p.PausedRemainingSeconds != nil {
			remaining = time.Duration(*p.PausedRemainingSeconds) * time.Second
		}
		startedAt := p.StartedAt
		if p.PausedAt != nil {
			startedAt = startedAt.Add(now.Sub(*p.PausedAt))
		}
		fields := map[string]interface{}{
			"status":                   model.PeriodActive,
			"started_at":               startedAt,
			"expires_at":               now.Add(remaining),
			"paused_by_period_id":      nil,
			"paused_at":                nil,
			"paused_remaining_seconds": nil,
		}
		if err := subRepo.Updates(ctx, p.ID, fields); err != nil {
			return 0, err
		}
		s.logger.Info("resumed paused period",
			"user_id", p.UserID,
			"period_id", p.ID,
			"paused_by", fromID,
			"unactivated_months", p.UnactivatedMonths,
		)
	}
	return len(paused), nil
}

func (s *SubscriptionService) cancelPendingTx(ctx context.Context, subRepo *repository.SubscriptionRepository, userID int64, now time.Time) error {
	for {
		pending, err := subRepo.GetPendingByUser(ctx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fields := map[string]interface{}{
			"status":              model.PeriodCancelled,
			"cancelled_at":        now,
			"cancellation_reason": "superseded",
		}
		if err := subRepo.Updates(ctx, pending.ID, fields); err != nil {
			return err
		}
	}
}

// grantPeriodCredits 发放周期首月积分，年付额外发放赠送积分
func (s *SubscriptionService) grantPeriodCredits(ctx context.Context, tx *gorm.DB, p *model.SubscriptionPeriod, key string, refillStart time.Time) (int64, error) {
	var granted int64

	refillExpiry := period.ExtendedExpiry(refillStart, s.cfg.Credits.RefillValidityDays)
	res, err := s.credits.grantTx(ctx, tx, &GrantRequest{
		UserID:          p.UserID,
		Amount:          p.MonthlyCredits,
		TransactionType: model.TxSubscriptionRefill,
		SourcePeriodID:  &p.ID,
		ExpiresAt:       &refillExpiry,
		IdempotencyKey:  key + ":refill",
		Description:     fmt.Sprintf("%s 订阅月度积分", p.PlanTier),
	})
	if err != nil {
		return 0, err
	}
	if !res.Duplicate {
		granted += p.MonthlyCredits
	}

	if p.BillingCycle != model.CycleYearly {
		return granted, nil
	}
	bonus := s.cfg.Credits.YearlyBonus(p.PlanTier)
	if bonus <= 0 {
		return granted, nil
	}

	bonusExpiry := period.ExtendedExpiry(s.now(), s.cfg.Credits.BonusValidityDays)
	res, err = s.credits.grantTx(ctx, tx, &GrantRequest{
		UserID:          p.UserID,
		Amount:          bonus,
		TransactionType: model.TxSubscriptionBonus,
		SourcePeriodID:  &p.ID,
		ExpiresAt:       &bonusExpiry,
		IdempotencyKey:  key + ":bonus",
		Description:     fmt.Sprintf("%s 年付赠送积分", p.PlanTier),
	})
	if err != nil {
		return 0, err
	}
	if !res.Duplicate {
		granted += bonus
	}
	return granted, nil
}

// findByGrantKey 幂等键对应的周期已处理过时返回 Duplicate 结果
func (s *SubscriptionService) findByGrantKey(ctx context.Context, tx *gorm.DB, key string) (*TransitionResult, error) {
	var creditRepo *repository.CreditRepository
	subRepo := s.subRepo
	if tx != nil {
		creditRepo = s.creditRepo.WithTx(tx)
		subRepo = s.subRepo.WithTx(tx)
	} else {
		creditRepo = s.creditRepo
	}

	grant, err := creditRepo.GetByIdempotencyKey(ctx, key+":refill")
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	periodID, err := strconv.ParseInt(grant.RelatedEntityID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("grant %d has invalid period reference %q: %w", grant.ID, grant.RelatedEntityID, err)
	}
	p, err := subRepo.GetByID(ctx, periodID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Period: p, Duplicate: true}, nil
}

// settle 唯一索引冲突说明同一事件被并发处理，按重复处理
func (s *SubscriptionService) settle(ctx context.Context, key string, result *TransitionResult, err error) (*TransitionResult, error) {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		dup, lookupErr := s.findByGrantKey(ctx, nil, key)
		if lookupErr == nil && dup != nil {
			return dup, nil
		}
	}
	return result, err
}

// findEvent 事件已处理过时返回 Duplicate 结果；当时没有可作用的周期则 Period 为空
func (s *SubscriptionService) findEvent(ctx context.Context, subRepo *repository.SubscriptionRepository, key string) (*TransitionResult, error) {
	if key == "" {
		return nil, nil
	}
	e, err := subRepo.GetEvent(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := &TransitionResult{OldPeriodID: e.PeriodID, Duplicate: true}
	if e.PeriodID == 0 {
		return result, nil
	}
	result.Period, err = subRepo.GetByID(ctx, e.PeriodID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SubscriptionService) recordEvent(ctx context.Context, subRepo *repository.SubscriptionRepository, key, action string, userID, periodID int64) error {
	if key == "" {
		return nil
	}
	return subRepo.RecordEvent(ctx, &model.ProcessedEvent{
		EventKey: key,
		Action:   action,
		UserID:   userID,
		PeriodID: periodID,
	})
}

// settleEvent 同一事件并发处理时另一方已提交，按重复处理
func (s *SubscriptionService) settleEvent(ctx context.Context, key string, result *TransitionResult, err error) (*TransitionResult, error) {
	if key != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
		dup, lookupErr := s.findEvent(ctx, s.subRepo, key)
		if lookupErr == nil && dup != nil {
			return dup, nil
		}
	}
	return result, err
}

func (s *SubscriptionService) lockUserPeriod(ctx context.Context, subRepo *repository.SubscriptionRepository, userID, periodID int64, now time.Time) (*model.SubscriptionPeriod, error) {
	if periodID == 0 {
		p, err := subRepo.LockCurrent(ctx, userID, now)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActivePeriod
		}
		return p, err
	}

	p, err := subRepo.LockByID(ctx, periodID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPeriodNotFound
		}
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPeriodNotFound
	}
	return p, nil
}

// announce 事务提交后发布周期变更与积分事件
func (s *SubscriptionService) announce(ctx context.Context, action string, result *TransitionResult) {
	if result == nil || result.Period == nil || result.Duplicate {
		return
	}
	p := result.Period

	s.logger.Info("subscription period changed",
		"action", action,
		"user_id", p.UserID,
		"period_id", p.ID,
		"old_period_id", result.OldPeriodID,
		"plan", p.PlanTier,
		"cycle", p.BillingCycle,
		"granted", result.Granted,
		"frozen", result.Frozen,
		"released", result.Released,
		"resumed", result.Resumed,
	)

	s.publish(ctx, &pubsub.LedgerEvent{
		Type:      pubsub.EventPeriodChanged,
		UserID:    p.UserID,
		PeriodID:  p.ID,
		Reference: action,
	})
	if result.Granted > 0 {
		s.publish(ctx, &pubsub.LedgerEvent{
			Type:     pubsub.EventCreditsGranted,
			UserID:   p.UserID,
			Amount:   result.Granted,
			PeriodID: p.ID,
		})
	}
	if result.Frozen > 0 {
		s.publish(ctx, &pubsub.LedgerEvent{
			Type:     pubsub.EventCreditsFrozen,
			UserID:   p.UserID,
			Rows:     result.Frozen,
			PeriodID: p.ID,
		})
	}
	if result.Released > 0 {
		s.publish(ctx, &pubsub.LedgerEvent{
			Type:     pubsub.EventCreditsUnfrozen,
			UserID:   p.UserID,
			Rows:     result.Released,
			PeriodID: result.OldPeriodID,
		})
	}
}
