package service

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/pkg/metrics"
	"github.com/qs3c/credit_ledger/internal/pkg/period"
	"github.com/qs3c/credit_ledger/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger/internal/repository"
)

const frozenReasonTierChange = "tier_change"

// FreezeService 换档时冻结旧档位未用完的积分，新档位结束后按原剩余有效期恢复
type FreezeService struct {
	txm        *repository.TxManager
	creditRepo *repository.CreditRepository
	subRepo    *repository.SubscriptionRepository
	options
}

func NewFreezeService(
	txm *repository.TxManager,
	creditRepo *repository.CreditRepository,
	subRepo *repository.SubscriptionRepository,
	opts ...Option,
) *FreezeService {
	return &FreezeService{
		txm:        txm,
		creditRepo: creditRepo,
		subRepo:    subRepo,
		options:    defaultOptions(opts),
	}
}

// FreezeOldPackages 冻结除 newPeriodID 以外订阅周期发放的积分，返回受影响行数
func (s *FreezeService) FreezeOldPackages(ctx context.Context, userID, newPeriodID int64, excludeLatest bool) (int, error) {
	defer metrics.ObserveTx("freeze", time.Now())

	var (
		rows      int
		newPeriod *model.SubscriptionPeriod
	)
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		var err error
		newPeriod, err = s.userPeriod(ctx, s.subRepo.WithTx(tx), userID, newPeriodID)
		if err != nil {
			return err
		}
		rows, err = s.freezeTx(ctx, tx, userID, newPeriod, excludeLatest)
		return err
	})
	if err != nil {
		return 0, err
	}

	if rows > 0 {
		s.publish(ctx, &pubsub.LedgerEvent{
			Type:     pubsub.EventCreditsFrozen,
			UserID:   userID,
			Rows:     rows,
			PeriodID: newPeriod.ID,
		})
	}
	return rows, nil
}

// OnSubscriptionTierChanged 档位变更后冻结旧档位积分，新周期刚发放的那笔不冻结
func (s *FreezeService) OnSubscriptionTierChanged(ctx context.Context, userID, oldPeriodID, newPeriodID int64) (int, error) {
	if oldPeriodID > 0 {
		if _, err := s.userPeriod(ctx, s.subRepo, userID, oldPeriodID); err != nil {
			return 0, err
		}
	}
	return s.FreezeOldPackages(ctx, userID, newPeriodID, true)
}

// OnPeriodExpiredOrCancelled 周期结束（含提前取消）时释放由它冻结的积分
func (s *FreezeService) OnPeriodExpiredOrCancelled(ctx context.Context, periodID int64) (int, error) {
	defer metrics.ObserveTx("release", time.Now())

	var (
		rows   int
		userID int64
	)
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		p, err := s.subRepo.WithTx(tx).GetByID(ctx, periodID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPeriodNotFound
			}
			return err
		}
		userID = p.UserID
		rows, err = s.releaseTx(ctx, tx, periodID)
		return err
	})
	if err != nil {
		return 0, err
	}

	if rows > 0 {
		s.publish(ctx, &pubsub.LedgerEvent{
			Type:     pubsub.EventCreditsUnfrozen,
			UserID:   userID,
			Rows:     rows,
			PeriodID: periodID,
		})
	}
	return rows, nil
}

// UnfreezeExpiredPackages 解冻所有用户冻结期已结束的积分
func (s *FreezeService) UnfreezeExpiredPackages(ctx context.Context) (int, error) {
	return s.unfreezeLapsed(ctx, 0)
}

// UnfreezeUserPackages 解冻单个用户冻结期已结束的积分
func (s *FreezeService) UnfreezeUserPackages(ctx context.Context, userID int64) (int, error) {
	if userID <= 0 {
		return 0, ErrInvalidUser
	}
	return s.unfreezeLapsed(ctx, userID)
}

func (s *FreezeService) unfreezeLapsed(ctx context.Context, userID int64) (int, error) {
	defer metrics.ObserveTx("unfreeze", time.Now())

	var (
		rows  int
		users = make(map[int64]int)
	)
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		repo := s.creditRepo.WithTx(tx)
		now := s.now()

		grants, err := repo.LockLapsedFrozen(ctx, userID, now)
		if err != nil {
			return err
		}
		for _, g := range grants {
			users[g.UserID]++
		}
		rows, err = unfreezeRows(ctx, repo, grants, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	for uid, n := range users {
		s.publish(ctx, &pubsub.LedgerEvent{
			Type:   pubsub.EventCreditsUnfrozen,
			UserID: uid,
			Rows:   n,
		})
	}
	if rows > 0 {
		s.logger.Info("unfroze lapsed grants", "rows", rows, "users", len(users))
	}
	return rows, nil
}

func (s *FreezeService) userPeriod(ctx context.Context, repo *repository.SubscriptionRepository, userID, periodID int64) (*model.SubscriptionPeriod, error) {
	p, err := repo.GetByID(ctx, periodID)
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

// freezeTx 在调用方事务内冻结旧周期积分。
// 已冻结的行只改指向新周期，冻结时记录的剩余秒数保持不变。
func (s *FreezeService) freezeTx(ctx context.Context, tx *gorm.DB, userID int64, newPeriod *model.SubscriptionPeriod, excludeLatest bool) (int, error) {
	repo := s.creditRepo.WithTx(tx)
	now := s.now()
	entityID := model.PeriodEntityID(newPeriod.ID)
	frozenUntil := newPeriod.ExpiresAt

	grants, err := repo.LockFreezable(ctx, userID, entityID, now)
	if err != nil {
		return 0, err
	}

	var latestID int64
	if excludeLatest {
		latestID, err = repo.LatestGrantID(ctx, userID)
		if err != nil {
			return 0, err
		}
	}

	frozen := 0
	for _, g := range grants {
		if g.ID == latestID {
			continue
		}

		remaining := period.CaptureRemaining(g.ExpiresAt, now)
		fields := map[string]interface{}{
			"is_frozen":                true,
			"frozen_until":             frozenUntil,
			"frozen_remaining_seconds": remaining,
			"frozen_by_period_id":      newPeriod.ID,
			"frozen_reason":            frozenReasonTierChange,
			"expires_at":               period.ProjectedExpiry(remaining, frozenUntil),
		}
		if g.OriginalExpiresAt == nil {
			fields["original_expires_at"] = g.ExpiresAt
		}
		if err := repo.Updates(ctx, g.ID, fields); err != nil {
			return 0, err
		}
		frozen++
	}

	already, err := repo.LockFrozenSubscriptionGrants(ctx, userID, entityID)
	if err != nil {
		return 0, err
	}

	refrozen := 0
	for _, g := range already {
		if g.FrozenByPeriodID != nil && *g.FrozenByPeriodID == newPeriod.ID {
			continue
		}
		fields := map[string]interface{}{
			"frozen_until":        frozenUntil,
			"frozen_by_period_id": newPeriod.ID,
			"expires_at":          period.ProjectedExpiry(g.FrozenRemainingSeconds, frozenUntil),
		}
		if err := repo.Updates(ctx, g.ID, fields); err != nil {
			return 0, err
		}
		refrozen++
	}

	metrics.FreezeRowsTotal.WithLabelValues("freeze").Add(float64(frozen))
	metrics.FreezeRowsTotal.WithLabelValues("refreeze").Add(float64(refrozen))
	if frozen+refrozen > 0 {
		s.logger.Info("froze previous period grants",
			"user_id", userID,
			"period_id", newPeriod.ID,
			"frozen", frozen,
			"refrozen", refrozen,
			"frozen_until", frozenUntil,
		)
	}
	return frozen + refrozen, nil
}

// releaseTx 在调用方事务内释放某周期冻结的积分，从现在起恢复剩余有效期
func (s *FreezeService) releaseTx(ctx context.Context, tx *gorm.DB, periodID int64) (int, error) {
	repo := s.creditRepo.WithTx(tx)

	grants, err := repo.LockFrozenByPeriod(ctx, periodID)
	if err != nil {
		return 0, err
	}
	return unfreezeRows(ctx, repo, grants, s.now())
}

// unfreezeRows 解冻并恢复到期时间：expires_at = now + 冻结时剩余秒数，永久有效的仍为 NULL
func unfreezeRows(ctx context.Context, repo *repository.CreditRepository, grants []*model.CreditTransaction, now time.Time) (int, error) {
	for _, g := range grants {
		fields := map[string]interface{}{
			"is_frozen":           false,
			"expires_at":          period.RestoreExpiry(g.FrozenRemainingSeconds, now),
			"frozen_until":        nil,
			"frozen_by_period_id": nil,
		}
		if err := repo.Updates(ctx, g.ID, fields); err != nil {
			return 0, err
		}
	}
	if len(grants) > 0 {
		metrics.FreezeRowsTotal.WithLabelValues("unfreeze").Add(float64(len(grants)))
	}
	return len(grants), nil
}
