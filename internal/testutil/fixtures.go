package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger/internal/model"
)

// TestGrant 创建测试发放行，默认 100 积分、30 天后过期
func TestGrant(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.CreditTransaction)) *model.CreditTransaction {
	t.Helper()

	now := time.Now().UTC()
	expiresAt := now.Add(30 * 24 * time.Hour)
	grant := &model.CreditTransaction{
		UserID:            userID,
		Kind:              model.KindGrant,
		TransactionType:   model.TxPackagePurchase,
		Amount:            100,
		RemainingAmount:   100,
		ExpiresAt:         &expiresAt,
		RelatedEntityType: model.EntityOrder,
		RelatedEntityID:   fmt.Sprintf("order_%d", now.UnixNano()),
		Description:       "test grant",
		CreatedAt:         now,
	}

	for _, opt := range opts {
		opt(grant)
	}

	if err := db.Create(grant).Error; err != nil {
		t.Fatalf("Failed to create test grant: %v", err)
	}

	return grant
}

// WithAmount 设置发放额度（剩余同步）
func WithAmount(amount int64) func(*model.CreditTransaction) {
	return func(g *model.CreditTransaction) {
		g.Amount = amount
		g.RemainingAmount = amount
	}
}

// WithRemaining 设置剩余额度
func WithRemaining(remaining int64) func(*model.CreditTransaction) {
	return func(g *model.CreditTransaction) {
		g.RemainingAmount = remaining
	}
}

// WithExpiresAt 设置到期时间，nil 为永久有效
func WithExpiresAt(expiresAt *time.Time) func(*model.CreditTransaction) {
	return func(g *model.CreditTransaction) {
		g.ExpiresAt = expiresAt
	}
}

// WithCreatedAt 设置创建时间
func WithCreatedAt(createdAt time.Time) func(*model.CreditTransaction) {
	return func(g *model.CreditTransaction) {
		g.CreatedAt = createdAt
	}
}

// WithPeriod 关联到订阅周期
func WithPeriod(periodID int64) func(*model.CreditTransaction) {
	return func(g *model.CreditTransaction) {
		g.TransactionType = model.TxSubscriptionRefill
		g.RelatedEntityType = model.EntitySubscription
		g.RelatedEntityID = model.PeriodEntityID(periodID)
	}
}

// WithFrozen 设置冻结状态
func WithFrozen(frozenUntil time.Time, remainingSeconds *int64, byPeriodID int64) func(*model.CreditTransaction) {
	return func(g *model.CreditTransaction) {
		g.IsFrozen = true
		g.FrozenUntil = &frozenUntil
		g.FrozenRemainingSeconds = remainingSeconds
		g.FrozenByPeriodID = &byPeriodID
		g.OriginalExpiresAt = g.ExpiresAt
	}
}

// TestPeriod 创建测试订阅周期，默认 basic 月付、当前生效
func TestPeriod(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.SubscriptionPeriod)) *model.SubscriptionPeriod {
	t.Helper()

	now := time.Now().UTC()
	p := &model.SubscriptionPeriod{
		UserID:         userID,
		PlanTier:       "basic",
		BillingCycle:   model.CycleMonthly,
		Status:         model.PeriodActive,
		StartedAt:      now,
		ExpiresAt:      now.AddDate(0, 1, 0),
		MonthlyCredits: 150,
		AutoRenew:      true,
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := db.Create(p).Error; err != nil {
		t.Fatalf("Failed to create test period: %v", err)
	}

	return p
}

// WithPlan 设置档位与周期
func WithPlan(tier, cycle string) func(*model.SubscriptionPeriod) {
	return func(p *model.SubscriptionPeriod) {
		p.PlanTier = tier
		p.BillingCycle = cycle
		if cycle == model.CycleYearly {
			p.ExpiresAt = p.StartedAt.AddDate(1, 0, 0)
		}
	}
}

// WithWindow 设置周期起止时间
func WithWindow(startedAt, expiresAt time.Time) func(*model.SubscriptionPeriod) {
	return func(p *model.SubscriptionPeriod) {
		p.StartedAt = startedAt
		p.ExpiresAt = expiresAt
	}
}

// WithPeriodStatus 设置周期状态
func WithPeriodStatus(status string) func(*model.SubscriptionPeriod) {
	return func(p *model.SubscriptionPeriod) {
		p.Status = status
	}
}
