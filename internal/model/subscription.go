package model

import (
	"time"
)

// 订阅周期状态
const (
	PeriodPending       = "pending"
	PeriodActive        = "active"
	PeriodPendingCancel = "pending_cancel"
	PeriodPaused        = "paused"
	PeriodCancelled     = "cancelled"
	PeriodExpired       = "expired"
)

// 计费周期
const (
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
)

// 档位调整方式
const (
	AdjustImmediate = "immediate"
	AdjustScheduled = "scheduled"
)

// SubscriptionPeriod 订阅周期。每次续费或换档都会新建一行，旧行保留为历史。
type SubscriptionPeriod struct {
	ID                      int64      `gorm:"primaryKey" json:"id"`
	UserID                  int64      `gorm:"not null;index" json:"user_id"`
	PlanTier                string     `gorm:"size:20;not null" json:"plan_tier"`
	BillingCycle            string     `gorm:"size:20;not null" json:"billing_cycle"`
	Status                  string     `gorm:"size:20;not null;default:active;index" json:"status"`
	StartedAt               time.Time  `gorm:"not null" json:"started_at"`
	ExpiresAt               time.Time  `gorm:"not null;index" json:"expires_at"`
	ActivationDate          *time.Time `gorm:"index" json:"activation_date,omitempty"`
	MonthlyCredits          int64      `gorm:"not null;default:0" json:"monthly_credits"`
	UnactivatedMonths       int        `gorm:"not null;default:0" json:"unactivated_months"`
	DowngradeToPlan         *string    `gorm:"size:20" json:"downgrade_to_plan,omitempty"`
	DowngradeToBillingCycle *string    `gorm:"size:20" json:"downgrade_to_billing_cycle,omitempty"`
	AdjustmentMode          *string    `gorm:"size:20" json:"adjustment_mode,omitempty"`
	AutoRenew               bool       `gorm:"not null" json:"auto_renew"`
	ExternalSubscriptionID  string     `gorm:"size:100;index" json:"external_subscription_id,omitempty"`
	PreviousPeriodID        *int64     `json:"previous_period_id,omitempty"`
	PausedByPeriodID        *int64     `gorm:"index" json:"paused_by_period_id,omitempty"`
	PausedAt                *time.Time `json:"paused_at,omitempty"`
	PausedRemainingSeconds  *int64     `json:"paused_remaining_seconds,omitempty"`
	CancelledAt             *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason      string     `gorm:"size:255" json:"cancellation_reason,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func (SubscriptionPeriod) TableName() string {
	return "subscription_periods"
}

// IsCurrentAt 周期在 now 时刻是否仍然生效
func (p *SubscriptionPeriod) IsCurrentAt(now time.Time) bool {
	if p.Status != PeriodActive && p.Status != PeriodPendingCancel {
		return false
	}
	return p.ExpiresAt.After(now)
}

// HasScheduledChange 是否挂有到期生效的档位变更
func (p *SubscriptionPeriod) HasScheduledChange() bool {
	return p.DowngradeToPlan != nil && *p.DowngradeToPlan != ""
}
