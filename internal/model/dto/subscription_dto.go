package dto

// SubscriptionStatus 订阅状态
type SubscriptionStatus struct {
	HasSubscription   bool             `json:"has_subscription"`
	PeriodID          int64            `json:"period_id,omitempty"`
	PlanTier          string           `json:"plan_tier,omitempty"`
	BillingCycle      string           `json:"billing_cycle,omitempty"`
	Status            string           `json:"status,omitempty"`
	StartedAt         string           `json:"started_at,omitempty"`
	ExpiresAt         string           `json:"expires_at,omitempty"`
	RemainingDays     int              `json:"remaining_days"`
	RemainingMonths   int              `json:"remaining_months"`
	UnactivatedMonths int              `json:"unactivated_months"`
	AutoRenew         bool             `json:"auto_renew"`
	ScheduledChange   *ScheduledChange `json:"scheduled_change,omitempty"`
	FrozenUntil       *string          `json:"frozen_until,omitempty"`
	History           []PeriodSummary  `json:"history"`
}

// PeriodSummary 历史周期，按开始时间倒序
type PeriodSummary struct {
	ID                 int64  `json:"id"`
	PlanTier           string `json:"plan_tier"`
	BillingCycle       string `json:"billing_cycle"`
	Status             string `json:"status"`
	StartedAt          string `json:"started_at"`
	ExpiresAt          string `json:"expires_at"`
	UnactivatedMonths  int    `json:"unactivated_months"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

// ScheduledChange 到期生效的档位变更
type ScheduledChange struct {
	PlanTier       string `json:"plan_tier"`
	BillingCycle   string `json:"billing_cycle,omitempty"`
	AdjustmentMode string `json:"adjustment_mode"`
	EffectiveAt    string `json:"effective_at"`
}

// CancelSubscriptionRequest 取消订阅
type CancelSubscriptionRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason,omitempty" binding:"omitempty,max=255"`
}

// ScheduleDowngradeRequest 预约到期降级
type ScheduleDowngradeRequest struct {
	PlanTier     string `json:"plan_tier" binding:"required,max=20"`
	BillingCycle string `json:"billing_cycle,omitempty" binding:"omitempty,oneof=monthly yearly"`
}

// TierChangedRequest 档位变更通知（服务间调用）
type TierChangedRequest struct {
	UserID      int64 `json:"user_id" binding:"required,min=1"`
	OldPeriodID int64 `json:"old_period_id"`
	NewPeriodID int64 `json:"new_period_id" binding:"required,min=1"`
}

// FreezeResult 冻结 / 解冻影响的发放行数量
type FreezeResult struct {
	Rows int `json:"rows"`
}
