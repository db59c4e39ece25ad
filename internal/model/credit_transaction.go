package model

import (
	"strconv"
	"time"
)

// 流水类型
const (
	KindGrant       = "grant"
	KindConsumption = "consumption"
)

// 发放来源
const (
	TxRegisterBonus      = "register_bonus"
	TxSubscriptionRefill = "subscription_refill"
	TxSubscriptionBonus  = "subscription_bonus"
	TxPackagePurchase    = "package_purchase"
	TxAdminAdjustment    = "admin_adjustment"
)

// 关联实体类型
const (
	EntitySubscription = "subscription"
	EntityOrder        = "order"
	EntityGeneration   = "generation"
	EntityAdmin        = "admin"
	EntityRegistration = "registration"
)

// CreditTransaction 积分流水。发放行记录一笔可消耗的积分，消耗行是对某个发放行的负向扣减。
type CreditTransaction struct {
	ID               int64  `gorm:"primaryKey" json:"id"`
	UserID           int64  `gorm:"not null;index:idx_credit_user_kind,priority:1" json:"user_id"`
	Kind             string `gorm:"size:20;not null;index:idx_credit_user_kind,priority:2" json:"kind"`
	TransactionType  string `gorm:"size:50;not null;index" json:"transaction_type"`
	Amount           int64  `gorm:"not null" json:"amount"`
	RemainingAmount  int64  `gorm:"not null;default:0" json:"remaining_amount"`
	RemainingCredits int64  `gorm:"not null;default:0" json:"remaining_credits"`

	ExpiresAt              *time.Time `gorm:"index" json:"expires_at,omitempty"`
	IsFrozen               bool       `gorm:"not null;default:false;index" json:"is_frozen"`
	FrozenUntil            *time.Time `gorm:"index" json:"frozen_until,omitempty"`
	FrozenRemainingSeconds *int64     `json:"frozen_remaining_seconds,omitempty"`
	OriginalExpiresAt      *time.Time `json:"original_expires_at,omitempty"`
	FrozenByPeriodID       *int64     `gorm:"index" json:"frozen_by_period_id,omitempty"`
	FrozenReason           string     `gorm:"size:100" json:"frozen_reason,omitempty"`

	ConsumedFromID    *int64  `gorm:"index" json:"consumed_from_id,omitempty"`
	OperationID       string  `gorm:"size:36;index" json:"operation_id,omitempty"`
	RelatedEntityType string  `gorm:"size:30;index:idx_credit_related,priority:1" json:"related_entity_type,omitempty"`
	RelatedEntityID   string  `gorm:"size:64;index:idx_credit_related,priority:2" json:"related_entity_id,omitempty"`
	IdempotencyKey    *string `gorm:"size:191;uniqueIndex" json:"-"`
	Description       string  `gorm:"size:255" json:"description"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

// IsGrant 是否为发放行
func (t *CreditTransaction) IsGrant() bool {
	return t.Kind == KindGrant
}

// NeverExpires 永久有效的发放行
func (t *CreditTransaction) NeverExpires() bool {
	if t.IsFrozen {
		return t.FrozenRemainingSeconds == nil
	}
	return t.ExpiresAt == nil
}

// PeriodEntityID 订阅周期在流水上的关联 ID
func PeriodEntityID(periodID int64) string {
	return strconv.FormatInt(periodID, 10)
}
