package dto

// CreditSummary 积分概览
type CreditSummary struct {
	AvailableCredits    int64   `json:"available_credits"`
	FrozenCredits       int64   `json:"frozen_credits"`
	ExpiringSoonCredits int64   `json:"expiring_soon_credits"`
	NextExpiryAt        *string `json:"next_expiry_at,omitempty"`
	TotalEarned         int64   `json:"total_earned"`
	TotalUsed           int64   `json:"total_used"`
}

// TransactionItem 流水列表项
type TransactionItem struct {
	ID               int64   `json:"id"`
	Kind             string  `json:"kind"`
	TransactionType  string  `json:"transaction_type"`
	Amount           int64   `json:"amount"`
	RemainingAmount  int64   `json:"remaining_amount,omitempty"`
	RemainingCredits int64   `json:"remaining_credits"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	IsFrozen         bool    `json:"is_frozen"`
	FrozenUntil      *string `json:"frozen_until,omitempty"`
	Description      string  `json:"description"`
	CreatedAt        string  `json:"created_at"`
}

// ExpiryBucket 按到期日聚合的剩余积分，Date 为空表示永久有效
type ExpiryBucket struct {
	Date    string `json:"date,omitempty"`
	Credits int64  `json:"credits"`
	Grants  int    `json:"grants"`
}

// GrantCreditsRequest 发放积分请求（服务间调用）
type GrantCreditsRequest struct {
	UserID            int64   `json:"user_id" binding:"required,min=1"`
	Amount            int64   `json:"amount" binding:"required,min=1"`
	TransactionType   string  `json:"transaction_type" binding:"required,max=50"`
	RelatedEntityType string  `json:"related_entity_type,omitempty" binding:"omitempty,max=30"`
	RelatedEntityID   string  `json:"related_entity_id,omitempty" binding:"omitempty,max=64"`
	SourcePeriodID    *int64  `json:"source_period_id,omitempty" binding:"omitempty,min=1"`
	ExpiresAt         *string `json:"expires_at,omitempty"`
	ValidDays         int     `json:"valid_days,omitempty" binding:"omitempty,min=1"`
	IdempotencyKey    string  `json:"idempotency_key,omitempty" binding:"omitempty,max=191"`
	Description       string  `json:"description,omitempty" binding:"omitempty,max=255"`
}

// GrantCreditsResponse 发放结果
type GrantCreditsResponse struct {
	GrantID   int64 `json:"grant_id"`
	Duplicate bool  `json:"duplicate"`
	Balance   int64 `json:"balance"`
}

// ConsumeCreditsRequest 消耗积分请求（服务间调用）
type ConsumeCreditsRequest struct {
	UserID          int64  `json:"user_id" binding:"required,min=1"`
	Amount          int64  `json:"amount" binding:"required,min=1"`
	TransactionType string `json:"transaction_type" binding:"required,max=50"`
	RelatedEntityID string `json:"related_entity_id,omitempty" binding:"omitempty,max=64"`
	Description     string `json:"description,omitempty" binding:"omitempty,max=255"`
}

// ConsumeCreditsResponse 消耗结果
type ConsumeCreditsResponse struct {
	Success      bool   `json:"success"`
	Consumed     int64  `json:"consumed"`
	Insufficient bool   `json:"insufficient"`
	Shortfall    int64  `json:"shortfall,omitempty"`
	Balance      int64  `json:"balance"`
	OperationID  string `json:"operation_id,omitempty"`
	Detail       string `json:"detail"`
}

// BalanceResponse 可用余额
type BalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}
