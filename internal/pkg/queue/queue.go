package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 支付事件类型
const (
	EventCheckoutCompleted     = "checkout.completed"
	EventSubscriptionPaid      = "subscription.paid"
	EventSubscriptionCancelled = "subscription.canceled"
	EventSubscriptionExpired   = "subscription.expired"
)

// 商品类型
const (
	ProductCreditPackage = "credit_package"
	ProductSubscription  = "subscription"
)

type Queue struct {
	client    *redis.Client
	queueName string
}

// EventMessage 经过支付层校验后的事件
type EventMessage struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	UserID         int64     `json:"user_id"`
	ProductType    string    `json:"product_type,omitempty"`
	PackageCode    string    `json:"package_code,omitempty"`
	PlanTier       string    `json:"plan_tier,omitempty"`
	BillingCycle   string    `json:"billing_cycle,omitempty"`
	Action         string    `json:"action,omitempty"`
	AdjustmentMode string    `json:"adjustment_mode,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

func NewQueue(client *redis.Client, queueName string) *Queue {
	return &Queue{
		client:    client,
		queueName: queueName,
	}
}

// Name 队列名
func (q *Queue) Name() string {
	return q.queueName
}

// Push 将事件加入队列
func (q *Queue) Push(ctx context.Context, msg *EventMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.queueName, data).Err()
}

// Pop 从队列获取事件（阻塞）
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*EventMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // 超时，无事件
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var msg EventMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// Length 获取队列长度
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

// deadLetterName 失败事件列表
func (q *Queue) deadLetterName() string {
	return q.queueName + ":failed"
}

// PushFailed 处理失败的事件转入失败列表，留待人工排查
func (q *Queue) PushFailed(ctx context.Context, msg *EventMessage, cause error) error {
	msg.Attempts++
	if cause != nil {
		msg.LastError = cause.Error()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.deadLetterName(), data).Err()
}

// FailedLength 失败列表长度
func (q *Queue) FailedLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadLetterName()).Result()
}
