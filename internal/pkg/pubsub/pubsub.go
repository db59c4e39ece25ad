package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultChannel = "credit_ledger_events"
)

// 事件类型
const (
	EventCreditsGranted  = "credits.granted"
	EventCreditsConsumed = "credits.consumed"
	EventCreditsFrozen   = "credits.frozen"
	EventCreditsUnfrozen = "credits.unfrozen"
	EventPeriodChanged   = "subscription.changed"
)

// LedgerEvent 账本变动通知
type LedgerEvent struct {
	Type       string    `json:"type"`
	UserID     int64     `json:"user_id"`
	Amount     int64     `json:"amount,omitempty"`
	Balance    int64     `json:"balance"`
	Rows       int       `json:"rows,omitempty"`
	PeriodID   int64     `json:"period_id,omitempty"`
	Reference  string    `json:"reference,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher Redis 发布者
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// PublishLedgerEvent 发布账本事件
func (p *Publisher) PublishLedgerEvent(ctx context.Context, evt *LedgerEvent) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger event: %w", err)
	}

	return p.client.Publish(ctx, p.channel, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client, channel string) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{client: client, channel: channel}
}

// Subscribe 订阅账本事件，ctx 取消时返回
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*LedgerEvent)) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer ps.Close()

	// 等待订阅确认，避免丢失紧随其后的消息
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var evt LedgerEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue // 忽略解析错误
			}

			handler(&evt)
		}
	}
}
