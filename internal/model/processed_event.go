package model

import "time"

// ProcessedEvent 已处理的订阅状态事件（取消、结束），防止重放作用到之后的新周期
type ProcessedEvent struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	EventKey  string    `gorm:"size:128;not null;uniqueIndex" json:"event_key"`
	Action    string    `gorm:"size:20;not null" json:"action"`
	UserID    int64     `gorm:"not null;index" json:"user_id"`
	PeriodID  int64     `gorm:"not null;default:0" json:"period_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}
