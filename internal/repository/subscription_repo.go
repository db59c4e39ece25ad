package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/credit_ledger/internal/model"
)

var currentStatuses = []string{model.PeriodActive, model.PeriodPendingCancel}

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// WithTx 绑定到事务
func (r *SubscriptionRepository) WithTx(tx *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: tx}
}

func (r *SubscriptionRepository) Create(ctx context.Context, p *model.SubscriptionPeriod) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id int64) (*model.SubscriptionPeriod, error) {
	var p model.SubscriptionPeriod
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LockByID 加写锁读取
func (r *SubscriptionRepository) LockByID(ctx context.Context, id int64) (*model.SubscriptionPeriod, error) {
	var p model.SubscriptionPeriod
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCurrent 当前生效周期：最近开始的 active / pending_cancel 且未到期的周期
func (r *SubscriptionRepository) GetCurrent(ctx context.Context, userID int64, now time.Time) (*model.SubscriptionPeriod, error) {
	return r.current(r.db.WithContext(ctx), userID, now)
}

// LockCurrent 加写锁读取当前生效周期
func (r *SubscriptionRepository) LockCurrent(ctx context.Context, userID int64, now time.Time) (*model.SubscriptionPeriod, error) {
	return r.current(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, now)
}

func (r *SubscriptionRepository) current(q *gorm.DB, userID int64, now time.Time) (*model.SubscriptionPeriod, error) {
	var p model.SubscriptionPeriod
	err := q.Where("user_id = ? AND status IN ? AND expires_at > ?", userID, currentStatuses, now).
		Order("started_at DESC, id DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPendingByUser 用户待生效的周期
func (r *SubscriptionRepository) GetPendingByUser(ctx context.Context, userID int64) (*model.SubscriptionPeriod, error) {
	var p model.SubscriptionPeriod
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.PeriodPending).
		Order("activation_date ASC, id ASC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByExternalID 按支付侧订阅 ID 查最近的周期
func (r *SubscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (*model.SubscriptionPeriod, error) {
	var p model.SubscriptionPeriod
	err := r.db.WithContext(ctx).
		Where("external_subscription_id = ?", externalID).
		Order("started_at DESC, id DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID int64) ([]*model.SubscriptionPeriod, error) {
	var periods []*model.SubscriptionPeriod
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("started_at DESC, id DESC").Find(&periods).Error
	return periods, err
}

// LockPausedBy 加写锁读取被某周期暂停的周期
func (r *SubscriptionRepository) LockPausedBy(ctx context.Context, periodID int64) ([]*model.SubscriptionPeriod, error) {
	var periods []*model.SubscriptionPeriod
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status = ? AND paused_by_period_id = ?", model.PeriodPaused, periodID).
		Order("id ASC").
		Find(&periods).Error
	return periods, err
}

// ListDue 已到期但状态仍为生效中的周期
func (r *SubscriptionRepository) ListDue(ctx context.Context, now time.Time) ([]*model.SubscriptionPeriod, error) {
	var periods []*model.SubscriptionPeriod
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", currentStatuses, now).
		Order("id ASC").
		Find(&periods).Error
	return periods, err
}

// ListPendingDue 到达激活日期的待生效周期
func (r *SubscriptionRepository) ListPendingDue(ctx context.Context, now time.Time) ([]*model.SubscriptionPeriod, error) {
	var periods []*model.SubscriptionPeriod
	err := r.db.WithContext(ctx).
		Where("status = ? AND activation_date IS NOT NULL AND activation_date <= ?", model.PeriodPending, now).
		Order("activation_date ASC, id ASC").
		Find(&periods).Error
	return periods, err
}

// ListWithUnactivatedMonths 仍有未激活月份的年付周期
func (r *SubscriptionRepository) ListWithUnactivatedMonths(ctx context.Context, now time.Time) ([]*model.SubscriptionPeriod, error) {
	var periods []*model.SubscriptionPeriod
	err := r.db.WithContext(ctx).
		Where("status IN ? AND unactivated_months > 0 AND expires_at > ?", currentStatuses, now).
		Order("id ASC").
		Find(&periods).Error
	return periods, err
}

// Updates 更新周期字段
func (r *SubscriptionRepository) Updates(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.SubscriptionPeriod{}).Where("id = ?", id).Updates(fields).Error
}

// RecordEvent 记录已处理的事件，键重复时返回 gorm.ErrDuplicatedKey
func (r *SubscriptionRepository) RecordEvent(ctx context.Context, e *model.ProcessedEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *SubscriptionRepository) GetEvent(ctx context.Context, key string) (*model.ProcessedEvent, error) {
	var e model.ProcessedEvent
	err := r.db.WithContext(ctx).Where("event_key = ?", key).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}
