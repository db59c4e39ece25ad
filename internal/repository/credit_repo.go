package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/credit_ledger/internal/model"
)

// ErrInvalidConsumption 消耗行违反引用约束
var ErrInvalidConsumption = errors.New("invalid consumption row")

// FIFO：有到期时间的先到期先用，永久有效的排最后，其次按创建时间和 ID
const fifoOrder = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, created_at ASC, id ASC"

// ConservationRow 守恒校验不通过的发放行
type ConservationRow struct {
	GrantID         int64 `json:"grant_id"`
	UserID          int64 `json:"user_id"`
	Amount          int64 `json:"amount"`
	RemainingAmount int64 `json:"remaining_amount"`
	Consumed        int64 `json:"consumed"`
}

type CreditRepository struct {
	db *gorm.DB
}

func NewCreditRepository(db *gorm.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// WithTx 绑定到事务
func (r *CreditRepository) WithTx(tx *gorm.DB) *CreditRepository {
	return &CreditRepository{db: tx}
}

func (r *CreditRepository) Create(ctx context.Context, t *model.CreditTransaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *CreditRepository) GetByID(ctx context.Context, id int64) (*model.CreditTransaction, error) {
	var t model.CreditTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *CreditRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.CreditTransaction, error) {
	var t model.CreditTransaction
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func spendable(q *gorm.DB, userID int64, now time.Time) *gorm.DB {
	return q.Where("user_id = ? AND kind = ? AND remaining_amount > 0 AND is_frozen = ?", userID, model.KindGrant, false).
		Where("expires_at IS NULL OR expires_at > ?", now)
}

// SumAvailable 可用余额
func (r *CreditRepository) SumAvailable(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var total int64
	err := spendable(r.db.WithContext(ctx).Model(&model.CreditTransaction{}), userID, now).
		Select("COALESCE(SUM(remaining_amount), 0)").
		Scan(&total).Error
	return total, err
}

// SumFrozen 冻结中的剩余积分
func (r *CreditRepository) SumFrozen(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("user_id = ? AND kind = ? AND is_frozen = ? AND remaining_amount > 0", userID, model.KindGrant, true).
		Select("COALESCE(SUM(remaining_amount), 0)").
		Scan(&total).Error
	return total, err
}

// ListSpendable 按 FIFO 顺序列出可消耗的发放行
func (r *CreditRepository) ListSpendable(ctx context.Context, userID int64, now time.Time) ([]*model.CreditTransaction, error) {
	var grants []*model.CreditTransaction
	err := spendable(r.db.WithContext(ctx), userID, now).Order(fifoOrder).Find(&grants).Error
	return grants, err
}

// LockSpendable 同 ListSpendable，并对结果行加写锁（SELECT ... FOR UPDATE）
func (r *CreditRepository) LockSpendable(ctx context.Context, userID int64, now time.Time) ([]*model.CreditTransaction, error) {
	var grants []*model.CreditTransaction
	err := spendable(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, now).
		Order(fifoOrder).
		Find(&grants).Error
	return grants, err
}

// DecrementRemaining 条件扣减剩余额度，返回受影响行数
func (r *CreditRepository) DecrementRemaining(ctx context.Context, id, amount int64) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("id = ? AND remaining_amount >= ?", id, amount).
		UpdateColumn("remaining_amount", gorm.Expr("remaining_amount - ?", amount))
	return result.RowsAffected, result.Error
}

// SumConsumedFrom 某发放行累计被消耗的额度
func (r *CreditRepository) SumConsumedFrom(ctx context.Context, grantID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("consumed_from_id = ? AND kind = ?", grantID, model.KindConsumption).
		Select("COALESCE(SUM(-amount), 0)").
		Scan(&total).Error
	return total, err
}

// AppendConsumption 写入消耗行，校验其引用的发放行
func (r *CreditRepository) AppendConsumption(ctx context.Context, c *model.CreditTransaction, source *model.CreditTransaction) error {
	if c.Kind != model.KindConsumption || c.Amount >= 0 {
		return fmt.Errorf("%w: amount %d", ErrInvalidConsumption, c.Amount)
	}
	if source == nil || !source.IsGrant() || source.UserID != c.UserID {
		return fmt.Errorf("%w: source grant mismatch", ErrInvalidConsumption)
	}

	consumed, err := r.SumConsumedFrom(ctx, source.ID)
	if err != nil {
		return err
	}
	if consumed-c.Amount > source.Amount {
		return fmt.Errorf("%w: grant %d overdrawn (%d consumed, %d granted)",
			ErrInvalidConsumption, source.ID, consumed-c.Amount, source.Amount)
	}

	sourceID := source.ID
	c.ConsumedFromID = &sourceID
	return r.db.WithContext(ctx).Create(c).Error
}

// ListByUser 分页查询用户流水
func (r *CreditRepository) ListByUser(ctx context.Context, userID int64, page, pageSize int, txType string) ([]*model.CreditTransaction, int64, error) {
	var (
		items []*model.CreditTransaction
		total int64
	)

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("user_id = ?", userID)
	if txType != "" {
		query = query.Where("transaction_type = ?", txType)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&items).Error
	return items, total, err
}

// ListExpiringGrants 在 (now, until] 内到期的可用发放行
func (r *CreditRepository) ListExpiringGrants(ctx context.Context, userID int64, now, until time.Time) ([]*model.CreditTransaction, error) {
	var grants []*model.CreditTransaction
	err := spendable(r.db.WithContext(ctx), userID, now).
		Where("expires_at IS NOT NULL AND expires_at <= ?", until).
		Order("expires_at ASC").
		Find(&grants).Error
	return grants, err
}

// LockFreezable 可冻结的订阅来源发放行：未冻结、有余额、未过期，且不属于 excludeEntityID 对应的周期
func (r *CreditRepository) LockFreezable(ctx context.Context, userID int64, excludeEntityID string, now time.Time) ([]*model.CreditTransaction, error) {
	var grants []*model.CreditTransaction
	err := spendable(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, now).
		Where("related_entity_type = ? AND related_entity_id <> ?", model.EntitySubscription, excludeEntityID).
		Order("id ASC").
		Find(&grants).Error
	return grants, err
}

// LockFrozenSubscriptionGrants 已冻结的订阅来源发放行（不含 excludeEntityID 周期）
func (r *CreditRepository) LockFrozenSubscriptionGrants(ctx context.Context, userID int64, excludeEntityID string) ([]*model.CreditTransaction, error) {
	var grants []*model.CreditTransaction
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND kind = ? AND is_frozen = ?", userID, model.KindGrant, true).
		Where("related_entity_type = ? AND related_entity_id <> ?", model.EntitySubscription, excludeEntityID).
		Order("id ASC").
		Find(&grants).Error
	return grants, err
}

// LatestGrantID 用户最近创建的发放行 ID，没有返回 0
func (r *CreditRepository) LatestGrantID(ctx context.Context, userID int64) (int64, error) {
	var grants []*model.CreditTransaction
	err := r.db.WithContext(ctx).Select("id").
		Where("user_id = ? AND kind = ?", userID, model.KindGrant).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&grants).Error
	if err != nil || len(grants) == 0 {
		return 0, err
	}
	return grants[0].ID, nil
}

// LockLapsedFrozen 冻结期已结束的发放行。userID 为 0 时查询所有用户。
func (r *CreditRepository) LockLapsedFrozen(ctx context.Context, userID int64, now time.Time) ([]*model.CreditTransaction, error) {
	var grants []*model.CreditTransaction
	query := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("kind = ? AND is_frozen = ? AND frozen_until IS NOT NULL AND frozen_until <= ?", model.KindGrant, true, now)
	if userID > 0 {
		query = query.Where("user_id = ?", userID)
	}
	err := query.Order("id ASC").Find(&grants).Error
	return grants, err
}

// LockFrozenByPeriod 被某个周期冻结的发放行
func (r *CreditRepository) LockFrozenByPeriod(ctx context.Context, periodID int64) ([]*model.CreditTransaction, error) {
	var grants []*model.CreditTransaction
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("kind = ? AND is_frozen = ? AND frozen_by_period_id = ?", model.KindGrant, true, periodID).
		Order("id ASC").
		Find(&grants).Error
	return grants, err
}

// FrozenUntilForPeriod 某周期发放的积分如处于冻结，返回最早的解冻时间
func (r *CreditRepository) FrozenUntilForPeriod(ctx context.Context, periodID int64) (*time.Time, error) {
	var grants []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("kind = ? AND is_frozen = ? AND related_entity_type = ? AND related_entity_id = ?",
			model.KindGrant, true, model.EntitySubscription, model.PeriodEntityID(periodID)).
		Order("frozen_until ASC").
		Limit(1).
		Find(&grants).Error
	if err != nil || len(grants) == 0 {
		return nil, err
	}
	return grants[0].FrozenUntil, nil
}

// LatestRefillExpiry 某周期最近一次月度发放的到期时间
func (r *CreditRepository) LatestRefillExpiry(ctx context.Context, periodID int64) (*time.Time, error) {
	var grants []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("kind = ? AND transaction_type = ? AND related_entity_type = ? AND related_entity_id = ?",
			model.KindGrant, model.TxSubscriptionRefill, model.EntitySubscription, model.PeriodEntityID(periodID)).
		Where("expires_at IS NOT NULL").
		Order("expires_at DESC").
		Limit(1).
		Find(&grants).Error
	if err != nil || len(grants) == 0 {
		return nil, err
	}
	return grants[0].ExpiresAt, nil
}

// Totals 累计获得与累计消耗
func (r *CreditRepository) Totals(ctx context.Context, userID int64) (earned, used int64, err error) {
	err = r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("user_id = ? AND kind = ?", userID, model.KindGrant).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&earned).Error
	if err != nil {
		return 0, 0, err
	}

	err = r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("user_id = ? AND kind = ?", userID, model.KindConsumption).
		Select("COALESCE(SUM(-amount), 0)").
		Scan(&used).Error
	return earned, used, err
}

// Updates 更新发放行字段
func (r *CreditRepository) Updates(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("id = ?", id).Updates(fields).Error
}

// ConservationViolations 检查 amount = remaining + Σ已消耗，返回不满足的发放行。userID 为 0 时检查全部。
func (r *CreditRepository) ConservationViolations(ctx context.Context, userID int64) ([]ConservationRow, error) {
	sql := `SELECT g.id AS grant_id, g.user_id AS user_id, g.amount AS amount,
		g.remaining_amount AS remaining_amount, COALESCE(SUM(-c.amount), 0) AS consumed
		FROM credit_transactions g
		LEFT JOIN credit_transactions c ON c.consumed_from_id = g.id AND c.kind = ?
		WHERE g.kind = ?`
	args := []interface{}{model.KindConsumption, model.KindGrant}
	if userID > 0 {
		sql += " AND g.user_id = ?"
		args = append(args, userID)
	}
	sql += ` GROUP BY g.id, g.user_id, g.amount, g.remaining_amount
		HAVING g.remaining_amount < 0 OR g.amount <> g.remaining_amount + COALESCE(SUM(-c.amount), 0)`

	var rows []ConservationRow
	err := r.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error
	return rows, err
}

// CountGrants 参与守恒校验的发放行数量
func (r *CreditRepository) CountGrants(ctx context.Context, userID int64) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("kind = ?", model.KindGrant)
	if userID > 0 {
		query = query.Where("user_id = ?", userID)
	}
	err := query.Count(&count).Error
	return count, err
}
