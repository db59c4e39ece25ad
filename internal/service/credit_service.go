package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger/config"
	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/model/dto"
	"github.com/qs3c/credit_ledger/internal/pkg/metrics"
	"github.com/qs3c/credit_ledger/internal/pkg/period"
	"github.com/qs3c/credit_ledger/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger/internal/repository"
)

// errInsufficient 余额不足时回滚事务用，不对外返回
var errInsufficient = errors.New("insufficient credits")

// GrantRequest 发放积分
type GrantRequest struct {
	UserID            int64
	Amount            int64
	TransactionType   string
	SourcePeriodID    *int64
	RelatedEntityType string
	RelatedEntityID   string
	ExpiresAt         *time.Time // nil 为永久有效
	IdempotencyKey    string
	Description       string
}

// GrantResult 发放结果，Duplicate 表示幂等键已存在，未新建发放行
type GrantResult struct {
	GrantID   int64
	Duplicate bool
	Balance   int64
}

// ConsumeRequest 消耗积分
type ConsumeRequest struct {
	UserID            int64
	Amount            int64
	TransactionType   string
	RelatedEntityType string
	RelatedEntityID   string
	Description       string
}

// Draw 单笔发放行被扣减的额度
type Draw struct {
	GrantID int64
	Amount  int64
}

// ConsumeResult 消耗结果。余额不足是正常业务结果，不是错误。
type ConsumeResult struct {
	Success      bool
	Consumed     int64
	Insufficient bool
	Shortfall    int64
	Available    int64
	Balance      int64
	OperationID  string
	Detail       string
	Draws        []Draw
}

// ReconcileReport 守恒校验报告
type ReconcileReport struct {
	UserID     int64                        `json:"user_id,omitempty"`
	Grants     int64                        `json:"grants"`
	Violations []repository.ConservationRow `json:"violations"`
	CheckedAt  time.Time                    `json:"checked_at"`
}

// OK 没有发现违反守恒的发放行
func (r *ReconcileReport) OK() bool {
	return len(r.Violations) == 0
}

type CreditService struct {
	txm        *repository.TxManager
	creditRepo *repository.CreditRepository
	cfg        *config.Config
	options
}

func NewCreditService(
	txm *repository.TxManager,
	creditRepo *repository.CreditRepository,
	cfg *config.Config,
	opts ...Option,
) *CreditService {
	return &CreditService{
		txm:        txm,
		creditRepo: creditRepo,
		cfg:        cfg,
		options:    defaultOptions(opts),
	}
}

// GetAvailableBalance 可用余额：未冻结、未过期的发放行剩余额度之和
func (s *CreditService) GetAvailableBalance(ctx context.Context, userID int64) (int64, error) {
	return s.creditRepo.SumAvailable(ctx, userID, s.now())
}

// GrantCredits 发放积分，同一幂等键只会生成一条发放行
func (s *CreditService) GrantCredits(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	defer metrics.ObserveTx("grant", time.Now())

	var result *GrantResult
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.grantTx(ctx, tx, req)
		return err
	})

	// 并发插入同一幂等键，唯一索引兜底
	if errors.Is(err, gorm.ErrDuplicatedKey) && req.IdempotencyKey != "" {
		existing, lookupErr := s.creditRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if lookupErr == nil {
			balance, _ := s.creditRepo.SumAvailable(ctx, req.UserID, s.now())
			result = &GrantResult{GrantID: existing.ID, Duplicate: true, Balance: balance}
			err = nil
		}
	}
	if err != nil {
		metrics.GrantsTotal.WithLabelValues(req.TransactionType, "error").Inc()
		return nil, err
	}

	if result.Duplicate {
		metrics.GrantsTotal.WithLabelValues(req.TransactionType, "duplicate").Inc()
		s.logger.Info("duplicate grant ignored", "user_id", req.UserID, "grant_id", result.GrantID, "key", req.IdempotencyKey)
		return result, nil
	}

	metrics.GrantsTotal.WithLabelValues(req.TransactionType, "ok").Inc()
	s.publish(ctx, &pubsub.LedgerEvent{
		Type:      pubsub.EventCreditsGranted,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Balance:   result.Balance,
		Reference: req.IdempotencyKey,
	})
	return result, nil
}

func (s *CreditService) validateGrant(req *GrantRequest) error {
	if req.UserID <= 0 {
		return ErrInvalidUser
	}
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if req.TransactionType == "" {
		return ErrInvalidTransaction
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return ErrInvalidExpiry
	}
	return nil
}

// grantTx 在调用方事务内发放积分
func (s *CreditService) grantTx(ctx context.Context, tx *gorm.DB, req *GrantRequest) (*GrantResult, error) {
	if err := s.validateGrant(req); err != nil {
		return nil, err
	}

	repo := s.creditRepo.WithTx(tx)
	now := s.now()

	if req.IdempotencyKey != "" {
		existing, err := repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			balance, err := repo.SumAvailable(ctx, req.UserID, now)
			if err != nil {
				return nil, err
			}
			return &GrantResult{GrantID: existing.ID, Duplicate: true, Balance: balance}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if req.SourcePeriodID != nil {
		if err := s.checkSourcePeriod(ctx, tx, req.UserID, *req.SourcePeriodID); err != nil {
			return nil, err
		}
	}

	balance, err := repo.SumAvailable(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}

	grant := &model.CreditTransaction{
		UserID:            req.UserID,
		Kind:              model.KindGrant,
		TransactionType:   req.TransactionType,
		Amount:            req.Amount,
		RemainingAmount:   req.Amount,
		RemainingCredits:  balance + req.Amount,
		ExpiresAt:         req.ExpiresAt,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
		Description:       req.Description,
		CreatedAt:         now,
	}
	if req.SourcePeriodID != nil {
		grant.RelatedEntityType = model.EntitySubscription
		grant.RelatedEntityID = model.PeriodEntityID(*req.SourcePeriodID)
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		grant.IdempotencyKey = &key
	}

	if err := repo.Create(ctx, grant); err != nil {
		return nil, err
	}

	return &GrantResult{GrantID: grant.ID, Balance: grant.RemainingCredits}, nil
}

// checkSourcePeriod 来源周期必须存在且属于该用户
func (s *CreditService) checkSourcePeriod(ctx context.Context, tx *gorm.DB, userID, periodID int64) error {
	p, err := repository.NewSubscriptionRepository(tx).GetByID(ctx, periodID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrPeriodNotFound
	}
	if err != nil {
		return err
	}
	if p.UserID != userID {
		return ErrPeriodNotFound
	}
	return nil
}

// GrantRegistrationBonus 注册赠送积分，每个用户只发一次
func (s *CreditService) GrantRegistrationBonus(ctx context.Context, userID int64) (*GrantResult, error) {
	bonus := s.cfg.Credits.RegistrationBonus
	expiresAt := period.ExtendedExpiry(s.now(), bonus.ValidDays)

	return s.GrantCredits(ctx, &GrantRequest{
		UserID:            userID,
		Amount:            bonus.Credits,
		TransactionType:   model.TxRegisterBonus,
		RelatedEntityType: model.EntityRegistration,
		RelatedEntityID:   strconv.FormatInt(userID, 10),
		ExpiresAt:         &expiresAt,
		IdempotencyKey:    fmt.Sprintf("register_bonus:%d", userID),
		Description:       "注册赠送积分",
	})
}

// GrantPackagePurchase 积分包购买到账
func (s *CreditService) GrantPackagePurchase(ctx context.Context, userID int64, packageCode, orderID, key string) (*GrantResult, error) {
	pkg, ok := s.cfg.Credits.Package(packageCode)
	if !ok {
		return nil, ErrUnknownPackage
	}
	if key == "" {
		key = "order:" + orderID
	}

	req := &GrantRequest{
		UserID:            userID,
		Amount:            pkg.Credits,
		TransactionType:   model.TxPackagePurchase,
		RelatedEntityType: model.EntityOrder,
		RelatedEntityID:   orderID,
		IdempotencyKey:    key,
		Description:       fmt.Sprintf("购买积分包 %s", packageCode),
	}
	if pkg.ValidDays > 0 {
		expiresAt := period.ExtendedExpiry(s.now(), pkg.ValidDays)
		req.ExpiresAt = &expiresAt
	}
	return s.GrantCredits(ctx, req)
}

// Consume 按 FIFO 顺序扣减积分，全部成功或全部回滚
func (s *CreditService) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error) {
	if req.UserID <= 0 {
		return nil, ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.TransactionType == "" {
		return nil, ErrInvalidTransaction
	}
	defer metrics.ObserveTx("consume", time.Now())

	result := &ConsumeResult{}
	err := s.txm.Do(ctx, func(tx *gorm.DB) error {
		result = &ConsumeResult{}
		return s.consumeTx(ctx, tx, req, result)
	})

	if errors.Is(err, errInsufficient) {
		metrics.ConsumeTotal.WithLabelValues("insufficient").Inc()
		return &ConsumeResult{
			Insufficient: true,
			Shortfall:    result.Shortfall,
			Available:    result.Available,
			Balance:      result.Available,
			Detail:       fmt.Sprintf("积分不足：需要 %d，可用 %d", req.Amount, result.Available),
		}, nil
	}
	if err != nil {
		metrics.ConsumeTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.ConsumeTotal.WithLabelValues("ok").Inc()
	metrics.CreditsConsumedTotal.Add(float64(result.Consumed))
	s.publish(ctx, &pubsub.LedgerEvent{
		Type:      pubsub.EventCreditsConsumed,
		UserID:    req.UserID,
		Amount:    result.Consumed,
		Balance:   result.Balance,
		Rows:      len(result.Draws),
		Reference: result.OperationID,
	})
	return result, nil
}

func (s *CreditService) consumeTx(ctx context.Context, tx *gorm.DB, req *ConsumeRequest, result *ConsumeResult) error {
	repo := s.creditRepo.WithTx(tx)
	now := s.now()

	// 冻结期已结束但还没被定时任务处理的发放行，先就地解冻
	lapsed, err := repo.LockLapsedFrozen(ctx, req.UserID, now)
	if err != nil {
		return err
	}
	if _, err := unfreezeRows(ctx, repo, lapsed, now); err != nil {
		return err
	}

	grants, err := repo.LockSpendable(ctx, req.UserID, now)
	if err != nil {
		return err
	}

	var available int64
	for _, g := range grants {
		available += g.RemainingAmount
	}
	result.Available = available
	if available < req.Amount {
		result.Shortfall = req.Amount - available
		return errInsufficient
	}

	entityType := req.RelatedEntityType
	if entityType == "" {
		entityType = model.EntityGeneration
	}

	opID := uuid.NewString()
	toConsume := req.Amount
	balance := available

	for _, g := range grants {
		if toConsume == 0 {
			break
		}
		take := min(toConsume, g.RemainingAmount)

		affected, err := repo.DecrementRemaining(ctx, g.ID, take)
		if err != nil {
			return err
		}
		if affected != 1 {
			// 行锁之外被并发扣减
			result.Shortfall = toConsume
			return errInsufficient
		}

		balance -= take
		row := &model.CreditTransaction{
			UserID:            req.UserID,
			Kind:              model.KindConsumption,
			TransactionType:   req.TransactionType,
			Amount:            -take,
			RemainingCredits:  balance,
			OperationID:       opID,
			RelatedEntityType: entityType,
			RelatedEntityID:   req.RelatedEntityID,
			Description:       req.Description,
			CreatedAt:         now,
		}
		if err := repo.AppendConsumption(ctx, row, g); err != nil {
			if errors.Is(err, repository.ErrInvalidConsumption) {
				return s.integrity(&IntegrityError{
					Kind:    "consumption",
					UserID:  req.UserID,
					GrantID: g.ID,
					Detail:  err.Error(),
				})
			}
			return err
		}

		toConsume -= take
		result.Draws = append(result.Draws, Draw{GrantID: g.ID, Amount: take})
	}

	if toConsume > 0 {
		result.Shortfall = toConsume
		return errInsufficient
	}

	result.Success = true
	result.Consumed = req.Amount
	result.Balance = balance
	result.OperationID = opID
	result.Detail = fmt.Sprintf("消耗 %d 积分，涉及 %d 笔发放，剩余 %d", req.Amount, len(result.Draws), balance)
	return nil
}

// GetCreditSummary 积分概览
func (s *CreditService) GetCreditSummary(ctx context.Context, userID int64) (*dto.CreditSummary, error) {
	now := s.now()

	available, err := s.creditRepo.SumAvailable(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	frozen, err := s.creditRepo.SumFrozen(ctx, userID)
	if err != nil {
		return nil, err
	}
	earned, used, err := s.creditRepo.Totals(ctx, userID)
	if err != nil {
		return nil, err
	}

	until := now.AddDate(0, 0, s.cfg.Credits.ExpiringSoonDays)
	expiring, err := s.creditRepo.ListExpiringGrants(ctx, userID, now, until)
	if err != nil {
		return nil, err
	}

	summary := &dto.CreditSummary{
		AvailableCredits: available,
		FrozenCredits:    frozen,
		TotalEarned:      earned,
		TotalUsed:        used,
	}
	for _, g := range expiring {
		summary.ExpiringSoonCredits += g.RemainingAmount
	}
	if len(expiring) > 0 {
		next := expiring[0].ExpiresAt.Format(time.RFC3339)
		summary.NextExpiryAt = &next
	}

	return summary, nil
}

// GetExpiryBreakdown 剩余积分按到期日分组，永久有效的排在最后
func (s *CreditService) GetExpiryBreakdown(ctx context.Context, userID int64) ([]dto.ExpiryBucket, error) {
	grants, err := s.creditRepo.ListSpendable(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}

	buckets := make([]dto.ExpiryBucket, 0)
	index := make(map[string]int)
	for _, g := range grants {
		date := ""
		if g.ExpiresAt != nil {
			date = g.ExpiresAt.UTC().Format("2006-01-02")
		}
		i, ok := index[date]
		if !ok {
			buckets = append(buckets, dto.ExpiryBucket{Date: date})
			i = len(buckets) - 1
			index[date] = i
		}
		buckets[i].Credits += g.RemainingAmount
		buckets[i].Grants++
	}

	return buckets, nil
}

// ListTransactions 分页查询流水
func (s *CreditService) ListTransactions(ctx context.Context, userID int64, page, pageSize int, txType string) ([]dto.TransactionItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	rows, total, err := s.creditRepo.ListByUser(ctx, userID, page, pageSize, txType)
	if err != nil {
		return nil, 0, err
	}

	items := make([]dto.TransactionItem, len(rows))
	for i, t := range rows {
		items[i] = dto.TransactionItem{
			ID:               t.ID,
			Kind:             t.Kind,
			TransactionType:  t.TransactionType,
			Amount:           t.Amount,
			RemainingAmount:  t.RemainingAmount,
			RemainingCredits: t.RemainingCredits,
			ExpiresAt:        formatTime(t.ExpiresAt),
			IsFrozen:         t.IsFrozen,
			FrozenUntil:      formatTime(t.FrozenUntil),
			Description:      t.Description,
			CreatedAt:        t.CreatedAt.Format(time.RFC3339),
		}
	}

	return items, total, nil
}

// Reconcile 校验 amount = remaining + Σ已消耗。userID 为 0 时校验全部用户。
func (s *CreditService) Reconcile(ctx context.Context, userID int64) (*ReconcileReport, error) {
	violations, err := s.creditRepo.ConservationViolations(ctx, userID)
	if err != nil {
		return nil, err
	}
	grants, err := s.creditRepo.CountGrants(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, v := range violations {
		s.integrity(&IntegrityError{
			Kind:    "conservation",
			UserID:  v.UserID,
			GrantID: v.GrantID,
			Detail:  fmt.Sprintf("amount=%d remaining=%d consumed=%d", v.Amount, v.RemainingAmount, v.Consumed),
		})
	}

	if violations == nil {
		violations = []repository.ConservationRow{}
	}
	return &ReconcileReport{
		UserID:     userID,
		Grants:     grants,
		Violations: violations,
		CheckedAt:  s.now(),
	}, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
