package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger/internal/model/dto"
	"github.com/qs3c/credit_ledger/internal/pkg/queue"
	"github.com/qs3c/credit_ledger/internal/pkg/response"
	"github.com/qs3c/credit_ledger/internal/service"
)

// EventEnqueuer 支付事件入队，交给 worker 异步处理
type EventEnqueuer interface {
	Push(ctx context.Context, msg *queue.EventMessage) error
}

// InternalHandler 服务间调用：支付回调层、生成服务、定时触发器
type InternalHandler struct {
	creditService  *service.CreditService
	freezeService  *service.FreezeService
	webhookService *service.WebhookService
	events         EventEnqueuer
}

// NewInternalHandler events 为 nil 时支付事件同步处理
func NewInternalHandler(
	creditService *service.CreditService,
	freezeService *service.FreezeService,
	webhookService *service.WebhookService,
	events EventEnqueuer,
) *InternalHandler {
	return &InternalHandler{
		creditService:  creditService,
		freezeService:  freezeService,
		webhookService: webhookService,
		events:         events,
	}
}

// Grant 发放积分
// POST /internal/v1/credits/grant
func (h *InternalHandler) Grant(c *gin.Context) {
	var req dto.GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	grant := &service.GrantRequest{
		UserID:            req.UserID,
		Amount:            req.Amount,
		TransactionType:   req.TransactionType,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
		SourcePeriodID:    req.SourcePeriodID,
		IdempotencyKey:    req.IdempotencyKey,
		Description:       req.Description,
	}
	switch {
	case req.ExpiresAt != nil:
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			response.ParamError(c, "expires_at 格式错误")
			return
		}
		t = t.UTC()
		grant.ExpiresAt = &t
	case req.ValidDays > 0:
		t := time.Now().UTC().AddDate(0, 0, req.ValidDays)
		grant.ExpiresAt = &t
	}

	res, err := h.creditService.GrantCredits(c.Request.Context(), grant)
	if err != nil {
		serviceError(c, err)
		return
	}

	resp := dto.GrantCreditsResponse{GrantID: res.GrantID, Duplicate: res.Duplicate, Balance: res.Balance}
	if res.Duplicate {
		response.SuccessWithMessage(c, "重复请求，已忽略", resp)
		return
	}
	response.Success(c, resp)
}

// Consume 消耗积分，余额不足返回 CodeInsufficientCredits
// POST /internal/v1/credits/consume
func (h *InternalHandler) Consume(c *gin.Context) {
	var req dto.ConsumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	res, err := h.creditService.Consume(c.Request.Context(), &service.ConsumeRequest{
		UserID:          req.UserID,
		Amount:          req.Amount,
		TransactionType: req.TransactionType,
		RelatedEntityID: req.RelatedEntityID,
		Description:     req.Description,
	})
	if err != nil {
		serviceError(c, err)
		return
	}

	resp := dto.ConsumeCreditsResponse{
		Success:      res.Success,
		Consumed:     res.Consumed,
		Insufficient: res.Insufficient,
		Shortfall:    res.Shortfall,
		Balance:      res.Balance,
		OperationID:  res.OperationID,
		Detail:       res.Detail,
	}
	if res.Insufficient {
		resp.Balance = res.Available
		response.InsufficientCreditsError(c, res.Detail, resp)
		return
	}
	response.Success(c, resp)
}

// Balance 可用余额
// GET /internal/v1/credits/:user_id/balance
func (h *InternalHandler) Balance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "无效的用户ID")
		return
	}

	balance, err := h.creditService.GetAvailableBalance(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.BalanceResponse{UserID: userID, Balance: balance})
}

// Event 接收已验签的支付事件
// POST /internal/v1/events
func (h *InternalHandler) Event(c *gin.Context) {
	var msg queue.EventMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		response.ParamError(c, err.Error())
		return
	}
	if msg.EventID == "" || msg.Type == "" {
		response.ParamError(c, "缺少 event_id 或 type")
		return
	}

	if h.events != nil {
		if err := h.events.Push(c.Request.Context(), &msg); err != nil {
			response.ServerError(c, "事件入队失败")
			return
		}
		response.SuccessWithMessage(c, "已入队", gin.H{"event_id": msg.EventID, "queued": true})
		return
	}

	res, err := h.webhookService.Handle(c.Request.Context(), &msg)
	if err != nil {
		serviceError(c, err)
		return
	}
	response.Success(c, res)
}

// TierChanged 档位变更后冻结旧周期的订阅积分
// POST /internal/v1/subscriptions/tier-changed
func (h *InternalHandler) TierChanged(c *gin.Context) {
	var req dto.TierChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	rows, err := h.freezeService.OnSubscriptionTierChanged(c.Request.Context(), req.UserID, req.OldPeriodID, req.NewPeriodID)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.FreezeResult{Rows: rows})
}

// PeriodEnded 周期到期或取消，释放它持有的冻结
// POST /internal/v1/subscriptions/:id/ended
func (h *InternalHandler) PeriodEnded(c *gin.Context) {
	periodID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || periodID <= 0 {
		response.ParamError(c, "无效的周期ID")
		return
	}

	rows, err := h.freezeService.OnPeriodExpiredOrCancelled(c.Request.Context(), periodID)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.FreezeResult{Rows: rows})
}

// SweepUnfreeze 解冻到期的冻结积分，可带 user_id 只处理单个用户
// POST /internal/v1/sweeps/unfreeze
func (h *InternalHandler) SweepUnfreeze(c *gin.Context) {
	var (
		rows int
		err  error
	)
	if raw := c.Query("user_id"); raw != "" {
		userID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			response.ParamError(c, "无效的用户ID")
			return
		}
		rows, err = h.freezeService.UnfreezeUserPackages(c.Request.Context(), userID)
	} else {
		rows, err = h.freezeService.UnfreezeExpiredPackages(c.Request.Context())
	}
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.FreezeResult{Rows: rows})
}
