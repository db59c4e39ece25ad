package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger/internal/api/middleware"
	"github.com/qs3c/credit_ledger/internal/model/dto"
	"github.com/qs3c/credit_ledger/internal/pkg/response"
	"github.com/qs3c/credit_ledger/internal/service"
)

type SubscriptionHandler struct {
	subscriptionService *service.SubscriptionService
}

func NewSubscriptionHandler(subscriptionService *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptionService: subscriptionService,
	}
}

// Status 当前订阅状态
// GET /api/v1/subscription
func (h *SubscriptionHandler) Status(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	status, err := h.subscriptionService.GetStatus(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, status)
}

// Cancel 取消订阅，默认到期后失效
// POST /api/v1/subscription/cancel
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	if _, err := h.subscriptionService.Cancel(c.Request.Context(), userID, 0, req.Immediate, req.Reason); err != nil {
		serviceError(c, err)
		return
	}

	h.respondStatus(c, userID, "已取消订阅")
}

// Downgrade 预约到期降级
// POST /api/v1/subscription/downgrade
func (h *SubscriptionHandler) Downgrade(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.ScheduleDowngradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	if _, err := h.subscriptionService.ScheduleDowngrade(c.Request.Context(), userID, req.PlanTier, req.BillingCycle); err != nil {
		serviceError(c, err)
		return
	}

	h.respondStatus(c, userID, "已预约降级")
}

func (h *SubscriptionHandler) respondStatus(c *gin.Context, userID int64, message string) {
	status, err := h.subscriptionService.GetStatus(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}
	response.SuccessWithMessage(c, message, status)
}
