package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger/internal/api/middleware"
	"github.com/qs3c/credit_ledger/internal/pkg/response"
	"github.com/qs3c/credit_ledger/internal/service"
)

type CreditHandler struct {
	creditService *service.CreditService
}

func NewCreditHandler(creditService *service.CreditService) *CreditHandler {
	return &CreditHandler{
		creditService: creditService,
	}
}

// BalanceChecker 供 RequireBalance 使用
func (h *CreditHandler) BalanceChecker() middleware.BalanceChecker {
	return h.creditService
}

// Check 提交生成任务前的余额预检，余额不足由 RequireBalance 拦截
// GET /api/v1/credits/check?amount=N
func (h *CreditHandler) Check(c *gin.Context) {
	response.Success(c, gin.H{
		"sufficient": true,
		"available":  c.GetInt64(middleware.AvailableKey),
	})
}

// Summary 当前用户积分概览
// GET /api/v1/credits
func (h *CreditHandler) Summary(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	summary, err := h.creditService.GetCreditSummary(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, summary)
}

// Transactions 积分流水
// GET /api/v1/credits/transactions?page=1&page_size=20&type=subscription_refill
func (h *CreditHandler) Transactions(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := h.creditService.ListTransactions(c.Request.Context(), userID, page, pageSize, c.Query("type"))
	if err != nil {
		serviceError(c, err)
		return
	}

	response.SuccessPage(c, total, page, pageSize, items)
}

// Expiry 按到期日聚合的剩余积分
// GET /api/v1/credits/expiry
func (h *CreditHandler) Expiry(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	buckets, err := h.creditService.GetExpiryBreakdown(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, buckets)
}
