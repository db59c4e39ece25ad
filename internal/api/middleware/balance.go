package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger/internal/pkg/response"
)

// AvailableKey 前置检查查到的可用余额
const AvailableKey = "available_credits"

// BalanceChecker 可用余额查询
type BalanceChecker interface {
	GetAvailableBalance(ctx context.Context, userID int64) (int64, error)
}

// CostFunc 本次请求需要的积分
type CostFunc func(c *gin.Context) (int64, error)

// AmountQuery 从 query 参数读取成本，必须为正整数
func AmountQuery(name string) CostFunc {
	return func(c *gin.Context) (int64, error) {
		n, err := strconv.ParseInt(c.Query(name), 10, 64)
		if err != nil || n <= 0 {
			return 0, errors.New(name + " 必须为正整数")
		}
		return n, nil
	}
}

// RequireBalance 可用余额低于成本时拒绝请求
// 只做前置拦截，实际扣减仍以 Consume 的结果为准
func RequireBalance(checker BalanceChecker, cost CostFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			response.AuthError(c, "")
			c.Abort()
			return
		}

		need, err := cost(c)
		if err != nil {
			response.ParamError(c, err.Error())
			c.Abort()
			return
		}

		balance, err := checker.GetAvailableBalance(c.Request.Context(), userID)
		if err != nil {
			response.ServerError(c, "余额查询失败")
			c.Abort()
			return
		}

		if balance < need {
			response.InsufficientCreditsError(c, fmt.Sprintf("积分不足：需要 %d，可用 %d", need, balance), gin.H{
				"available": balance,
				"shortfall": need - balance,
			})
			c.Abort()
			return
		}

		c.Set(AvailableKey, balance)
		c.Next()
	}
}
