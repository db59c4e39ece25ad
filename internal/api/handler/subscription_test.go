package handler

import (
	"context"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/model/dto"
	"github.com/qs3c/credit_ledger/internal/pkg/response"
	"github.com/qs3c/credit_ledger/internal/service"
)

func subscriptionRouter(ctx *testContext, userID int64) *gin.Engine {
	router := gin.New()
	router.Use(mockAuth(userID))
	router.GET("/subscription", ctx.Sub.Status)
	router.POST("/subscription/cancel", ctx.Sub.Cancel)
	router.POST("/subscription/downgrade", ctx.Sub.Downgrade)
	return router
}

func purchase(t *testing.T, ctx *testContext, userID int64, tier string) {
	t.Helper()
	_, err := ctx.Subs.Purchase(context.Background(), &service.PurchaseRequest{
		UserID:       userID,
		PlanTier:     tier,
		BillingCycle: model.CycleMonthly,
	})
	require.NoError(t, err)
}

func TestSubscriptionHandler_StatusWithoutSubscription(t *testing.T) {
	ctx := setupHandlers(t, nil)

	resp := parseResponse(t, performRequest(subscriptionRouter(ctx, 1), "GET", "/subscription", nil))
	require.Equal(t, response.CodeSuccess, resp.Code)
	assert.Equal(t, false, dataMap(t, resp)["has_subscription"])
}

func TestSubscriptionHandler_StatusAndCancel(t *testing.T) {
	ctx := setupHandlers(t, nil)
	purchase(t, ctx, 2, "basic")
	router := subscriptionRouter(ctx, 2)

	resp := parseResponse(t, performRequest(router, "GET", "/subscription", nil))
	require.Equal(t, response.CodeSuccess, resp.Code)
	data := dataMap(t, resp)
	assert.Equal(t, true, data["has_subscription"])
	assert.Equal(t, "basic", data["plan_tier"])
	assert.Equal(t, model.PeriodActive, data["status"])
	history, ok := data["history"].([]interface{})
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, data["period_id"], history[0].(map[string]interface{})["id"])

	resp = parseResponse(t, performRequest(router, "POST", "/subscription/cancel", dto.CancelSubscriptionRequest{Reason: "too expensive"}))
	require.Equal(t, response.CodeSuccess, resp.Code)
	data = dataMap(t, resp)
	assert.Equal(t, model.PeriodPendingCancel, data["status"])
	assert.Equal(t, false, data["auto_renew"])

	// 立即取消后不再有生效订阅
	resp = parseResponse(t, performRequest(router, "POST", "/subscription/cancel", dto.CancelSubscriptionRequest{Immediate: true}))
	require.Equal(t, response.CodeSuccess, resp.Code)
	assert.Equal(t, false, dataMap(t, resp)["has_subscription"])

	resp = parseResponse(t, performRequest(router, "POST", "/subscription/cancel", dto.CancelSubscriptionRequest{}))
	assert.Equal(t, response.CodeResourceNotFound, resp.Code)
}

func TestSubscriptionHandler_Downgrade(t *testing.T) {
	ctx := setupHandlers(t, nil)
	purchase(t, ctx, 3, "pro")
	router := subscriptionRouter(ctx, 3)

	tests := []struct {
		name     string
		body     interface{}
		wantCode int
	}{
		{"missing tier", map[string]string{}, response.CodeParamError},
		{"bad cycle", dto.ScheduleDowngradeRequest{PlanTier: "basic", BillingCycle: "weekly"}, response.CodeParamError},
		{"upgrade is not a downgrade", dto.ScheduleDowngradeRequest{PlanTier: "max"}, response.CodeParamError},
		{"unknown tier", dto.ScheduleDowngradeRequest{PlanTier: "gold"}, response.CodeParamError},
		{"downgrade", dto.ScheduleDowngradeRequest{PlanTier: "basic"}, response.CodeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := parseResponse(t, performRequest(router, "POST", "/subscription/downgrade", tt.body))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}

	resp := parseResponse(t, performRequest(router, "GET", "/subscription", nil))
	data := dataMap(t, resp)
	change, ok := data["scheduled_change"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "basic", change["plan_tier"])
	assert.Equal(t, model.CycleMonthly, change["billing_cycle"])
	assert.Equal(t, model.AdjustScheduled, change["adjustment_mode"])
}
