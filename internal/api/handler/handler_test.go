package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger/internal/api/middleware"
	"github.com/qs3c/credit_ledger/internal/pkg/response"
	"github.com/qs3c/credit_ledger/internal/repository"
	"github.com/qs3c/credit_ledger/internal/service"
	"github.com/qs3c/credit_ledger/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testContext 本地测试上下文
type testContext struct {
	DB       *gorm.DB
	Credits  *service.CreditService
	Freeze   *service.FreezeService
	Subs     *service.SubscriptionService
	Webhook  *service.WebhookService
	Credit   *CreditHandler
	Sub      *SubscriptionHandler
	Internal *InternalHandler
}

func setupHandlers(t *testing.T, events EventEnqueuer) *testContext {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := testutil.TestConfig()
	opts := []service.Option{service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}

	txm := repository.NewTxManager(db)
	creditRepo := repository.NewCreditRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)

	credits := service.NewCreditService(txm, creditRepo, cfg, opts...)
	freeze := service.NewFreezeService(txm, creditRepo, subRepo, opts...)
	subs := service.NewSubscriptionService(txm, subRepo, creditRepo, credits, freeze, cfg, opts...)
	webhook := service.NewWebhookService(credits, subs, opts...)

	return &testContext{
		DB:       db,
		Credits:  credits,
		Freeze:   freeze,
		Subs:     subs,
		Webhook:  webhook,
		Credit:   NewCreditHandler(credits),
		Sub:      NewSubscriptionHandler(subs),
		Internal: NewInternalHandler(credits, freeze, webhook, events),
	}
}

// mockAuth 模拟认证中间件
func mockAuth(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func performRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

func dataMap(t *testing.T, resp response.Response) map[string]interface{} {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "unexpected data: %#v", resp.Data)
	return data
}
