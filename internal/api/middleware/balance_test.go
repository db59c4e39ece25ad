package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/qs3c/credit_ledger/internal/pkg/response"
)

type fixedBalance struct {
	balance int64
	err     error
}

func (f fixedBalance) GetAvailableBalance(ctx context.Context, userID int64) (int64, error) {
	return f.balance, f.err
}

func TestRequireBalance(t *testing.T) {
	tests := []struct {
		name     string
		checker  fixedBalance
		setUser  bool
		query    string
		wantCode int
	}{
		{"enough", fixedBalance{balance: 10}, true, "?amount=5", response.CodeSuccess},
		{"exactly min", fixedBalance{balance: 5}, true, "?amount=5", response.CodeSuccess},
		{"short", fixedBalance{balance: 3}, true, "?amount=5", response.CodeInsufficientCredits},
		{"missing amount", fixedBalance{balance: 10}, true, "", response.CodeParamError},
		{"negative amount", fixedBalance{balance: 10}, true, "?amount=-1", response.CodeParamError},
		{"lookup failed", fixedBalance{err: errors.New("db down")}, true, "?amount=5", response.CodeServerError},
		{"no user", fixedBalance{balance: 10}, false, "?amount=5", response.CodeAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(func(c *gin.Context) {
				if tt.setUser {
					c.Set(UserIDKey, int64(42))
				}
				c.Next()
			})
			router.Use(RequireBalance(tt.checker, AmountQuery("amount")))
			router.GET("/test", func(c *gin.Context) {
				response.Success(c, gin.H{"available": c.GetInt64(AvailableKey)})
			})

			req := httptest.NewRequest("GET", "/test"+tt.query, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			resp := parseResponse(t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.wantCode == response.CodeInsufficientCredits {
				data := resp.Data.(map[string]interface{})
				assert.Equal(t, float64(2), data["shortfall"])
				assert.Equal(t, "积分不足：需要 5，可用 3", resp.Message)
			}
			if tt.wantCode == response.CodeSuccess {
				data := resp.Data.(map[string]interface{})
				assert.Equal(t, float64(tt.checker.balance), data["available"])
			}
		})
	}
}
