package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger/internal/pkg/response"
	"github.com/qs3c/credit_ledger/internal/service"
)

var paramErrors = []error{
	service.ErrInvalidUser,
	service.ErrInvalidAmount,
	service.ErrInvalidExpiry,
	service.ErrInvalidTransaction,
	service.ErrInvalidPlan,
	service.ErrInvalidBillingCycle,
	service.ErrInvalidAdjustmentMode,
	service.ErrUnknownPackage,
	service.ErrUnknownEventType,
	service.ErrMissingEventID,
}

// serviceError 把业务错误映射到响应码，存储错误统一提示重试
func serviceError(c *gin.Context, err error) {
	for _, target := range paramErrors {
		if errors.Is(err, target) {
			response.ParamError(c, err.Error())
			return
		}
	}

	switch {
	case errors.Is(err, service.ErrPeriodNotFound), errors.Is(err, service.ErrNoActivePeriod):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, service.ErrPeriodNotActive), errors.Is(err, service.ErrAlreadySubscribed):
		response.ConflictError(c, err.Error())
	case errors.Is(err, service.ErrIntegrityViolation):
		response.ServerError(c, "账本校验失败")
	default:
		response.ServerError(c, "请稍后重试")
	}
}
