package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUser           = errors.New("无效的用户")
	ErrInvalidAmount         = errors.New("积分数量必须大于 0")
	ErrInvalidExpiry         = errors.New("到期时间必须晚于当前时间")
	ErrInvalidTransaction    = errors.New("缺少流水类型")
	ErrInvalidPlan           = errors.New("无效的订阅档位")
	ErrInvalidBillingCycle   = errors.New("无效的计费周期")
	ErrInvalidAdjustmentMode = errors.New("无效的档位调整方式")
	ErrPeriodNotFound        = errors.New("订阅周期不存在")
	ErrNoActivePeriod        = errors.New("当前没有生效中的订阅")
	ErrPeriodNotActive       = errors.New("订阅周期不在生效状态")
	ErrAlreadySubscribed     = errors.New("已有生效中的订阅")
	ErrUnknownPackage        = errors.New("积分包不存在")
	ErrUnknownEventType      = errors.New("不支持的事件类型")
	ErrMissingEventID        = errors.New("事件缺少 ID")
	ErrIntegrityViolation    = errors.New("账本完整性校验失败")
)

// IntegrityError 账本不变量被破坏，所在事务必须回滚
type IntegrityError struct {
	Kind    string
	UserID  int64
	GrantID int64
	Detail  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s (user=%d grant=%d): %s", ErrIntegrityViolation.Error(), e.Kind, e.UserID, e.GrantID, e.Detail)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityViolation
}
