// Package period 订阅周期与积分有效期的纯计算函数，不访问存储。
package period

import (
	"math"
	"time"

	"github.com/qs3c/credit_ledger/internal/model"
)

const (
	Day = 24 * time.Hour

	MonthDays = 30
	YearDays  = 365
)

// Action 订阅变更动作
type Action string

const (
	ActionPurchase  Action = "purchase"
	ActionRenew     Action = "renew"
	ActionUpgrade   Action = "upgrade"
	ActionDowngrade Action = "downgrade"
	ActionChange    Action = "change"
)

// ValidBillingCycle 校验计费周期
func ValidBillingCycle(cycle string) bool {
	return cycle == model.CycleMonthly || cycle == model.CycleYearly
}

// ValidPlanTier 校验档位是否在等级表中
func ValidPlanTier(tier string, levels map[string]int) bool {
	_, ok := levels[tier]
	return ok
}

// TotalMonths 一个计费周期包含的月数
func TotalMonths(cycle string) int {
	if cycle == model.CycleYearly {
		return 12
	}
	return 1
}

// CycleDays 一个计费周期的天数
func CycleDays(cycle string) int {
	if cycle == model.CycleYearly {
		return YearDays
	}
	return MonthDays
}

// PeriodEnd 周期结束时间（自然月 / 自然年）
func PeriodEnd(start time.Time, cycle string) time.Time {
	if cycle == model.CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// RemainingDays 剩余天数，不足一天按一天算，已过期为 0
func RemainingDays(expiresAt, now time.Time) int {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// ElapsedDays 已过去的整天数
func ElapsedDays(startedAt, ref time.Time) int {
	d := ref.Sub(startedAt)
	if d <= 0 {
		return 0
	}
	return int(d / Day)
}

// UsedMonths 已使用月数，按 30 天一个月向下取整
func UsedMonths(elapsedDays int) int {
	if elapsedDays <= 0 {
		return 0
	}
	return elapsedDays / MonthDays
}

// RemainingMonths 周期剩余月数。
// 周期内积分处于冻结状态时以 frozenUntil 为参照时间，否则以 now 为参照。
func RemainingMonths(cycle string, startedAt time.Time, frozenUntil *time.Time, now time.Time) int {
	ref := now
	if frozenUntil != nil {
		ref = *frozenUntil
	}
	remaining := TotalMonths(cycle) - UsedMonths(ElapsedDays(startedAt, ref))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExtendedExpiry 到期时间顺延 days 天
func ExtendedExpiry(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// CaptureRemaining 冻结时记录剩余有效秒数。永久有效返回 nil，已过期返回 0。
func CaptureRemaining(expiresAt *time.Time, at time.Time) *int64 {
	if expiresAt == nil {
		return nil
	}
	secs := int64(expiresAt.Sub(at) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return &secs
}

// RestoreExpiry 解冻时按剩余秒数恢复到期时间。nil 表示永久有效。
func RestoreExpiry(remaining *int64, at time.Time) *time.Time {
	if remaining == nil {
		return nil
	}
	t := at.Add(time.Duration(*remaining) * time.Second)
	return &t
}

// ProjectedExpiry 冻结期间展示用的预计到期时间
func ProjectedExpiry(remaining *int64, frozenUntil time.Time) *time.Time {
	return RestoreExpiry(remaining, frozenUntil)
}

// DetermineAction 根据当前订阅和目标套餐判断动作
func DetermineAction(currentPlan, currentCycle, targetPlan, targetCycle string, levels map[string]int) Action {
	if currentPlan == "" || currentCycle == "" {
		return ActionPurchase
	}
	if currentPlan == targetPlan && currentCycle == targetCycle {
		return ActionRenew
	}

	cur, target := levels[currentPlan], levels[targetPlan]
	switch {
	case target > cur:
		return ActionUpgrade
	case target < cur:
		return ActionDowngrade
	default:
		return ActionChange
	}
}
