package router

import (
	"fmt"
	"time"

	"portfolio-trader/internal/domain"
)

// Strategy 表示母单切片的执行策略。
type Strategy string

const (
	StrategyTWAP Strategy = "twap" // 时间均匀切片
	StrategyVWAP Strategy = "vwap" // 按日内成交量分布切片
	StrategyIS   Strategy = "is"   // 执行差额最小化，前置加权
)

// Valid 校验策略取值。
func (s Strategy) Valid() bool {
	return s == StrategyTWAP || s == StrategyVWAP || s == StrategyIS
}

// Slice 为母单的一个子切片。
type Slice struct {
	Index             int
	StartOffset       time.Duration // 相对执行窗口起点
	EndOffset         time.Duration
	Quantity          float64
	CumulativePct     float64 // 截至本切片末尾的累计数量占比
	ExpectedImpactBps float64
}

// Schedule 为一张完整的切片执行计划。
type Schedule struct {
	Strategy      Strategy
	Symbol        string
	Side          domain.Side
	TotalQuantity float64
	Window        time.Duration
	Slices        []Slice
}

// Validate 校验计划自身的不变量：切片数量之和等于母单数量，
// 累计占比单调递增且收敛到1。
func (s Schedule) Validate() error {
	if len(s.Slices) == 0 {
		return fmt.Errorf("router: 计划 %s 不包含任何切片", s.Symbol)
	}

	var sum float64
	prev := 0.0
	for _, slice := range s.Slices {
		if slice.Quantity < 0 {
			return fmt.Errorf("router: 切片 %d 数量为负", slice.Index)
		}
		if slice.CumulativePct < prev-1e-9 {
			return fmt.Errorf("router: 切片 %d 累计占比回退", slice.Index)
		}
		prev = slice.CumulativePct
		sum += slice.Quantity
	}

	if diff := sum - s.TotalQuantity; diff > 1e-6 || diff < -1e-6 {
		return fmt.Errorf("router: 切片数量之和 %.6f 不等于母单数量 %.6f", sum, s.TotalQuantity)
	}
	if prev < 1-1e-6 || prev > 1+1e-6 {
		return fmt.Errorf("router: 末切片累计占比 %.6f 未收敛到1", prev)
	}
	return nil
}

// StrategyComparison 为三种策略的事前成本对比。
type StrategyComparison struct {
	Symbol      string
	Estimates   map[Strategy]float64 // 预期成本（基点）
	Recommended Strategy
	Reason      string
}
