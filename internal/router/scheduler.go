package router

import (
	"fmt"
	"math"
	"time"

	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/marketdata"
)

// MarketSnapshot 为制定切片计划所需的标的统计量。
type MarketSnapshot struct {
	ADV             float64
	SpreadBps       float64
	DailyVolatility float64
}

// Scheduler 生成母单的切片执行计划。
type Scheduler struct {
	impactCoefficient float64
}

// NewScheduler 创建切片计划器。冲击系数与模拟撮合保持一致。
func NewScheduler(impactCoefficient float64) *Scheduler {
	if impactCoefficient <= 0 {
		impactCoefficient = 0.1
	}
	return &Scheduler{impactCoefficient: impactCoefficient}
}

// Build 按策略生成计划。urgency 仅对 IS 生效，取值 [0, 1]。
func (s *Scheduler) Build(strategy Strategy, symbol string, side domain.Side, qty float64,
	slices int, window time.Duration, snap MarketSnapshot, urgency float64) (Schedule, error) {

	if qty <= 0 {
		return Schedule{}, fmt.Errorf("router: 母单数量必须为正")
	}
	if slices <= 0 {
		slices = 1
	}

	var weights []float64
	switch strategy {
	case StrategyTWAP:
		weights = equalWeights(slices)
	case StrategyVWAP:
		weights = marketdata.UShapedVolumeProfile(slices)
	case StrategyIS:
		weights = frontLoadedWeights(slices, urgency)
	default:
		return Schedule{}, fmt.Errorf("router: 未知策略 %q", strategy)
	}

	return s.assemble(strategy, symbol, side, qty, window, weights, snap), nil
}

// assemble 将权重转为切片，末切片吸收舍入误差以保证数量守恒。
func (s *Scheduler) assemble(strategy Strategy, symbol string, side domain.Side,
	qty float64, window time.Duration, weights []float64, snap MarketSnapshot) Schedule {

	n := len(weights)
	sliceDur := window / time.Duration(n)
	out := make([]Slice, n)

	var allocated, cumulative float64
	for i, w := range weights {
		sliceQty := qty * w
		if i == n-1 {
			sliceQty = qty - allocated
		}
		allocated += sliceQty
		cumulative = allocated / qty

		out[i] = Slice{
			Index:             i,
			StartOffset:       time.Duration(i) * sliceDur,
			EndOffset:         time.Duration(i+1) * sliceDur,
			Quantity:          sliceQty,
			CumulativePct:     cumulative,
			ExpectedImpactBps: s.sliceImpactBps(sliceQty, n, snap),
		}
	}

	return Schedule{
		Strategy:      strategy,
		Symbol:        symbol,
		Side:          side,
		TotalQuantity: qty,
		Window:        window,
		Slices:        out,
	}
}

// sliceImpactBps 估算单切片的冲击成本。
// 分母按切片时长折算可用成交量，与模拟撮合的线性冲击模型同源。
func (s *Scheduler) sliceImpactBps(sliceQty float64, slices int, snap MarketSnapshot) float64 {
	if snap.ADV <= 0 {
		return snap.SpreadBps / 2
	}
	bucketVolume := snap.ADV / float64(slices)
	return sliceQty/bucketVolume*100*s.impactCoefficient + snap.SpreadBps/2
}

// EstimateCost 估算整单的预期成本（基点）。冲击项为各切片的数量加权均值，
// 时间风险项随执行拖长而放大，以日波动率折算到窗口。
func (s *Scheduler) EstimateCost(schedule Schedule, snap MarketSnapshot) float64 {
	if schedule.TotalQuantity <= 0 {
		return 0
	}

	var impact float64
	for _, slice := range schedule.Slices {
		impact += slice.ExpectedImpactBps * slice.Quantity / schedule.TotalQuantity
	}

	// 数量重心越靠后，暴露在价格漂移中的时间越长
	var centroid float64
	for i, slice := range schedule.Slices {
		centroid += (float64(i) + 0.5) / float64(len(schedule.Slices)) * slice.Quantity / schedule.TotalQuantity
	}
	windowFrac := schedule.Window.Minutes() / 390
	timingRisk := snap.DailyVolatility * 10000 * math.Sqrt(windowFrac) * centroid

	return impact + timingRisk
}

// CompareStrategies 生成三种策略的事前成本对比并给出推荐。
// 高紧迫度或高波动标的推荐 IS，其余默认 VWAP。
func (s *Scheduler) CompareStrategies(symbol string, side domain.Side, qty float64,
	slices int, window time.Duration, snap MarketSnapshot, urgency float64) (StrategyComparison, error) {

	estimates := make(map[Strategy]float64, 3)
	for _, strategy := range []Strategy{StrategyTWAP, StrategyVWAP, StrategyIS} {
		schedule, err := s.Build(strategy, symbol, side, qty, slices, window, snap, urgency)
		if err != nil {
			return StrategyComparison{}, err
		}
		estimates[strategy] = s.EstimateCost(schedule, snap)
	}

	cmp := StrategyComparison{Symbol: symbol, Estimates: estimates}
	switch {
	case urgency > 0.7:
		cmp.Recommended = StrategyIS
		cmp.Reason = "紧迫度高，优先压缩时间风险"
	case snap.DailyVolatility > 0.03:
		cmp.Recommended = StrategyIS
		cmp.Reason = "标的波动率高，拖长执行的价格风险大于冲击成本"
	default:
		cmp.Recommended = StrategyVWAP
		cmp.Reason = "常规单，跟随成交量分布以降低冲击"
	}
	return cmp, nil
}

func equalWeights(n int) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}
	return weights
}

// frontLoadedWeights 生成指数衰减的前置权重。
// 紧迫度越高衰减越快，urgency 为0时退化为近似均匀。
func frontLoadedWeights(n int, urgency float64) []float64 {
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 1 {
		urgency = 1
	}

	decay := 0.2 + 2.8*urgency
	weights := make([]float64, n)
	var total float64
	for i := range weights {
		w := math.Exp(-decay * float64(i) / float64(n))
		weights[i] = w
		total += w
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}
