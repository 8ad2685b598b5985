package tca

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"portfolio-trader/internal/domain"
)

// Execution 为一笔母单执行的成本核算输入。
// 价格链条：决策价 → 到达价（下单瞬间中间价）→ 成交均价。
type Execution struct {
	Symbol        string
	Side          domain.Side
	Quantity      float64
	FilledQty     float64
	DecisionPrice float64
	ArrivalPrice  float64
	AvgFillPrice  float64
	FinalPrice    float64 // 核算窗口结束时的价格，用于机会成本
	SpreadBps     float64 // 到达时刻的买卖价差
	Commission    float64
}

// Decomposition 为执行差额的五分量拆解，单位基点，正值为成本。
type Decomposition struct {
	Symbol         string
	Side           domain.Side
	Notional       float64
	SpreadBps      float64 // 过价差成本，取到达价差的一半
	TimingBps      float64 // 决策到下单之间的价格漂移
	ImpactBps      float64 // 下单到成交之间的价格冲击
	OpportunityBps float64 // 未成交部分错失的价格变动
	CommissionBps  float64
	TotalBps       float64
}

// Decompose 按五分量拆解一笔执行的隐性与显性成本。
// 买单价格上行为成本，卖单相反，统一用方向符号折算。
func Decompose(exec Execution) (Decomposition, error) {
	if exec.Quantity <= 0 {
		return Decomposition{}, fmt.Errorf("tca: %s 委托数量必须为正", exec.Symbol)
	}
	if exec.DecisionPrice <= 0 || exec.ArrivalPrice <= 0 {
		return Decomposition{}, fmt.Errorf("tca: %s 缺少决策价或到达价", exec.Symbol)
	}
	if exec.FilledQty < 0 || exec.FilledQty > exec.Quantity {
		return Decomposition{}, fmt.Errorf("tca: %s 成交数量 %.4f 非法", exec.Symbol, exec.FilledQty)
	}

	sign := exec.Side.Sign()
	d := Decomposition{
		Symbol:    exec.Symbol,
		Side:      exec.Side,
		Notional:  exec.FilledQty * exec.AvgFillPrice,
		SpreadBps: exec.SpreadBps / 2,
	}

	d.TimingBps = sign * (exec.ArrivalPrice - exec.DecisionPrice) / exec.DecisionPrice * 10000

	if exec.FilledQty > 0 && exec.AvgFillPrice > 0 {
		d.ImpactBps = sign * (exec.AvgFillPrice - exec.ArrivalPrice) / exec.ArrivalPrice * 10000
	}

	if unfilled := exec.Quantity - exec.FilledQty; unfilled > 0 && exec.FinalPrice > 0 {
		move := sign * (exec.FinalPrice - exec.DecisionPrice) / exec.DecisionPrice * 10000
		d.OpportunityBps = unfilled / exec.Quantity * move
	}

	if d.Notional > 0 {
		d.CommissionBps = exec.Commission / d.Notional * 10000
	}

	d.TotalBps = d.SpreadBps + d.TimingBps + d.ImpactBps + d.OpportunityBps + d.CommissionBps
	return d, nil
}

// Report 为一组执行的汇总统计。
type Report struct {
	Count             int
	MeanBps           float64
	MedianBps         float64
	StdBps            float64
	CostPerMillion    float64 // 每百万美元名义金额的成本（美元），按名义加权
	NegativeFraction  float64 // 总成本为负（即获得价格改善）的比例
	TotalNotional     float64
	ByComponentMeanBp ComponentMeans
}

// ComponentMeans 为各分量的简单均值。
type ComponentMeans struct {
	Spread      float64
	Timing      float64
	Impact      float64
	Opportunity float64
	Commission  float64
}

// Aggregate 汇总多笔执行的成本分布。
func Aggregate(decomps []Decomposition) Report {
	if len(decomps) == 0 {
		return Report{}
	}

	totals := make([]float64, len(decomps))
	var report Report
	var weightedBps float64

	for i, d := range decomps {
		totals[i] = d.TotalBps
		report.TotalNotional += d.Notional
		weightedBps += d.TotalBps * d.Notional
		if d.TotalBps < 0 {
			report.NegativeFraction++
		}
		report.ByComponentMeanBp.Spread += d.SpreadBps
		report.ByComponentMeanBp.Timing += d.TimingBps
		report.ByComponentMeanBp.Impact += d.ImpactBps
		report.ByComponentMeanBp.Opportunity += d.OpportunityBps
		report.ByComponentMeanBp.Commission += d.CommissionBps
	}

	n := float64(len(decomps))
	report.Count = len(decomps)
	report.NegativeFraction /= n
	report.ByComponentMeanBp.Spread /= n
	report.ByComponentMeanBp.Timing /= n
	report.ByComponentMeanBp.Impact /= n
	report.ByComponentMeanBp.Opportunity /= n
	report.ByComponentMeanBp.Commission /= n

	report.MeanBps = stat.Mean(totals, nil)
	if len(totals) > 1 {
		report.StdBps = stat.StdDev(totals, nil)
	}

	sorted := append([]float64(nil), totals...)
	sort.Float64s(sorted)
	report.MedianBps = stat.Quantile(0.5, stat.Empirical, sorted, nil)

	// 1基点对应每百万美元100美元
	if report.TotalNotional > 0 {
		report.CostPerMillion = weightedBps / report.TotalNotional * 100
	}
	return report
}
