package quality

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// 综合评分各维度权重。
const (
	weightFillRate    = 0.25
	weightSpread      = 0.30
	weightLatency     = 0.15
	weightCost        = 0.20
	weightImprovement = 0.10
)

// OrderOutcome 为单笔订单在某券商的执行结果记录。
type OrderOutcome struct {
	Filled             bool
	Rejected           bool
	Latency            time.Duration // 提交到首次成交
	EffectiveSpreadBps float64
	ImprovementBps     float64
	CostBps            float64 // 该笔订单的总执行成本
}

// BrokerMetrics 为单个券商的聚合执行指标。
type BrokerMetrics struct {
	Broker string
	Orders int

	FillRate          float64
	RejectionRate     float64
	MedianSpreadBps   float64
	P75SpreadBps      float64
	AvgLatency        time.Duration
	AvgImprovementBps float64
	AvgCostBps        float64
	CompositeScore    float64 // 0-100
}

// Summarize 聚合单个券商的订单结果。
func Summarize(broker string, outcomes []OrderOutcome) BrokerMetrics {
	m := BrokerMetrics{Broker: broker, Orders: len(outcomes)}
	if len(outcomes) == 0 {
		return m
	}

	var filled, rejected int
	var spreads []float64
	var latencySum time.Duration
	var latencyCount int
	var improvementSum, costSum float64

	for _, o := range outcomes {
		if o.Filled {
			filled++
			spreads = append(spreads, o.EffectiveSpreadBps)
			improvementSum += o.ImprovementBps
			costSum += o.CostBps
			if o.Latency > 0 {
				latencySum += o.Latency
				latencyCount++
			}
		}
		if o.Rejected {
			rejected++
		}
	}

	n := float64(len(outcomes))
	m.FillRate = float64(filled) / n
	m.RejectionRate = float64(rejected) / n

	if len(spreads) > 0 {
		sort.Float64s(spreads)
		m.MedianSpreadBps = stat.Quantile(0.5, stat.Empirical, spreads, nil)
		m.P75SpreadBps = stat.Quantile(0.75, stat.Empirical, spreads, nil)
		m.AvgImprovementBps = improvementSum / float64(filled)
		m.AvgCostBps = costSum / float64(filled)
	}
	if latencyCount > 0 {
		m.AvgLatency = latencySum / time.Duration(latencyCount)
	}

	m.CompositeScore = compositeScore(m)
	return m
}

// compositeScore 将各维度归一到 [0,100] 后加权求和。
// 价差以10bps、延迟以1秒、总成本以50bps作为零分刻度。
func compositeScore(m BrokerMetrics) float64 {
	fillScore := m.FillRate * 100

	spreadScore := 100 - m.MedianSpreadBps*10
	if spreadScore < 0 {
		spreadScore = 0
	}

	latencyScore := 100 - float64(m.AvgLatency.Milliseconds())/10
	if latencyScore < 0 {
		latencyScore = 0
	}

	costScore := 100 - m.AvgCostBps*2
	if costScore < 0 {
		costScore = 0
	}

	improvementScore := 50 + m.AvgImprovementBps*10
	if improvementScore < 0 {
		improvementScore = 0
	}
	if improvementScore > 100 {
		improvementScore = 100
	}

	return weightFillRate*fillScore +
		weightSpread*spreadScore +
		weightLatency*latencyScore +
		weightCost*costScore +
		weightImprovement*improvementScore
}

// Rank 按综合评分降序排列券商，评分相同时成本低者优先。
func Rank(metrics []BrokerMetrics) []BrokerMetrics {
	ranked := append([]BrokerMetrics(nil), metrics...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].CompositeScore != ranked[j].CompositeScore {
			return ranked[i].CompositeScore > ranked[j].CompositeScore
		}
		if ranked[i].AvgCostBps != ranked[j].AvgCostBps {
			return ranked[i].AvgCostBps < ranked[j].AvgCostBps
		}
		return ranked[i].Broker < ranked[j].Broker
	})
	return ranked
}
