package quality

import (
	"math"
	"testing"
	"time"

	"portfolio-trader/internal/domain"
)

func TestMeasureBuyFill(t *testing.T) {
	// 中间价100，买单以100.05成交，优于卖价100.10
	q, err := Measure(FillObservation{
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Quantity:  100,
		FillPrice: 100.05,
		Quote:     domain.Quote{Symbol: "AAPL", Bid: 99.90, Ask: 100.10},
		MidAfter:  100.02,
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}

	// 有效价差 2×0.05/100 = 10bps
	if math.Abs(q.EffectiveSpreadBps-10) > 1e-9 {
		t.Errorf("EffectiveSpreadBps = %.4f, want 10", q.EffectiveSpreadBps)
	}
	// 较卖价改善 0.05/100 = 5bps
	if math.Abs(q.PriceImprovementBps-5) > 1e-9 {
		t.Errorf("PriceImprovementBps = %.4f, want 5", q.PriceImprovementBps)
	}
	// 买入后中间价回落到100.02，逆向选择为正
	if q.AdverseSelectionBps <= 0 {
		t.Errorf("AdverseSelectionBps = %.4f, want positive", q.AdverseSelectionBps)
	}
}

func TestMeasureSellImprovement(t *testing.T) {
	// 卖单以99.95成交，高于买价99.90
	q, err := Measure(FillObservation{
		Symbol:    "MSFT",
		Side:      domain.SideSell,
		Quantity:  50,
		FillPrice: 99.95,
		Quote:     domain.Quote{Symbol: "MSFT", Bid: 99.90, Ask: 100.10},
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if q.PriceImprovementBps <= 0 {
		t.Errorf("PriceImprovementBps = %.4f, want positive for fill above bid", q.PriceImprovementBps)
	}
}

func TestSummarize(t *testing.T) {
	outcomes := []OrderOutcome{
		{Filled: true, Latency: 100 * time.Millisecond, EffectiveSpreadBps: 4, ImprovementBps: 1, CostBps: 6},
		{Filled: true, Latency: 200 * time.Millisecond, EffectiveSpreadBps: 6, ImprovementBps: 2, CostBps: 8},
		{Filled: true, Latency: 300 * time.Millisecond, EffectiveSpreadBps: 8, ImprovementBps: 0, CostBps: 10},
		{Rejected: true},
	}

	m := Summarize("alpaca", outcomes)
	if math.Abs(m.FillRate-0.75) > 1e-9 {
		t.Errorf("FillRate = %.4f, want 0.75", m.FillRate)
	}
	if math.Abs(m.RejectionRate-0.25) > 1e-9 {
		t.Errorf("RejectionRate = %.4f, want 0.25", m.RejectionRate)
	}
	if math.Abs(m.MedianSpreadBps-6) > 1e-9 {
		t.Errorf("MedianSpreadBps = %.4f, want 6", m.MedianSpreadBps)
	}
	if m.AvgLatency != 200*time.Millisecond {
		t.Errorf("AvgLatency = %s, want 200ms", m.AvgLatency)
	}
	if m.CompositeScore <= 0 || m.CompositeScore > 100 {
		t.Errorf("CompositeScore = %.4f, want within (0,100]", m.CompositeScore)
	}
}

func TestCompositeScoreWeights(t *testing.T) {
	// 全满分维度下的加权和：25 + 30 + 15 + 20 + 0.10×50 = 95
	perfect := BrokerMetrics{FillRate: 1}
	if got := compositeScore(perfect); math.Abs(got-95) > 1e-9 {
		t.Errorf("compositeScore = %.4f, want 95", got)
	}

	// 总成本50bps使成本维度归零，评分应下降20分
	costly := BrokerMetrics{FillRate: 1, AvgCostBps: 50}
	if got := compositeScore(costly); math.Abs(got-75) > 1e-9 {
		t.Errorf("compositeScore with 50bps cost = %.4f, want 75", got)
	}
}

func TestCompositeScorePenalizesCost(t *testing.T) {
	cheap := Summarize("cheap", []OrderOutcome{
		{Filled: true, Latency: 100 * time.Millisecond, EffectiveSpreadBps: 4, CostBps: 0},
	})
	pricey := Summarize("pricey", []OrderOutcome{
		{Filled: true, Latency: 100 * time.Millisecond, EffectiveSpreadBps: 4, CostBps: 500},
	})

	if cheap.CompositeScore <= pricey.CompositeScore {
		t.Errorf("cost should lower the score: cheap %.2f, pricey %.2f",
			cheap.CompositeScore, pricey.CompositeScore)
	}
}

func TestRankPrefersBetterExecution(t *testing.T) {
	good := Summarize("good", []OrderOutcome{
		{Filled: true, Latency: 50 * time.Millisecond, EffectiveSpreadBps: 2, ImprovementBps: 1, CostBps: 3},
		{Filled: true, Latency: 60 * time.Millisecond, EffectiveSpreadBps: 3, ImprovementBps: 1, CostBps: 4},
	})
	bad := Summarize("bad", []OrderOutcome{
		{Filled: true, Latency: 800 * time.Millisecond, EffectiveSpreadBps: 9, ImprovementBps: -2, CostBps: 12},
		{Rejected: true},
	})

	ranked := Rank([]BrokerMetrics{bad, good})
	if ranked[0].Broker != "good" {
		t.Errorf("top broker = %s, want good", ranked[0].Broker)
	}
}

func TestRankCostTiebreak(t *testing.T) {
	a := BrokerMetrics{Broker: "a", CompositeScore: 80, AvgCostBps: 5}
	b := BrokerMetrics{Broker: "b", CompositeScore: 80, AvgCostBps: 3}

	ranked := Rank([]BrokerMetrics{a, b})
	if ranked[0].Broker != "b" {
		t.Errorf("top broker = %s, want b (lower cost)", ranked[0].Broker)
	}
}
