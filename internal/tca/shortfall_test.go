package tca

import (
	"math"
	"testing"

	"portfolio-trader/internal/domain"
)

func TestDecomposeBuyCostChain(t *testing.T) {
	// 决策价100，下单时已漂移到100.5，成交均价101
	d, err := Decompose(Execution{
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Quantity:      1000,
		FilledQty:     1000,
		DecisionPrice: 100,
		ArrivalPrice:  100.5,
		AvgFillPrice:  101,
		FinalPrice:    101,
		SpreadBps:     4,
		Commission:    10.1,
	})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	if math.Abs(d.TimingBps-50) > 1e-9 {
		t.Errorf("TimingBps = %.4f, want 50", d.TimingBps)
	}
	wantImpact := (101 - 100.5) / 100.5 * 10000
	if math.Abs(d.ImpactBps-wantImpact) > 1e-9 {
		t.Errorf("ImpactBps = %.4f, want %.4f", d.ImpactBps, wantImpact)
	}
	if math.Abs(d.SpreadBps-2) > 1e-9 {
		t.Errorf("SpreadBps = %.4f, want 2 (half of quoted)", d.SpreadBps)
	}
	if d.OpportunityBps != 0 {
		t.Errorf("OpportunityBps = %.4f, want 0 for full fill", d.OpportunityBps)
	}
	// 佣金 10.1 / 名义 101000 = 1bp
	if math.Abs(d.CommissionBps-1) > 1e-9 {
		t.Errorf("CommissionBps = %.4f, want 1", d.CommissionBps)
	}

	wantTotal := 2 + 50 + wantImpact + 1
	if math.Abs(d.TotalBps-wantTotal) > 1e-9 {
		t.Errorf("TotalBps = %.4f, want %.4f", d.TotalBps, wantTotal)
	}
}

func TestDecomposeSellSignFlips(t *testing.T) {
	// 卖单价格下行为成本：到达价低于决策价产生正的时机成本
	d, err := Decompose(Execution{
		Symbol:        "MSFT",
		Side:          domain.SideSell,
		Quantity:      500,
		FilledQty:     500,
		DecisionPrice: 200,
		ArrivalPrice:  199,
		AvgFillPrice:  198.5,
		SpreadBps:     3,
	})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	if d.TimingBps <= 0 {
		t.Errorf("TimingBps = %.4f, want positive for adverse sell drift", d.TimingBps)
	}
	if d.ImpactBps <= 0 {
		t.Errorf("ImpactBps = %.4f, want positive for selling below arrival", d.ImpactBps)
	}
}

func TestDecomposeOpportunityCost(t *testing.T) {
	// 半数未成交，期末价格较决策价上涨2%，机会成本为100bps
	d, err := Decompose(Execution{
		Symbol:        "GOOG",
		Side:          domain.SideBuy,
		Quantity:      1000,
		FilledQty:     500,
		DecisionPrice: 100,
		ArrivalPrice:  100,
		AvgFillPrice:  100,
		FinalPrice:    102,
	})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	if math.Abs(d.OpportunityBps-100) > 1e-9 {
		t.Errorf("OpportunityBps = %.4f, want 100", d.OpportunityBps)
	}
}

func TestDecomposeRejectsOverfill(t *testing.T) {
	_, err := Decompose(Execution{
		Symbol: "AAPL", Side: domain.SideBuy,
		Quantity: 100, FilledQty: 150,
		DecisionPrice: 100, ArrivalPrice: 100,
	})
	if err == nil {
		t.Fatal("expected error for filled quantity above ordered")
	}
}

func TestAggregate(t *testing.T) {
	decomps := []Decomposition{
		{Notional: 100000, TotalBps: 10},
		{Notional: 100000, TotalBps: 20},
		{Notional: 200000, TotalBps: -6},
	}

	report := Aggregate(decomps)
	if report.Count != 3 {
		t.Fatalf("Count = %d, want 3", report.Count)
	}
	if math.Abs(report.MeanBps-8) > 1e-9 {
		t.Errorf("MeanBps = %.4f, want 8", report.MeanBps)
	}
	if math.Abs(report.NegativeFraction-1.0/3) > 1e-9 {
		t.Errorf("NegativeFraction = %.4f, want 1/3", report.NegativeFraction)
	}

	// 名义加权：(10×1e5 + 20×1e5 + -6×2e5) / 4e5 = 4.5bps → 每百万450美元
	if math.Abs(report.CostPerMillion-450) > 1e-9 {
		t.Errorf("CostPerMillion = %.4f, want 450", report.CostPerMillion)
	}
}

func TestAggregateEmpty(t *testing.T) {
	report := Aggregate(nil)
	if report.Count != 0 || report.MeanBps != 0 {
		t.Errorf("empty aggregate = %+v, want zero value", report)
	}
}
