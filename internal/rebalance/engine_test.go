package rebalance

import (
	"errors"
	"testing"
	"time"

	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/sizing"
)

func testRebalanceConfig() config.RebalanceConfig {
	return config.RebalanceConfig{
		Frequency:      24 * time.Hour,
		DriftThreshold: 0.05,
		StopLossPct:    0.08,
		MinTradeValue:  500,
		MaxTrades:      10,
		EntryScore:     0.6,
		ExitScore:      0.3,
	}
}

func testSnapshot() Snapshot {
	return Snapshot{
		Equity: 100000,
		Positions: map[string]domain.Position{
			"AAPL": {Symbol: "AAPL", Quantity: 100, AvgEntryPrice: 90, CurrentPrice: 100},
			"MSFT": {Symbol: "MSFT", Quantity: 50, AvgEntryPrice: 200, CurrentPrice: 200},
		},
		Prices: map[string]float64{"AAPL": 100, "MSFT": 200, "GOOG": 150},
		Scores: map[string]float64{"AAPL": 0.8, "MSFT": 0.7, "GOOG": 0.9},
	}
}

func TestBuildProposalSellsBeforeBuys(t *testing.T) {
	e := New(testRebalanceConfig(), nil)

	// AAPL 当前10%目标5%（减仓），GOOG 新建仓，MSFT 维持
	targets := sizing.Allocation{"AAPL": 0.05, "MSFT": 0.10, "GOOG": 0.08}

	proposal, err := e.BuildProposal(TriggerManual, testSnapshot(), targets)
	if err != nil {
		t.Fatalf("BuildProposal: %v", err)
	}

	sawBuy := false
	for _, trade := range proposal.Trades {
		if trade.Side == domain.SideBuy {
			sawBuy = true
		}
		if trade.Side == domain.SideSell && sawBuy {
			t.Fatal("sell trade appears after a buy, want all sells first")
		}
	}

	sells := proposal.SellTrades()
	if len(sells) != 1 || sells[0].Symbol != "AAPL" {
		t.Fatalf("sells = %+v, want single AAPL reduction", sells)
	}
	buys := proposal.BuyTrades()
	if len(buys) != 1 || buys[0].Symbol != "GOOG" {
		t.Fatalf("buys = %+v, want single GOOG entry", buys)
	}
}

func TestBuildProposalSkipsSmallDeltas(t *testing.T) {
	e := New(testRebalanceConfig(), nil)

	// AAPL 目标 10.3%，偏差 300 低于最小交易金额 500
	targets := sizing.Allocation{"AAPL": 0.103, "MSFT": 0.10}

	proposal, err := e.BuildProposal(TriggerDrift, testSnapshot(), targets)
	if err != nil {
		t.Fatalf("BuildProposal: %v", err)
	}
	if len(proposal.Trades) != 0 {
		t.Errorf("Trades = %+v, want none for sub-minimum deltas", proposal.Trades)
	}
}

func TestBuildProposalExitScoreLiquidates(t *testing.T) {
	e := New(testRebalanceConfig(), nil)

	snap := testSnapshot()
	snap.Scores["MSFT"] = 0.2 // 跌破退出线 0.3

	targets := sizing.Allocation{"AAPL": 0.10, "MSFT": 0.10}

	proposal, err := e.BuildProposal(TriggerSignal, snap, targets)
	if err != nil {
		t.Fatalf("BuildProposal: %v", err)
	}

	sells := proposal.SellTrades()
	if len(sells) != 1 || sells[0].Symbol != "MSFT" || sells[0].Quantity != 50 {
		t.Fatalf("sells = %+v, want full MSFT liquidation", sells)
	}
}

func TestBuildProposalEntryScoreBlocksWeakSignals(t *testing.T) {
	e := New(testRebalanceConfig(), nil)

	snap := testSnapshot()
	snap.Scores["GOOG"] = 0.5 // 低于入场线 0.6

	targets := sizing.Allocation{"AAPL": 0.10, "MSFT": 0.10, "GOOG": 0.08}

	proposal, err := e.BuildProposal(TriggerSignal, snap, targets)
	if err != nil {
		t.Fatalf("BuildProposal: %v", err)
	}
	for _, trade := range proposal.Trades {
		if trade.Symbol == "GOOG" {
			t.Fatalf("GOOG entry should be blocked below entry score, got %+v", trade)
		}
	}
}

func TestBuildProposalMaxTradesKeepsSells(t *testing.T) {
	cfg := testRebalanceConfig()
	cfg.MaxTrades = 2
	e := New(cfg, nil)

	// 两笔清退卖出加一笔新建买入，上限2时买入被截断
	snap := testSnapshot()
	targets := sizing.Allocation{"GOOG": 0.08}

	proposal, err := e.BuildProposal(TriggerManual, snap, targets)
	if err != nil {
		t.Fatalf("BuildProposal: %v", err)
	}

	if len(proposal.Trades) != 2 {
		t.Fatalf("Trades = %d, want 2", len(proposal.Trades))
	}
	for _, trade := range proposal.Trades {
		if trade.Side != domain.SideSell {
			t.Errorf("truncation should keep sells first, got buy %s", trade.Symbol)
		}
	}
}

func TestProposalLifecycle(t *testing.T) {
	e := New(testRebalanceConfig(), nil)
	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	proposal, err := e.BuildProposal(TriggerManual, testSnapshot(), sizing.Allocation{"GOOG": 0.08})
	if err != nil {
		t.Fatalf("BuildProposal: %v", err)
	}

	// 未批准不能执行
	var stateErr *ProposalStateError
	if err := proposal.MarkExecuted(now); !errors.As(err, &stateErr) {
		t.Fatalf("executing unapproved proposal = %v, want ProposalStateError", err)
	}

	if err := proposal.Approve(now); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := proposal.MarkExecuted(now); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}

	// 已执行为终态，重复执行与再批准均为编程错误
	if err := proposal.MarkExecuted(now); !errors.As(err, &stateErr) {
		t.Fatalf("re-executing proposal = %v, want ProposalStateError", err)
	}
	if err := proposal.Approve(now); !errors.As(err, &stateErr) {
		t.Fatalf("re-approving executed proposal = %v, want ProposalStateError", err)
	}
}

func TestCheckDrift(t *testing.T) {
	e := New(testRebalanceConfig(), nil)
	snap := testSnapshot()

	// AAPL 当前10%目标20%，漂移10%超阈值；MSFT 当前10%目标10%无漂移
	targets := sizing.Allocation{"AAPL": 0.20, "MSFT": 0.10}

	drifted := e.CheckDrift(snap, targets)
	if len(drifted) != 1 || drifted[0] != "AAPL" {
		t.Errorf("drifted = %v, want [AAPL]", drifted)
	}
}

func TestCheckDriftFlagsUntargetedHoldings(t *testing.T) {
	e := New(testRebalanceConfig(), nil)
	snap := testSnapshot()

	// MSFT 持仓10%但不在目标中，应视为漂移
	targets := sizing.Allocation{"AAPL": 0.10}

	drifted := e.CheckDrift(snap, targets)
	if len(drifted) != 1 || drifted[0] != "MSFT" {
		t.Errorf("drifted = %v, want [MSFT]", drifted)
	}
}

func TestCheckStopLoss(t *testing.T) {
	e := New(testRebalanceConfig(), nil)

	snap := Snapshot{
		Equity: 100000,
		Positions: map[string]domain.Position{
			"WINNER": {Symbol: "WINNER", Quantity: 100, AvgEntryPrice: 100, CurrentPrice: 110},
			"LOSER":  {Symbol: "LOSER", Quantity: 100, AvgEntryPrice: 100, CurrentPrice: 90},
		},
		Prices: map[string]float64{"WINNER": 110, "LOSER": 90},
	}

	breached := e.CheckStopLoss(snap)
	if len(breached) != 1 || breached[0] != "LOSER" {
		t.Errorf("breached = %v, want [LOSER]", breached)
	}

	proposal, err := e.StopLossProposal(snap, breached)
	if err != nil {
		t.Fatalf("StopLossProposal: %v", err)
	}
	if proposal.Trigger != TriggerStopLoss {
		t.Errorf("Trigger = %s, want stop_loss", proposal.Trigger)
	}
	sells := proposal.SellTrades()
	if len(sells) != 1 || sells[0].Quantity != 100 {
		t.Fatalf("sells = %+v, want full LOSER liquidation", sells)
	}
}
