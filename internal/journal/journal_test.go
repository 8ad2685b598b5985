package journal

import (
	"context"
	"math"
	"testing"
	"time"

	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/store"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	j, err := New(st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

func TestRecordOrderUpsert(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	order := domain.NewOrder("order-1", domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 100, Kind: domain.OrderKindMarket,
	}, now)
	if err := j.RecordOrder(ctx, order); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	// 状态变化后再次写入应覆盖而非重复
	_ = order.Transition(domain.StatusSubmitted, now)
	_ = order.ApplyFill(100, 50.1, now)
	if err := j.RecordOrder(ctx, order); err != nil {
		t.Fatalf("RecordOrder update: %v", err)
	}

	var count int
	var status string
	var filledQty float64
	row := j.db.QueryRow(`SELECT COUNT(*) FROM orders`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 1 {
		t.Fatalf("orders rows = %d, want 1", count)
	}

	row = j.db.QueryRow(`SELECT status, filled_qty FROM orders WHERE id = ?`, "order-1")
	if err := row.Scan(&status, &filledQty); err != nil {
		t.Fatalf("read order: %v", err)
	}
	if status != string(domain.StatusFilled) || filledQty != 100 {
		t.Errorf("status = %s filled = %.1f, want FILLED / 100", status, filledQty)
	}
}

func TestRecordAndListTrades(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	trades := []domain.Trade{
		{ID: "t1", OrderID: "o1", Symbol: "AAPL", Side: domain.SideBuy, Quantity: 100, Price: 50, Timestamp: base},
		{ID: "t2", OrderID: "o2", Symbol: "MSFT", Side: domain.SideSell, Quantity: 30, Price: 200, Timestamp: base.Add(time.Minute)},
		{ID: "t3", OrderID: "o3", Symbol: "AAPL", Side: domain.SideSell, Quantity: 40, Price: 51, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, trade := range trades {
		if err := j.RecordTrade(ctx, trade); err != nil {
			t.Fatalf("RecordTrade %s: %v", trade.ID, err)
		}
	}

	got, err := j.ListTrades(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("AAPL trades = %d, want 2", len(got))
	}
	// 时间倒序
	if got[0].ID != "t3" || got[1].ID != "t1" {
		t.Errorf("order = [%s %s], want [t3 t1]", got[0].ID, got[1].ID)
	}

	all, err := j.ListTrades(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListTrades all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all trades = %d, want 3", len(all))
	}
}

func TestSnapshotDailyReturns(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	day1 := time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day3 := day1.AddDate(0, 0, 2)

	first, err := j.SnapshotDaily(ctx, day1, domain.AccountInfo{Equity: 100000, Cash: 40000, PortfolioValue: 60000})
	if err != nil {
		t.Fatalf("SnapshotDaily day1: %v", err)
	}
	if first.DailyReturn != 0 || first.CumulativeReturn != 0 {
		t.Errorf("first snapshot returns = %.4f / %.4f, want 0 / 0", first.DailyReturn, first.CumulativeReturn)
	}

	second, err := j.SnapshotDaily(ctx, day2, domain.AccountInfo{Equity: 102000, Cash: 40000, PortfolioValue: 62000})
	if err != nil {
		t.Fatalf("SnapshotDaily day2: %v", err)
	}
	if math.Abs(second.DailyReturn-0.02) > 1e-9 {
		t.Errorf("day2 daily return = %.6f, want 0.02", second.DailyReturn)
	}

	third, err := j.SnapshotDaily(ctx, day3, domain.AccountInfo{Equity: 99960, Cash: 40000, PortfolioValue: 59960})
	if err != nil {
		t.Fatalf("SnapshotDaily day3: %v", err)
	}
	wantDaily := 99960.0/102000 - 1
	if math.Abs(third.DailyReturn-wantDaily) > 1e-9 {
		t.Errorf("day3 daily return = %.6f, want %.6f", third.DailyReturn, wantDaily)
	}
	wantCumulative := 99960.0/100000 - 1
	if math.Abs(third.CumulativeReturn-wantCumulative) > 1e-9 {
		t.Errorf("day3 cumulative return = %.6f, want %.6f", third.CumulativeReturn, wantCumulative)
	}

	snaps, err := j.ListSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	if snaps[0].Date != "2025-06-02" || snaps[2].Date != "2025-06-04" {
		t.Errorf("snapshot order = [%s ... %s], want ascending dates", snaps[0].Date, snaps[2].Date)
	}
}

func TestSnapshotSameDayOverwrites(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC)

	if _, err := j.SnapshotDaily(ctx, day, domain.AccountInfo{Equity: 100000}); err != nil {
		t.Fatalf("SnapshotDaily: %v", err)
	}
	if _, err := j.SnapshotDaily(ctx, day, domain.AccountInfo{Equity: 101000}); err != nil {
		t.Fatalf("SnapshotDaily overwrite: %v", err)
	}

	snaps, err := j.ListSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Equity != 101000 {
		t.Errorf("snapshots = %+v, want single row with equity 101000", snaps)
	}
}
