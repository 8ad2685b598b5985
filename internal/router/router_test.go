package router

import (
	"context"
	"math"
	"testing"
	"time"

	"portfolio-trader/internal/broker"
	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/marketdata"
)

type fakeBroker struct {
	quote     domain.Quote
	submitted []domain.OrderRequest
}

func (f *fakeBroker) Connect(ctx context.Context) error    { return nil }
func (f *fakeBroker) Disconnect(ctx context.Context) error { return nil }

func (f *fakeBroker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	return domain.AccountInfo{}, nil
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeBroker) GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error) {
	return domain.Position{}, false, nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	f.submitted = append(f.submitted, req)
	order := domain.NewOrder("order-"+req.Symbol, req, time.Now())
	_ = order.Transition(domain.StatusSubmitted, time.Now())
	return order, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return false, nil
}

func (f *fakeBroker) CancelAll(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeBroker) GetOrders(ctx context.Context, filter broker.OrderFilter) ([]*domain.Order, error) {
	return nil, nil
}

func (f *fakeBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return f.quote, nil
}

func (f *fakeBroker) StreamTradeUpdates(ctx context.Context, handler broker.UpdateHandler) error {
	return nil
}

type fakeStats struct {
	stats marketdata.SymbolStats
}

func (f *fakeStats) GetStats(ctx context.Context, symbol string, lookback int) (marketdata.SymbolStats, error) {
	return f.stats, nil
}

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		ParticipationThreshold: 0.01,
		DefaultSlices:          4,
		WindowMinutes:          60,
		DefaultUrgency:         0.3,
		LimitBufferBps:         10,
	}
}

func newTestRouter(b *fakeBroker, stats *fakeStats) *Router {
	r := New(testExecutionConfig(), b, stats, NewScheduler(0.1), nil)
	r.wait = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRouteSmallOrderDirect(t *testing.T) {
	b := &fakeBroker{quote: domain.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.1}}
	stats := &fakeStats{stats: marketdata.SymbolStats{ADV: 1000000, DailyVolatility: 0.015}}
	r := newTestRouter(b, stats)

	// 参与率 5000/1000000 = 0.5%，低于1%阈值
	result, err := r.Route(context.Background(), domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 5000, Kind: domain.OrderKindMarket,
	}, 0.3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if result.Sliced {
		t.Error("small order should not be sliced")
	}
	if len(b.submitted) != 1 {
		t.Fatalf("submitted = %d orders, want 1", len(b.submitted))
	}

	// 市价单应转为中间价上方10bps的激进限价单
	child := b.submitted[0]
	if child.Kind != domain.OrderKindLimit {
		t.Errorf("Kind = %s, want limit", child.Kind)
	}
	wantLimit := 100 * (1 + 10.0/10000)
	if math.Abs(child.LimitPrice-wantLimit) > 1e-9 {
		t.Errorf("LimitPrice = %.4f, want %.4f", child.LimitPrice, wantLimit)
	}
}

func TestRouteLargeOrderSliced(t *testing.T) {
	b := &fakeBroker{quote: domain.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.1}}
	stats := &fakeStats{stats: marketdata.SymbolStats{ADV: 1000000, DailyVolatility: 0.015}}
	r := newTestRouter(b, stats)

	// 参与率 50000/1000000 = 5%，超过阈值触发切片
	result, err := r.Route(context.Background(), domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 50000,
		Kind: domain.OrderKindMarket, ClientOrderID: "parent-1",
	}, 0.3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if !result.Sliced {
		t.Fatal("large order should be sliced")
	}
	if result.Strategy != StrategyVWAP {
		t.Errorf("Strategy = %s, want vwap for routine order", result.Strategy)
	}
	if len(b.submitted) != 4 {
		t.Fatalf("submitted = %d child orders, want 4", len(b.submitted))
	}

	var total float64
	for i, child := range b.submitted {
		total += child.Quantity
		if child.ClientOrderID == "" || child.ClientOrderID == "parent-1" {
			t.Errorf("child %d ClientOrderID = %q, want derived from parent", i, child.ClientOrderID)
		}
	}
	if math.Abs(total-50000) > 1e-6 {
		t.Errorf("children total = %.4f, want 50000", total)
	}
}

func TestRouteStopOrderBypassesSlicing(t *testing.T) {
	b := &fakeBroker{quote: domain.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.1}}
	stats := &fakeStats{stats: marketdata.SymbolStats{ADV: 1000, DailyVolatility: 0.015}}
	r := newTestRouter(b, stats)

	result, err := r.Route(context.Background(), domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideSell, Quantity: 50000,
		Kind: domain.OrderKindStop, StopPrice: 95,
	}, 0.3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if result.Sliced {
		t.Error("conditional order should bypass slicing")
	}
	if len(b.submitted) != 1 || b.submitted[0].Kind != domain.OrderKindStop {
		t.Errorf("stop order should pass through unchanged, got %+v", b.submitted)
	}
}
