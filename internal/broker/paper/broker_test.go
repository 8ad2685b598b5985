package paper

import (
	"context"
	"errors"
	"testing"

	"portfolio-trader/internal/broker"
	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
)

func newTestBroker() *Broker {
	b := New(config.PaperConfig{
		InitialCash:        100000,
		CommissionPerShare: 0,
		CommissionPerTrade: 1,
		ImpactCoefficient:  0.1,
		DefaultSpreadBps:   5,
		DefaultADV:         1000000,
	}, nil)
	b.SetPrice("X", 50)
	return b
}

func TestMarketBuyFillsAboveMid(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	order, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideBuy, Quantity: 100, Kind: domain.OrderKindMarket,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}

	if order.Status != domain.StatusFilled {
		t.Fatalf("市价单应立即成交，状态 %s", order.Status)
	}
	if order.FilledAvgPrice <= 50 {
		t.Errorf("买单成交价应严格高于中间价50，得到 %f", order.FilledAvgPrice)
	}

	pos, ok, _ := b.GetPosition(ctx, "X")
	if !ok {
		t.Fatalf("成交后应建立持仓")
	}
	if pos.Quantity != 100 {
		t.Errorf("持仓数量应为100，得到 %f", pos.Quantity)
	}
	if pos.AvgEntryPrice != order.FilledAvgPrice {
		t.Errorf("持仓成本应等于成交价")
	}
}

func TestCashConservation(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	before, _ := b.GetAccount(ctx)
	order, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideBuy, Quantity: 100, Kind: domain.OrderKindMarket,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}

	after, _ := b.GetAccount(ctx)
	want := before.Cash - 100*order.FilledAvgPrice - order.Commission
	if diff := after.Cash - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("买入后现金不守恒: got %f want %f", after.Cash, want)
	}
	if diff := after.Equity - (after.Cash + after.PortfolioValue); diff > 1e-9 || diff < -1e-9 {
		t.Errorf("equity 应恒等于 cash + portfolio_value")
	}

	// 卖出后反向守恒
	cashBeforeSell := after.Cash
	sell, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideSell, Quantity: 100, Kind: domain.OrderKindMarket,
	})
	if err != nil {
		t.Fatalf("卖出失败: %v", err)
	}
	final, _ := b.GetAccount(ctx)
	wantSell := cashBeforeSell + 100*sell.FilledAvgPrice - sell.Commission
	if diff := final.Cash - wantSell; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("卖出后现金不守恒: got %f want %f", final.Cash, wantSell)
	}
	if _, ok, _ := b.GetPosition(ctx, "X"); ok {
		t.Errorf("清仓后持仓应被删除")
	}
}

func TestPositionAveraging(t *testing.T) {
	b := newTestBroker()
	b.cfg.ImpactCoefficient = 0
	b.cfg.DefaultSpreadBps = 0
	ctx := context.Background()

	if _, err := b.SubmitOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 100, Kind: domain.OrderKindMarket}); err != nil {
		t.Fatalf("首次买入失败: %v", err)
	}
	b.SetPrice("X", 60)
	if _, err := b.SubmitOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 50, Kind: domain.OrderKindMarket}); err != nil {
		t.Fatalf("加仓失败: %v", err)
	}

	pos, _, _ := b.GetPosition(ctx, "X")
	want := (100.0*50 + 50.0*60) / 150.0
	if diff := pos.AvgEntryPrice - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("加权平均成本错误: got %f want %f", pos.AvgEntryPrice, want)
	}
}

func TestSellMoreThanHeldRejected(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	before, _ := b.GetAccount(ctx)
	_, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideSell, Quantity: 10, Kind: domain.OrderKindMarket,
	})

	var verr *domain.OrderValidationError
	if !errors.As(err, &verr) || verr.Reason != domain.ReasonNoPosition {
		t.Fatalf("无持仓卖出应返回 no_position 校验错误，得到 %v", err)
	}

	after, _ := b.GetAccount(ctx)
	if after.Cash != before.Cash || after.PortfolioValue != before.PortfolioValue {
		t.Errorf("被拒绝的订单不应改变账户状态")
	}
	orders, _ := b.GetOrders(ctx, broker.OrderFilter{})
	if len(orders) != 0 {
		t.Errorf("被拒绝的订单不应入册")
	}
}

func TestBuyBeyondBuyingPowerRejected(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	_, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideBuy, Quantity: 10000, Kind: domain.OrderKindMarket,
	})
	var ferr *domain.InsufficientFundsError
	if !errors.As(err, &ferr) {
		t.Fatalf("超出购买力应返回 InsufficientFundsError，得到 %v", err)
	}
}

func TestRestingLimitFillsOnPriceUpdate(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	order, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideBuy, Quantity: 100, Kind: domain.OrderKindLimit, LimitPrice: 48,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if order.Status != domain.StatusAccepted {
		t.Fatalf("非可成交限价单应挂起，状态 %s", order.Status)
	}

	b.SetPrice("X", 47)

	updated, _ := b.GetOrders(ctx, broker.OrderFilter{Symbol: "X"})
	if len(updated) != 1 || updated[0].Status != domain.StatusFilled {
		t.Fatalf("价格触及限价后订单应成交")
	}
	if updated[0].FilledAvgPrice > 48 {
		t.Errorf("买入限价单成交价不应高于限价，得到 %f", updated[0].FilledAvgPrice)
	}
}

func TestStopOrderTriggers(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	// 先建仓再挂保护性止损卖单
	if _, err := b.SubmitOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 100, Kind: domain.OrderKindMarket}); err != nil {
		t.Fatalf("建仓失败: %v", err)
	}
	stop, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideSell, Quantity: 100, Kind: domain.OrderKindStop, StopPrice: 45,
	})
	if err != nil {
		t.Fatalf("挂止损失败: %v", err)
	}
	if stop.Status != domain.StatusAccepted {
		t.Fatalf("未触发的止损单应挂起")
	}

	b.SetPrice("X", 44)

	orders, _ := b.GetOrders(ctx, broker.OrderFilter{Status: domain.StatusFilled})
	filledStop := false
	for _, o := range orders {
		if o.ID == stop.ID {
			filledStop = true
		}
	}
	if !filledStop {
		t.Errorf("价格跌破触发价后止损单应成交")
	}
	if _, ok, _ := b.GetPosition(ctx, "X"); ok {
		t.Errorf("止损卖出后持仓应清空")
	}
}

func TestCancelSemantics(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	order, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "X", Side: domain.SideBuy, Quantity: 10, Kind: domain.OrderKindLimit, LimitPrice: 40,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}

	ok, err := b.CancelOrder(ctx, order.ID)
	if err != nil || !ok {
		t.Fatalf("取消活动订单应成功: ok=%v err=%v", ok, err)
	}

	// 终态订单的再次取消是 no-op
	ok, err = b.CancelOrder(ctx, order.ID)
	if err != nil || ok {
		t.Fatalf("取消终态订单应返回 false 且无错误: ok=%v err=%v", ok, err)
	}

	if ok, _ := b.CancelOrder(ctx, "missing"); ok {
		t.Errorf("取消不存在的订单应返回 false")
	}
}

func TestStreamTradeUpdates(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	var events []string
	if err := b.StreamTradeUpdates(ctx, func(u broker.TradeUpdate) {
		events = append(events, u.Event)
	}); err != nil {
		t.Fatalf("注册回调失败: %v", err)
	}

	if _, err := b.SubmitOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 10, Kind: domain.OrderKindMarket}); err != nil {
		t.Fatalf("下单失败: %v", err)
	}

	if len(events) != 2 || events[0] != "new" || events[1] != "fill" {
		t.Errorf("期望推送 new+fill 事件，得到 %v", events)
	}
}

func TestStreamHandlerMayCallBack(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	// 回调内回查账户不得与撮合路径互锁
	var equities []float64
	if err := b.StreamTradeUpdates(ctx, func(u broker.TradeUpdate) {
		account, err := b.GetAccount(ctx)
		if err != nil {
			t.Errorf("回调内查询账户失败: %v", err)
			return
		}
		equities = append(equities, account.Equity)
	}); err != nil {
		t.Fatalf("注册回调失败: %v", err)
	}

	if _, err := b.SubmitOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 10, Kind: domain.OrderKindMarket}); err != nil {
		t.Fatalf("下单失败: %v", err)
	}

	if len(equities) != 2 {
		t.Fatalf("期望2次推送均完成回查，得到 %d", len(equities))
	}
}
