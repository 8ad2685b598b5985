package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portfolio-trader/internal/broker"
	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
)

// SymbolParams 为单标的的模拟撮合参数。
type SymbolParams struct {
	ADV       float64
	SpreadBps float64
}

// Broker 为进程内模拟券商。它独占自己的资金、持仓与订单状态，
// 所有状态变更串行在一把互斥锁之后（单账户单写者）。
type Broker struct {
	cfg    config.PaperConfig
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	cash      float64
	dayTrades int
	positions map[string]domain.Position
	orders    map[string]*domain.Order
	trades    []domain.Trade
	prices    map[string]float64
	params    map[string]SymbolParams
	handlers  []broker.UpdateHandler
	// 撮合期间产生的推送先入队，待锁释放后派发，
	// 回调内可安全地回调本券商。
	pending []broker.TradeUpdate
	// 移动止损的水位线，按订单ID记录提交后的最优价。
	waterMarks map[string]float64

	now func() time.Time
}

var _ broker.Broker = (*Broker)(nil)

// New 创建模拟券商。
func New(cfg config.PaperConfig, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:        cfg,
		logger:     logger,
		cash:       cfg.InitialCash,
		dayTrades:  3,
		positions:  make(map[string]domain.Position),
		orders:     make(map[string]*domain.Order),
		prices:     make(map[string]float64),
		params:     make(map[string]SymbolParams),
		waterMarks: make(map[string]float64),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Connect 标记连接建立。模拟实现无真实握手。
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect 标记连接断开。
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// SetPrice 设定标的价格并触发休眠订单的重新检查。
func (b *Broker) SetPrice(symbol string, price float64) {
	defer b.flush()
	b.mu.Lock()
	defer b.mu.Unlock()
	if price <= 0 {
		return
	}
	b.prices[symbol] = price
	b.refreshPositionPrice(symbol, price)
	b.checkRestingOrders(symbol, price)
}

// SetSymbolParams 配置单标的的 ADV 与价差参数。
func (b *Broker) SetSymbolParams(symbol string, params SymbolParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params[symbol] = params
}

// GetAccount 返回账户快照，满足 Equity == Cash + PortfolioValue。
func (b *Broker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accountLocked(), nil
}

func (b *Broker) accountLocked() domain.AccountInfo {
	var portfolio float64
	for _, pos := range b.positions {
		portfolio += pos.MarketValue()
	}
	return domain.AccountInfo{
		Cash:               b.cash,
		BuyingPower:        b.cash,
		PortfolioValue:     portfolio,
		Equity:             b.cash + portfolio,
		DayTradesRemaining: b.dayTrades,
		Timestamp:          b.now(),
	}
}

// GetPositions 返回全部持仓副本。
func (b *Broker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetPosition 返回单标的持仓。
func (b *Broker) GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	return pos, ok, nil
}

// GetQuote 由最新价与配置价差合成盘口。
func (b *Broker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mid, ok := b.prices[symbol]
	if !ok || mid <= 0 {
		return domain.Quote{}, &domain.BrokerError{Op: "get_quote", Err: fmt.Errorf("paper: 缺少 %s 的价格", symbol)}
	}

	half := b.halfSpreadBps(symbol) / 10000
	return domain.Quote{
		Symbol:    symbol,
		Bid:       mid * (1 - half),
		Ask:       mid * (1 + half),
		Last:      mid,
		Timestamp: b.now(),
	}, nil
}

// StreamTradeUpdates 注册成交推送回调。回调在触发撮合的调用
// 返回前派发，此时锁已释放，回调内可再调用本券商的查询方法。
func (b *Broker) StreamTradeUpdates(ctx context.Context, handler broker.UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("paper: handler 不能为空")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

// SubmitOrder 接收下单请求并按成交策略撮合。
// 资金或持仓不足在任何状态变更之前即拒绝。
func (b *Broker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	defer b.flush()
	b.mu.Lock()
	defer b.mu.Unlock()

	mid, ok := b.prices[req.Symbol]
	if !ok || mid <= 0 {
		return nil, &domain.BrokerError{Op: "submit_order", Err: fmt.Errorf("paper: 缺少 %s 的价格，无法撮合", req.Symbol)}
	}

	now := b.now()
	order := domain.NewOrder(uuid.NewString(), req, now)
	if err := order.Transition(domain.StatusSubmitted, now); err != nil {
		return nil, err
	}

	// 卖出数量与买入资金在入册之前检查，拒绝不留任何痕迹。
	if err := b.preTradeCheckLocked(req, mid); err != nil {
		return nil, err
	}

	b.orders[order.ID] = order
	b.emitLocked(broker.TradeUpdate{Event: "new", Order: *order})

	switch req.Kind {
	case domain.OrderKindMarket:
		b.fillLocked(order, mid)
	case domain.OrderKindLimit:
		if limitMarketable(req.Side, mid, req.LimitPrice) {
			b.fillLocked(order, mid)
		} else {
			b.restLocked(order)
		}
	case domain.OrderKindStop, domain.OrderKindStopLimit:
		if stopTriggered(req.Side, mid, req.StopPrice) {
			b.fillTriggeredLocked(order, mid)
		} else {
			b.restLocked(order)
		}
	case domain.OrderKindTrailingStop:
		b.waterMarks[order.ID] = mid
		b.restLocked(order)
	}

	copied := *order
	return &copied, nil
}

// CancelOrder 取消未到终态的订单。终态订单返回 false 而非错误。
func (b *Broker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	defer b.flush()
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok || order.Status.Terminal() {
		return false, nil
	}

	if err := order.Transition(domain.StatusCancelled, b.now()); err != nil {
		return false, err
	}
	delete(b.waterMarks, orderID)
	b.emitLocked(broker.TradeUpdate{Event: "cancel", Order: *order})
	return true, nil
}

// CancelAll 取消全部活动订单并返回数量。
func (b *Broker) CancelAll(ctx context.Context) (int, error) {
	defer b.flush()
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	now := b.now()
	for _, order := range b.orders {
		if order.Status.Terminal() {
			continue
		}
		if err := order.Transition(domain.StatusCancelled, now); err != nil {
			continue
		}
		delete(b.waterMarks, order.ID)
		b.emitLocked(broker.TradeUpdate{Event: "cancel", Order: *order})
		count++
	}
	return count, nil
}

// GetOrders 按过滤条件返回订单副本。
func (b *Broker) GetOrders(ctx context.Context, filter broker.OrderFilter) ([]*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*domain.Order, 0, len(b.orders))
	for _, order := range b.orders {
		if !filter.Matches(order) {
			continue
		}
		copied := *order
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Trades 返回成交流水副本，供分析组件消费。
func (b *Broker) Trades() []domain.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// ---- 内部撮合逻辑（持锁调用） ----

func (b *Broker) preTradeCheckLocked(req domain.OrderRequest, mid float64) error {
	if req.Side == domain.SideSell {
		pos, ok := b.positions[req.Symbol]
		if !ok || pos.Quantity < req.Quantity {
			held := 0.0
			if ok {
				held = pos.Quantity
			}
			return &domain.OrderValidationError{
				Reason:  domain.ReasonNoPosition,
				Symbol:  req.Symbol,
				Message: fmt.Sprintf("卖出 %.2f 超过持有 %.2f", req.Quantity, held),
			}
		}
		return nil
	}

	estimate := b.estimateFillPriceLocked(req, mid)
	cost := req.Quantity*estimate + b.commission(req.Quantity)
	if cost > b.cash {
		return &domain.InsufficientFundsError{Symbol: req.Symbol, Required: cost, Available: b.cash}
	}
	return nil
}

func (b *Broker) estimateFillPriceLocked(req domain.OrderRequest, mid float64) float64 {
	price := b.simulatedPriceLocked(req.Symbol, req.Side, req.Quantity, mid)
	if req.Kind == domain.OrderKindLimit || req.Kind == domain.OrderKindStopLimit {
		if req.Side == domain.SideBuy && req.LimitPrice > 0 && price > req.LimitPrice {
			price = req.LimitPrice
		}
		if req.Side == domain.SideSell && req.LimitPrice > 0 && price < req.LimitPrice {
			price = req.LimitPrice
		}
	}
	return price
}

func (b *Broker) simulatedPriceLocked(symbol string, side domain.Side, qty, mid float64) float64 {
	adv := b.cfg.DefaultADV
	if p, ok := b.params[symbol]; ok && p.ADV > 0 {
		adv = p.ADV
	}
	bps := impactBps(qty, adv, b.cfg.ImpactCoefficient, b.halfSpreadBps(symbol))
	return applyImpact(mid, bps, side.Sign())
}

func (b *Broker) halfSpreadBps(symbol string) float64 {
	spread := b.cfg.DefaultSpreadBps
	if p, ok := b.params[symbol]; ok && p.SpreadBps > 0 {
		spread = p.SpreadBps
	}
	return spread / 2
}

func (b *Broker) commission(qty float64) float64 {
	return b.cfg.CommissionPerTrade + b.cfg.CommissionPerShare*qty
}

func (b *Broker) restLocked(order *domain.Order) {
	now := b.now()
	if err := order.Transition(domain.StatusAccepted, now); err != nil {
		b.logger.Warn("挂单状态迁移失败", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// fillTriggeredLocked 处理提交即触发的止损类订单。
func (b *Broker) fillTriggeredLocked(order *domain.Order, mid float64) {
	req := order.Request
	if req.Kind == domain.OrderKindStopLimit && !limitMarketable(req.Side, mid, req.LimitPrice) {
		b.restLocked(order)
		return
	}
	b.fillLocked(order, mid)
}

// fillLocked 以当前中间价撮合订单全量成交，更新资金、持仓并追加成交记录。
func (b *Broker) fillLocked(order *domain.Order, mid float64) {
	req := order.Request
	price := b.estimateFillPriceLocked(req, mid)
	commission := b.commission(req.Quantity)
	now := b.now()

	// 休眠订单触发时资金可能已被占用，此处再次确认。
	if req.Side == domain.SideBuy {
		cost := req.Quantity*price + commission
		if cost > b.cash {
			_ = order.Transition(domain.StatusRejected, now)
			b.emitLocked(broker.TradeUpdate{Event: "reject", Order: *order})
			return
		}
	} else {
		pos, ok := b.positions[req.Symbol]
		if !ok || pos.Quantity < req.Quantity {
			_ = order.Transition(domain.StatusRejected, now)
			b.emitLocked(broker.TradeUpdate{Event: "reject", Order: *order})
			return
		}
	}

	if err := order.ApplyFill(req.Quantity, price, now); err != nil {
		b.logger.Error("撮合写入成交失败", zap.String("order_id", order.ID), zap.Error(err))
		return
	}
	order.Commission = commission
	order.Slippage = (price - mid) * req.Side.Sign() * req.Quantity

	if req.Side == domain.SideBuy {
		b.cash -= req.Quantity*price + commission
		b.addPositionLocked(req.Symbol, req.Quantity, price, mid)
	} else {
		b.cash += req.Quantity*price - commission
		b.reducePositionLocked(req.Symbol, req.Quantity)
	}

	trade := domain.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      price,
		Commission: commission,
		Slippage:   order.Slippage,
		Timestamp:  now,
	}
	b.trades = append(b.trades, trade)
	delete(b.waterMarks, order.ID)

	b.emitLocked(broker.TradeUpdate{Event: "fill", Order: *order, Trade: &trade})
	b.logger.Debug("模拟成交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Quantity),
		zap.Float64("price", price),
	)
}

// addPositionLocked 加仓时按数量加权平均计算持仓成本。
func (b *Broker) addPositionLocked(symbol string, qty, price, current float64) {
	pos, ok := b.positions[symbol]
	if !ok {
		b.positions[symbol] = domain.Position{
			Symbol:        symbol,
			Quantity:      qty,
			AvgEntryPrice: price,
			CurrentPrice:  current,
		}
		return
	}

	total := pos.AvgEntryPrice*pos.Quantity + price*qty
	pos.Quantity += qty
	pos.AvgEntryPrice = total / pos.Quantity
	pos.CurrentPrice = current
	b.positions[symbol] = pos
}

// reducePositionLocked 减仓保持成本价不变，数量归零即删除持仓。
func (b *Broker) reducePositionLocked(symbol string, qty float64) {
	pos, ok := b.positions[symbol]
	if !ok {
		return
	}
	pos.Quantity -= qty
	if pos.Quantity <= 1e-9 {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = pos
}

func (b *Broker) refreshPositionPrice(symbol string, price float64) {
	if pos, ok := b.positions[symbol]; ok {
		pos.CurrentPrice = price
		b.positions[symbol] = pos
	}
}

// checkRestingOrders 在价格更新后重新检查该标的的休眠订单。
func (b *Broker) checkRestingOrders(symbol string, price float64) {
	ids := make([]string, 0)
	for id, order := range b.orders {
		if order.Symbol() == symbol && order.Status == domain.StatusAccepted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		order := b.orders[id]
		req := order.Request

		switch req.Kind {
		case domain.OrderKindLimit:
			if limitMarketable(req.Side, price, req.LimitPrice) {
				b.fillLocked(order, price)
			}
		case domain.OrderKindStop:
			if stopTriggered(req.Side, price, req.StopPrice) {
				b.fillLocked(order, price)
			}
		case domain.OrderKindStopLimit:
			if stopTriggered(req.Side, price, req.StopPrice) {
				b.fillTriggeredLocked(order, price)
			}
		case domain.OrderKindTrailingStop:
			b.checkTrailingLocked(order, price)
		}
	}
}

// checkTrailingLocked 维护移动止损的水位线并在回撤超限时触发。
func (b *Broker) checkTrailingLocked(order *domain.Order, price float64) {
	req := order.Request
	mark, ok := b.waterMarks[order.ID]
	if !ok {
		mark = price
	}

	if req.Side == domain.SideSell {
		if price > mark {
			mark = price
		}
		b.waterMarks[order.ID] = mark
		stop := mark * (1 - req.TrailPercent/100)
		if price <= stop {
			b.fillLocked(order, price)
		}
		return
	}

	mark = minFloat(mark, price)
	b.waterMarks[order.ID] = mark
	stop := mark * (1 + req.TrailPercent/100)
	if price >= stop {
		b.fillLocked(order, price)
	}
}

func (b *Broker) emitLocked(update broker.TradeUpdate) {
	b.pending = append(b.pending, update)
}

// flush 在锁释放后按入队顺序派发推送。
func (b *Broker) flush() {
	b.mu.Lock()
	updates := b.pending
	b.pending = nil
	handlers := append([]broker.UpdateHandler(nil), b.handlers...)
	b.mu.Unlock()

	for _, update := range updates {
		for _, handler := range handlers {
			handler(update)
		}
	}
}

// limitMarketable 判断限价单按当前价是否可成交。
func limitMarketable(side domain.Side, price, limit float64) bool {
	if limit <= 0 {
		return false
	}
	if side == domain.SideBuy {
		return price <= limit
	}
	return price >= limit
}

// stopTriggered 判断止损触发条件：买单价格上破，卖单价格下破。
func stopTriggered(side domain.Side, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == domain.SideBuy {
		return price >= stop
	}
	return price <= stop
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
