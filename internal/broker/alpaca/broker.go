package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"portfolio-trader/internal/broker"
	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
	md "portfolio-trader/internal/marketdata"
)

// Broker 为 Alpaca 券商适配器。只读调用带有限次退避重试；
// submit_order 永不自动重试，幂等性由客户端订单ID保证。
type Broker struct {
	cfg         config.BrokerConfig
	logger      *zap.Logger
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
}

var _ broker.Broker = (*Broker)(nil)

// New 创建 Alpaca 适配器。
func New(cfg config.BrokerConfig, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:    cfg,
		logger: logger,
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
	}
}

// Connect 通过拉取账户验证凭据有效。
func (b *Broker) Connect(ctx context.Context) error {
	_, err := b.GetAccount(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("Alpaca 连接就绪", zap.String("base_url", b.cfg.BaseURL))
	return nil
}

// Disconnect 无持久连接需要关闭。
func (b *Broker) Disconnect(ctx context.Context) error {
	return nil
}

// GetAccount 拉取账户快照。
func (b *Broker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	var acct *alpaca.Account
	err := b.callWithRetry(ctx, "get_account", func() error {
		var callErr error
		acct, callErr = b.tradeClient.GetAccount()
		return callErr
	})
	if err != nil {
		return domain.AccountInfo{}, err
	}

	remaining := 3 - int(acct.DaytradeCount)
	if remaining < 0 {
		remaining = 0
	}

	return domain.AccountInfo{
		Cash:               acct.Cash.InexactFloat64(),
		BuyingPower:        acct.BuyingPower.InexactFloat64(),
		PortfolioValue:     acct.PortfolioValue.Sub(acct.Cash).InexactFloat64(),
		Equity:             acct.Equity.InexactFloat64(),
		DayTradesRemaining: remaining,
		TradingBlocked:     acct.TradingBlocked,
		AccountBlocked:     acct.AccountBlocked,
		Timestamp:          time.Now().UTC(),
	}, nil
}

// GetPositions 拉取全部持仓。
func (b *Broker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var raw []alpaca.Position
	err := b.callWithRetry(ctx, "get_positions", func() error {
		var callErr error
		raw, callErr = b.tradeClient.GetPositions()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		current := decimal.Zero
		if p.CurrentPrice != nil {
			current = *p.CurrentPrice
		}
		out = append(out, domain.Position{
			Symbol:        p.Symbol,
			Quantity:      p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  current.InexactFloat64(),
		})
	}
	return out, nil
}

// GetPosition 返回单标的持仓，未持有时第二个返回值为 false。
func (b *Broker) GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return domain.Position{}, false, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, true, nil
		}
	}
	return domain.Position{}, false, nil
}

// SubmitOrder 提交订单。提交失败直接上抛给调用方，不做自动重试。
func (b *Broker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	side, err := toAlpacaSide(req.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := toAlpacaType(req.Kind)
	if err != nil {
		return nil, err
	}
	tif, err := toAlpacaTIF(req.TimeInForce)
	if err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(req.Quantity)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          orderType,
		TimeInForce:   tif,
		ExtendedHours: req.ExtendedHours,
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice > 0 {
		limit := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &limit
	}
	if req.StopPrice > 0 {
		stop := decimal.NewFromFloat(req.StopPrice)
		placeReq.StopPrice = &stop
	}
	if req.TrailPercent > 0 {
		trail := decimal.NewFromFloat(req.TrailPercent)
		placeReq.TrailPercent = &trail
	}

	raw, err := b.tradeClient.PlaceOrder(placeReq)
	if err != nil {
		return nil, &domain.BrokerError{Op: "submit_order", Retryable: false, Err: err}
	}

	order := fromAlpacaOrder(raw)
	order.Request.Trigger = req.Trigger
	return order, nil
}

// CancelOrder 取消订单。券商侧已终态的订单返回 false 而非错误。
func (b *Broker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	err := b.tradeClient.CancelOrder(orderID)
	if err == nil {
		return true, nil
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 404 || apiErr.StatusCode == 422) {
		return false, nil
	}
	return false, &domain.BrokerError{Op: "cancel_order", Retryable: retryableStatus(err), Err: err}
}

// CancelAll 取消全部活动订单并返回取消数量。
func (b *Broker) CancelAll(ctx context.Context) (int, error) {
	open, err := b.GetOrders(ctx, broker.OrderFilter{OpenOnly: true})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, order := range open {
		ok, cancelErr := b.CancelOrder(ctx, order.ID)
		if cancelErr != nil {
			return count, cancelErr
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// GetOrders 按过滤条件查询订单。
func (b *Broker) GetOrders(ctx context.Context, filter broker.OrderFilter) ([]*domain.Order, error) {
	status := "all"
	if filter.OpenOnly {
		status = "open"
	}

	request := alpaca.GetOrdersRequest{Status: status, Limit: 500}
	if filter.Symbol != "" {
		request.Symbols = []string{filter.Symbol}
	}

	var raw []alpaca.Order
	err := b.callWithRetry(ctx, "get_orders", func() error {
		var callErr error
		raw, callErr = b.tradeClient.GetOrders(request)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Order, 0, len(raw))
	for i := range raw {
		order := fromAlpacaOrder(&raw[i])
		if filter.Matches(order) {
			out = append(out, order)
		}
	}
	return out, nil
}

// GetQuote 拉取最优买卖报价与最新成交价。
func (b *Broker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	var quote domain.Quote
	err := b.callWithRetry(ctx, "get_quote", func() error {
		q, callErr := b.mdClient.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
		if callErr != nil {
			return callErr
		}
		trade, callErr := b.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if callErr != nil {
			return callErr
		}

		quote = domain.Quote{
			Symbol:    symbol,
			Timestamp: time.Now().UTC(),
		}
		if q != nil {
			quote.Bid = q.BidPrice
			quote.Ask = q.AskPrice
		}
		if trade != nil {
			quote.Last = trade.Price
		}
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return quote, nil
}

// GetDailyBars 拉取最近的日线历史，时间倒推足量交易日以覆盖 limit 根。
func (b *Broker) GetDailyBars(ctx context.Context, symbol string, limit int) ([]md.Bar, error) {
	if limit <= 0 {
		limit = 30
	}

	var raw []marketdata.Bar
	err := b.callWithRetry(ctx, "get_daily_bars", func() error {
		var callErr error
		raw, callErr = b.mdClient.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame:  marketdata.OneDay,
			Start:      time.Now().UTC().AddDate(0, 0, -limit*2),
			TotalLimit: limit,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]md.Bar, 0, len(raw))
	for _, bar := range raw {
		out = append(out, md.Bar{
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    float64(bar.Volume),
		})
	}
	return out, nil
}

// IsMarketOpen 查询交易所时钟。
func (b *Broker) IsMarketOpen(ctx context.Context) (bool, error) {
	var open bool
	err := b.callWithRetry(ctx, "get_clock", func() error {
		clock, callErr := b.tradeClient.GetClock()
		if callErr != nil {
			return callErr
		}
		open = clock.IsOpen
		return nil
	})
	if err != nil {
		return false, err
	}
	return open, nil
}

// StreamTradeUpdates 订阅券商侧订单状态推送。
func (b *Broker) StreamTradeUpdates(ctx context.Context, handler broker.UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("alpaca: handler 不能为空")
	}

	// 后台流式订阅由SDK自行维护重连，随ctx结束。
	b.tradeClient.StreamTradeUpdatesInBackground(ctx, func(tu alpaca.TradeUpdate) {
		order := fromAlpacaOrder(&tu.Order)
		update := broker.TradeUpdate{
			Event: tu.Event,
			Order: *order,
		}
		if tu.Event == "fill" || tu.Event == "partial_fill" {
			price := 0.0
			qty := 0.0
			if tu.Price != nil {
				price = tu.Price.InexactFloat64()
			}
			if tu.Qty != nil {
				qty = tu.Qty.InexactFloat64()
			}
			update.Trade = &domain.Trade{
				ID:        tu.ExecutionID,
				OrderID:   order.ID,
				Symbol:    order.Symbol(),
				Side:      order.Side(),
				Quantity:  qty,
				Price:     price,
				Timestamp: tu.At,
			}
		}
		handler(update)
	})
	return nil
}

// callWithRetry 为只读调用提供有界指数退避重试。
func (b *Broker) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := b.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := b.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := b.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		latency := time.Since(start)
		if err == nil {
			if attempt > 1 {
				b.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return nil
		}

		retry := retryableStatus(err)
		if !retry || attempt >= maxAttempts {
			b.logger.Error("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return &domain.BrokerError{Op: operation, Retryable: retry, Err: err}
		}

		b.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// retryableStatus 判断券商错误是否属于暂时性故障。
func retryableStatus(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
