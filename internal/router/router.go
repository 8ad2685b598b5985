package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"portfolio-trader/internal/broker"
	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/marketdata"
)

// StatsProvider 提供路由决策所需的标的统计量。
type StatsProvider interface {
	GetStats(ctx context.Context, symbol string, lookback int) (marketdata.SymbolStats, error)
}

// RouteResult 描述一次路由的执行结果。
// 直接下单时 Orders 只含一笔，切片执行时为各子单集合。
type RouteResult struct {
	Sliced        bool
	Strategy      Strategy
	Participation float64
	Schedule      *Schedule
	Orders        []*domain.Order
}

// Router 负责母单的智能路由：小单直接提交，
// 参与率超过阈值的大单切片分批执行。
type Router struct {
	cfg       config.ExecutionConfig
	broker    broker.Broker
	stats     StatsProvider
	scheduler *Scheduler
	logger    *zap.Logger

	// 切片间隔等待，测试中可替换以避免真实休眠
	wait func(ctx context.Context, d time.Duration) error
}

// New 创建路由器。
func New(cfg config.ExecutionConfig, b broker.Broker, stats StatsProvider,
	scheduler *Scheduler, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:       cfg,
		broker:    b,
		stats:     stats,
		scheduler: scheduler,
		logger:    logger,
		wait:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Route 执行母单。市价与限价单参与路由决策，
// 止损类订单属于条件委托，始终直接透传给券商。
func (r *Router) Route(ctx context.Context, req domain.OrderRequest, urgency float64) (RouteResult, error) {
	if err := req.Validate(); err != nil {
		return RouteResult{}, err
	}

	if req.Kind != domain.OrderKindMarket && req.Kind != domain.OrderKindLimit {
		return r.direct(ctx, req, 0)
	}

	stats, err := r.stats.GetStats(ctx, req.Symbol, 30)
	if err != nil {
		r.logger.Warn("统计量不可用，退化为直接下单",
			zap.String("symbol", req.Symbol), zap.Error(err))
		return r.direct(ctx, req, 0)
	}

	participation := 0.0
	if stats.ADV > 0 {
		participation = req.Quantity / stats.ADV
	}
	if participation <= r.cfg.ParticipationThreshold {
		return r.direct(ctx, req, participation)
	}

	return r.sliced(ctx, req, stats, participation, urgency)
}

// direct 将订单一次性提交。市价单转为带缓冲的激进限价单，
// 在保证可成交的同时为价格滑动设置上限。
func (r *Router) direct(ctx context.Context, req domain.OrderRequest, participation float64) (RouteResult, error) {
	submit := req
	if req.Kind == domain.OrderKindMarket && r.cfg.LimitBufferBps > 0 {
		quote, err := r.broker.GetQuote(ctx, req.Symbol)
		if err == nil && quote.Mid() > 0 {
			submit.Kind = domain.OrderKindLimit
			submit.LimitPrice = aggressiveLimit(quote.Mid(), req.Side, r.cfg.LimitBufferBps)
		}
	}

	order, err := r.broker.SubmitOrder(ctx, submit)
	if err != nil {
		return RouteResult{}, err
	}

	r.logger.Info("直接下单",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Quantity),
		zap.Float64("participation", participation),
	)
	return RouteResult{Participation: participation, Orders: []*domain.Order{order}}, nil
}

// sliced 生成切片计划并依次执行。子单为当前中间价附近的激进限价单，
// 单个子单失败中止剩余切片并返回已完成部分。
func (r *Router) sliced(ctx context.Context, req domain.OrderRequest,
	stats marketdata.SymbolStats, participation, urgency float64) (RouteResult, error) {

	quote, err := r.broker.GetQuote(ctx, req.Symbol)
	if err != nil {
		return RouteResult{}, fmt.Errorf("router: 获取报价失败: %w", err)
	}

	snap := MarketSnapshot{
		ADV:             stats.ADV,
		SpreadBps:       quote.SpreadBps(),
		DailyVolatility: stats.DailyVolatility,
	}

	cmp, err := r.scheduler.CompareStrategies(req.Symbol, req.Side, req.Quantity,
		r.cfg.DefaultSlices, r.window(), snap, urgency)
	if err != nil {
		return RouteResult{}, err
	}

	schedule, err := r.scheduler.Build(cmp.Recommended, req.Symbol, req.Side, req.Quantity,
		r.cfg.DefaultSlices, r.window(), snap, urgency)
	if err != nil {
		return RouteResult{}, err
	}
	if err := schedule.Validate(); err != nil {
		return RouteResult{}, err
	}

	r.logger.Info("母单进入切片执行",
		zap.String("symbol", req.Symbol),
		zap.String("strategy", string(cmp.Recommended)),
		zap.String("reason", cmp.Reason),
		zap.Float64("participation", participation),
		zap.Int("slices", len(schedule.Slices)),
	)

	result := RouteResult{
		Sliced:        true,
		Strategy:      cmp.Recommended,
		Participation: participation,
		Schedule:      &schedule,
	}

	var elapsed time.Duration
	for _, slice := range schedule.Slices {
		if d := slice.StartOffset - elapsed; d > 0 {
			if err := r.wait(ctx, d); err != nil {
				return result, err
			}
			elapsed = slice.StartOffset
		}

		child := req
		child.Quantity = slice.Quantity
		child.ClientOrderID = childOrderID(req.ClientOrderID, slice.Index)

		sliceQuote, err := r.broker.GetQuote(ctx, req.Symbol)
		if err == nil && sliceQuote.Mid() > 0 {
			child.Kind = domain.OrderKindLimit
			child.LimitPrice = aggressiveLimit(sliceQuote.Mid(), req.Side, r.cfg.LimitBufferBps)
		}

		order, err := r.broker.SubmitOrder(ctx, child)
		if err != nil {
			r.logger.Error("子单提交失败，中止剩余切片",
				zap.String("symbol", req.Symbol),
				zap.Int("slice", slice.Index),
				zap.Error(err),
			)
			return result, err
		}
		result.Orders = append(result.Orders, order)
	}

	return result, nil
}

func (r *Router) window() time.Duration {
	return time.Duration(r.cfg.WindowMinutes) * time.Minute
}

// aggressiveLimit 返回越过中间价 buffer 基点的限价。
func aggressiveLimit(mid float64, side domain.Side, bufferBps float64) float64 {
	return mid * (1 + side.Sign()*bufferBps/10000)
}

func childOrderID(parent string, index int) string {
	if parent == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", parent, index)
}
