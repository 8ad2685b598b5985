package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portfolio-trader/internal/broker"
	"portfolio-trader/internal/broker/alpaca"
	"portfolio-trader/internal/broker/paper"
	"portfolio-trader/internal/config"
	"portfolio-trader/internal/journal"
	"portfolio-trader/internal/marketdata"
	"portfolio-trader/internal/rebalance"
	"portfolio-trader/internal/router"
	"portfolio-trader/internal/sizing"
	"portfolio-trader/internal/store"
	"portfolio-trader/internal/trading"
	"portfolio-trader/internal/validator"
)

// marketClock 由支持交易所时钟查询的券商实现。
type marketClock interface {
	IsMarketOpen(ctx context.Context) (bool, error)
}

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装依赖并驱动主循环：行情心跳、止损巡检、
// 日历再平衡与每日净值快照，直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker_mode", a.cfg.Broker.Mode),
	)

	var (
		b      broker.Broker
		quotes marketdata.QuoteProvider
		bars   marketdata.BarProvider
		clock  marketClock
		sink   trading.PriceSink
	)
	switch strings.ToLower(strings.TrimSpace(a.cfg.Broker.Mode)) {
	case "alpaca":
		ab := alpaca.New(a.cfg.Broker, a.logger)
		b, quotes, bars, clock = ab, ab, ab, ab
	case "paper":
		pb := paper.New(a.cfg.Paper, a.logger)
		b, sink = pb, pb
		// 模拟撮合的价格来自真实行情源，否则休眠订单永远无法成交
		if a.cfg.Broker.APIKey != "" {
			feed := alpaca.New(a.cfg.Broker, a.logger)
			quotes, bars, clock = feed, feed, feed
		} else {
			a.logger.Warn("未配置行情源，模拟盘价格需由外部推送")
		}
	default:
		return fmt.Errorf("app: 未知券商模式 %q", a.cfg.Broker.Mode)
	}

	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("app: 连接券商失败: %w", err)
	}
	defer func() {
		if err := b.Disconnect(context.Background()); err != nil {
			a.logger.Warn("断开券商连接失败", zap.Error(err))
		}
	}()

	jnl, err := journal.New(a.store, a.logger)
	if err != nil {
		return err
	}

	externalFeed := quotes != nil
	if quotes == nil {
		quotes = b
	}
	mdSvc := marketdata.NewService(quotes, bars, a.logger)
	svc := trading.NewService(*a.cfg, b,
		validator.New(a.cfg.Risk, a.logger),
		router.New(a.cfg.Execution, b, mdSvc,
			router.NewScheduler(a.cfg.Paper.ImpactCoefficient), a.logger),
		rebalance.New(a.cfg.Rebalance, a.logger),
		sizing.New(a.cfg.Sizing, a.cfg.Risk, a.logger),
		jnl, a.logger)
	if externalFeed && sink != nil {
		svc.AttachFeed(mdSvc, sink)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("app: 订阅订单推送失败: %w", err)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(a.cfg.Rebalance.CalendarSpec, func() {
		a.calendarRebalance(ctx, svc, mdSvc)
	}); err != nil {
		return fmt.Errorf("app: 注册再平衡日程失败: %w", err)
	}
	if _, err := scheduler.AddFunc(a.cfg.Scheduler.SnapshotSpec, func() {
		if _, snapErr := svc.SnapshotDaily(ctx); snapErr != nil {
			a.logger.Error("记录净值快照失败", zap.Error(snapErr))
		}
	}); err != nil {
		return fmt.Errorf("app: 注册快照日程失败: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.heartbeat(groupCtx, svc, clock)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// heartbeat 周期性刷新市场状态与价格，并巡检漂移与止损。
func (a *App) heartbeat(ctx context.Context, svc *trading.Service, clock marketClock) error {
	interval := a.cfg.Scheduler.PriceInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if clock != nil {
				open, err := clock.IsMarketOpen(ctx)
				if err != nil {
					a.logger.Warn("查询交易所时钟失败", zap.Error(err))
				} else {
					svc.SetMarketOpen(open)
				}
			}
			if err := svc.RefreshPrices(ctx); err != nil {
				a.logger.Warn("刷新价格失败", zap.Error(err))
			}
			a.checkStopLoss(ctx, svc)
			a.checkDrift(ctx, svc)
		}
	}
}

// checkStopLoss 巡检止损。止损属保护性动作，提案自动批准执行。
func (a *App) checkStopLoss(ctx context.Context, svc *trading.Service) {
	proposal, err := svc.ProposeStopLoss(ctx)
	if err != nil {
		a.logger.Error("止损巡检失败", zap.Error(err))
		return
	}
	if proposal == nil {
		return
	}

	a.logger.Warn("触发止损，自动执行清仓提案",
		zap.String("proposal_id", proposal.ID),
		zap.Int("trades", len(proposal.Trades)),
	)
	if err := svc.ApproveProposal(proposal.ID); err != nil {
		a.logger.Error("批准止损提案失败", zap.Error(err))
		return
	}
	if _, err := svc.ExecuteProposal(ctx, proposal.ID); err != nil {
		a.logger.Error("执行止损提案失败", zap.Error(err))
	}
}

// checkDrift 巡检组合漂移。漂移提案与日历提案同属自动流程，
// 自动批准执行。
func (a *App) checkDrift(ctx context.Context, svc *trading.Service) {
	proposal, err := svc.ProposeDriftRebalance(ctx)
	if err != nil {
		a.logger.Error("漂移巡检失败", zap.Error(err))
		return
	}
	if proposal == nil {
		return
	}
	if len(proposal.Trades) == 0 {
		if rejectErr := svc.RejectProposal(proposal.ID); rejectErr != nil {
			a.logger.Warn("关闭空提案失败", zap.Error(rejectErr))
		}
		return
	}

	a.logger.Info("漂移再平衡提案自动执行",
		zap.String("proposal_id", proposal.ID),
		zap.Int("trades", len(proposal.Trades)),
	)
	if err := svc.ApproveProposal(proposal.ID); err != nil {
		a.logger.Error("批准漂移提案失败", zap.Error(err))
		return
	}
	if _, err := svc.ExecuteProposal(ctx, proposal.ID); err != nil {
		a.logger.Error("执行漂移提案失败", zap.Error(err))
	}
}

// calendarRebalance 在交易日历触发时以现有持仓为候选，
// 按逆波动率重新分配权重并在漂移超限时调仓。
func (a *App) calendarRebalance(ctx context.Context, svc *trading.Service, mdSvc *marketdata.Service) {
	positions, err := svc.GetPositions(ctx)
	if err != nil {
		a.logger.Error("日历再平衡获取持仓失败", zap.Error(err))
		return
	}
	if len(positions) == 0 {
		return
	}

	candidates := make([]sizing.Candidate, 0, len(positions))
	for _, pos := range positions {
		c := sizing.Candidate{Symbol: pos.Symbol, Score: 1}
		if stats, statErr := mdSvc.GetStats(ctx, pos.Symbol, 30); statErr == nil {
			c.Volatility = stats.DailyVolatility
		} else {
			a.logger.Warn("候选统计量不可用",
				zap.String("symbol", pos.Symbol), zap.Error(statErr))
		}
		candidates = append(candidates, c)
	}

	proposal, err := svc.ProposeRebalance(ctx, rebalance.TriggerCalendar,
		sizing.MethodInverseVolatility, candidates, nil)
	if err != nil {
		a.logger.Error("生成日历再平衡提案失败", zap.Error(err))
		return
	}
	if len(proposal.Trades) == 0 {
		a.logger.Info("组合无需再平衡", zap.String("proposal_id", proposal.ID))
		if rejectErr := svc.RejectProposal(proposal.ID); rejectErr != nil {
			a.logger.Warn("关闭空提案失败", zap.Error(rejectErr))
		}
		return
	}

	a.logger.Info("日历再平衡提案自动执行",
		zap.String("proposal_id", proposal.ID),
		zap.Int("trades", len(proposal.Trades)),
	)
	if err := svc.ApproveProposal(proposal.ID); err != nil {
		a.logger.Error("批准再平衡提案失败", zap.Error(err))
		return
	}
	if _, err := svc.ExecuteProposal(ctx, proposal.ID); err != nil {
		a.logger.Error("执行再平衡提案失败", zap.Error(err))
	}
}
