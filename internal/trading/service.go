package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-trader/internal/broker"
	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/journal"
	"portfolio-trader/internal/rebalance"
	"portfolio-trader/internal/router"
	"portfolio-trader/internal/sizing"
	"portfolio-trader/internal/validator"
)

// ExecutionResult 为一次下单的最终结果。
// 校验拒绝不视为系统错误，Success 为 false 且 Err 携带拒绝原因。
type ExecutionResult struct {
	Success  bool
	Warnings []string
	Sliced   bool
	Orders   []*domain.Order
	Err      error
}

// QuoteFeed 提供外部行情报价。
type QuoteFeed interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// PriceSink 接受外部价格推送，由模拟券商实现。
type PriceSink interface {
	SetPrice(symbol string, price float64)
}

// Service 为交易门面：对外提供下单、再平衡与查询入口，
// 内部串联校验、路由与留痕，并持有提案生命周期。
type Service struct {
	cfg       config.Config
	broker    broker.Broker
	validator *validator.Validator
	router    *router.Router
	engine    *rebalance.Engine
	sizer     *sizing.Sizer
	journal   *journal.Journal
	logger    *zap.Logger

	mu             sync.Mutex
	proposals      map[string]*rebalance.Proposal
	sectors        map[string]string
	marketOpen     bool
	feed           QuoteFeed
	sink           PriceSink
	lastTargets    sizing.Allocation
	lastRebalanced time.Time

	now func() time.Time
}

// NewService 创建交易服务。
func NewService(cfg config.Config, b broker.Broker, v *validator.Validator,
	r *router.Router, e *rebalance.Engine, s *sizing.Sizer,
	j *journal.Journal, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		broker:     b,
		validator:  v,
		router:     r,
		engine:     e,
		sizer:      s,
		journal:    j,
		logger:     logger,
		proposals:  make(map[string]*rebalance.Proposal),
		sectors:    make(map[string]string),
		marketOpen: true,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetSectors 更新标的到行业的映射，供集中度校验使用。
func (s *Service) SetSectors(sectors map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sectors = make(map[string]string, len(sectors))
	for symbol, sector := range sectors {
		s.sectors[symbol] = sector
	}
}

// SetMarketOpen 更新市场开闭状态。
func (s *Service) SetMarketOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketOpen = open
}

// AttachFeed 挂载外部行情源与价格接收端。
// sink 仅模拟盘需要，真实券商传 nil。
func (s *Service) AttachFeed(feed QuoteFeed, sink PriceSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = feed
	s.sink = sink
}

// RefreshPrices 拉取持仓与活动订单标的的最新报价，
// 推送给价格接收端以驱动模拟撮合与持仓估值。
// 单标的报价失败仅告警，不中断整批刷新。
func (s *Service) RefreshPrices(ctx context.Context) error {
	s.mu.Lock()
	feed, sink := s.feed, s.sink
	s.mu.Unlock()
	if feed == nil {
		return nil
	}

	symbols := make(map[string]bool)
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("trading: 获取持仓失败: %w", err)
	}
	for _, pos := range positions {
		symbols[pos.Symbol] = true
	}
	open, err := s.broker.GetOrders(ctx, broker.OrderFilter{OpenOnly: true})
	if err != nil {
		return fmt.Errorf("trading: 获取活动订单失败: %w", err)
	}
	for _, order := range open {
		symbols[order.Symbol()] = true
	}

	for symbol := range symbols {
		quote, err := feed.GetQuote(ctx, symbol)
		if err != nil {
			s.logger.Warn("刷新报价失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		mid := quote.Mid()
		if mid <= 0 {
			continue
		}
		if sink != nil {
			sink.SetPrice(symbol, mid)
		}
	}
	return nil
}

// Start 订阅券商订单推送，将成交与订单状态落盘。
func (s *Service) Start(ctx context.Context) error {
	return s.broker.StreamTradeUpdates(ctx, func(update broker.TradeUpdate) {
		if s.journal == nil {
			return
		}
		order := update.Order
		if err := s.journal.RecordOrder(ctx, &order); err != nil {
			s.logger.Warn("订单留痕失败", zap.String("order_id", order.ID), zap.Error(err))
		}
		if update.Trade != nil {
			if err := s.journal.RecordTrade(ctx, *update.Trade); err != nil {
				s.logger.Warn("成交留痕失败", zap.String("trade_id", update.Trade.ID), zap.Error(err))
			}
		}
	})
}

// SubmitOrder 执行完整下单管线：校验、路由、留痕。
// 校验拒绝与券商错误均收敛为 ExecutionResult，调用方据 Success 判断。
func (s *Service) SubmitOrder(ctx context.Context, req domain.OrderRequest, urgency float64) ExecutionResult {
	if err := req.Validate(); err != nil {
		return ExecutionResult{Err: err}
	}

	account, err := s.broker.GetAccount(ctx)
	if err != nil {
		return ExecutionResult{Err: fmt.Errorf("trading: 获取账户失败: %w", err)}
	}
	positions, err := s.positionMap(ctx)
	if err != nil {
		return ExecutionResult{Err: err}
	}
	quote, err := s.broker.GetQuote(ctx, req.Symbol)
	if err != nil {
		return ExecutionResult{Err: fmt.Errorf("trading: 获取报价失败: %w", err)}
	}

	s.mu.Lock()
	sectors := s.sectors
	marketOpen := s.marketOpen
	s.mu.Unlock()

	check, err := s.validator.Validate(validator.Input{
		Request:    req,
		Account:    account,
		Positions:  positions,
		Sectors:    sectors,
		Price:      quote.Mid(),
		MarketOpen: marketOpen,
	})
	if err != nil {
		s.logger.Info("订单被事前校验拒绝",
			zap.String("symbol", req.Symbol),
			zap.Error(err),
		)
		return ExecutionResult{Err: err}
	}

	routed, err := s.router.Route(ctx, req, urgency)
	result := ExecutionResult{
		Success:  err == nil,
		Warnings: check.Warnings,
		Sliced:   routed.Sliced,
		Orders:   routed.Orders,
		Err:      err,
	}

	for _, order := range routed.Orders {
		s.recordOrder(ctx, order)
	}
	return result
}

// ProposeRebalance 按当前组合与给定分配算法生成再平衡提案。
// 提案进入待批准状态，需显式批准后才能执行。
func (s *Service) ProposeRebalance(ctx context.Context, trigger rebalance.Trigger,
	method sizing.Method, candidates []sizing.Candidate,
	returns map[string][]float64) (*rebalance.Proposal, error) {

	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := s.sizer.Allocate(method, candidates, snap.Equity, returns)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scores[c.Symbol] = c.Score
		if _, ok := snap.Prices[c.Symbol]; ok {
			continue
		}
		// 新建仓标的没有持仓价，补拉实时报价
		quote, err := s.broker.GetQuote(ctx, c.Symbol)
		if err != nil {
			s.logger.Warn("候选标的报价不可用", zap.String("symbol", c.Symbol), zap.Error(err))
			continue
		}
		snap.Prices[c.Symbol] = quote.Mid()
	}
	snap.Scores = scores

	proposal, err := s.engine.BuildProposal(trigger, snap, targets)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.proposals[proposal.ID] = proposal
	s.mu.Unlock()
	return proposal, nil
}

// ProposeStopLoss 检查止损并在有持仓触发时生成清仓提案。
func (s *Service) ProposeStopLoss(ctx context.Context) (*rebalance.Proposal, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	breached := s.engine.CheckStopLoss(snap)
	if len(breached) == 0 {
		return nil, nil
	}

	proposal, err := s.engine.StopLossProposal(snap, breached)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.proposals[proposal.ID] = proposal
	s.mu.Unlock()
	return proposal, nil
}

// ProposeDriftRebalance 检查组合相对最近一次执行目标的漂移，
// 超限时生成漂移触发的提案。尚无执行过的目标、漂移未超限
// 或距上次再平衡不足配置间隔时返回 nil。
func (s *Service) ProposeDriftRebalance(ctx context.Context) (*rebalance.Proposal, error) {
	s.mu.Lock()
	targets := s.lastTargets
	last := s.lastRebalanced
	s.mu.Unlock()

	if len(targets) == 0 {
		return nil, nil
	}
	if freq := s.cfg.Rebalance.Frequency; freq > 0 && !last.IsZero() && s.now().Sub(last) < freq {
		return nil, nil
	}

	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	drifted := s.engine.CheckDrift(snap, targets)
	if len(drifted) == 0 {
		return nil, nil
	}
	s.logger.Info("组合漂移超限", zap.Strings("symbols", drifted))

	// 目标中未持有的标的没有持仓价，补拉实时报价
	for symbol := range targets {
		if _, ok := snap.Prices[symbol]; ok {
			continue
		}
		quote, err := s.broker.GetQuote(ctx, symbol)
		if err != nil {
			s.logger.Warn("目标标的报价不可用", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		snap.Prices[symbol] = quote.Mid()
	}

	proposal, err := s.engine.BuildProposal(rebalance.TriggerDrift, snap, targets)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.proposals[proposal.ID] = proposal
	s.mu.Unlock()
	return proposal, nil
}

// ApproveProposal 批准提案。
func (s *Service) ApproveProposal(proposalID string) error {
	proposal, err := s.proposal(proposalID)
	if err != nil {
		return err
	}
	return proposal.Approve(s.now())
}

// RejectProposal 驳回提案。
func (s *Service) RejectProposal(proposalID string) error {
	proposal, err := s.proposal(proposalID)
	if err != nil {
		return err
	}
	return proposal.Reject()
}

// GetProposal 返回提案。
func (s *Service) GetProposal(proposalID string) (*rebalance.Proposal, error) {
	return s.proposal(proposalID)
}

// ExecuteProposal 执行已批准的提案：先执行全部卖出释放现金，
// 再执行买入。单笔失败记录后继续，整体执行完即进入终态。
func (s *Service) ExecuteProposal(ctx context.Context, proposalID string) ([]ExecutionResult, error) {
	proposal, err := s.proposal(proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.State != rebalance.StateApproved {
		return nil, &rebalance.ProposalStateError{
			ProposalID: proposal.ID, State: proposal.State, Attempted: "execute",
		}
	}

	results := make([]ExecutionResult, 0, len(proposal.Trades))
	run := func(trades []rebalance.PlannedTrade) {
		for _, trade := range trades {
			req := domain.OrderRequest{
				Symbol:   trade.Symbol,
				Side:     trade.Side,
				Quantity: trade.Quantity,
				Kind:     domain.OrderKindMarket,
				Trigger:  triggerTag(proposal.Trigger),
			}
			result := s.SubmitOrder(ctx, req, s.cfg.Execution.DefaultUrgency)
			if result.Err != nil {
				s.logger.Warn("提案交易执行失败",
					zap.String("proposal_id", proposal.ID),
					zap.String("symbol", trade.Symbol),
					zap.Error(result.Err),
				)
			}
			results = append(results, result)
		}
	}

	run(proposal.SellTrades())
	run(proposal.BuyTrades())

	if err := proposal.MarkExecuted(s.now()); err != nil {
		return results, err
	}

	// 已执行的目标权重作为后续漂移检查的基准
	s.mu.Lock()
	if len(proposal.Targets) > 0 {
		s.lastTargets = proposal.Targets
	}
	s.lastRebalanced = s.now()
	s.mu.Unlock()

	s.logger.Info("提案执行完成",
		zap.String("proposal_id", proposal.ID),
		zap.Int("trades", len(results)),
	)
	return results, nil
}

// CancelOrder 撤销单笔订单。
func (s *Service) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return s.broker.CancelOrder(ctx, orderID)
}

// CancelAllOrders 撤销全部未终态订单。
func (s *Service) CancelAllOrders(ctx context.Context) (int, error) {
	return s.broker.CancelAll(ctx)
}

// GetAccount 返回账户快照。
func (s *Service) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	return s.broker.GetAccount(ctx)
}

// GetPositions 返回全部持仓。
func (s *Service) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return s.broker.GetPositions(ctx)
}

// GetOrders 按条件查询订单。
func (s *Service) GetOrders(ctx context.Context, filter broker.OrderFilter) ([]*domain.Order, error) {
	return s.broker.GetOrders(ctx, filter)
}

// SnapshotDaily 记录当日净值快照。
func (s *Service) SnapshotDaily(ctx context.Context) (journal.DailySnapshot, error) {
	if s.journal == nil {
		return journal.DailySnapshot{}, fmt.Errorf("trading: 未配置交易日志")
	}
	account, err := s.broker.GetAccount(ctx)
	if err != nil {
		return journal.DailySnapshot{}, fmt.Errorf("trading: 获取账户失败: %w", err)
	}
	return s.journal.SnapshotDaily(ctx, s.now(), account)
}

func (s *Service) proposal(id string) (*rebalance.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("trading: 提案 %s 不存在", id)
	}
	return proposal, nil
}

func (s *Service) positionMap(ctx context.Context) (map[string]domain.Position, error) {
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("trading: 获取持仓失败: %w", err)
	}
	out := make(map[string]domain.Position, len(positions))
	for _, pos := range positions {
		out[pos.Symbol] = pos
	}
	return out, nil
}

func (s *Service) snapshot(ctx context.Context) (rebalance.Snapshot, error) {
	account, err := s.broker.GetAccount(ctx)
	if err != nil {
		return rebalance.Snapshot{}, fmt.Errorf("trading: 获取账户失败: %w", err)
	}
	positions, err := s.positionMap(ctx)
	if err != nil {
		return rebalance.Snapshot{}, err
	}

	prices := make(map[string]float64, len(positions))
	for symbol, pos := range positions {
		prices[symbol] = pos.CurrentPrice
	}

	return rebalance.Snapshot{
		Equity:    account.Equity,
		Positions: positions,
		Prices:    prices,
	}, nil
}

func (s *Service) recordOrder(ctx context.Context, order *domain.Order) {
	if s.journal == nil || order == nil {
		return
	}
	if err := s.journal.RecordOrder(ctx, order); err != nil {
		s.logger.Warn("订单留痕失败", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func triggerTag(trigger rebalance.Trigger) domain.TriggerTag {
	switch trigger {
	case rebalance.TriggerStopLoss:
		return domain.TriggerStopLoss
	case rebalance.TriggerSignal:
		return domain.TriggerSignal
	case rebalance.TriggerManual:
		return domain.TriggerManual
	default:
		return domain.TriggerRebalance
	}
}
