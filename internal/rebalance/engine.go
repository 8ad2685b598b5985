package rebalance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/sizing"
)

// Snapshot 为制定再平衡提案所需的组合快照。
type Snapshot struct {
	Equity    float64
	Positions map[string]domain.Position
	Prices    map[string]float64
	Scores    map[string]float64 // symbol → 信号强度，缺失视为0
}

// Engine 将目标权重与当前组合之差转为交易提案。
type Engine struct {
	cfg    config.RebalanceConfig
	logger *zap.Logger
	now    func() time.Time
}

// New 创建再平衡引擎。
func New(cfg config.RebalanceConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CheckDrift 判断组合是否偏离目标权重超过阈值，返回漂移超限的标的。
func (e *Engine) CheckDrift(snap Snapshot, targets sizing.Allocation) []string {
	if snap.Equity <= 0 {
		return nil
	}

	var drifted []string
	seen := make(map[string]bool, len(targets))
	for symbol, target := range targets {
		seen[symbol] = true
		current := 0.0
		if pos, ok := snap.Positions[symbol]; ok {
			current = pos.MarketValue() / snap.Equity
		}
		if math.Abs(current-target) > e.cfg.DriftThreshold {
			drifted = append(drifted, symbol)
		}
	}

	// 目标之外的持仓权重本身即为漂移
	for symbol, pos := range snap.Positions {
		if !seen[symbol] && pos.MarketValue()/snap.Equity > e.cfg.DriftThreshold {
			drifted = append(drifted, symbol)
		}
	}

	sort.Strings(drifted)
	return drifted
}

// CheckStopLoss 返回浮亏超过止损线的持仓。
func (e *Engine) CheckStopLoss(snap Snapshot) []string {
	var breached []string
	for symbol, pos := range snap.Positions {
		if pos.UnrealizedPLPercent() <= -e.cfg.StopLossPct {
			breached = append(breached, symbol)
		}
	}
	sort.Strings(breached)
	return breached
}

// BuildProposal 生成交易提案：先清退、后调整、再建仓。
// 卖出始终排在买入之前，确保买入时有足够现金。
func (e *Engine) BuildProposal(trigger Trigger, snap Snapshot, targets sizing.Allocation) (*Proposal, error) {
	if snap.Equity <= 0 {
		return nil, fmt.Errorf("rebalance: 净值非正，无法生成提案")
	}

	var sells, buys []PlannedTrade

	// 现有持仓：目标为0或信号跌破退出线的全部清退，其余调整到目标
	for symbol, pos := range snap.Positions {
		price, ok := snap.Prices[symbol]
		if !ok || price <= 0 {
			e.logger.Warn("缺少价格，跳过该持仓", zap.String("symbol", symbol))
			continue
		}

		target := targets[symbol]
		score, scored := snap.Scores[symbol]

		// 无信号数据时仅按目标权重调仓，不做信号退出
		if target <= 0 || (scored && score < e.cfg.ExitScore) {
			reason := "不在目标组合"
			if target > 0 {
				reason = fmt.Sprintf("信号 %.2f 跌破退出线 %.2f", score, e.cfg.ExitScore)
			}
			sells = append(sells, e.planTrade(symbol, domain.SideSell, pos.Quantity, price, reason))
			continue
		}

		targetValue := target * snap.Equity
		delta := targetValue - pos.Quantity*price
		if math.Abs(delta) < e.cfg.MinTradeValue {
			continue
		}

		if delta < 0 {
			sells = append(sells, e.planTrade(symbol, domain.SideSell, -delta/price, price,
				fmt.Sprintf("减仓至目标权重 %.2f%%", target*100)))
		} else {
			buys = append(buys, e.planTrade(symbol, domain.SideBuy, delta/price, price,
				fmt.Sprintf("加仓至目标权重 %.2f%%", target*100)))
		}
	}

	// 新建仓位：仅接纳信号达到入场线的目标标的
	for symbol, target := range targets {
		if _, held := snap.Positions[symbol]; held {
			continue
		}
		price, ok := snap.Prices[symbol]
		if !ok || price <= 0 {
			e.logger.Warn("缺少价格，跳过新建仓", zap.String("symbol", symbol))
			continue
		}
		if score, scored := snap.Scores[symbol]; scored && score < e.cfg.EntryScore {
			continue
		}

		value := target * snap.Equity
		if value < e.cfg.MinTradeValue {
			continue
		}
		buys = append(buys, e.planTrade(symbol, domain.SideBuy, value/price, price,
			fmt.Sprintf("建仓至目标权重 %.2f%%", target*100)))
	}

	sortByNotionalDesc(sells)
	sortByNotionalDesc(buys)

	trades := append(sells, buys...)
	if len(trades) > e.cfg.MaxTrades {
		e.logger.Info("提案交易数超限，按名义金额截断",
			zap.Int("planned", len(trades)),
			zap.Int("max", e.cfg.MaxTrades),
		)
		trades = truncateTrades(sells, buys, e.cfg.MaxTrades)
	}

	proposal := &Proposal{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		State:     StateCreated,
		Targets:   targets,
		Trades:    trades,
		CreatedAt: e.now(),
	}

	e.logger.Info("生成再平衡提案",
		zap.String("proposal_id", proposal.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("sells", len(proposal.SellTrades())),
		zap.Int("buys", len(proposal.BuyTrades())),
	)
	return proposal, nil
}

// StopLossProposal 为止损标的生成全部清仓的提案。
func (e *Engine) StopLossProposal(snap Snapshot, breached []string) (*Proposal, error) {
	var sells []PlannedTrade
	for _, symbol := range breached {
		pos, ok := snap.Positions[symbol]
		if !ok {
			continue
		}
		price, ok := snap.Prices[symbol]
		if !ok || price <= 0 {
			price = pos.CurrentPrice
		}
		if price <= 0 {
			continue
		}
		sells = append(sells, e.planTrade(symbol, domain.SideSell, pos.Quantity, price,
			fmt.Sprintf("浮亏 %.2f%% 触发止损", pos.UnrealizedPLPercent()*100)))
	}
	if len(sells) == 0 {
		return nil, fmt.Errorf("rebalance: 止损标的均无可清仓持仓")
	}

	sortByNotionalDesc(sells)
	return &Proposal{
		ID:        uuid.NewString(),
		Trigger:   TriggerStopLoss,
		State:     StateCreated,
		Trades:    sells,
		CreatedAt: e.now(),
	}, nil
}

func (e *Engine) planTrade(symbol string, side domain.Side, qty, price float64, reason string) PlannedTrade {
	return PlannedTrade{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		EstimatedPrice: price,
		Notional:       qty * price,
		Reason:         reason,
	}
}

func sortByNotionalDesc(trades []PlannedTrade) {
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].Notional != trades[j].Notional {
			return trades[i].Notional > trades[j].Notional
		}
		return trades[i].Symbol < trades[j].Symbol
	})
}

// truncateTrades 截断到交易数上限。卖出优先保留，剩余额度给买入。
func truncateTrades(sells, buys []PlannedTrade, max int) []PlannedTrade {
	if len(sells) >= max {
		return sells[:max]
	}
	remaining := max - len(sells)
	if remaining > len(buys) {
		remaining = len(buys)
	}
	return append(sells[:len(sells):len(sells)], buys[:remaining]...)
}
