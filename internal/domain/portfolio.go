package domain

import "time"

// PositionSide 表示持仓方向。
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position 表示单一标的的持仓。数量为带符号值，持仓为0时应当删除该记录。
type Position struct {
	Symbol        string
	Quantity      float64
	AvgEntryPrice float64
	CurrentPrice  float64
}

// Side 根据数量符号推导持仓方向。
func (p Position) Side() PositionSide {
	if p.Quantity < 0 {
		return PositionShort
	}
	return PositionLong
}

// MarketValue 返回按当前价计算的市值。
func (p Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// CostBasis 返回持仓成本。
func (p Position) CostBasis() float64 {
	return p.Quantity * p.AvgEntryPrice
}

// UnrealizedPL 返回浮动盈亏。
func (p Position) UnrealizedPL() float64 {
	return p.MarketValue() - p.CostBasis()
}

// UnrealizedPLPercent 返回浮动盈亏比例。
func (p Position) UnrealizedPLPercent() float64 {
	basis := p.CostBasis()
	if basis == 0 {
		return 0
	}
	if basis < 0 {
		basis = -basis
	}
	return p.UnrealizedPL() / basis
}

// AccountInfo 为账户资金快照。任何观测点都应满足 Equity == Cash + PortfolioValue。
type AccountInfo struct {
	Cash               float64
	BuyingPower        float64
	PortfolioValue     float64
	Equity             float64
	MarginUsed         float64
	DayTradesRemaining int
	TradingBlocked     bool
	AccountBlocked     bool
	Timestamp          time.Time
}

// Trade 为不可变的成交记录，只追加不修改。
type Trade struct {
	ID         string
	OrderID    string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	Commission float64
	Slippage   float64
	Timestamp  time.Time
}

// Notional 返回成交名义金额。
func (t Trade) Notional() float64 {
	return t.Quantity * t.Price
}

// Quote 为单标的的最优买卖报价。
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Timestamp time.Time
}

// Mid 返回中间价，缺少盘口时退化为最新价。
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadBps 返回买卖价差（基点）。
func (q Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid <= 0 || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 10000
}
