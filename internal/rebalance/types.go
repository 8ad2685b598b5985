package rebalance

import (
	"fmt"
	"time"

	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/sizing"
)

// Trigger 标识再平衡的触发来源。
type Trigger string

const (
	TriggerCalendar Trigger = "calendar"
	TriggerDrift    Trigger = "drift"
	TriggerStopLoss Trigger = "stop_loss"
	TriggerSignal   Trigger = "signal"
	TriggerManual   Trigger = "manual"
)

// ProposalState 为提案生命周期状态。执行为终态，不可重复。
type ProposalState string

const (
	StateCreated  ProposalState = "created"
	StateApproved ProposalState = "approved"
	StateExecuted ProposalState = "executed"
	StateRejected ProposalState = "rejected"
)

// ProposalStateError 表示对提案的非法状态操作，属于调用方编程错误。
type ProposalStateError struct {
	ProposalID string
	State      ProposalState
	Attempted  string
}

func (e *ProposalStateError) Error() string {
	return fmt.Sprintf("rebalance: 提案 %s 处于 %s 状态，不允许操作 %s",
		e.ProposalID, e.State, e.Attempted)
}

// PlannedTrade 为提案中的一笔待执行交易。
type PlannedTrade struct {
	Symbol         string
	Side           domain.Side
	Quantity       float64
	EstimatedPrice float64
	Notional       float64
	Reason         string
}

// Proposal 为一次再平衡提案。创建后需显式批准才能执行，
// 执行后进入终态，重复执行返回 ProposalStateError。
type Proposal struct {
	ID         string
	Trigger    Trigger
	State      ProposalState
	Targets    sizing.Allocation
	Trades     []PlannedTrade
	CreatedAt  time.Time
	ApprovedAt time.Time
	ExecutedAt time.Time
}

// Approve 批准提案。仅允许从 created 状态批准。
func (p *Proposal) Approve(now time.Time) error {
	if p.State != StateCreated {
		return &ProposalStateError{ProposalID: p.ID, State: p.State, Attempted: "approve"}
	}
	p.State = StateApproved
	p.ApprovedAt = now
	return nil
}

// Reject 驳回提案。仅允许从 created 状态驳回。
func (p *Proposal) Reject() error {
	if p.State != StateCreated {
		return &ProposalStateError{ProposalID: p.ID, State: p.State, Attempted: "reject"}
	}
	p.State = StateRejected
	return nil
}

// MarkExecuted 将提案标记为已执行。未批准或已执行的提案均不允许。
func (p *Proposal) MarkExecuted(now time.Time) error {
	if p.State != StateApproved {
		return &ProposalStateError{ProposalID: p.ID, State: p.State, Attempted: "execute"}
	}
	p.State = StateExecuted
	p.ExecutedAt = now
	return nil
}

// SellTrades 返回提案中的卖出部分，保持原有顺序。
func (p *Proposal) SellTrades() []PlannedTrade {
	var out []PlannedTrade
	for _, t := range p.Trades {
		if t.Side == domain.SideSell {
			out = append(out, t)
		}
	}
	return out
}

// BuyTrades 返回提案中的买入部分，保持原有顺序。
func (p *Proposal) BuyTrades() []PlannedTrade {
	var out []PlannedTrade
	for _, t := range p.Trades {
		if t.Side == domain.SideBuy {
			out = append(out, t)
		}
	}
	return out
}
