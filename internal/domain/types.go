package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 校验方向取值。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign 返回方向符号：买为 +1，卖为 -1。
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind 表示订单类型。
type OrderKind string

const (
	OrderKindMarket       OrderKind = "market"
	OrderKindLimit        OrderKind = "limit"
	OrderKindStop         OrderKind = "stop"
	OrderKindStopLimit    OrderKind = "stop_limit"
	OrderKindTrailingStop OrderKind = "trailing_stop"
)

// Valid 校验订单类型取值。
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindMarket, OrderKindLimit, OrderKindStop, OrderKindStopLimit, OrderKindTrailingStop:
		return true
	}
	return false
}

// TimeInForce 表示订单有效期策略。
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
	TIFOPG TimeInForce = "opg"
	TIFCLS TimeInForce = "cls"
)

// Valid 校验有效期取值。
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK, TIFOPG, TIFCLS:
		return true
	}
	return false
}

// TriggerTag 标记订单来源。
type TriggerTag string

const (
	TriggerManual    TriggerTag = "manual"
	TriggerRebalance TriggerTag = "rebalance"
	TriggerSignal    TriggerTag = "signal"
	TriggerStopLoss  TriggerTag = "stop_loss"
)

// OrderStatus 表示订单生命周期状态。
type OrderStatus string

const (
	StatusPending     OrderStatus = "PENDING"
	StatusSubmitted   OrderStatus = "SUBMITTED"
	StatusAccepted    OrderStatus = "ACCEPTED"
	StatusRejected    OrderStatus = "REJECTED"
	StatusPartialFill OrderStatus = "PARTIAL_FILL"
	StatusFilled      OrderStatus = "FILLED"
	StatusCancelled   OrderStatus = "CANCELLED"
	StatusExpired     OrderStatus = "EXPIRED"
)

// Terminal 判断状态是否为终态。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// statusTransitions 定义订单状态机的合法迁移。
var statusTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:     {StatusSubmitted, StatusRejected, StatusCancelled},
	StatusSubmitted:   {StatusAccepted, StatusRejected, StatusPartialFill, StatusFilled, StatusCancelled, StatusExpired},
	StatusAccepted:    {StatusPartialFill, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartialFill: {StatusPartialFill, StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to OrderStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderRequest 为不可变的下单意图。
type OrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      float64
	Kind          OrderKind
	LimitPrice    float64
	StopPrice     float64
	TrailPercent  float64
	TimeInForce   TimeInForce
	ExtendedHours bool
	ClientOrderID string
	Trigger       TriggerTag
}

// Validate 校验下单意图的基本约束。
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: "symbol 不能为空"}
	}
	if !r.Side.Valid() {
		return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: fmt.Sprintf("非法方向 %q", r.Side)}
	}
	if !r.Kind.Valid() {
		return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: fmt.Sprintf("非法订单类型 %q", r.Kind)}
	}
	if r.Quantity <= 0 {
		return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: "数量必须大于0"}
	}
	if r.TimeInForce != "" && !r.TimeInForce.Valid() {
		return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: fmt.Sprintf("非法有效期 %q", r.TimeInForce)}
	}

	switch r.Kind {
	case OrderKindLimit:
		if r.LimitPrice <= 0 {
			return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: "限价单必须指定正的限价"}
		}
	case OrderKindStop:
		if r.StopPrice <= 0 {
			return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: "止损单必须指定正的触发价"}
		}
	case OrderKindStopLimit:
		if r.StopPrice <= 0 || r.LimitPrice <= 0 {
			return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: "止损限价单必须同时指定正的触发价与限价"}
		}
	case OrderKindTrailingStop:
		if r.TrailPercent <= 0 {
			return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: "移动止损单必须指定正的回撤比例"}
		}
	}

	if r.LimitPrice < 0 || r.StopPrice < 0 {
		return &OrderValidationError{Reason: ReasonMalformed, Symbol: r.Symbol, Message: "价格不能为负"}
	}

	return nil
}

// Notional 按给定价格估算订单名义金额。
func (r OrderRequest) Notional(price float64) float64 {
	return r.Quantity * price
}

// Order 为进入系统后的可变订单记录。
type Order struct {
	ID             string
	Request        OrderRequest
	Status         OrderStatus
	FilledQty      float64
	FilledAvgPrice float64
	Commission     float64
	Slippage       float64
	CreatedAt      time.Time
	SubmittedAt    time.Time
	FilledAt       time.Time
	CancelledAt    time.Time
}

// NewOrder 由请求创建处于 PENDING 状态的订单。
func NewOrder(id string, req OrderRequest, now time.Time) *Order {
	return &Order{
		ID:        id,
		Request:   req,
		Status:    StatusPending,
		CreatedAt: now,
	}
}

// Symbol 返回订单标的。
func (o *Order) Symbol() string { return o.Request.Symbol }

// Side 返回订单方向。
func (o *Order) Side() Side { return o.Request.Side }

// Remaining 返回未成交数量。
func (o *Order) Remaining() float64 {
	rem := o.Request.Quantity - o.FilledQty
	if rem < 0 {
		return 0
	}
	return rem
}

// Transition 执行一次状态迁移，非法迁移返回错误。
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("domain: 订单 %s 不允许从 %s 迁移到 %s", o.ID, o.Status, to)
	}

	o.Status = to
	switch to {
	case StatusSubmitted:
		o.SubmittedAt = now
	case StatusFilled:
		o.FilledAt = now
	case StatusCancelled, StatusExpired:
		o.CancelledAt = now
	}
	return nil
}

// ApplyFill 记录一笔成交并维护均价与状态。
func (o *Order) ApplyFill(qty, price float64, now time.Time) error {
	if qty <= 0 || price <= 0 {
		return errors.New("domain: 成交数量与价格必须为正")
	}
	if o.Status.Terminal() {
		return fmt.Errorf("domain: 订单 %s 已处于终态 %s，不能继续成交", o.ID, o.Status)
	}
	if o.FilledQty+qty > o.Request.Quantity+1e-9 {
		return fmt.Errorf("domain: 订单 %s 成交数量 %.4f 超过委托数量 %.4f", o.ID, o.FilledQty+qty, o.Request.Quantity)
	}

	total := o.FilledAvgPrice*o.FilledQty + price*qty
	o.FilledQty += qty
	o.FilledAvgPrice = total / o.FilledQty

	if o.Remaining() <= 1e-9 {
		o.FilledQty = o.Request.Quantity
		return o.Transition(StatusFilled, now)
	}
	return o.Transition(StatusPartialFill, now)
}
