package alpaca

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"portfolio-trader/internal/domain"
)

// toAlpacaSide 把内部方向映射为 Alpaca 词汇。
func toAlpacaSide(side domain.Side) (alpaca.Side, error) {
	switch side {
	case domain.SideBuy:
		return alpaca.Buy, nil
	case domain.SideSell:
		return alpaca.Sell, nil
	}
	return "", fmt.Errorf("alpaca: 无法映射方向 %q", side)
}

// toAlpacaType 把内部订单类型映射为 Alpaca 词汇。
func toAlpacaType(kind domain.OrderKind) (alpaca.OrderType, error) {
	switch kind {
	case domain.OrderKindMarket:
		return alpaca.Market, nil
	case domain.OrderKindLimit:
		return alpaca.Limit, nil
	case domain.OrderKindStop:
		return alpaca.Stop, nil
	case domain.OrderKindStopLimit:
		return alpaca.StopLimit, nil
	case domain.OrderKindTrailingStop:
		return alpaca.TrailingStop, nil
	}
	return "", fmt.Errorf("alpaca: 无法映射订单类型 %q", kind)
}

// toAlpacaTIF 把内部有效期映射为 Alpaca 词汇。空值按当日处理。
func toAlpacaTIF(tif domain.TimeInForce) (alpaca.TimeInForce, error) {
	switch tif {
	case "", domain.TIFDay:
		return alpaca.Day, nil
	case domain.TIFGTC:
		return alpaca.GTC, nil
	case domain.TIFIOC:
		return alpaca.IOC, nil
	case domain.TIFFOK:
		return alpaca.FOK, nil
	case domain.TIFOPG:
		return alpaca.OPG, nil
	case domain.TIFCLS:
		return alpaca.CLS, nil
	}
	return "", fmt.Errorf("alpaca: 无法映射有效期 %q", tif)
}

// statusTable 把 Alpaca 的订单状态词汇折算回内部状态机。
// 未收录的状态一律按 SUBMITTED 处理，避免臆造终态。
var statusTable = map[string]domain.OrderStatus{
	"new":                  domain.StatusAccepted,
	"accepted":             domain.StatusAccepted,
	"pending_new":          domain.StatusSubmitted,
	"accepted_for_bidding": domain.StatusAccepted,
	"partially_filled":     domain.StatusPartialFill,
	"filled":               domain.StatusFilled,
	"canceled":             domain.StatusCancelled,
	"pending_cancel":       domain.StatusAccepted,
	"expired":              domain.StatusExpired,
	"done_for_day":         domain.StatusExpired,
	"rejected":             domain.StatusRejected,
	"stopped":              domain.StatusAccepted,
	"suspended":            domain.StatusAccepted,
	"replaced":             domain.StatusAccepted,
	"calculated":           domain.StatusAccepted,
}

func fromAlpacaStatus(status string) domain.OrderStatus {
	if mapped, ok := statusTable[status]; ok {
		return mapped
	}
	return domain.StatusSubmitted
}

func fromAlpacaType(t alpaca.OrderType) domain.OrderKind {
	switch t {
	case alpaca.Limit:
		return domain.OrderKindLimit
	case alpaca.Stop:
		return domain.OrderKindStop
	case alpaca.StopLimit:
		return domain.OrderKindStopLimit
	case alpaca.TrailingStop:
		return domain.OrderKindTrailingStop
	default:
		return domain.OrderKindMarket
	}
}

func fromAlpacaSide(s alpaca.Side) domain.Side {
	if s == alpaca.Sell {
		return domain.SideSell
	}
	return domain.SideBuy
}

// fromAlpacaOrder 把 Alpaca 订单折算为内部订单记录。
func fromAlpacaOrder(o *alpaca.Order) *domain.Order {
	if o == nil {
		return nil
	}

	qty := decimal.Zero
	if o.Qty != nil {
		qty = *o.Qty
	}
	limit := decimal.Zero
	if o.LimitPrice != nil {
		limit = *o.LimitPrice
	}
	stop := decimal.Zero
	if o.StopPrice != nil {
		stop = *o.StopPrice
	}
	trail := decimal.Zero
	if o.TrailPercent != nil {
		trail = *o.TrailPercent
	}
	filledAvg := decimal.Zero
	if o.FilledAvgPrice != nil {
		filledAvg = *o.FilledAvgPrice
	}

	order := &domain.Order{
		ID: o.ID,
		Request: domain.OrderRequest{
			Symbol:        o.Symbol,
			Side:          fromAlpacaSide(o.Side),
			Quantity:      qty.InexactFloat64(),
			Kind:          fromAlpacaType(o.Type),
			LimitPrice:    limit.InexactFloat64(),
			StopPrice:     stop.InexactFloat64(),
			TrailPercent:  trail.InexactFloat64(),
			TimeInForce:   domain.TimeInForce(o.TimeInForce),
			ExtendedHours: o.ExtendedHours,
			ClientOrderID: o.ClientOrderID,
		},
		Status:         fromAlpacaStatus(string(o.Status)),
		FilledQty:      o.FilledQty.InexactFloat64(),
		FilledAvgPrice: filledAvg.InexactFloat64(),
		CreatedAt:      o.CreatedAt,
		SubmittedAt:    o.SubmittedAt,
	}

	if o.FilledAt != nil {
		order.FilledAt = *o.FilledAt
	}
	if o.CanceledAt != nil {
		order.CancelledAt = *o.CanceledAt
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	return order
}
