package broker

import (
	"context"

	"portfolio-trader/internal/domain"
)

// OrderFilter 约束订单查询范围。零值表示不过滤。
type OrderFilter struct {
	Symbol   string
	Status   domain.OrderStatus
	OpenOnly bool
}

// Matches 判断订单是否命中过滤条件。
func (f OrderFilter) Matches(o *domain.Order) bool {
	if f.Symbol != "" && o.Symbol() != f.Symbol {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.OpenOnly && o.Status.Terminal() {
		return false
	}
	return true
}

// TradeUpdate 为订单状态推送事件。Trade 仅在成交事件时非空。
type TradeUpdate struct {
	Event string // new | fill | partial_fill | cancel | reject | expire
	Order domain.Order
	Trade *domain.Trade
}

// UpdateHandler 处理订单推送回调。
type UpdateHandler func(TradeUpdate)

// Broker 定义券商能力契约。交易服务只依赖该接口，
// 具体实现为真实券商适配器或进程内模拟撮合。
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetAccount(ctx context.Context) (domain.AccountInfo, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error)

	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	CancelAll(ctx context.Context) (int, error)
	GetOrders(ctx context.Context, filter OrderFilter) ([]*domain.Order, error)

	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
	StreamTradeUpdates(ctx context.Context, handler UpdateHandler) error
}
