package domain

import (
	"errors"
	"fmt"
)

// ValidationReason 标记订单校验失败的具体原因。
type ValidationReason string

const (
	ReasonMalformed   ValidationReason = "malformed"
	ReasonNoPosition  ValidationReason = "no_position"
	ReasonDuplicate   ValidationReason = "duplicate"
	ReasonRateLimited ValidationReason = "rate_limited"
)

// InsufficientFundsError 表示购买力不足。
type InsufficientFundsError struct {
	Symbol    string
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("domain: %s 购买力不足：需要 %.2f，可用 %.2f", e.Symbol, e.Required, e.Available)
}

// OrderValidationError 表示订单在提交前被校验拒绝，调用方需要修正订单而非重试。
type OrderValidationError struct {
	Reason  ValidationReason
	Symbol  string
	Message string
}

func (e *OrderValidationError) Error() string {
	return fmt.Sprintf("domain: 订单校验失败 (%s) %s: %s", e.Reason, e.Symbol, e.Message)
}

// PositionLimitError 表示集中度限制被突破。
type PositionLimitError struct {
	Scope     string // symbol 或 sector 名称
	Projected float64
	Limit     float64
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("domain: %s 集中度 %.2f 超过上限 %.2f", e.Scope, e.Projected, e.Limit)
}

// MarketClosedError 表示市场休市且未允许盘外交易。
type MarketClosedError struct {
	Symbol string
}

func (e *MarketClosedError) Error() string {
	return fmt.Sprintf("domain: 市场休市，%s 不接受常规交易", e.Symbol)
}

// BrokerError 包装券商传输或协议层失败。
type BrokerError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("domain: 券商调用 %s 失败: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否为可重试的券商传输错误。
// 校验类错误永远不可重试。
func IsRetryable(err error) bool {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Retryable
	}
	return false
}
