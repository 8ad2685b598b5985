package validator

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"portfolio-trader/internal/config"
	"portfolio-trader/internal/domain"
)

// Input 为一次事前校验所需的全部快照。
// 校验本身是纯函数：除两个时间窗口外不持有任何可变状态。
type Input struct {
	Request    domain.OrderRequest
	Account    domain.AccountInfo
	Positions  map[string]domain.Position
	Sectors    map[string]string // symbol → 行业，外部协作方提供
	Price      float64           // 参考价，用于估算名义金额
	MarketOpen bool
}

// Result 携带校验通过时累积的告警信息。
type Result struct {
	Warnings []string
}

// Validator 执行事前风控检查序列。
// 硬性拒绝返回类型化错误，软性问题仅累积为告警。
type Validator struct {
	cfg     config.RiskConfig
	logger  *zap.Logger
	windows *slidingWindows
	now     func() time.Time
}

// New 创建校验器。
func New(cfg config.RiskConfig, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		cfg:     cfg,
		logger:  logger,
		windows: newSlidingWindows(cfg.DuplicateWindow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Validate 按固定顺序执行检查序列。
// 通过后订单会被登记进重复检测与频率限制窗口。
func (v *Validator) Validate(input Input) (Result, error) {
	var result Result
	req := input.Request

	if err := req.Validate(); err != nil {
		return result, err
	}
	if input.Price <= 0 {
		return result, &domain.OrderValidationError{
			Reason: domain.ReasonMalformed, Symbol: req.Symbol, Message: "缺少有效参考价",
		}
	}

	now := v.now()
	notional := req.Notional(input.Price)

	// (f) 重复检测：窗口内出现相同 (symbol, side, qty) 即硬性拒绝
	if v.windows.isDuplicate(req.Symbol, string(req.Side), req.Quantity, now) {
		return result, &domain.OrderValidationError{
			Reason: domain.ReasonDuplicate, Symbol: req.Symbol,
			Message: fmt.Sprintf("窗口 %s 内存在相同订单", v.cfg.DuplicateWindow),
		}
	}

	// (g) 频率限制
	if v.windows.submissionCount(now) >= v.cfg.MaxOrdersPerMinute {
		return result, &domain.OrderValidationError{
			Reason: domain.ReasonRateLimited, Symbol: req.Symbol,
			Message: fmt.Sprintf("每分钟订单数超过 %d", v.cfg.MaxOrdersPerMinute),
		}
	}

	held, holding := input.Positions[req.Symbol]

	switch req.Side {
	case domain.SideBuy:
		// (a) 购买力需覆盖名义金额加现金缓冲
		required := notional * (1 + v.cfg.CashBufferPct)
		if required > input.Account.BuyingPower {
			return result, &domain.InsufficientFundsError{
				Symbol: req.Symbol, Required: required, Available: input.Account.BuyingPower,
			}
		}
	case domain.SideSell:
		// (b) 卖出需有足够持仓
		if !holding || held.Quantity < req.Quantity {
			heldQty := 0.0
			if holding {
				heldQty = held.Quantity
			}
			return result, &domain.OrderValidationError{
				Reason: domain.ReasonNoPosition, Symbol: req.Symbol,
				Message: fmt.Sprintf("卖出 %.2f 超过持有 %.2f", req.Quantity, heldQty),
			}
		}
	}

	equity := input.Account.Equity

	// (c) 单标的集中度：以成交后的持仓市值衡量。
	// 目标权重常由同一上限生成，留出小幅容差吸收价格漂移与滑点。
	if equity > 0 {
		const tolerance = 1.005
		resultingQty := req.Quantity * req.Side.Sign()
		if holding {
			resultingQty += held.Quantity
		}
		resultingValue := math.Abs(resultingQty * input.Price)
		limit := v.cfg.MaxPositionPct * equity
		if req.Side == domain.SideBuy && resultingValue > limit*tolerance {
			return result, &domain.PositionLimitError{
				Scope: req.Symbol, Projected: resultingValue, Limit: limit,
			}
		}

		// (d) 行业集中度：需要外部提供的行业映射
		if sector, ok := input.Sectors[req.Symbol]; ok && req.Side == domain.SideBuy {
			exposure := notional
			for symbol, pos := range input.Positions {
				if input.Sectors[symbol] == sector {
					exposure += math.Abs(pos.MarketValue())
				}
			}
			sectorLimit := v.cfg.MaxSectorPct * equity
			if exposure > sectorLimit*tolerance {
				return result, &domain.PositionLimitError{
					Scope: sector, Projected: exposure, Limit: sectorLimit,
				}
			}
		}
	}

	// (e) PDT 规则：小额账户的平仓卖出在当日交易耗尽时仅告警
	if req.Side == domain.SideSell && holding &&
		equity < v.cfg.PDTEquityThreshold && input.Account.DayTradesRemaining <= 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("账户净值 %.2f 低于 PDT 门槛且当日交易次数已用尽，此卖出可能构成违规日内交易", equity))
	}

	// (h) 市场时段
	if !input.MarketOpen && !req.ExtendedHours {
		result.Warnings = append(result.Warnings, "市场休市，订单将等待开盘（未请求盘外交易）")
	}

	v.windows.record(req.Symbol, string(req.Side), req.Quantity, now)

	if len(result.Warnings) > 0 {
		v.logger.Debug("校验通过但存在告警",
			zap.String("symbol", req.Symbol),
			zap.Strings("warnings", result.Warnings),
		)
	}
	return result, nil
}
