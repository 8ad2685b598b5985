package quality

import (
	"fmt"

	"portfolio-trader/internal/domain"
)

// FillObservation 为单笔成交的质量核算输入。
// Quote 为成交瞬间的盘口，MidAfter 为成交后一段时间的中间价。
type FillObservation struct {
	Symbol    string
	Side      domain.Side
	Quantity  float64
	FillPrice float64
	Quote     domain.Quote
	MidAfter  float64
}

// FillQuality 为单笔成交的质量指标，单位基点。
type FillQuality struct {
	Symbol string
	Side   domain.Side

	EffectiveSpreadBps  float64 // 2×|成交价-中间价|/中间价
	PriceImprovementBps float64 // 相对同侧盘口的改善，正值为优于报价
	AdverseSelectionBps float64 // 成交后价格逆向变动，正值为被动吃亏
}

// Measure 核算单笔成交的执行质量。
func Measure(obs FillObservation) (FillQuality, error) {
	mid := obs.Quote.Mid()
	if mid <= 0 || obs.FillPrice <= 0 {
		return FillQuality{}, fmt.Errorf("quality: %s 缺少有效价格", obs.Symbol)
	}

	q := FillQuality{Symbol: obs.Symbol, Side: obs.Side}

	diff := obs.FillPrice - mid
	if diff < 0 {
		diff = -diff
	}
	q.EffectiveSpreadBps = 2 * diff / mid * 10000

	// 买单以卖价为基准，卖单以买价为基准
	switch obs.Side {
	case domain.SideBuy:
		if obs.Quote.Ask > 0 {
			q.PriceImprovementBps = (obs.Quote.Ask - obs.FillPrice) / mid * 10000
		}
	case domain.SideSell:
		if obs.Quote.Bid > 0 {
			q.PriceImprovementBps = (obs.FillPrice - obs.Quote.Bid) / mid * 10000
		}
	}

	// 买入后中间价走低、卖出后中间价走高均为逆向选择
	if obs.MidAfter > 0 {
		q.AdverseSelectionBps = obs.Side.Sign() * (obs.FillPrice - obs.MidAfter) / obs.FillPrice * 10000
	}

	return q, nil
}
