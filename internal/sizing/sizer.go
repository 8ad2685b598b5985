package sizing

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"portfolio-trader/internal/config"
)

// Method 标识仓位分配算法。
type Method string

const (
	MethodEqualWeight       Method = "equal_weight"
	MethodScoreWeighted     Method = "score_weighted"
	MethodInverseVolatility Method = "inverse_volatility"
	MethodKelly             Method = "kelly"
	MethodRiskParity        Method = "risk_parity"
)

// Candidate 为待分配仓位的候选标的。
type Candidate struct {
	Symbol     string
	Sector     string
	Score      float64 // 信号强度，[0, 1]
	Volatility float64 // 日收益率标准差

	// 凯利算法所需的历史交易统计
	WinRate float64
	AvgWin  float64
	AvgLoss float64
}

// Allocation 为目标权重集合，权重之和不超过 1 - 现金缓冲。
type Allocation map[string]float64

// TotalWeight 返回已分配权重之和。
func (a Allocation) TotalWeight() float64 {
	var sum float64
	for _, w := range a {
		sum += w
	}
	return sum
}

// Sizer 将候选集转为满足风控约束的目标权重。
type Sizer struct {
	cfg    config.SizingConfig
	risk   config.RiskConfig
	logger *zap.Logger
}

// New 创建仓位分配器。
func New(cfg config.SizingConfig, risk config.RiskConfig, logger *zap.Logger) *Sizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sizer{cfg: cfg, risk: risk, logger: logger}
}

// Allocate 按指定算法分配目标权重，随后统一套用约束管线。
// returns 仅风险平价需要，为各候选对齐后的日收益率序列。
func (s *Sizer) Allocate(method Method, candidates []Candidate, equity float64,
	returns map[string][]float64) (Allocation, error) {

	eligible := s.filterByScore(candidates)
	if len(eligible) == 0 {
		return Allocation{}, nil
	}

	var raw Allocation
	var err error
	switch method {
	case MethodEqualWeight:
		raw = s.equalWeight(eligible)
	case MethodScoreWeighted:
		raw = s.scoreWeighted(eligible)
	case MethodInverseVolatility:
		raw = s.inverseVolatility(eligible)
	case MethodKelly:
		raw = s.kelly(eligible)
	case MethodRiskParity:
		raw, err = s.riskParity(eligible, returns)
		if err != nil {
			s.logger.Warn("风险平价求解失败，回退到逆波动率", zap.Error(err))
			raw = s.inverseVolatility(eligible)
		}
	default:
		return nil, fmt.Errorf("sizing: 未知分配算法 %q", method)
	}

	return s.applyConstraints(raw, eligible, equity), nil
}

// filterByScore 剔除信号强度低于门槛的候选。
func (s *Sizer) filterByScore(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= s.cfg.MinScore {
			out = append(out, c)
		}
	}
	return out
}

func (s *Sizer) equalWeight(candidates []Candidate) Allocation {
	alloc := make(Allocation, len(candidates))
	w := 1 / float64(len(candidates))
	for _, c := range candidates {
		alloc[c.Symbol] = w
	}
	return alloc
}

func (s *Sizer) scoreWeighted(candidates []Candidate) Allocation {
	var total float64
	for _, c := range candidates {
		total += c.Score
	}
	alloc := make(Allocation, len(candidates))
	if total <= 0 {
		return s.equalWeight(candidates)
	}
	for _, c := range candidates {
		alloc[c.Symbol] = c.Score / total
	}
	return alloc
}

// inverseVolatility 按波动率倒数加权，再将组合整体波动缩放到目标值。
// 目标波动低于组合自然波动时按比例降杠杆，剩余留作现金。
func (s *Sizer) inverseVolatility(candidates []Candidate) Allocation {
	var total float64
	inv := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		if c.Volatility <= 0 {
			continue
		}
		inv[c.Symbol] = 1 / c.Volatility
		total += inv[c.Symbol]
	}
	if total <= 0 {
		return s.equalWeight(candidates)
	}

	alloc := make(Allocation, len(inv))
	var portfolioVol float64
	for _, c := range candidates {
		w, ok := inv[c.Symbol]
		if !ok {
			continue
		}
		alloc[c.Symbol] = w / total
		portfolioVol += alloc[c.Symbol] * c.Volatility
	}

	if portfolioVol > s.cfg.TargetVolatility && portfolioVol > 0 {
		scale := s.cfg.TargetVolatility / portfolioVol
		for symbol := range alloc {
			alloc[symbol] *= scale
		}
	}
	return alloc
}

// kelly 以分数凯利作为各标的权重。
func (s *Sizer) kelly(candidates []Candidate) Allocation {
	alloc := make(Allocation, len(candidates))
	for _, c := range candidates {
		f := KellyFraction(c.WinRate, c.AvgWin, c.AvgLoss) * s.cfg.KellyFraction
		if f > 0 {
			alloc[c.Symbol] = f
		}
	}

	// 合计超过满仓时整体缩放
	if total := alloc.TotalWeight(); total > 1 {
		for symbol := range alloc {
			alloc[symbol] /= total
		}
	}
	return alloc
}

// applyConstraints 对原始权重统一套用约束管线：
// 单标的上限、行业上限、现金缓冲、最小仓位金额。
func (s *Sizer) applyConstraints(raw Allocation, candidates []Candidate, equity float64) Allocation {
	if len(raw) == 0 {
		return raw
	}

	sectors := make(map[string]string, len(candidates))
	for _, c := range candidates {
		sectors[c.Symbol] = c.Sector
	}

	alloc := make(Allocation, len(raw))
	for symbol, w := range raw {
		if w > s.risk.MaxPositionPct {
			w = s.risk.MaxPositionPct
		}
		if w > 0 {
			alloc[symbol] = w
		}
	}

	// 行业超限时整个行业按比例缩减
	sectorTotals := make(map[string]float64)
	for symbol, w := range alloc {
		if sector := sectors[symbol]; sector != "" {
			sectorTotals[sector] += w
		}
	}
	for sector, total := range sectorTotals {
		if total <= s.risk.MaxSectorPct {
			continue
		}
		scale := s.risk.MaxSectorPct / total
		for symbol, w := range alloc {
			if sectors[symbol] == sector {
				alloc[symbol] = w * scale
			}
		}
	}

	// 保留现金缓冲
	investable := 1 - s.risk.CashBufferPct
	if total := alloc.TotalWeight(); total > investable {
		scale := investable / total
		for symbol := range alloc {
			alloc[symbol] *= scale
		}
	}

	// 过小的仓位没有执行意义，直接剔除
	if equity > 0 && s.cfg.MinPositionValue > 0 {
		for symbol, w := range alloc {
			if w*equity < s.cfg.MinPositionValue {
				delete(alloc, symbol)
			}
		}
	}

	return alloc
}

// RankedSymbols 按权重降序返回标的，便于生成确定性的交易序列。
func (a Allocation) RankedSymbols() []string {
	symbols := make([]string, 0, len(a))
	for symbol := range a {
		symbols = append(symbols, symbol)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if math.Abs(a[symbols[i]]-a[symbols[j]]) > 1e-12 {
			return a[symbols[i]] > a[symbols[j]]
		}
		return symbols[i] < symbols[j]
	})
	return symbols
}
