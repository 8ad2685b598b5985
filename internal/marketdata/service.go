package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portfolio-trader/internal/domain"
)

// Bar 代表单根日K线。
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// QuoteProvider 提供单标的报价，由券商实现。
type QuoteProvider interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// BarProvider 提供日线历史。
type BarProvider interface {
	GetDailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error)
}

// SymbolStats 汇总单标的的日线统计量，供路由与仓位算法使用。
type SymbolStats struct {
	Symbol          string
	ADV             float64 // 平均日成交量
	DailyVolatility float64 // 日收益率标准差
	ATR             float64
	LastClose       float64
}

// Service 聚合报价与日线统计。多标的报价并行拉取，
// 单标的失败降级为最近一次已知报价而非整体失败。
type Service struct {
	quotes QuoteProvider
	bars   BarProvider
	logger *zap.Logger

	mu        sync.RWMutex
	lastKnown map[string]domain.Quote
}

// NewService 创建市场数据服务。
func NewService(quotes QuoteProvider, bars BarProvider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		quotes:    quotes,
		bars:      bars,
		logger:    logger,
		lastKnown: make(map[string]domain.Quote),
	}
}

// GetQuote 拉取单标的报价并缓存为最近已知值。
func (s *Service) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	quote, err := s.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return domain.Quote{}, err
	}

	s.mu.Lock()
	s.lastKnown[symbol] = quote
	s.mu.Unlock()
	return quote, nil
}

// GetQuotes 并行拉取多标的报价。个别标的失败时回退到最近已知报价，
// 完全未知的标的才会缺席结果集。
func (s *Service) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	results := make([]domain.Quote, len(symbols))
	failures := make([]error, len(symbols))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)

	for i, symbol := range symbols {
		group.Go(func() error {
			quote, err := s.quotes.GetQuote(groupCtx, symbol)
			if err != nil {
				failures[i] = err
				return nil // 单标的失败不终止整批
			}
			results[i] = quote
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Quote, len(symbols))
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, symbol := range symbols {
		if failures[i] == nil {
			out[symbol] = results[i]
			s.lastKnown[symbol] = results[i]
			continue
		}

		if cached, ok := s.lastKnown[symbol]; ok {
			s.logger.Warn("报价拉取失败，回退到最近已知报价",
				zap.String("symbol", symbol),
				zap.Error(failures[i]),
			)
			out[symbol] = cached
			continue
		}
		s.logger.Warn("报价拉取失败且无缓存", zap.String("symbol", symbol), zap.Error(failures[i]))
	}

	return out, nil
}

// GetStats 由日线历史计算 ADV、日波动率与 ATR。
func (s *Service) GetStats(ctx context.Context, symbol string, lookback int) (SymbolStats, error) {
	if s.bars == nil {
		return SymbolStats{}, fmt.Errorf("marketdata: 未配置日线数据源")
	}
	if lookback < 20 {
		lookback = 20
	}

	bars, err := s.bars.GetDailyBars(ctx, symbol, lookback)
	if err != nil {
		return SymbolStats{}, err
	}
	if len(bars) < 15 {
		return SymbolStats{}, fmt.Errorf("marketdata: %s 日线数量不足 (%d)", symbol, len(bars))
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, bar := range bars {
		highs[i] = bar.High
		lows[i] = bar.Low
		closes[i] = bar.Close
		volumes[i] = bar.Volume
	}

	volPeriod := 20
	if len(volumes) < volPeriod {
		volPeriod = len(volumes)
	}
	volSMA := talib.Sma(volumes, volPeriod)
	adv := volSMA[len(volSMA)-1]

	atrSeries := talib.Atr(highs, lows, closes, 14)
	atr := atrSeries[len(atrSeries)-1]

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			returns = append(returns, closes[i]/closes[i-1]-1)
		}
	}
	stdSeries := talib.StdDev(returns, len(returns), 1.0)
	volatility := stdSeries[len(stdSeries)-1]

	return SymbolStats{
		Symbol:          symbol,
		ADV:             adv,
		DailyVolatility: volatility,
		ATR:             atr,
		LastClose:       closes[len(closes)-1],
	}, nil
}
