package marketdata

import (
	"context"
	"errors"
	"math"
	"testing"

	"portfolio-trader/internal/domain"
)

type scriptedQuotes struct {
	quotes map[string]domain.Quote
	fail   map[string]bool
}

func (s *scriptedQuotes) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if s.fail[symbol] {
		return domain.Quote{}, errors.New("feed unavailable")
	}
	quote, ok := s.quotes[symbol]
	if !ok {
		return domain.Quote{}, errors.New("unknown symbol")
	}
	return quote, nil
}

func TestGetQuotesFallsBackToLastKnown(t *testing.T) {
	provider := &scriptedQuotes{
		quotes: map[string]domain.Quote{
			"AAPL": {Symbol: "AAPL", Bid: 99.9, Ask: 100.1},
			"MSFT": {Symbol: "MSFT", Bid: 199.8, Ask: 200.2},
		},
		fail: map[string]bool{},
	}
	svc := NewService(provider, nil, nil)
	ctx := context.Background()

	// 首次拉取填充缓存
	first, err := svc.GetQuotes(ctx, []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("quotes = %d, want 2", len(first))
	}

	// AAPL 故障后应回退到最近已知报价
	provider.fail["AAPL"] = true
	provider.quotes["MSFT"] = domain.Quote{Symbol: "MSFT", Bid: 200.8, Ask: 201.2}

	second, err := svc.GetQuotes(ctx, []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("GetQuotes with failure: %v", err)
	}
	if got := second["AAPL"]; got.Bid != 99.9 {
		t.Errorf("AAPL fallback bid = %.2f, want cached 99.9", got.Bid)
	}
	if got := second["MSFT"]; got.Bid != 200.8 {
		t.Errorf("MSFT bid = %.2f, want fresh 200.8", got.Bid)
	}
}

func TestGetQuotesOmitsUnknownFailures(t *testing.T) {
	provider := &scriptedQuotes{
		quotes: map[string]domain.Quote{},
		fail:   map[string]bool{"NOPE": true},
	}
	svc := NewService(provider, nil, nil)

	out, err := svc.GetQuotes(context.Background(), []string{"NOPE"})
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("quotes = %v, want empty without cache", out)
	}
}

func TestUShapedVolumeProfile(t *testing.T) {
	profile := UShapedVolumeProfile(13)

	var sum float64
	for _, w := range profile {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("profile sum = %.9f, want 1", sum)
	}

	mid := profile[len(profile)/2]
	if profile[0] <= mid || profile[len(profile)-1] <= mid {
		t.Errorf("expected U shape: first %.4f last %.4f mid %.4f",
			profile[0], profile[len(profile)-1], mid)
	}
	if profile[0] != profile[len(profile)-1] {
		t.Errorf("profile should be symmetric: %.6f vs %.6f",
			profile[0], profile[len(profile)-1])
	}
}

func TestUShapedVolumeProfileEdgeCases(t *testing.T) {
	if got := UShapedVolumeProfile(0); got != nil {
		t.Errorf("profile(0) = %v, want nil", got)
	}
	if got := UShapedVolumeProfile(1); len(got) != 1 || got[0] != 1 {
		t.Errorf("profile(1) = %v, want [1]", got)
	}
}
