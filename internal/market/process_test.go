package market

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"tradesim/internal/config"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

func testSymbolConfig() config.SymbolConfig {
	return config.SymbolConfig{
		Symbol:       "BTC",
		InitialPrice: 45000,
		Drift:        0.05,
		Volatility:   0.5,
		MinPrice:     1000,
		MaxPrice:     500000,
	}
}

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		TickInterval:  time.Second,
		SpreadPercent: 0.1,
		StaleAfter:    10 * time.Second,
		Symbols:       []config.SymbolConfig{testSymbolConfig()},
	}
}

// Property: for any seed and any number of steps, the generated price
// stays within the configured band and is always finite.
func TestProperty_PriceStaysWithinBand(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("price clamped to [min, max]", prop.ForAll(
		func(seed int64, steps int) bool {
			cfg := testSymbolConfig()
			// Exaggerated volatility to stress the clamp.
			cfg.Volatility = 5.0
			proc := NewProcess(cfg, 1.0/365, seed)
			for i := 0; i < steps; i++ {
				tick := proc.Next()
				if math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
					return false
				}
				if tick.Price < cfg.MinPrice || tick.Price > cfg.MaxPrice {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}

func TestProcessParamValidation(t *testing.T) {
	proc := NewProcess(testSymbolConfig(), 1.0/365, 1)

	tests := []struct {
		name    string
		fn      func() error
		wantErr bool
	}{
		{"finite drift ok", func() error { return proc.SetDrift(0.1) }, false},
		{"negative drift ok", func() error { return proc.SetDrift(-0.1) }, false},
		{"nan drift rejected", func() error { return proc.SetDrift(math.NaN()) }, true},
		{"inf drift rejected", func() error { return proc.SetDrift(math.Inf(1)) }, true},
		{"zero volatility ok", func() error { return proc.SetVolatility(0) }, false},
		{"negative volatility rejected", func() error { return proc.SetVolatility(-0.1) }, true},
		{"nan volatility rejected", func() error { return proc.SetVolatility(math.NaN()) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if tt.wantErr && !errors.HasCode(err, errors.CodeValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestHubQuote(t *testing.T) {
	hub := NewHub(testMarketConfig(), zerolog.Nop(), 1)

	if _, err := hub.Quote("BTC"); !errors.HasCode(err, errors.CodeMarketDataUnavailable) {
		t.Fatalf("expected MARKET_DATA_UNAVAILABLE before first tick, got %v", err)
	}

	hub.Publish(models.PriceTick{Symbol: "BTC", Price: 45000, Timestamp: time.Now()})

	quote, err := hub.Quote("BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.Stale {
		t.Error("fresh quote marked stale")
	}

	// Spread of 0.1% means half a tenth of a percent on each side.
	wantBid := 45000 - 45000*0.1/100/2
	wantAsk := 45000 + 45000*0.1/100/2
	if math.Abs(quote.Bid-wantBid) > 1e-9 || math.Abs(quote.Ask-wantAsk) > 1e-9 {
		t.Errorf("bid/ask = %v/%v, want %v/%v", quote.Bid, quote.Ask, wantBid, wantAsk)
	}
	if quote.Bid >= quote.Price || quote.Ask <= quote.Price {
		t.Error("bid must sit below price and ask above")
	}
}

func TestHubStaleQuote(t *testing.T) {
	cfg := testMarketConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	hub := NewHub(cfg, zerolog.Nop(), 1)

	hub.Publish(models.PriceTick{Symbol: "BTC", Price: 45000, Timestamp: time.Now().Add(-time.Second)})

	quote, err := hub.Quote("BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !quote.Stale {
		t.Error("aged quote not marked stale")
	}
	// The last known price is still served alongside the stale flag.
	if quote.Price != 45000 {
		t.Errorf("stale quote price = %v, want 45000", quote.Price)
	}
}

func TestHubSubscribeAndHistory(t *testing.T) {
	hub := NewHub(testMarketConfig(), zerolog.Nop(), 1)
	sub := hub.Subscribe("test", 8)

	for i := 0; i < 3; i++ {
		hub.Publish(models.PriceTick{Symbol: "BTC", Price: 100 + float64(i), Timestamp: time.Now()})
	}

	for i := 0; i < 3; i++ {
		select {
		case tick := <-sub.Ticks:
			if tick.Price != 100+float64(i) {
				t.Errorf("tick %d price = %v", i, tick.Price)
			}
		default:
			t.Fatalf("missing tick %d", i)
		}
	}

	hist := hub.History("BTC", 2)
	if len(hist) != 2 || hist[0] != 101 || hist[1] != 102 {
		t.Errorf("history = %v, want [101 102]", hist)
	}

	hub.Unsubscribe("test")
	hub.Unsubscribe("test") // second time is a no-op
}

func TestHubSlowSubscriberDropsTicks(t *testing.T) {
	hub := NewHub(testMarketConfig(), zerolog.Nop(), 1)
	sub := hub.Subscribe("slow", 1)

	hub.Publish(models.PriceTick{Symbol: "BTC", Price: 1, Timestamp: time.Now()})
	hub.Publish(models.PriceTick{Symbol: "BTC", Price: 2, Timestamp: time.Now()})

	if sub.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", sub.Dropped())
	}
	if m := hub.Metrics(); m.TicksDropped != 1 || m.TicksGenerated != 2 {
		t.Errorf("metrics = %+v", m)
	}
}
