package orders

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/errors"
	"tradesim/internal/models"
	"tradesim/internal/notify"
	"tradesim/internal/scheduler"
	"tradesim/internal/store"
)

type fakeMarket struct {
	mu     sync.Mutex
	quotes map[string]models.Quote
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{quotes: make(map[string]models.Quote)}
}

func (f *fakeMarket) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = models.Quote{Symbol: symbol, Price: price, Bid: price, Ask: price, Timestamp: time.Now()}
}

func (f *fakeMarket) Quote(symbol string) (models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	if !ok {
		return models.Quote{}, errors.MarketDataUnavailable(symbol)
	}
	return q, nil
}

// newTestSupervisor wires a supervisor over a fake market with zero
// slippage so fill prices are deterministic. The scheduler is never
// started; tests drive the state machines directly.
func newTestSupervisor(t *testing.T) (*Supervisor, *fakeMarket) {
	t.Helper()
	market := newFakeMarket()
	engCfg := config.EngineConfig{
		MaxSlippagePercent: 0,
		VolatilityFactor:   1,
		CommissionRate:     0.001,
		MaxLeverage:        100,
	}
	eng := engine.New(engCfg, market, engine.NewAccountManager(), zerolog.Nop())
	sup := NewSupervisor(
		config.OrdersConfig{SliceDelay: time.Millisecond, MonitorInterval: time.Millisecond},
		eng,
		market,
		scheduler.New(zerolog.Nop()),
		store.NewMemoryStore(),
		notify.Nop{},
		zerolog.Nop(),
	)
	return sup, market
}

func trailingRequest(owner string) TrailingStopRequest {
	return TrailingStopRequest{
		OwnerID:    owner,
		Symbol:     "BTC",
		Side:       models.SideBuy,
		Quantity:   1,
		TrailMode:  models.TrailModePercentage,
		TrailValue: 5,
		Leverage:   1,
	}
}

func TestCreateTrailingStopSeedsFromMarket(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ts, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ts.Status != models.TrailingStopPending {
		t.Errorf("status = %s, want PENDING", ts.Status)
	}
	// 5% of 100 below the market.
	if ts.StopPrice != 95 {
		t.Errorf("stop = %v, want 95", ts.StopPrice)
	}

	acct, _ := sup.engine.Accounts().Get("acct1")
	if acct.Reserved() != 100 {
		t.Errorf("reserved = %v, want the full margin 100", acct.Reserved())
	}
	if sup.sched.Pending() != 1 {
		t.Errorf("pending tasks = %d, want 1", sup.sched.Pending())
	}
}

func TestCreateTrailingStopValidation(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	tests := []struct {
		name   string
		mutate func(*TrailingStopRequest)
	}{
		{"zero quantity", func(r *TrailingStopRequest) { r.Quantity = 0 }},
		{"zero trail", func(r *TrailingStopRequest) { r.TrailValue = 0 }},
		{"bad mode", func(r *TrailingStopRequest) { r.TrailMode = "TIGHT" }},
		{"bad side", func(r *TrailingStopRequest) { r.Side = "HOLD" }},
		{"empty owner", func(r *TrailingStopRequest) { r.OwnerID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := trailingRequest("acct1")
			tt.mutate(&req)
			if _, err := sup.CreateTrailingStop(context.Background(), req); !errors.HasCode(err, errors.CodeValidation) {
				t.Fatalf("error = %v, want VALIDATION", err)
			}
		})
	}
}

func TestCreateTrailingStopInsufficientBalance(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 50)

	if _, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1")); !errors.HasCode(err, errors.CodeInsufficientBalance) {
		t.Fatalf("error = %v, want INSUFFICIENT_BALANCE", err)
	}
}

func TestTrailingStopRatchetAndTrigger(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ts, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inner := sup.trailing[ts.ID]
	ctx := context.Background()

	// Price rises: the stop follows at 5% below.
	market.set("BTC", 110)
	if sup.ratchetStep(ctx, inner, 110) {
		t.Fatal("must not trigger while above the stop")
	}
	if inner.StopPrice != 104.5 {
		t.Errorf("stop = %v, want 104.5", inner.StopPrice)
	}

	// Price dips but stays above the stop: the stop never loosens.
	market.set("BTC", 105)
	if sup.ratchetStep(ctx, inner, 105) {
		t.Fatal("must not trigger at 105 with stop 104.5")
	}
	if inner.StopPrice != 104.5 {
		t.Errorf("stop loosened to %v", inner.StopPrice)
	}

	// Price crosses the stop: triggers and places the child market order.
	market.set("BTC", 104)
	if !sup.ratchetStep(ctx, inner, 104) {
		t.Fatal("must trigger at 104 with stop 104.5")
	}
	if inner.Status != models.TrailingStopTriggered {
		t.Errorf("status = %s, want TRIGGERED", inner.Status)
	}

	positions := sup.engine.OpenPositions("acct1")
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1 from the child order", len(positions))
	}
	if positions[0].EntryPrice != 104 {
		t.Errorf("child fill = %v, want 104 with zero slippage", positions[0].EntryPrice)
	}

	// The pre-reserved margin was handed back before the child order
	// reserved its own.
	if _, held := sup.reserved[ts.ID]; held {
		t.Error("reservation entry not cleared after trigger")
	}
	acct, _ := sup.engine.Accounts().Get("acct1")
	if math.Abs(acct.Reserved()-104) > 1e-9 {
		t.Errorf("reserved = %v, want only the child order margin 104", acct.Reserved())
	}
}

func TestTrailingStopActivationGate(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	req := trailingRequest("acct1")
	req.ActivationPrice = 120
	ts, err := sup.CreateTrailingStop(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inner := sup.trailing[ts.ID]
	ctx := context.Background()

	// Below activation nothing moves, even through the seeded stop.
	market.set("BTC", 90)
	if sup.ratchetStep(ctx, inner, 90) {
		t.Fatal("triggered before activation")
	}
	if inner.StopPrice != 95 {
		t.Errorf("stop moved to %v before activation", inner.StopPrice)
	}

	// Touching the activation price arms the ratchet.
	market.set("BTC", 120)
	if sup.ratchetStep(ctx, inner, 120) {
		t.Fatal("must not trigger at activation")
	}
	if inner.StopPrice != 114 {
		t.Errorf("stop = %v, want 114 after activation", inner.StopPrice)
	}

	market.set("BTC", 113)
	if !sup.ratchetStep(ctx, inner, 113) {
		t.Fatal("must trigger below the armed stop")
	}
}

func TestTrailingStopSellSide(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	req := trailingRequest("acct1")
	req.Side = models.SideSell
	req.TrailMode = models.TrailModeFixedAmount
	req.TrailValue = 5
	ts, err := sup.CreateTrailingStop(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inner := sup.trailing[ts.ID]
	ctx := context.Background()

	if inner.StopPrice != 105 {
		t.Fatalf("stop = %v, want 105 above the market", inner.StopPrice)
	}

	// Falling prices tighten a sell stop downwards.
	market.set("BTC", 90)
	sup.ratchetStep(ctx, inner, 90)
	if inner.StopPrice != 95 {
		t.Errorf("stop = %v, want 95", inner.StopPrice)
	}

	market.set("BTC", 96)
	if !sup.ratchetStep(ctx, inner, 96) {
		t.Fatal("must trigger once the price rises through the stop")
	}
}

func TestCancelTrailingStop(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ts, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := sup.CancelTrailingStop(context.Background(), "acct1", ts.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.TrailingStopCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	acct, _ := sup.engine.Accounts().Get("acct1")
	if acct.Balance() != 10000 || acct.Reserved() != 0 {
		t.Errorf("balance/reserved = %v/%v, want full margin back", acct.Balance(), acct.Reserved())
	}

	// Second cancel is a no-op snapshot, not an error, and must not
	// release margin again.
	again, err := sup.CancelTrailingStop(context.Background(), "acct1", ts.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != models.TrailingStopCancelled {
		t.Errorf("status = %s", again.Status)
	}
	if acct.Balance() != 10000 {
		t.Errorf("balance = %v after double cancel, want 10000", acct.Balance())
	}
}

func TestCancelTriggeredTrailingStop(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ts, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	market.set("BTC", 94)
	sup.ratchetStep(context.Background(), sup.trailing[ts.ID], 94)

	if _, err := sup.CancelTrailingStop(context.Background(), "acct1", ts.ID); !errors.HasCode(err, errors.CodeInvalidState) {
		t.Fatalf("error = %v, want INVALID_STATE", err)
	}
}

func TestUpdateTrailingStop(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ts, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := sup.UpdateTrailingStop(context.Background(), "acct1", ts.ID, 10, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TrailValue != 10 {
		t.Errorf("trail = %v, want 10", updated.TrailValue)
	}

	if _, err := sup.UpdateTrailingStop(context.Background(), "other", ts.ID, 10, 0); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("error = %v, want UNAUTHORIZED", err)
	}

	if _, err := sup.CancelTrailingStop(context.Background(), "acct1", ts.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := sup.UpdateTrailingStop(context.Background(), "acct1", ts.ID, 15, 0); !errors.HasCode(err, errors.CodeInvalidState) {
		t.Fatalf("error = %v, want INVALID_STATE after cancel", err)
	}
}

// Updates and monitor ticks mutate the same live order; persistence and
// notification payloads are snapshots so neither side observes a torn
// write.
func TestUpdateTrailingStopConcurrentWithMonitor(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 100)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ts, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sup.mu.Lock()
	live := sup.trailing[ts.ID]
	sup.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Rising prices: the stop trails below and never triggers.
		for i := 0; i < 200; i++ {
			price := 100 + float64(i)*0.05
			market.set("BTC", price)
			sup.ratchetStep(context.Background(), live, price)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := sup.UpdateTrailingStop(context.Background(), "acct1", ts.ID, 5+float64(i%2), 0); err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}
	}()
	wg.Wait()

	got, err := sup.GetTrailingStop("acct1", ts.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.TrailingStopPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	var stored models.TrailingStopOrder
	if err := sup.st.Load(context.Background(), store.EntityTrailingStop, ts.ID, &stored); err != nil {
		t.Fatalf("load persisted order: %v", err)
	}
	if stored.ID != ts.ID || stored.StopPrice <= 0 {
		t.Errorf("persisted order = %+v", stored)
	}
}

// Property: across any tick sequence, a buy-side stop never decreases and
// a sell-side stop never increases, up to and including the triggering
// tick.
func TestProperty_RatchetMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("buy stop is non-decreasing", prop.ForAll(
		func(prices []float64) bool {
			sup, market := newTestSupervisor(t)
			market.set("BTC", 100)
			sup.engine.Accounts().SetBalance("acct1", 1e9)

			ts, err := sup.CreateTrailingStop(context.Background(), trailingRequest("acct1"))
			if err != nil {
				return false
			}
			inner := sup.trailing[ts.ID]

			prev := inner.StopPrice
			for _, price := range prices {
				market.set("BTC", price)
				triggered := sup.ratchetStep(context.Background(), inner, price)
				if inner.StopPrice < prev {
					return false
				}
				prev = inner.StopPrice
				if triggered {
					return inner.Status == models.TrailingStopTriggered
				}
			}
			return inner.Status == models.TrailingStopPending
		},
		gen.SliceOfN(50, gen.Float64Range(50, 200)),
	))

	properties.Property("sell stop is non-increasing", prop.ForAll(
		func(prices []float64) bool {
			sup, market := newTestSupervisor(t)
			market.set("BTC", 100)
			sup.engine.Accounts().SetBalance("acct1", 1e9)

			req := trailingRequest("acct1")
			req.Side = models.SideSell
			ts, err := sup.CreateTrailingStop(context.Background(), req)
			if err != nil {
				return false
			}
			inner := sup.trailing[ts.ID]

			prev := inner.StopPrice
			for _, price := range prices {
				market.set("BTC", price)
				triggered := sup.ratchetStep(context.Background(), inner, price)
				if inner.StopPrice > prev {
					return false
				}
				prev = inner.StopPrice
				if triggered {
					return inner.Status == models.TrailingStopTriggered
				}
			}
			return inner.Status == models.TrailingStopPending
		},
		gen.SliceOfN(50, gen.Float64Range(50, 200)),
	))

	properties.TestingRun(t)
}
