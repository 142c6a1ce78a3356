package orders

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradesim/internal/errors"
	"tradesim/internal/models"
)

func icebergRequest(owner string) IcebergRequest {
	return IcebergRequest{
		OwnerID:         owner,
		Symbol:          "BTC",
		Side:            models.SideBuy,
		TotalQuantity:   100,
		VisibleQuantity: 20,
		Leverage:        1,
	}
}

func TestCreateIcebergExecutesFirstSlice(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ice, err := sup.CreateIceberg(context.Background(), icebergRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ice.MaxSlices != 5 {
		t.Errorf("max slices = %d, want ceil(100/20) = 5", ice.MaxSlices)
	}
	if ice.ExecutedSlices != 1 || ice.FilledQuantity != 20 || ice.RemainingQuantity != 80 {
		t.Errorf("after first slice: slices=%d filled=%v remaining=%v", ice.ExecutedSlices, ice.FilledQuantity, ice.RemainingQuantity)
	}
	if ice.Status != models.IcebergPending {
		t.Errorf("status = %s, want PENDING", ice.Status)
	}
	if sup.sched.Pending() != 1 {
		t.Errorf("pending tasks = %d, want the next slice scheduled", sup.sched.Pending())
	}
}

func TestIcebergRunsToFilled(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ice, err := sup.CreateIceberg(context.Background(), icebergRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 4; i++ {
		sup.executeSlice(context.Background(), ice.ID)
	}

	final, err := sup.GetIceberg("acct1", ice.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != models.IcebergFilled {
		t.Errorf("status = %s, want FILLED", final.Status)
	}
	if final.ExecutedSlices != 5 || final.FilledQuantity != 100 || final.RemainingQuantity != 0 {
		t.Errorf("final: slices=%d filled=%v remaining=%v", final.ExecutedSlices, final.FilledQuantity, final.RemainingQuantity)
	}
	if got := len(sup.engine.Trades()); got != 5 {
		t.Errorf("trades = %d, want one per slice", got)
	}

	// Terminal icebergs ignore further slice attempts.
	sup.executeSlice(context.Background(), ice.ID)
	after, _ := sup.GetIceberg("acct1", ice.ID)
	if after.ExecutedSlices != 5 {
		t.Errorf("slices advanced to %d after completion", after.ExecutedSlices)
	}
}

func TestIcebergUnevenFinalSlice(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	req := icebergRequest("acct1")
	req.TotalQuantity = 50
	req.VisibleQuantity = 20 // 20 + 20 + 10
	ice, err := sup.CreateIceberg(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sup.executeSlice(context.Background(), ice.ID)
	sup.executeSlice(context.Background(), ice.ID)

	final, _ := sup.GetIceberg("acct1", ice.ID)
	if final.Status != models.IcebergFilled || final.ExecutedSlices != 3 {
		t.Fatalf("status=%s slices=%d, want FILLED in 3", final.Status, final.ExecutedSlices)
	}
	trades := sup.engine.Trades()
	if last := trades[len(trades)-1]; last.Quantity != 10 {
		t.Errorf("final slice quantity = %v, want the 10 remainder", last.Quantity)
	}
}

func TestIcebergSliceCapPartialFill(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	req := icebergRequest("acct1")
	req.MaxSlices = 3
	ice, err := sup.CreateIceberg(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sup.executeSlice(context.Background(), ice.ID)
	sup.executeSlice(context.Background(), ice.ID)

	final, _ := sup.GetIceberg("acct1", ice.ID)
	if final.Status != models.IcebergPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED at the slice cap", final.Status)
	}
	if final.FilledQuantity != 60 || final.RemainingQuantity != 40 {
		t.Errorf("filled/remaining = %v/%v, want 60/40", final.FilledQuantity, final.RemainingQuantity)
	}
}

func TestIcebergNoMarketDataRetries(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	// No quote at all: the first slice cannot fill, the order stays
	// pending with a retry scheduled.
	ice, err := sup.CreateIceberg(context.Background(), icebergRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ice.Status != models.IcebergPending || ice.ExecutedSlices != 0 {
		t.Errorf("status=%s slices=%d, want PENDING with nothing executed", ice.Status, ice.ExecutedSlices)
	}
	if sup.sched.Pending() != 1 {
		t.Errorf("pending tasks = %d, want a retry", sup.sched.Pending())
	}
}

func TestIcebergInsufficientBalanceCancels(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	// Covers the first slice (200 margin + fee) but not the second.
	sup.engine.Accounts().SetBalance("acct1", 250)

	ice, err := sup.CreateIceberg(context.Background(), icebergRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sup.executeSlice(context.Background(), ice.ID)

	final, _ := sup.GetIceberg("acct1", ice.ID)
	if final.Status != models.IcebergCancelled {
		t.Errorf("status = %s, want CANCELLED on a hard execution failure", final.Status)
	}
	if final.ExecutedSlices != 1 {
		t.Errorf("slices = %d, want the single successful one", final.ExecutedSlices)
	}
}

func TestCancelIceberg(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ice, err := sup.CreateIceberg(context.Background(), icebergRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := sup.CancelIceberg(context.Background(), "acct1", ice.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.IcebergCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	// Idempotent second cancel.
	again, err := sup.CancelIceberg(context.Background(), "acct1", ice.ID)
	if err != nil || again.Status != models.IcebergCancelled {
		t.Fatalf("second cancel = %v, %v", again, err)
	}

	// Cancelled orders never slice again.
	sup.executeSlice(context.Background(), ice.ID)
	after, _ := sup.GetIceberg("acct1", ice.ID)
	if after.ExecutedSlices != 1 {
		t.Errorf("slices = %d after cancel, want 1", after.ExecutedSlices)
	}
}

func TestCancelFilledIceberg(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	req := icebergRequest("acct1")
	req.TotalQuantity = 20
	req.VisibleQuantity = 20
	ice, err := sup.CreateIceberg(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sup.CancelIceberg(context.Background(), "acct1", ice.ID); !errors.HasCode(err, errors.CodeInvalidState) {
		t.Fatalf("error = %v, want INVALID_STATE for a filled iceberg", err)
	}
}

func TestUpdateIceberg(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	ice, err := sup.CreateIceberg(context.Background(), icebergRequest("acct1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := sup.UpdateIceberg(context.Background(), "acct1", ice.ID, 50, 4)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.VisibleQuantity != 50 || updated.MaxSlices != 4 {
		t.Errorf("visible/max = %v/%d, want 50/4", updated.VisibleQuantity, updated.MaxSlices)
	}

	// The cap can never fall below slices already executed.
	sup.executeSlice(context.Background(), ice.ID) // slice 2 of 50
	if _, err := sup.UpdateIceberg(context.Background(), "acct1", ice.ID, 0, 1); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("error = %v, want VALIDATION when cap < executed", err)
	}

	if _, err := sup.UpdateIceberg(context.Background(), "other", ice.ID, 10, 0); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("error = %v, want UNAUTHORIZED", err)
	}
}

func TestIcebergValidation(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.set("BTC", 10)
	sup.engine.Accounts().SetBalance("acct1", 10000)

	tests := []struct {
		name   string
		mutate func(*IcebergRequest)
	}{
		{"zero total", func(r *IcebergRequest) { r.TotalQuantity = 0 }},
		{"zero visible", func(r *IcebergRequest) { r.VisibleQuantity = 0 }},
		{"visible above total", func(r *IcebergRequest) { r.VisibleQuantity = 200 }},
		{"negative slices", func(r *IcebergRequest) { r.MaxSlices = -1 }},
		{"bad side", func(r *IcebergRequest) { r.Side = "HOLD" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := icebergRequest("acct1")
			tt.mutate(&req)
			if _, err := sup.CreateIceberg(context.Background(), req); !errors.HasCode(err, errors.CodeValidation) {
				t.Fatalf("error = %v, want VALIDATION", err)
			}
		})
	}
}

// Property: at every step of any iceberg's life, filled + remaining equals
// the total and the executed slice count never exceeds the cap.
func TestProperty_IcebergConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("quantity is conserved across slices", prop.ForAll(
		func(total, visible int) bool {
			if visible > total {
				visible = total
			}
			sup, market := newTestSupervisor(t)
			market.set("BTC", 1)
			sup.engine.Accounts().SetBalance("acct1", 1e9)

			req := icebergRequest("acct1")
			req.TotalQuantity = float64(total)
			req.VisibleQuantity = float64(visible)
			ice, err := sup.CreateIceberg(context.Background(), req)
			if err != nil {
				return false
			}

			check := func(o *models.IcebergOrder) bool {
				return o.FilledQuantity+o.RemainingQuantity == o.TotalQuantity &&
					o.ExecutedSlices <= o.MaxSlices
			}
			if !check(ice) {
				return false
			}

			for i := 0; i < total+1; i++ {
				snap, err := sup.GetIceberg("acct1", ice.ID)
				if err != nil || !check(snap) {
					return false
				}
				if snap.Status != models.IcebergPending {
					return snap.Status == models.IcebergFilled
				}
				sup.executeSlice(context.Background(), ice.ID)
			}
			return false
		},
		gen.IntRange(1, 200),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
