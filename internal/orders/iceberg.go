package orders

import (
	"context"
	"time"

	"tradesim/internal/errors"
	"tradesim/internal/models"
	"tradesim/internal/notify"
)

// IcebergRequest holds the parameters for a new iceberg order.
type IcebergRequest struct {
	OwnerID         string
	Symbol          string
	Side            models.Side
	TotalQuantity   float64
	VisibleQuantity float64
	MaxSlices       int
	Leverage        float64
}

func (r *IcebergRequest) validate() error {
	if r.OwnerID == "" {
		return errors.Validation("owner id must not be empty")
	}
	if r.Symbol == "" {
		return errors.Validation("symbol must not be empty")
	}
	if r.Side != models.SideBuy && r.Side != models.SideSell {
		return errors.Validation("side must be BUY or SELL, got %q", r.Side)
	}
	if r.TotalQuantity <= 0 {
		return errors.Validation("total quantity must be positive, got %v", r.TotalQuantity)
	}
	if r.VisibleQuantity <= 0 || r.VisibleQuantity > r.TotalQuantity {
		return errors.Validation("visible quantity must be in (0, total], got %v", r.VisibleQuantity)
	}
	if r.MaxSlices < 0 {
		return errors.Validation("max slices must not be negative, got %d", r.MaxSlices)
	}
	if r.Leverage < 1 {
		return errors.Validation("leverage must be at least 1, got %v", r.Leverage)
	}
	return nil
}

// CreateIceberg validates the request, executes the first slice
// immediately and schedules the rest.
func (s *Supervisor) CreateIceberg(ctx context.Context, req IcebergRequest) (*models.IcebergOrder, error) {
	if req.Leverage == 0 {
		req.Leverage = 1
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	maxSlices := req.MaxSlices
	if maxSlices == 0 {
		maxSlices = models.DefaultMaxSlices(req.TotalQuantity, req.VisibleQuantity)
	}

	now := time.Now()
	ice := &models.IcebergOrder{
		ID:                s.nextID("ICE"),
		OwnerID:           req.OwnerID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		TotalQuantity:     req.TotalQuantity,
		VisibleQuantity:   req.VisibleQuantity,
		RemainingQuantity: req.TotalQuantity,
		MaxSlices:         maxSlices,
		Leverage:          req.Leverage,
		Status:            models.IcebergPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	s.mu.Lock()
	s.icebergs[ice.ID] = ice
	snap := *ice
	s.mu.Unlock()
	s.persistIceberg(ctx, snap)

	// The first slice goes out immediately on creation.
	s.executeSlice(ctx, ice.ID)

	return s.snapshotIceberg(ice.ID)
}

func (s *Supervisor) scheduleSlice(id string) {
	s.sched.Schedule("ice:"+id, time.Now().Add(s.cfg.SliceDelay), func(ctx context.Context) {
		s.executeSlice(ctx, id)
	})
}

// executeSlice places one child market order of min(visible, remaining)
// and advances the iceberg's counters. Invariant held throughout:
// filled + remaining == total, executedSlices <= maxSlices.
func (s *Supervisor) executeSlice(ctx context.Context, id string) {
	s.mu.Lock()
	ice, ok := s.icebergs[id]
	if !ok || ice.Status != models.IcebergPending {
		s.mu.Unlock()
		return
	}
	sliceQty := ice.NextSliceQuantity()
	s.mu.Unlock()

	order := &models.Order{
		ID:        s.nextID("ORD"),
		OwnerID:   ice.OwnerID,
		Symbol:    ice.Symbol,
		Side:      ice.Side,
		Kind:      models.OrderKindMarket,
		Quantity:  sliceQty,
		Leverage:  ice.Leverage,
		Status:    models.OrderStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	result, err := s.engine.Execute(ctx, order)
	if err != nil {
		if errors.HasCode(err, errors.CodeMarketDataUnavailable) {
			// Price missing or stale this period; retry on the normal
			// slice cadence.
			s.scheduleSlice(id)
			return
		}
		// Balance or validation failure cannot resolve on its own.
		s.mu.Lock()
		ice.Status = models.IcebergCancelled
		ice.UpdatedAt = time.Now()
		snap := *ice
		s.mu.Unlock()
		s.persistIceberg(ctx, snap)
		s.logger.Error().Err(err).Str("order_id", id).Msg("Iceberg slice failed, order cancelled")
		s.notifier.Publish(ctx, snap.OwnerID, notify.EventOrderCancelled, &snap)
		return
	}

	s.mu.Lock()
	ice.FilledQuantity += sliceQty
	ice.RemainingQuantity -= sliceQty
	ice.ExecutedSlices++
	ice.UpdatedAt = time.Now()

	var done bool
	switch {
	case ice.RemainingQuantity <= 1e-9:
		ice.RemainingQuantity = 0
		ice.Status = models.IcebergFilled
		done = true
	case ice.ExecutedSlices >= ice.MaxSlices:
		ice.Status = models.IcebergPartiallyFilled
		done = true
	}
	snap := *ice
	s.mu.Unlock()

	s.persistIceberg(ctx, snap)
	s.notifier.Publish(ctx, snap.OwnerID, notify.EventIcebergSlice, map[string]interface{}{
		"iceberg": &snap,
		"trade":   result.Trade,
	})

	if done {
		s.notifier.Publish(ctx, snap.OwnerID, notify.EventIcebergComplete, &snap)
		s.logger.Info().
			Str("event", "iceberg_complete").
			Str("order_id", id).
			Str("status", string(snap.Status)).
			Int("slices", snap.ExecutedSlices).
			Msg("Iceberg finished")
		return
	}
	s.scheduleSlice(id)
}

// UpdateIceberg adjusts the visible quantity or slice cap of a pending
// iceberg. The cap can never drop below the slices already executed.
func (s *Supervisor) UpdateIceberg(ctx context.Context, ownerID, id string, visibleQuantity float64, maxSlices int) (*models.IcebergOrder, error) {
	s.mu.Lock()
	ice, ok := s.icebergs[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("iceberg", id)
	}
	if ice.OwnerID != ownerID {
		s.mu.Unlock()
		return nil, errors.Unauthorized("iceberg %s does not belong to account %s", id, ownerID)
	}
	if ice.Status != models.IcebergPending {
		s.mu.Unlock()
		return nil, errors.InvalidState("iceberg %s is %s, only pending orders can be updated", id, ice.Status)
	}
	if visibleQuantity != 0 {
		if visibleQuantity < 0 || visibleQuantity > ice.TotalQuantity {
			s.mu.Unlock()
			return nil, errors.Validation("visible quantity must be in (0, total], got %v", visibleQuantity)
		}
		ice.VisibleQuantity = visibleQuantity
	}
	if maxSlices != 0 {
		if maxSlices < ice.ExecutedSlices {
			s.mu.Unlock()
			return nil, errors.Validation("max slices %d cannot drop below executed slices %d", maxSlices, ice.ExecutedSlices)
		}
		ice.MaxSlices = maxSlices
	}
	ice.UpdatedAt = time.Now()
	snap := *ice
	s.mu.Unlock()

	s.persistIceberg(ctx, snap)
	return &snap, nil
}

// CancelIceberg cancels a pending or partially filled iceberg, stopping
// any scheduled slice. Cancelling twice is a no-op; cancelling a filled
// iceberg is INVALID_STATE.
func (s *Supervisor) CancelIceberg(ctx context.Context, ownerID, id string) (*models.IcebergOrder, error) {
	s.mu.Lock()
	ice, ok := s.icebergs[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("iceberg", id)
	}
	if ice.OwnerID != ownerID {
		s.mu.Unlock()
		return nil, errors.Unauthorized("iceberg %s does not belong to account %s", id, ownerID)
	}
	if ice.Status == models.IcebergCancelled {
		s.mu.Unlock()
		return s.snapshotIceberg(id)
	}
	if ice.Status == models.IcebergFilled {
		s.mu.Unlock()
		return nil, errors.InvalidState("iceberg %s is already filled", id)
	}
	ice.Status = models.IcebergCancelled
	ice.UpdatedAt = time.Now()
	snap := *ice
	s.mu.Unlock()

	s.sched.Cancel("ice:" + id)
	s.persistIceberg(ctx, snap)
	s.notifier.Publish(ctx, ownerID, notify.EventOrderCancelled, &snap)
	return &snap, nil
}

// GetIceberg returns a snapshot of the order, enforcing ownership.
func (s *Supervisor) GetIceberg(ownerID, id string) (*models.IcebergOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ice, ok := s.icebergs[id]
	if !ok {
		return nil, errors.NotFound("iceberg", id)
	}
	if ice.OwnerID != ownerID {
		return nil, errors.Unauthorized("iceberg %s does not belong to account %s", id, ownerID)
	}
	cp := *ice
	return &cp, nil
}

func (s *Supervisor) snapshotIceberg(id string) (*models.IcebergOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ice, ok := s.icebergs[id]
	if !ok {
		return nil, errors.NotFound("iceberg", id)
	}
	cp := *ice
	return &cp, nil
}
