package orders

import (
	"context"
	"time"

	"tradesim/internal/errors"
	"tradesim/internal/models"
	"tradesim/internal/notify"
)

// TrailingStopRequest holds the parameters for a new trailing stop.
type TrailingStopRequest struct {
	OwnerID         string
	Symbol          string
	Side            models.Side
	Quantity        float64
	TrailMode       models.TrailMode
	TrailValue      float64
	ActivationPrice float64
	Leverage        float64
}

func (r *TrailingStopRequest) validate() error {
	if r.OwnerID == "" {
		return errors.Validation("owner id must not be empty")
	}
	if r.Symbol == "" {
		return errors.Validation("symbol must not be empty")
	}
	if r.Side != models.SideBuy && r.Side != models.SideSell {
		return errors.Validation("side must be BUY or SELL, got %q", r.Side)
	}
	if r.Quantity <= 0 {
		return errors.Validation("quantity must be positive, got %v", r.Quantity)
	}
	if r.TrailValue <= 0 {
		return errors.Validation("trail value must be positive, got %v", r.TrailValue)
	}
	if r.TrailMode != models.TrailModePercentage && r.TrailMode != models.TrailModeFixedAmount {
		return errors.Validation("trail mode must be PERCENTAGE or FIXED_AMOUNT, got %q", r.TrailMode)
	}
	if r.Leverage < 1 {
		return errors.Validation("leverage must be at least 1, got %v", r.Leverage)
	}
	return nil
}

// CreateTrailingStop validates the request, reserves margin for the
// eventual child order, seeds the stop price from the current market and
// starts monitoring.
func (s *Supervisor) CreateTrailingStop(ctx context.Context, req TrailingStopRequest) (*models.TrailingStopOrder, error) {
	if req.Leverage == 0 {
		req.Leverage = 1
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	quote, err := s.market.Quote(req.Symbol)
	if err != nil {
		return nil, err
	}
	if quote.Stale {
		return nil, errors.MarketDataUnavailable(req.Symbol)
	}

	acct, err := s.engine.Accounts().Get(req.OwnerID)
	if err != nil {
		return nil, err
	}
	margin := quote.Price * req.Quantity / req.Leverage
	if err := acct.Reserve(margin); err != nil {
		return nil, err
	}

	now := time.Now()
	t := &models.TrailingStopOrder{
		ID:              s.nextID("TS"),
		OwnerID:         req.OwnerID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		TrailMode:       req.TrailMode,
		TrailValue:      req.TrailValue,
		ActivationPrice: req.ActivationPrice,
		Leverage:        req.Leverage,
		Status:          models.TrailingStopPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.StopPrice = t.CandidateStop(quote.Price)

	s.mu.Lock()
	s.trailing[t.ID] = t
	s.reserved[t.ID] = margin
	snap := *t
	s.mu.Unlock()

	s.persistTrailing(ctx, snap)
	s.scheduleTrailing(t.ID)

	s.logger.Info().
		Str("event", "trailing_stop_created").
		Str("order_id", snap.ID).
		Str("symbol", snap.Symbol).
		Float64("stop_price", snap.StopPrice).
		Msg("Trailing stop created")

	return &snap, nil
}

func (s *Supervisor) scheduleTrailing(id string) {
	s.sched.Schedule("ts:"+id, time.Now().Add(s.cfg.MonitorInterval), func(ctx context.Context) {
		s.monitorTrailing(ctx, id)
	})
}

// monitorTrailing runs one ratchet step for a pending trailing stop: apply
// the activation gate, tighten the stop if the candidate is more
// favorable, then trigger when the market crosses the stop.
func (s *Supervisor) monitorTrailing(ctx context.Context, id string) {
	s.mu.Lock()
	t, ok := s.trailing[id]
	if !ok || t.Status != models.TrailingStopPending {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	quote, err := s.market.Quote(t.Symbol)
	if err != nil || quote.Stale {
		// No usable tick this period; keep the last stop and try again.
		s.scheduleTrailing(id)
		return
	}

	triggered := s.ratchetStep(ctx, t, quote.Price)
	if !triggered {
		s.scheduleTrailing(id)
	}
}

// ratchetStep mutates the trailing stop against one observed price and
// returns true when the order triggered. Split from monitorTrailing so
// tests can drive tick sequences directly.
func (s *Supervisor) ratchetStep(ctx context.Context, t *models.TrailingStopOrder, price float64) bool {
	s.mu.Lock()
	if t.Status != models.TrailingStopPending {
		s.mu.Unlock()
		return false
	}

	if t.ActivationPrice > 0 && !activationReached(t.Side, price, t.ActivationPrice) {
		s.mu.Unlock()
		return false
	}

	// Ratchet: the stop only ever tightens in the holder's favor.
	candidate := t.CandidateStop(price)
	if t.Side == models.SideBuy {
		if candidate > t.StopPrice {
			t.StopPrice = candidate
			t.UpdatedAt = time.Now()
		}
	} else {
		if candidate < t.StopPrice {
			t.StopPrice = candidate
			t.UpdatedAt = time.Now()
		}
	}

	crossed := false
	if t.Side == models.SideBuy {
		crossed = price <= t.StopPrice
	} else {
		crossed = price >= t.StopPrice
	}
	if !crossed {
		snap := *t
		s.mu.Unlock()
		s.persistTrailing(ctx, snap)
		return false
	}

	t.Status = models.TrailingStopTriggered
	t.UpdatedAt = time.Now()
	snap := *t
	s.mu.Unlock()

	s.persistTrailing(ctx, snap)
	s.releaseReservedMargin(t)
	s.submitTriggered(ctx, &snap)
	return true
}

// activationReached reports whether the market has touched the activation
// price: buys activate once the price rises to it, sells once it falls.
func activationReached(side models.Side, price, activation float64) bool {
	if side == models.SideBuy {
		return price >= activation
	}
	return price <= activation
}

// submitTriggered places the full-quantity market order for a triggered
// trailing stop.
func (s *Supervisor) submitTriggered(ctx context.Context, t *models.TrailingStopOrder) {
	order := &models.Order{
		ID:        s.nextID("ORD"),
		OwnerID:   t.OwnerID,
		Symbol:    t.Symbol,
		Side:      t.Side,
		Kind:      models.OrderKindMarket,
		Quantity:  t.Quantity,
		Leverage:  t.Leverage,
		Status:    models.OrderStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	result, err := s.engine.Execute(ctx, order)
	if err != nil {
		s.logger.Error().Err(err).
			Str("order_id", t.ID).
			Msg("Trailing stop child order failed")
		s.notifier.Publish(ctx, t.OwnerID, notify.EventOrderRejected, order)
		return
	}

	s.notifier.Publish(ctx, t.OwnerID, notify.EventTrailingTriggered, map[string]interface{}{
		"trailing_stop": t,
		"trade":         result.Trade,
	})
	s.logger.Info().
		Str("event", "trailing_stop_triggered").
		Str("order_id", t.ID).
		Float64("price", result.ExecutionPrice).
		Msg("Trailing stop triggered")
}

// UpdateTrailingStop adjusts the trail value or activation price of a
// pending order. Terminal orders reject the update with INVALID_STATE.
func (s *Supervisor) UpdateTrailingStop(ctx context.Context, ownerID, id string, trailValue, activationPrice float64) (*models.TrailingStopOrder, error) {
	s.mu.Lock()
	t, ok := s.trailing[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("trailing stop", id)
	}
	if t.OwnerID != ownerID {
		s.mu.Unlock()
		return nil, errors.Unauthorized("trailing stop %s does not belong to account %s", id, ownerID)
	}
	if t.Status != models.TrailingStopPending {
		s.mu.Unlock()
		return nil, errors.InvalidState("trailing stop %s is %s, only pending orders can be updated", id, t.Status)
	}
	if trailValue < 0 {
		s.mu.Unlock()
		return nil, errors.Validation("trail value must be positive, got %v", trailValue)
	}
	if trailValue > 0 {
		t.TrailValue = trailValue
	}
	if activationPrice >= 0 {
		t.ActivationPrice = activationPrice
	}
	t.UpdatedAt = time.Now()
	snap := *t
	s.mu.Unlock()

	s.persistTrailing(ctx, snap)
	s.notifier.Publish(ctx, ownerID, notify.EventTrailingUpdated, &snap)
	return &snap, nil
}

// CancelTrailingStop cancels a pending order, stops its monitoring task
// and releases the reserved margin exactly once. Cancelling an already
// cancelled order is a no-op; cancelling a triggered order is
// INVALID_STATE.
func (s *Supervisor) CancelTrailingStop(ctx context.Context, ownerID, id string) (*models.TrailingStopOrder, error) {
	s.mu.Lock()
	t, ok := s.trailing[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("trailing stop", id)
	}
	if t.OwnerID != ownerID {
		s.mu.Unlock()
		return nil, errors.Unauthorized("trailing stop %s does not belong to account %s", id, ownerID)
	}
	if t.Status == models.TrailingStopCancelled {
		snap := *t
		s.mu.Unlock()
		return &snap, nil
	}
	if t.Status == models.TrailingStopTriggered {
		s.mu.Unlock()
		return nil, errors.InvalidState("trailing stop %s already triggered", id)
	}
	t.Status = models.TrailingStopCancelled
	t.UpdatedAt = time.Now()
	snap := *t
	s.mu.Unlock()

	s.sched.Cancel("ts:" + id)
	s.releaseReservedMargin(t)
	s.persistTrailing(ctx, snap)
	s.notifier.Publish(ctx, ownerID, notify.EventOrderCancelled, &snap)
	return &snap, nil
}

// GetTrailingStop returns a snapshot of the order, enforcing ownership.
func (s *Supervisor) GetTrailingStop(ownerID, id string) (*models.TrailingStopOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trailing[id]
	if !ok {
		return nil, errors.NotFound("trailing stop", id)
	}
	if t.OwnerID != ownerID {
		return nil, errors.Unauthorized("trailing stop %s does not belong to account %s", id, ownerID)
	}
	return snapshotTrailing(t), nil
}

func snapshotTrailing(t *models.TrailingStopOrder) *models.TrailingStopOrder {
	cp := *t
	return &cp
}
