package engine

import (
	"context"
	"time"

	"tradesim/internal/models"
)

// CloseInstruction tells the caller a position crossed one of its stored
// stop levels and must be closed with the given reason.
type CloseInstruction struct {
	PositionID string
	Reason     models.CloseReason
	Price      float64
}

// CheckStopLevels evaluates the current price against the position's
// stop-loss and take-profit thresholds. It returns a close instruction the
// first time a threshold is crossed; closed positions never re-trigger
// because closing is terminal.
func (e *Engine) CheckStopLevels(position *models.Position) (CloseInstruction, bool) {
	if position.Status != models.PositionOpen {
		return CloseInstruction{}, false
	}
	quote, err := e.market.Quote(position.Symbol)
	if err != nil || quote.Stale {
		return CloseInstruction{}, false
	}
	price := quote.Price

	if position.Side == models.SideBuy {
		if position.StopLoss > 0 && price <= position.StopLoss {
			return CloseInstruction{PositionID: position.ID, Reason: models.CloseReasonStopLoss, Price: price}, true
		}
		if position.TakeProfit > 0 && price >= position.TakeProfit {
			return CloseInstruction{PositionID: position.ID, Reason: models.CloseReasonTakeProfit, Price: price}, true
		}
		return CloseInstruction{}, false
	}

	if position.StopLoss > 0 && price >= position.StopLoss {
		return CloseInstruction{PositionID: position.ID, Reason: models.CloseReasonStopLoss, Price: price}, true
	}
	if position.TakeProfit > 0 && price <= position.TakeProfit {
		return CloseInstruction{PositionID: position.ID, Reason: models.CloseReasonTakeProfit, Price: price}, true
	}
	return CloseInstruction{}, false
}

// SweepStopLevels checks every open position once and closes those that
// crossed a threshold. Returns the positions closed in this sweep.
func (e *Engine) SweepStopLevels(ctx context.Context) []*models.Position {
	e.mu.RLock()
	open := make([]*models.Position, 0)
	for _, p := range e.positions {
		if p.Status == models.PositionOpen {
			open = append(open, p)
		}
	}
	e.mu.RUnlock()

	var closed []*models.Position
	for _, p := range open {
		instr, ok := e.CheckStopLevels(p)
		if !ok {
			continue
		}
		pos, err := e.ClosePosition(ctx, instr.PositionID, instr.Reason)
		if err != nil {
			// Another path may have closed it between check and close.
			continue
		}
		closed = append(closed, pos)
	}
	return closed
}

// MonitorStopLevels runs SweepStopLevels on a fixed period until the
// context is cancelled.
func (e *Engine) MonitorStopLevels(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepStopLevels(ctx)
		}
	}
}
