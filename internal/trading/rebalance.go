package trading

import (
	"context"

	"tradesim/internal/errors"
	"tradesim/internal/models"
	"tradesim/internal/rebalance"
)

// RebalanceRequest holds the parameters of a rebalancing plan.
type RebalanceRequest struct {
	OwnerID          string
	TargetPercent    map[string]float64
	ThresholdPercent float64
	MaxTradeSize     float64
}

// PlanRebalance derives a trade list from the account's current holdings
// and the target allocation. The plan is a pure calculation; nothing is
// executed or persisted.
func (s *Service) PlanRebalance(ctx context.Context, req RebalanceRequest) ([]models.RebalancingTrade, error) {
	acct, err := s.engine.Accounts().Get(req.OwnerID)
	if err != nil {
		return nil, err
	}

	holdings := map[string]float64{
		rebalance.CashSymbol: acct.Balance(),
	}
	prices := make(map[string]float64)
	for _, pos := range s.engine.OpenPositions(req.OwnerID) {
		// Shorts are negative exposure, not holdings.
		holdings[pos.Symbol] += pos.Quantity * pos.Side.Sign()
	}
	for symbol := range holdings {
		if symbol == rebalance.CashSymbol {
			continue
		}
		price, err := s.hub.CurrentPrice(symbol)
		if err != nil {
			return nil, err
		}
		prices[symbol] = price
	}
	for symbol := range req.TargetPercent {
		if symbol == rebalance.CashSymbol {
			continue
		}
		if _, ok := prices[symbol]; ok {
			continue
		}
		price, err := s.hub.CurrentPrice(symbol)
		if err != nil {
			return nil, err
		}
		prices[symbol] = price
	}

	return rebalance.Plan(rebalance.Input{
		Holdings:         holdings,
		TargetPercent:    req.TargetPercent,
		Prices:           prices,
		ThresholdPercent: req.ThresholdPercent,
		MaxTradeSize:     req.MaxTradeSize,
	})
}

// ExecuteRebalancePlan submits each trade of a plan as a market order, in
// plan order. Execution stops at the first order the engine rejects and
// returns the orders placed so far with the error.
func (s *Service) ExecuteRebalancePlan(ctx context.Context, ownerID string, plan []models.RebalancingTrade) ([]*models.Order, error) {
	if len(plan) == 0 {
		return nil, errors.Validation("rebalance plan is empty")
	}

	placed := make([]*models.Order, 0, len(plan))
	for _, trade := range plan {
		order, err := s.SubmitOrder(ctx, OrderRequest{
			OwnerID:  ownerID,
			Symbol:   trade.Symbol,
			Side:     trade.Action,
			Kind:     models.OrderKindMarket,
			Quantity: trade.Quantity,
			Leverage: 1,
		})
		if err != nil {
			return placed, err
		}
		placed = append(placed, order)
	}
	return placed, nil
}
