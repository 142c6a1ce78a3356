// Package rebalance derives a trade list from a target portfolio
// allocation. The planner is a pure function of its inputs; execution of
// the plan happens elsewhere.
package rebalance

import (
	"math"
	"sort"

	"tradesim/internal/errors"
	"tradesim/internal/models"
)

// CashSymbol is the pseudo-symbol for uninvested cash. It always prices
// at 1 and participates in the allocation sum like any other symbol.
const CashSymbol = "CASH"

// AllocationTolerance is how far the target percentages may drift from
// 100 before the input is rejected.
const AllocationTolerance = 1.0

// Input holds everything the planner needs.
type Input struct {
	// Holdings maps symbol to quantity held. Cash quantity is its value.
	Holdings map[string]float64
	// TargetPercent maps symbol to desired share of portfolio value, in
	// percent. Must sum to 100 within AllocationTolerance.
	TargetPercent map[string]float64
	// Prices maps symbol to current price. CashSymbol is implicitly 1.
	Prices map[string]float64
	// ThresholdPercent suppresses trades whose absolute deviation is
	// below it. The comparison is inclusive: a deviation exactly at the
	// threshold produces a trade.
	ThresholdPercent float64
	// MaxTradeSize caps each trade's value when positive.
	MaxTradeSize float64
}

// Plan computes the rebalancing trades, sorted by descending absolute
// estimated value so the highest-impact trades execute first. The sort is
// stable: ties keep their input iteration order.
func Plan(in Input) ([]models.RebalancingTrade, error) {
	if in.ThresholdPercent < 0 {
		return nil, errors.Validation("threshold must not be negative, got %v", in.ThresholdPercent)
	}

	var targetSum float64
	for symbol, pct := range in.TargetPercent {
		if pct < 0 {
			return nil, errors.Validation("target allocation for %s must not be negative, got %v", symbol, pct)
		}
		targetSum += pct
	}
	if math.Abs(targetSum-100) > AllocationTolerance {
		return nil, errors.Validation("target allocations must sum to 100%% (±%v), got %v", AllocationTolerance, targetSum)
	}

	symbols := unionSymbols(in.Holdings, in.TargetPercent)

	total := 0.0
	values := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		price, err := priceOf(in.Prices, symbol)
		if err != nil {
			return nil, err
		}
		v := in.Holdings[symbol] * price
		values[symbol] = v
		total += v
	}
	if total <= 0 {
		return nil, errors.Validation("portfolio value must be positive")
	}

	trades := make([]models.RebalancingTrade, 0, len(symbols))
	for _, symbol := range symbols {
		if symbol == CashSymbol {
			// Cash balances out implicitly as the other legs execute.
			continue
		}
		price, _ := priceOf(in.Prices, symbol)

		targetValue := in.TargetPercent[symbol] / 100 * total
		diff := targetValue - values[symbol]
		deviation := diff / total * 100

		if math.Abs(deviation) < in.ThresholdPercent {
			continue
		}

		quantity := math.Abs(diff) / price
		if in.MaxTradeSize > 0 {
			quantity = math.Min(quantity, in.MaxTradeSize/price)
		}
		if quantity <= 0 {
			continue
		}

		action := models.SideBuy
		if diff < 0 {
			action = models.SideSell
		}

		trades = append(trades, models.RebalancingTrade{
			Symbol:           symbol,
			Action:           action,
			Quantity:         quantity,
			Price:            price,
			DeviationPercent: deviation,
			EstimatedValue:   quantity * price,
		})
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return math.Abs(trades[i].EstimatedValue) > math.Abs(trades[j].EstimatedValue)
	})
	return trades, nil
}

// unionSymbols returns the union of holding and target keys in a
// deterministic order, so ties in the stable sort are reproducible.
func unionSymbols(holdings, target map[string]float64) []string {
	seen := make(map[string]bool, len(holdings)+len(target))
	for s := range holdings {
		seen[s] = true
	}
	for s := range target {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func priceOf(prices map[string]float64, symbol string) (float64, error) {
	if symbol == CashSymbol {
		return 1, nil
	}
	price, ok := prices[symbol]
	if !ok || price <= 0 {
		return 0, errors.MarketDataUnavailable(symbol)
	}
	return price, nil
}
