package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/config"
	"tradesim/internal/errors"
	"tradesim/internal/logging"
	"tradesim/internal/models"
)

// MarketData is the quote source the engine executes against. The hub
// implements it; tests supply fakes.
type MarketData interface {
	Quote(symbol string) (models.Quote, error)
}

// ExecutionResult carries the outcome of one execution attempt.
// Ready is false when a limit or stop order's condition is not met yet;
// that is not an error, the caller re-polls.
type ExecutionResult struct {
	Trade           *models.Trade
	Position        *models.Position
	ExecutionPrice  float64
	SlippagePercent float64
	Ready           bool
}

// Engine fills orders against the latest market quote, applying slippage,
// commission and margin accounting.
type Engine struct {
	cfg      config.EngineConfig
	market   MarketData
	accounts *AccountManager
	logger   zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.RWMutex
	positions map[string]*models.Position
	trades    []models.Trade
	counter   uint64
}

// New creates an execution engine.
func New(cfg config.EngineConfig, market MarketData, accounts *AccountManager, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		market:    market,
		accounts:  accounts,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		positions: make(map[string]*models.Position),
	}
}

// Accounts returns the account manager the engine mutates balances through.
func (e *Engine) Accounts() *AccountManager {
	return e.accounts
}

// ValidateOrder checks the structural invariants of an order before any
// balance is touched.
func (e *Engine) ValidateOrder(order *models.Order) error {
	if order.Symbol == "" {
		return errors.Validation("symbol must not be empty")
	}
	if order.Side != models.SideBuy && order.Side != models.SideSell {
		return errors.Validation("side must be BUY or SELL, got %q", order.Side)
	}
	if order.Quantity <= 0 {
		return errors.Validation("quantity must be positive, got %v", order.Quantity)
	}
	if order.Leverage < 1 {
		return errors.Validation("leverage must be at least 1, got %v", order.Leverage)
	}
	if order.Leverage > e.cfg.MaxLeverage {
		return errors.LeverageExceeded(order.Leverage, e.cfg.MaxLeverage)
	}
	if order.Kind.RequiresLimitPrice() && order.LimitPrice <= 0 {
		return errors.Validation("%s order requires a limit price", order.Kind)
	}
	if order.Kind.RequiresStopPrice() && order.StopPrice <= 0 {
		return errors.Validation("%s order requires a stop price", order.Kind)
	}
	switch order.Kind {
	case models.OrderKindMarket, models.OrderKindLimit, models.OrderKindStop, models.OrderKindStopLimit:
	default:
		return errors.Validation("unknown order kind %q", order.Kind)
	}
	return nil
}

// Execute attempts to fill the order against the current quote.
//
// Market orders fill immediately at the quote plus adverse slippage. Limit
// orders fill at the limit price only once the market crosses it; until
// then the result has Ready=false. Stop orders trigger into market orders
// once the stop price is crossed. Margin and commission are committed
// atomically only after every validation passes.
func (e *Engine) Execute(ctx context.Context, order *models.Order) (*ExecutionResult, error) {
	if err := e.ValidateOrder(order); err != nil {
		order.Status = models.OrderStatusRejected
		return nil, err
	}

	acct, err := e.accounts.Get(order.OwnerID)
	if err != nil {
		order.Status = models.OrderStatusRejected
		return nil, err
	}

	quote, err := e.market.Quote(order.Symbol)
	if err != nil {
		return nil, err
	}
	if quote.Stale {
		return nil, errors.MarketDataUnavailable(order.Symbol)
	}

	// Acceptance check: the margin at the current quote must be coverable
	// even when the order rests. The balance is only committed at fill
	// time, via ReserveWithFee below.
	margin := quote.Price * order.Quantity / order.Leverage
	if margin > acct.Balance() {
		order.Status = models.OrderStatusRejected
		order.UpdatedAt = time.Now()
		return nil, errors.InsufficientBalance(margin, acct.Balance())
	}

	execPrice, slippagePct, ready := e.executionPrice(order, quote.Price)
	if !ready {
		if order.Status == models.OrderStatusPending {
			order.Status = models.OrderStatusOpen
			order.UpdatedAt = time.Now()
		}
		return &ExecutionResult{Ready: false}, nil
	}

	commission := execPrice * order.Quantity * e.cfg.CommissionRate

	if err := acct.ReserveWithFee(margin, commission); err != nil {
		order.Status = models.OrderStatusRejected
		order.UpdatedAt = time.Now()
		return nil, err
	}

	now := time.Now()
	id := e.nextID()

	trade := &models.Trade{
		ID:              "TRD_" + id,
		OrderID:         order.ID,
		OwnerID:         order.OwnerID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Quantity:        order.Quantity,
		Price:           execPrice,
		SlippagePercent: slippagePct,
		Commission:      commission,
		ExecutedAt:      now,
	}

	position := &models.Position{
		ID:             "POS_" + id,
		OrderID:        order.ID,
		OwnerID:        order.OwnerID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Quantity:       order.Quantity,
		EntryPrice:     execPrice,
		Leverage:       order.Leverage,
		Margin:         margin,
		StopLoss:       order.StopLoss,
		TakeProfit:     order.TakeProfit,
		CommissionPaid: commission,
		Status:         models.PositionOpen,
		OpenedAt:       now,
	}

	e.mu.Lock()
	e.positions[position.ID] = position
	e.trades = append(e.trades, *trade)
	e.mu.Unlock()

	order.Status = models.OrderStatusFilled
	order.UpdatedAt = now

	logging.LogTrade(e.logger, order.Symbol, string(order.Side), order.Quantity, execPrice, slippagePct)

	return &ExecutionResult{
		Trade:           trade,
		Position:        position,
		ExecutionPrice:  execPrice,
		SlippagePercent: slippagePct,
		Ready:           true,
	}, nil
}

// executionPrice resolves the fill price for the order kind at the given
// market price. ready is false when the order's condition is not met.
func (e *Engine) executionPrice(order *models.Order, price float64) (exec, slippagePct float64, ready bool) {
	switch order.Kind {
	case models.OrderKindMarket:
		return e.slip(order.Side, price)

	case models.OrderKindLimit:
		if limitReady(order.Side, price, order.LimitPrice) {
			// Price improvement is kept by the trader: fills at the
			// limit price with zero slippage.
			return order.LimitPrice, 0, true
		}
		return 0, 0, false

	case models.OrderKindStop:
		if stopTriggered(order.Side, price, order.StopPrice) {
			return e.slip(order.Side, price)
		}
		return 0, 0, false

	case models.OrderKindStopLimit:
		if stopTriggered(order.Side, price, order.StopPrice) && limitReady(order.Side, price, order.LimitPrice) {
			return order.LimitPrice, 0, true
		}
		return 0, 0, false
	}
	return 0, 0, false
}

// slip applies adverse slippage to a market fill: buys pay up, sells
// receive less.
func (e *Engine) slip(side models.Side, price float64) (exec, slippagePct float64, ready bool) {
	e.rngMu.Lock()
	u := e.rng.Float64()
	e.rngMu.Unlock()

	slippagePct = u * e.cfg.MaxSlippagePercent * e.cfg.VolatilityFactor
	amount := price * slippagePct / 100
	if side == models.SideBuy {
		return price + amount, slippagePct, true
	}
	return price - amount, slippagePct, true
}

func limitReady(side models.Side, price, limit float64) bool {
	if side == models.SideBuy {
		return price <= limit
	}
	return price >= limit
}

func stopTriggered(side models.Side, price, stop float64) bool {
	if side == models.SideBuy {
		return price >= stop
	}
	return price <= stop
}

// ClosePosition closes an open position at the current quote, realizing
// P&L and returning margin to the account. Closing a closed position
// returns INVALID_STATE.
func (e *Engine) ClosePosition(ctx context.Context, positionID string, reason models.CloseReason) (*models.Position, error) {
	e.mu.Lock()
	position, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, errors.NotFound("position", positionID)
	}
	if position.Status == models.PositionClosed {
		e.mu.Unlock()
		return nil, errors.InvalidState("position %s is already closed", positionID)
	}
	e.mu.Unlock()

	quote, err := e.market.Quote(position.Symbol)
	if err != nil {
		return nil, err
	}
	if quote.Stale {
		return nil, errors.MarketDataUnavailable(position.Symbol)
	}

	// Closing trades cross the spread adversely too: a long closes by
	// selling, a short by buying.
	exitPrice, _, _ := e.slip(position.Side.Opposite(), quote.Price)
	closeCommission := exitPrice * position.Quantity * e.cfg.CommissionRate

	gross := (exitPrice - position.EntryPrice) * position.Quantity * position.Leverage * position.Side.Sign()
	pnl := gross - position.CommissionPaid - closeCommission

	acct, err := e.accounts.Get(position.OwnerID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if position.Status == models.PositionClosed {
		e.mu.Unlock()
		return nil, errors.InvalidState("position %s is already closed", positionID)
	}
	position.Status = models.PositionClosed
	position.PnL = pnl
	position.ClosePrice = exitPrice
	position.CloseReason = reason
	position.ClosedAt = time.Now()
	position.CommissionPaid += closeCommission
	e.mu.Unlock()

	// Release exactly what was reserved at open. Recomputing from the
	// entry price would drift by the open slippage.
	acct.Release(position.Margin)
	acct.Credit(gross - closeCommission)

	e.logger.Info().
		Str("event", "position_closed").
		Str("position_id", positionID).
		Str("reason", string(reason)).
		Float64("pnl", pnl).
		Msg("Position closed")

	return position, nil
}

// Position returns a snapshot of a position by ID.
func (e *Engine) Position(positionID string) (models.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[positionID]
	if !ok {
		return models.Position{}, errors.NotFound("position", positionID)
	}
	return *p, nil
}

// OpenPositions returns snapshots of all open positions, optionally
// filtered by owner.
func (e *Engine) OpenPositions(ownerID string) []models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Position, 0)
	for _, p := range e.positions {
		if p.Status != models.PositionOpen {
			continue
		}
		if ownerID != "" && p.OwnerID != ownerID {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Trades returns the execution history.
func (e *Engine) Trades() []models.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// Equity returns the account's available balance plus margin reserved and
// unrealized P&L of its open positions at current prices.
func (e *Engine) Equity(accountID string) (float64, error) {
	acct, err := e.accounts.Get(accountID)
	if err != nil {
		return 0, err
	}
	equity := acct.Balance() + acct.Reserved()

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.positions {
		if p.OwnerID != accountID || p.Status != models.PositionOpen {
			continue
		}
		if quote, err := e.market.Quote(p.Symbol); err == nil {
			equity += p.UnrealizedPnL(quote.Price)
		}
	}
	return equity, nil
}

func (e *Engine) nextID() string {
	e.mu.Lock()
	e.counter++
	n := e.counter
	e.mu.Unlock()
	return fmt.Sprintf("%d_%d", time.Now().Unix(), n)
}
