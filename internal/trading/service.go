// Package trading exposes the public operation surface of the simulation
// core. Every operation validates ownership, returns typed errors and
// persists through the durable store; collaborators outside the core
// (auth, delivery) are consumed through narrow interfaces.
package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/errors"
	"tradesim/internal/market"
	"tradesim/internal/models"
	"tradesim/internal/notify"
	"tradesim/internal/orders"
	"tradesim/internal/scheduler"
	"tradesim/internal/store"

	botpkg "tradesim/internal/bot"
)

// Service ties the core components together behind the public surface.
type Service struct {
	cfg      *config.Config
	hub      *market.Hub
	engine   *engine.Engine
	sup      *orders.Supervisor
	runner   *botpkg.Runner
	sched    *scheduler.Scheduler
	st       store.Store
	notifier notify.Notifier
	logger   zerolog.Logger

	mu      sync.Mutex
	orders  map[string]*models.Order
	counter uint64

	cancel context.CancelFunc
}

// NewService wires the full core from configuration.
func NewService(cfg *config.Config, st store.Store, notifier notify.Notifier, logger zerolog.Logger) *Service {
	hub := market.NewHub(cfg.Market, logger, 0)
	accounts := engine.NewAccountManager()
	eng := engine.New(cfg.Engine, hub, accounts, logger)
	sched := scheduler.New(logger)
	sup := orders.NewSupervisor(cfg.Orders, eng, hub, sched, st, notifier, logger)
	runner := botpkg.NewRunner(cfg.Bots, eng, hub, st, notifier, logger)

	return &Service{
		cfg:      cfg,
		hub:      hub,
		engine:   eng,
		sup:      sup,
		runner:   runner,
		sched:    sched,
		st:       st,
		notifier: notifier,
		logger:   logger,
		orders:   make(map[string]*models.Order),
	}
}

// Start launches the tick loops, the scheduler and the stop-level monitor.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.hub.Start(ctx)
	s.sched.Start(ctx)
	go s.engine.MonitorStopLevels(ctx, s.cfg.Orders.MonitorInterval)
}

// Stop shuts everything down in reverse dependency order.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.runner.Shutdown()
	s.sched.Stop()
	s.hub.Stop()
}

// Hub exposes the market data hub for read access.
func (s *Service) Hub() *market.Hub { return s.hub }

// Engine exposes the execution engine for read access.
func (s *Service) Engine() *engine.Engine { return s.engine }

// RegisterAccount records an authenticated account's balance snapshot.
// Authentication itself happens outside the core.
func (s *Service) RegisterAccount(accountID string, availableBalance float64) {
	s.engine.Accounts().SetBalance(accountID, availableBalance)
}

// OrderRequest holds the parameters of a new order submission.
type OrderRequest struct {
	OwnerID    string
	Symbol     string
	Side       models.Side
	Kind       models.OrderKind
	Quantity   float64
	LimitPrice float64
	StopPrice  float64
	Leverage   float64
	StopLoss   float64
	TakeProfit float64
}

// SubmitOrder validates and executes an order. Market orders fill
// immediately; limit and stop orders that are not ready stay open and are
// re-polled by the scheduler, one transition attempt per tick.
func (s *Service) SubmitOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if req.Leverage == 0 {
		req.Leverage = 1
	}

	now := time.Now()
	order := &models.Order{
		ID:         s.nextID("ORD"),
		OwnerID:    req.OwnerID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Leverage:   req.Leverage,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     models.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	result, err := s.engine.Execute(ctx, order)
	if err != nil {
		s.persistOrder(ctx, order)
		s.notifier.Publish(ctx, order.OwnerID, notify.EventOrderRejected, order)
		return nil, err
	}

	s.mu.Lock()
	s.orders[order.ID] = order
	s.mu.Unlock()
	s.persistOrder(ctx, order)

	if result.Ready {
		s.persistFill(ctx, order, result)
		return snapshotOrder(order), nil
	}

	s.schedulePoll(order.ID)
	return snapshotOrder(order), nil
}

// schedulePoll arranges the next execution attempt for an open order.
func (s *Service) schedulePoll(orderID string) {
	s.sched.Schedule("ord:"+orderID, time.Now().Add(s.cfg.Orders.MonitorInterval), func(ctx context.Context) {
		s.pollOrder(ctx, orderID)
	})
}

// pollOrder runs at most one transition attempt for an open limit/stop
// order. The status check and the execution happen under one lock
// acquisition so a concurrent cancel cannot slip in between them: an
// order is either cancelled before the attempt or after the fill is
// committed, never mid-fill.
func (s *Service) pollOrder(ctx context.Context, orderID string) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok || order.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	result, err := s.engine.Execute(ctx, order)
	s.mu.Unlock()
	if err != nil {
		if errors.HasCode(err, errors.CodeMarketDataUnavailable) {
			// Stale or missing quote; try again next period.
			s.schedulePoll(orderID)
			return
		}
		s.persistOrder(ctx, order)
		s.notifier.Publish(ctx, order.OwnerID, notify.EventOrderRejected, order)
		return
	}
	if !result.Ready {
		s.schedulePoll(orderID)
		return
	}
	s.persistFill(ctx, order, result)
}

func (s *Service) persistFill(ctx context.Context, order *models.Order, result *engine.ExecutionResult) {
	s.persistOrder(ctx, order)
	if result.Position != nil {
		if err := s.st.Save(ctx, store.EntityPosition, result.Position.ID, result.Position); err != nil {
			s.logger.Warn().Err(err).Str("position_id", result.Position.ID).Msg("Failed to persist position")
		}
	}
	if result.Trade != nil {
		if err := s.st.Save(ctx, store.EntityTrade, result.Trade.ID, result.Trade); err != nil {
			s.logger.Warn().Err(err).Str("trade_id", result.Trade.ID).Msg("Failed to persist trade")
		}
	}
	s.notifier.Publish(ctx, order.OwnerID, notify.EventOrderFilled, result.Trade)
}

// CancelOrder cancels a pending or open order. Cancelling a cancelled
// order is a no-op; cancelling a filled or rejected order is
// INVALID_STATE.
func (s *Service) CancelOrder(ctx context.Context, ownerID, orderID string) (*models.Order, error) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("order", orderID)
	}
	if order.OwnerID != ownerID {
		s.mu.Unlock()
		return nil, errors.Unauthorized("order %s does not belong to account %s", orderID, ownerID)
	}
	if order.Status == models.OrderStatusCancelled {
		s.mu.Unlock()
		return snapshotOrder(order), nil
	}
	if order.Status.Terminal() {
		s.mu.Unlock()
		return nil, errors.InvalidState("order %s is %s and cannot be cancelled", orderID, order.Status)
	}
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.sched.Cancel("ord:" + orderID)
	s.persistOrder(ctx, order)
	s.notifier.Publish(ctx, ownerID, notify.EventOrderCancelled, order)
	return snapshotOrder(order), nil
}

// ClosePosition closes an owned open position at market.
func (s *Service) ClosePosition(ctx context.Context, ownerID, positionID string) (*models.Position, error) {
	pos, err := s.engine.Position(positionID)
	if err != nil {
		return nil, err
	}
	if pos.OwnerID != ownerID {
		return nil, errors.Unauthorized("position %s does not belong to account %s", positionID, ownerID)
	}
	closed, err := s.engine.ClosePosition(ctx, positionID, models.CloseReasonManual)
	if err != nil {
		return nil, err
	}
	if err := s.st.Save(ctx, store.EntityPosition, closed.ID, closed); err != nil {
		s.logger.Warn().Err(err).Str("position_id", closed.ID).Msg("Failed to persist position")
	}
	s.notifier.Publish(ctx, ownerID, notify.EventPositionClosed, closed)
	return closed, nil
}

// CreateTrailingStop delegates to the supervisor.
func (s *Service) CreateTrailingStop(ctx context.Context, req orders.TrailingStopRequest) (*models.TrailingStopOrder, error) {
	return s.sup.CreateTrailingStop(ctx, req)
}

// UpdateTrailingStop delegates to the supervisor.
func (s *Service) UpdateTrailingStop(ctx context.Context, ownerID, id string, trailValue, activationPrice float64) (*models.TrailingStopOrder, error) {
	return s.sup.UpdateTrailingStop(ctx, ownerID, id, trailValue, activationPrice)
}

// CancelTrailingStop delegates to the supervisor.
func (s *Service) CancelTrailingStop(ctx context.Context, ownerID, id string) (*models.TrailingStopOrder, error) {
	return s.sup.CancelTrailingStop(ctx, ownerID, id)
}

// CreateIceberg delegates to the supervisor.
func (s *Service) CreateIceberg(ctx context.Context, req orders.IcebergRequest) (*models.IcebergOrder, error) {
	return s.sup.CreateIceberg(ctx, req)
}

// UpdateIceberg delegates to the supervisor.
func (s *Service) UpdateIceberg(ctx context.Context, ownerID, id string, visibleQuantity float64, maxSlices int) (*models.IcebergOrder, error) {
	return s.sup.UpdateIceberg(ctx, ownerID, id, visibleQuantity, maxSlices)
}

// CancelIceberg delegates to the supervisor.
func (s *Service) CancelIceberg(ctx context.Context, ownerID, id string) (*models.IcebergOrder, error) {
	return s.sup.CancelIceberg(ctx, ownerID, id)
}

// CreateBot delegates to the runner.
func (s *Service) CreateBot(ctx context.Context, req botpkg.BotRequest) (*models.TradingBot, error) {
	return s.runner.CreateBot(ctx, req)
}

// UpdateBot applies a lifecycle command, a config change, or both.
func (s *Service) UpdateBot(ctx context.Context, ownerID, id string, status models.BotStatus, cfg *botpkg.BotRequest) (*models.TradingBot, error) {
	var (
		bot *models.TradingBot
		err error
	)
	if cfg != nil {
		bot, err = s.runner.UpdateBotConfig(ctx, ownerID, id, *cfg)
		if err != nil {
			return nil, err
		}
	}
	if status != "" {
		bot, err = s.runner.UpdateBotStatus(ctx, ownerID, id, status)
		if err != nil {
			return nil, err
		}
	}
	if bot == nil {
		return s.runner.GetBot(ownerID, id)
	}
	return bot, nil
}

// DeleteBot delegates to the runner.
func (s *Service) DeleteBot(ctx context.Context, ownerID, id string) error {
	return s.runner.DeleteBot(ctx, ownerID, id)
}

func (s *Service) nextID(prefix string) string {
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().Unix(), n)
}

func (s *Service) persistOrder(ctx context.Context, order *models.Order) {
	if err := s.st.Save(ctx, store.EntityOrder, order.ID, order); err != nil {
		s.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to persist order")
	}
}

func snapshotOrder(order *models.Order) *models.Order {
	cp := *order
	return &cp
}
