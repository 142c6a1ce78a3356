// Package orders provides supervision of derived order types: trailing
// stops and iceberg orders. Each monitored order is driven by the shared
// scheduler and places child market orders through the execution engine.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/models"
	"tradesim/internal/notify"
	"tradesim/internal/scheduler"
	"tradesim/internal/store"
)

// Supervisor owns the state machines of all derived orders.
type Supervisor struct {
	cfg      config.OrdersConfig
	engine   *engine.Engine
	market   engine.MarketData
	sched    *scheduler.Scheduler
	st       store.Store
	notifier notify.Notifier
	logger   zerolog.Logger

	mu       sync.Mutex
	trailing map[string]*models.TrailingStopOrder
	icebergs map[string]*models.IcebergOrder
	// margin reserved per trailing stop, released exactly once on
	// cancel or trigger
	reserved map[string]float64
	counter  uint64
}

// NewSupervisor creates a supervisor. The scheduler must be started by the
// caller.
func NewSupervisor(
	cfg config.OrdersConfig,
	eng *engine.Engine,
	market engine.MarketData,
	sched *scheduler.Scheduler,
	st store.Store,
	notifier notify.Notifier,
	logger zerolog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		engine:   eng,
		market:   market,
		sched:    sched,
		st:       st,
		notifier: notifier,
		logger:   logger,
		trailing: make(map[string]*models.TrailingStopOrder),
		icebergs: make(map[string]*models.IcebergOrder),
		reserved: make(map[string]float64),
	}
}

func (s *Supervisor) nextID(prefix string) string {
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().Unix(), n)
}

// releaseReservedMargin returns the trailing stop's reserved margin to its
// owner exactly once; subsequent calls are no-ops.
func (s *Supervisor) releaseReservedMargin(t *models.TrailingStopOrder) {
	s.mu.Lock()
	amount, ok := s.reserved[t.ID]
	if ok {
		delete(s.reserved, t.ID)
	}
	s.mu.Unlock()
	if !ok || amount <= 0 {
		return
	}
	if acct, err := s.engine.Accounts().Get(t.OwnerID); err == nil {
		acct.Release(amount)
	}
}

// persistTrailing and persistIceberg take value snapshots, not the live
// pointers: callers copy under s.mu so the marshal never races a
// concurrent field write.
func (s *Supervisor) persistTrailing(ctx context.Context, t models.TrailingStopOrder) {
	if err := s.st.Save(ctx, store.EntityTrailingStop, t.ID, &t); err != nil {
		s.logger.Warn().Err(err).Str("order_id", t.ID).Msg("Failed to persist trailing stop")
	}
}

func (s *Supervisor) persistIceberg(ctx context.Context, ice models.IcebergOrder) {
	if err := s.st.Save(ctx, store.EntityIceberg, ice.ID, &ice); err != nil {
		s.logger.Warn().Err(err).Str("order_id", ice.ID).Msg("Failed to persist iceberg")
	}
}
