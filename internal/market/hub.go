package market

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/config"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

// historyWindow is the number of recent prices kept per symbol for
// indicator consumers.
const historyWindow = 256

// Hub owns one price process per symbol, drives the periodic tick loops and
// fans ticks out to subscribers. Subscribers that fall behind have ticks
// dropped rather than stalling the generator.
type Hub struct {
	cfg       config.MarketConfig
	logger    zerolog.Logger
	processes map[string]*Process

	mu          sync.RWMutex
	latest      map[string]models.PriceTick
	history     map[string][]float64
	subscribers map[string]*Subscriber
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	ticksGenerated uint64
	ticksBroadcast uint64
	ticksDropped   uint64
}

// Subscriber receives every tick the hub produces on a buffered channel.
type Subscriber struct {
	ID      string
	Ticks   chan models.PriceTick
	dropped uint64
}

// Dropped returns the number of ticks dropped for this subscriber.
func (s *Subscriber) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// HubMetrics holds tick production counters.
type HubMetrics struct {
	TicksGenerated uint64
	TicksBroadcast uint64
	TicksDropped   uint64
}

// NewHub creates a hub with one process per configured symbol.
// Seeds derive from the current time unless deterministic seeding is
// requested through seedBase (non-zero).
func NewHub(cfg config.MarketConfig, logger zerolog.Logger, seedBase int64) *Hub {
	if seedBase == 0 {
		seedBase = time.Now().UnixNano()
	}
	// One tick per interval; express the step in years of continuous time
	// so drift/volatility carry their usual annualized meaning.
	dt := cfg.TickInterval.Seconds() / (365.25 * 24 * 3600)

	processes := make(map[string]*Process, len(cfg.Symbols))
	for i, sc := range cfg.Symbols {
		processes[sc.Symbol] = NewProcess(sc, dt, seedBase+int64(i))
	}

	return &Hub{
		cfg:         cfg,
		logger:      logger,
		processes:   processes,
		latest:      make(map[string]models.PriceTick),
		history:     make(map[string][]float64),
		subscribers: make(map[string]*Subscriber),
	}
}

// Start launches one tick loop per symbol. It is a no-op when already
// started.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	for symbol, proc := range h.processes {
		h.wg.Add(1)
		go h.tickLoop(ctx, symbol, proc)
	}
	h.logger.Info().Int("symbols", len(h.processes)).Dur("interval", h.cfg.TickInterval).Msg("Market data hub started")
}

// Stop halts the tick loops and waits for them to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
}

func (h *Hub) tickLoop(ctx context.Context, symbol string, proc *Process) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Publish(proc.Next())
		}
	}
}

// Publish records a tick as the latest for its symbol and broadcasts it.
// Exposed so tests can drive the hub without the timer loops.
func (h *Hub) Publish(tick models.PriceTick) {
	atomic.AddUint64(&h.ticksGenerated, 1)

	h.mu.Lock()
	h.latest[tick.Symbol] = tick
	hist := append(h.history[tick.Symbol], tick.Price)
	if len(hist) > historyWindow {
		hist = hist[len(hist)-historyWindow:]
	}
	h.history[tick.Symbol] = hist
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.Ticks <- tick:
			atomic.AddUint64(&h.ticksBroadcast, 1)
		default:
			atomic.AddUint64(&h.ticksDropped, 1)
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

// Subscribe registers a subscriber receiving all ticks.
func (h *Hub) Subscribe(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{ID: id, Ticks: make(chan models.PriceTick, buffer)}

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber. Safe to call twice.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()
}

// LatestTick returns the most recent tick for the symbol.
func (h *Hub) LatestTick(symbol string) (models.PriceTick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tick, ok := h.latest[symbol]
	return tick, ok
}

// CurrentPrice returns the latest price for the symbol.
func (h *Hub) CurrentPrice(symbol string) (float64, error) {
	tick, ok := h.LatestTick(symbol)
	if !ok {
		return 0, errors.MarketDataUnavailable(symbol)
	}
	return tick.Price, nil
}

// History returns up to n most recent prices for the symbol, oldest first.
func (h *Hub) History(symbol string, n int) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hist := h.history[symbol]
	if n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	out := make([]float64, len(hist))
	copy(out, hist)
	return out
}

// Quote returns the latest tradeable view of a symbol, with bid and ask
// derived from the configured spread. A quote older than the stale age is
// returned with Stale set; consumers decide whether to act on it.
func (h *Hub) Quote(symbol string) (models.Quote, error) {
	return h.QuoteWithSpread(symbol, h.cfg.SpreadPercent)
}

// QuoteWithSpread is Quote with an explicit spread percentage.
func (h *Hub) QuoteWithSpread(symbol string, spreadPercent float64) (models.Quote, error) {
	tick, ok := h.LatestTick(symbol)
	if !ok {
		return models.Quote{}, errors.MarketDataUnavailable(symbol)
	}

	half := tick.Price * spreadPercent / 100 / 2
	return models.Quote{
		Symbol:    symbol,
		Price:     tick.Price,
		Bid:       tick.Price - half,
		Ask:       tick.Price + half,
		Timestamp: tick.Timestamp,
		Stale:     time.Since(tick.Timestamp) > h.cfg.StaleAfter,
	}, nil
}

// SetDrift updates the drift of one symbol's process.
func (h *Hub) SetDrift(symbol string, drift float64) error {
	proc, ok := h.processes[symbol]
	if !ok {
		return errors.NotFound("symbol", symbol)
	}
	return proc.SetDrift(drift)
}

// SetVolatility updates the volatility of one symbol's process.
func (h *Hub) SetVolatility(symbol string, vol float64) error {
	proc, ok := h.processes[symbol]
	if !ok {
		return errors.NotFound("symbol", symbol)
	}
	return proc.SetVolatility(vol)
}

// Symbols returns the configured symbols.
func (h *Hub) Symbols() []string {
	out := make([]string, 0, len(h.processes))
	for s := range h.processes {
		out = append(out, s)
	}
	return out
}

// Metrics returns tick production counters.
func (h *Hub) Metrics() HubMetrics {
	return HubMetrics{
		TicksGenerated: atomic.LoadUint64(&h.ticksGenerated),
		TicksBroadcast: atomic.LoadUint64(&h.ticksBroadcast),
		TicksDropped:   atomic.LoadUint64(&h.ticksDropped),
	}
}
