package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/errors"
	"tradesim/internal/logging"
	"tradesim/internal/models"
	"tradesim/internal/notify"
	"tradesim/internal/store"
)

// MarketView is the read-only market access a bot needs.
type MarketView interface {
	Quote(symbol string) (models.Quote, error)
	History(symbol string, n int) []float64
}

// Signal is one trade intention produced by the strategy rule.
type Signal struct {
	Symbol string
	Side   models.Side
}

// Runner manages the loops of all active bots.
type Runner struct {
	cfg      config.BotsConfig
	engine   *engine.Engine
	market   MarketView
	st       store.Store
	notifier notify.Notifier
	logger   zerolog.Logger

	mu      sync.Mutex
	bots    map[string]*botState
	counter uint64
}

type botState struct {
	bot    *models.TradingBot
	cancel context.CancelFunc
	// open position IDs submitted by this bot, reconciled each cycle
	tracked   map[string]bool
	dailyLoss float64
	day       time.Time
}

// NewRunner creates a bot runner.
func NewRunner(cfg config.BotsConfig, eng *engine.Engine, market MarketView, st store.Store, notifier notify.Notifier, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		engine:   eng,
		market:   market,
		st:       st,
		notifier: notifier,
		logger:   logger,
		bots:     make(map[string]*botState),
	}
}

// BotRequest holds the parameters for creating or updating a bot.
type BotRequest struct {
	OwnerID             string
	Symbols             []string
	BaseAmount          float64
	Leverage            float64
	MaxConcurrentOrders int
	Risk                models.RiskLimits
}

func (r *BotRequest) validate() error {
	if r.OwnerID == "" {
		return errors.Validation("owner id must not be empty")
	}
	if len(r.Symbols) == 0 {
		return errors.Validation("bot needs at least one symbol")
	}
	if r.BaseAmount <= 0 {
		return errors.Validation("base amount must be positive, got %v", r.BaseAmount)
	}
	if r.Leverage < 1 {
		return errors.Validation("leverage must be at least 1, got %v", r.Leverage)
	}
	if r.MaxConcurrentOrders < 1 {
		return errors.Validation("max concurrent orders must be at least 1, got %d", r.MaxConcurrentOrders)
	}
	return nil
}

// CreateBot registers a bot and starts its loop.
func (r *Runner) CreateBot(ctx context.Context, req BotRequest) (*models.TradingBot, error) {
	if req.Leverage == 0 {
		req.Leverage = 1
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.counter++
	id := fmt.Sprintf("BOT_%d_%d", time.Now().Unix(), r.counter)
	r.mu.Unlock()

	now := time.Now()
	bot := &models.TradingBot{
		ID:                  id,
		OwnerID:             req.OwnerID,
		Symbols:             req.Symbols,
		BaseAmount:          req.BaseAmount,
		Leverage:            req.Leverage,
		MaxConcurrentOrders: req.MaxConcurrentOrders,
		Risk:                req.Risk,
		Status:              models.BotStarted,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &botState{
		bot:     bot,
		cancel:  cancel,
		tracked: make(map[string]bool),
		day:     now.Truncate(24 * time.Hour),
	}

	r.mu.Lock()
	r.bots[id] = st
	r.mu.Unlock()

	r.persist(ctx, bot)
	go r.loop(loopCtx, st)

	r.logger.Info().Str("event", "bot_created").Str("bot_id", id).Strs("symbols", bot.Symbols).Msg("Bot created")
	return snapshot(bot), nil
}

// UpdateBotStatus applies an explicit lifecycle command. Valid
// transitions: Started<->Paused, and either to Stopped. Stopped is
// terminal and releases the bot's loop.
func (r *Runner) UpdateBotStatus(ctx context.Context, ownerID, id string, status models.BotStatus) (*models.TradingBot, error) {
	r.mu.Lock()
	st, ok := r.bots[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("bot", id)
	}
	if st.bot.OwnerID != ownerID {
		r.mu.Unlock()
		return nil, errors.Unauthorized("bot %s does not belong to account %s", id, ownerID)
	}
	if st.bot.Status == models.BotStopped {
		r.mu.Unlock()
		return nil, errors.InvalidState("bot %s is stopped", id)
	}
	switch status {
	case models.BotStarted, models.BotPaused:
		st.bot.Status = status
	case models.BotStopped:
		st.bot.Status = models.BotStopped
		st.cancel()
	default:
		r.mu.Unlock()
		return nil, errors.Validation("unknown bot status %q", status)
	}
	st.bot.UpdatedAt = time.Now()
	bot := st.bot
	r.mu.Unlock()

	r.persist(ctx, bot)
	r.notifier.Publish(ctx, ownerID, notify.EventBotStatus, bot)
	return snapshot(bot), nil
}

// UpdateBotConfig updates sizing and risk parameters of a non-stopped bot.
func (r *Runner) UpdateBotConfig(ctx context.Context, ownerID, id string, req BotRequest) (*models.TradingBot, error) {
	req.OwnerID = ownerID
	if err := req.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	st, ok := r.bots[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("bot", id)
	}
	if st.bot.OwnerID != ownerID {
		r.mu.Unlock()
		return nil, errors.Unauthorized("bot %s does not belong to account %s", id, ownerID)
	}
	if st.bot.Status == models.BotStopped {
		r.mu.Unlock()
		return nil, errors.InvalidState("bot %s is stopped", id)
	}
	st.bot.Symbols = req.Symbols
	st.bot.BaseAmount = req.BaseAmount
	st.bot.Leverage = req.Leverage
	st.bot.MaxConcurrentOrders = req.MaxConcurrentOrders
	st.bot.Risk = req.Risk
	st.bot.UpdatedAt = time.Now()
	bot := st.bot
	r.mu.Unlock()

	r.persist(ctx, bot)
	return snapshot(bot), nil
}

// DeleteBot stops the bot's loop and removes it.
func (r *Runner) DeleteBot(ctx context.Context, ownerID, id string) error {
	r.mu.Lock()
	st, ok := r.bots[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("bot", id)
	}
	if st.bot.OwnerID != ownerID {
		r.mu.Unlock()
		return errors.Unauthorized("bot %s does not belong to account %s", id, ownerID)
	}
	st.cancel()
	delete(r.bots, id)
	r.mu.Unlock()

	if err := r.st.Delete(ctx, store.EntityBot, id); err != nil {
		r.logger.Warn().Err(err).Str("bot_id", id).Msg("Failed to delete bot record")
	}
	return nil
}

// GetBot returns a snapshot, enforcing ownership.
func (r *Runner) GetBot(ownerID, id string) (*models.TradingBot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bots[id]
	if !ok {
		return nil, errors.NotFound("bot", id)
	}
	if st.bot.OwnerID != ownerID {
		return nil, errors.Unauthorized("bot %s does not belong to account %s", id, ownerID)
	}
	return snapshot(st.bot), nil
}

// Shutdown stops every bot loop.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.bots {
		st.cancel()
	}
}

func (r *Runner) loop(ctx context.Context, st *botState) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx, st)
		}
	}
}

// runCycle performs one strategy iteration: reconcile closed positions,
// enforce risk limits, evaluate signals and submit orders.
func (r *Runner) runCycle(ctx context.Context, st *botState) {
	r.mu.Lock()
	if st.bot.Status != models.BotStarted {
		r.mu.Unlock()
		return
	}
	bot := st.bot
	r.mu.Unlock()

	r.reconcile(ctx, st)

	if r.riskBreached(ctx, st) {
		return
	}

	signals := r.Evaluate(bot.Symbols)

	r.mu.Lock()
	budget := bot.MaxConcurrentOrders - len(st.tracked)
	r.mu.Unlock()
	if budget < 0 {
		budget = 0
	}
	if len(signals) > budget {
		signals = signals[:budget]
	}

	submitted := 0
	for _, sig := range signals {
		if r.submitSignal(ctx, st, sig) {
			submitted++
		}
	}

	r.persist(ctx, bot)
	logging.LogBotCycle(r.logger, bot.ID, len(signals), submitted, bot.Performance.TotalPnL)
}

// Evaluate applies the deterministic threshold rule per symbol: oversold
// in an uptrend buys, overbought in a downtrend sells.
func (r *Runner) Evaluate(symbols []string) []Signal {
	window := r.cfg.IndicatorWindow
	var signals []Signal
	for _, symbol := range symbols {
		prices := r.market.History(symbol, window*4)
		value, ok := rsi(prices, window)
		if !ok {
			continue
		}
		up, ok := trendUp(prices, window)
		if !ok {
			continue
		}
		switch {
		case value <= r.cfg.OversoldThreshold && up:
			signals = append(signals, Signal{Symbol: symbol, Side: models.SideBuy})
		case value >= r.cfg.OverboughtThreshold && !up:
			signals = append(signals, Signal{Symbol: symbol, Side: models.SideSell})
		}
	}
	return signals
}

func (r *Runner) submitSignal(ctx context.Context, st *botState, sig Signal) bool {
	bot := st.bot

	quote, err := r.market.Quote(sig.Symbol)
	if err != nil || quote.Stale {
		return false
	}
	quantity := bot.BaseAmount / quote.Price

	stopLoss, takeProfit := 0.0, 0.0
	if bot.Risk.StopLossPercent > 0 {
		stopLoss = quote.Price * (1 - sig.Side.Sign()*bot.Risk.StopLossPercent/100)
	}
	if bot.Risk.TakeProfitPercent > 0 {
		takeProfit = quote.Price * (1 + sig.Side.Sign()*bot.Risk.TakeProfitPercent/100)
	}

	order := &models.Order{
		ID:         fmt.Sprintf("%s_ORD_%d", bot.ID, time.Now().UnixNano()),
		OwnerID:    bot.OwnerID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Kind:       models.OrderKindMarket,
		Quantity:   quantity,
		Leverage:   bot.Leverage,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Status:     models.OrderStatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	result, err := r.engine.Execute(ctx, order)
	if err != nil {
		r.logger.Warn().Err(err).Str("bot_id", bot.ID).Str("symbol", sig.Symbol).Msg("Bot order rejected")
		return false
	}

	r.mu.Lock()
	st.tracked[result.Position.ID] = true
	r.mu.Unlock()

	r.notifier.Publish(ctx, bot.OwnerID, notify.EventBotTrade, result.Trade)
	return true
}

// reconcile folds positions the engine has since closed into the bot's
// performance counters and daily loss.
func (r *Runner) reconcile(ctx context.Context, st *botState) {
	r.mu.Lock()
	ids := make([]string, 0, len(st.tracked))
	for id := range st.tracked {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	today := time.Now().Truncate(24 * time.Hour)

	for _, id := range ids {
		pos, err := r.engine.Position(id)
		if err != nil || pos.Status != models.PositionClosed {
			continue
		}
		r.mu.Lock()
		delete(st.tracked, id)
		st.bot.Performance.RecordTrade(pos.PnL)
		if !st.day.Equal(today) {
			st.day = today
			st.dailyLoss = 0
		}
		if pos.PnL < 0 {
			st.dailyLoss += -pos.PnL
		}
		st.bot.UpdatedAt = time.Now()
		r.mu.Unlock()
	}
}

// riskBreached pauses the bot when a risk limit is exceeded and reports
// whether the cycle should stop.
func (r *Runner) riskBreached(ctx context.Context, st *botState) bool {
	r.mu.Lock()
	bot := st.bot
	limits := bot.Risk
	breach := ""
	if limits.MaxDailyLoss > 0 && st.dailyLoss >= limits.MaxDailyLoss {
		breach = "max daily loss"
	} else if limits.MaxDrawdown > 0 && bot.Performance.MaxDrawdown >= limits.MaxDrawdown {
		breach = "max drawdown"
	}
	if breach != "" && bot.Status == models.BotStarted {
		bot.Status = models.BotPaused
		bot.UpdatedAt = time.Now()
	}
	r.mu.Unlock()

	if breach == "" {
		return false
	}
	r.logger.Warn().
		Str("bot_id", bot.ID).
		Str("limit", breach).
		Msg("Risk limit breached, bot paused")
	r.persist(ctx, bot)
	r.notifier.Publish(ctx, bot.OwnerID, notify.EventBotStatus, bot)
	return true
}

func (r *Runner) persist(ctx context.Context, bot *models.TradingBot) {
	if err := r.st.Save(ctx, store.EntityBot, bot.ID, bot); err != nil {
		r.logger.Warn().Err(err).Str("bot_id", bot.ID).Msg("Failed to persist bot")
	}
}

func snapshot(bot *models.TradingBot) *models.TradingBot {
	cp := *bot
	cp.Symbols = append([]string(nil), bot.Symbols...)
	return &cp
}
