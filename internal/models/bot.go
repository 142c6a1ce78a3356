package models

import (
	"time"
)

// BotStatus represents the run state of a trading bot.
type BotStatus string

const (
	BotStarted BotStatus = "STARTED"
	BotPaused  BotStatus = "PAUSED"
	BotStopped BotStatus = "STOPPED"
)

// RiskLimits holds the per-bot risk configuration.
type RiskLimits struct {
	MaxDailyLoss      float64 `json:"max_daily_loss"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
}

// BotPerformance holds rolling performance counters for a bot.
type BotPerformance struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	SuccessRate   float64 `json:"success_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	PeakPnL       float64 `json:"peak_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"`
}

// RecordTrade folds one closed trade's P&L into the counters.
func (p *BotPerformance) RecordTrade(pnl float64) {
	p.TotalTrades++
	if pnl > 0 {
		p.WinningTrades++
	}
	p.TotalPnL += pnl
	if p.TotalPnL > p.PeakPnL {
		p.PeakPnL = p.TotalPnL
	}
	if dd := p.PeakPnL - p.TotalPnL; dd > p.MaxDrawdown {
		p.MaxDrawdown = dd
	}
	if p.TotalTrades > 0 {
		p.SuccessRate = float64(p.WinningTrades) / float64(p.TotalTrades) * 100
	}
}

// TradingBot represents an automated strategy instance.
type TradingBot struct {
	ID                  string         `json:"id"`
	OwnerID             string         `json:"owner_id"`
	Symbols             []string       `json:"symbols"`
	BaseAmount          float64        `json:"base_amount"`
	Leverage            float64        `json:"leverage"`
	MaxConcurrentOrders int            `json:"max_concurrent_orders"`
	Risk                RiskLimits     `json:"risk"`
	Status              BotStatus      `json:"status"`
	Performance         BotPerformance `json:"performance"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}
