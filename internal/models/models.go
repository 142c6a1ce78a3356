// Package models provides domain models for the exchange simulation core.
package models

import (
	"time"
)

// Side represents the side of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind represents the type of an order.
type OrderKind string

const (
	OrderKindMarket    OrderKind = "MARKET"
	OrderKindLimit     OrderKind = "LIMIT"
	OrderKindStop      OrderKind = "STOP"
	OrderKindStopLimit OrderKind = "STOP_LIMIT"
)

// RequiresLimitPrice reports whether the kind needs a limit price.
func (k OrderKind) RequiresLimitPrice() bool {
	return k == OrderKindLimit || k == OrderKindStopLimit
}

// RequiresStopPrice reports whether the kind needs a stop price.
func (k OrderKind) RequiresStopPrice() bool {
	return k == OrderKindStop || k == OrderKindStopLimit
}

// OrderStatus represents the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status is a terminal state.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// PriceTick represents one generated price observation for a symbol.
// Ticks are immutable once produced.
type PriceTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Quote represents the latest tradeable view of a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale"`
}

// Order represents a trading order submitted by an account.
type Order struct {
	ID         string      `json:"id"`
	OwnerID    string      `json:"owner_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Kind       OrderKind   `json:"kind"`
	Quantity   float64     `json:"quantity"`
	LimitPrice float64     `json:"limit_price,omitempty"`
	StopPrice  float64     `json:"stop_price,omitempty"`
	Leverage   float64     `json:"leverage"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Trade represents a completed execution.
type Trade struct {
	ID              string    `json:"id"`
	OrderID         string    `json:"order_id"`
	OwnerID         string    `json:"owner_id"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	SlippagePercent float64   `json:"slippage_percent"`
	Commission      float64   `json:"commission"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// PositionStatus represents the lifecycle status of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonStopLoss   CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit CloseReason = "TAKE_PROFIT"
	CloseReasonMarginCall CloseReason = "MARGIN_CALL"
	CloseReasonAdmin      CloseReason = "ADMIN"
)

// Position represents an open or closed leveraged position created by a fill.
type Position struct {
	ID             string         `json:"id"`
	OrderID        string         `json:"order_id"`
	OwnerID        string         `json:"owner_id"`
	Symbol         string         `json:"symbol"`
	Side           Side           `json:"side"`
	Quantity       float64        `json:"quantity"`
	EntryPrice     float64        `json:"entry_price"`
	Leverage       float64        `json:"leverage"`
	Margin         float64        `json:"margin"`
	StopLoss       float64        `json:"stop_loss,omitempty"`
	TakeProfit     float64        `json:"take_profit,omitempty"`
	CommissionPaid float64        `json:"commission_paid"`
	Status         PositionStatus `json:"status"`
	PnL            float64        `json:"pnl,omitempty"`
	ClosePrice     float64        `json:"close_price,omitempty"`
	CloseReason    CloseReason    `json:"close_reason,omitempty"`
	OpenedAt       time.Time      `json:"opened_at"`
	ClosedAt       time.Time      `json:"closed_at,omitempty"`
}

// UnrealizedPnL computes the mark-to-market P&L at the given price,
// before closing commission.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Leverage * p.Side.Sign()
}

// RebalancingTrade is one entry of a rebalancing plan. It is a derived
// value, never persisted.
type RebalancingTrade struct {
	Symbol           string  `json:"symbol"`
	Action           Side    `json:"action"`
	Quantity         float64 `json:"quantity"`
	Price            float64 `json:"price"`
	DeviationPercent float64 `json:"deviation_percent"`
	EstimatedValue   float64 `json:"estimated_value"`
}
