package models

import (
	"math"
	"time"
)

// TrailMode determines how the trailing distance is interpreted.
type TrailMode string

const (
	TrailModePercentage  TrailMode = "PERCENTAGE"
	TrailModeFixedAmount TrailMode = "FIXED_AMOUNT"
)

// TrailingStopStatus represents the lifecycle status of a trailing stop.
type TrailingStopStatus string

const (
	TrailingStopPending   TrailingStopStatus = "PENDING"
	TrailingStopTriggered TrailingStopStatus = "TRIGGERED"
	TrailingStopCancelled TrailingStopStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s TrailingStopStatus) Terminal() bool {
	return s == TrailingStopTriggered || s == TrailingStopCancelled
}

// TrailingStopOrder represents a stop order whose stop price follows the
// market in the holder's favor and never loosens.
type TrailingStopOrder struct {
	ID              string             `json:"id"`
	OwnerID         string             `json:"owner_id"`
	Symbol          string             `json:"symbol"`
	Side            Side               `json:"side"`
	Quantity        float64            `json:"quantity"`
	TrailMode       TrailMode          `json:"trail_mode"`
	TrailValue      float64            `json:"trail_value"`
	StopPrice       float64            `json:"stop_price"`
	ActivationPrice float64            `json:"activation_price,omitempty"`
	Leverage        float64            `json:"leverage"`
	Status          TrailingStopStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// CandidateStop computes the stop price the trail distance implies at the
// given market price, before ratcheting against the stored stop.
func (t *TrailingStopOrder) CandidateStop(price float64) float64 {
	distance := t.TrailValue
	if t.TrailMode == TrailModePercentage {
		distance = price * t.TrailValue / 100
	}
	if t.Side == SideBuy {
		return price - distance
	}
	return price + distance
}

// IcebergStatus represents the lifecycle status of an iceberg order.
type IcebergStatus string

const (
	IcebergPending         IcebergStatus = "PENDING"
	IcebergPartiallyFilled IcebergStatus = "PARTIALLY_FILLED"
	IcebergFilled          IcebergStatus = "FILLED"
	IcebergCancelled       IcebergStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s IcebergStatus) Terminal() bool {
	return s == IcebergFilled || s == IcebergCancelled || s == IcebergPartiallyFilled
}

// IcebergOrder represents a large order executed as a sequence of smaller
// market-order slices.
type IcebergOrder struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id"`
	Symbol            string        `json:"symbol"`
	Side              Side          `json:"side"`
	TotalQuantity     float64       `json:"total_quantity"`
	VisibleQuantity   float64       `json:"visible_quantity"`
	RemainingQuantity float64       `json:"remaining_quantity"`
	FilledQuantity    float64       `json:"filled_quantity"`
	ExecutedSlices    int           `json:"executed_slices"`
	MaxSlices         int           `json:"max_slices"`
	Leverage          float64       `json:"leverage"`
	Status            IcebergStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NextSliceQuantity returns the quantity of the next slice.
func (i *IcebergOrder) NextSliceQuantity() float64 {
	return math.Min(i.VisibleQuantity, i.RemainingQuantity)
}

// DefaultMaxSlices returns the slice cap implied by the visible quantity
// when the caller does not set one.
func DefaultMaxSlices(total, visible float64) int {
	if visible <= 0 {
		return 0
	}
	return int(math.Ceil(total / visible))
}
