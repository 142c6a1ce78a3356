// Package notify provides the fire-and-forget notification sink the core
// publishes account events to. Publishing never blocks the caller and a
// failing channel is logged, never propagated.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies a published event.
type EventType string

const (
	EventOrderFilled       EventType = "order_filled"
	EventOrderRejected     EventType = "order_rejected"
	EventOrderCancelled    EventType = "order_cancelled"
	EventPositionClosed    EventType = "position_closed"
	EventTrailingUpdated   EventType = "trailing_stop_updated"
	EventTrailingTriggered EventType = "trailing_stop_triggered"
	EventIcebergSlice      EventType = "iceberg_slice_executed"
	EventIcebergComplete   EventType = "iceberg_complete"
	EventBotTrade          EventType = "bot_trade"
	EventBotStatus         EventType = "bot_status"
)

// Notifier is the interface the core publishes through.
type Notifier interface {
	Publish(ctx context.Context, accountID string, eventType EventType, payload interface{})
}

// Channel delivers one event to one destination. Channels may fail; the
// dispatcher logs and moves on.
type Channel interface {
	Name() string
	Send(ctx context.Context, accountID string, eventType EventType, payload interface{}) error
}

// Dispatcher fans events out to its channels asynchronously.
type Dispatcher struct {
	channels []Channel
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger zerolog.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

// Publish sends the event to every channel without blocking the caller.
// Channel failures are logged.
func (d *Dispatcher) Publish(ctx context.Context, accountID string, eventType EventType, payload interface{}) {
	for _, ch := range d.channels {
		go func(ch Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, accountID, eventType, payload); err != nil {
				d.logger.Warn().
					Err(err).
					Str("channel", ch.Name()).
					Str("account_id", accountID).
					Str("event_type", string(eventType)).
					Msg("Notification delivery failed")
			}
		}(ch)
	}
}

var _ Notifier = (*Dispatcher)(nil)

// Nop is a Notifier that discards everything.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(ctx context.Context, accountID string, eventType EventType, payload interface{}) {
}

var _ Notifier = Nop{}
