package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-alarm-engine/internal/model"
)

// ErrNoTransport indicates no delivery channel is configured.
var ErrNoTransport = errors.New("notify: no transport configured")

// DeliveryResult reports the outcome for one notification event.
type DeliveryResult struct {
	Event     model.NotificationEvent
	Delivered bool
	Err       error
}

// Dispatcher deduplicates and delivers notification events. Duplicate
// events for the same alarm id within one batch should not occur by
// construction; deduplication is enforced anyway because a duplicate
// delivery is worse than a lost one. A failed delivery is retried once
// after a bounded backoff and then dropped with a logged record.
type Dispatcher struct {
	transport Transport
	backoff   time.Duration
	logger    zerolog.Logger
}

// NewDispatcher constructs a dispatcher over the given transport.
func NewDispatcher(transport Transport, backoff time.Duration, logger zerolog.Logger) *Dispatcher {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Dispatcher{
		transport: transport,
		backoff:   backoff,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers the batch. One owner's delivery failure never blocks
// the rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, events []model.NotificationEvent) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(events))
	seen := make(map[uuid.UUID]struct{}, len(events))

	for _, event := range events {
		if _, dup := seen[event.AlarmID]; dup {
			d.logger.Warn().
				Str("alarm_id", event.AlarmID.String()).
				Msg("duplicate notification in batch suppressed")
			continue
		}
		seen[event.AlarmID] = struct{}{}

		results = append(results, d.deliver(ctx, event))
	}

	return results
}

func (d *Dispatcher) deliver(ctx context.Context, event model.NotificationEvent) DeliveryResult {
	if d.transport == nil {
		d.logger.Warn().Str("alarm_id", event.AlarmID.String()).Msg("no transport configured; notification dropped")
		return DeliveryResult{Event: event, Err: ErrNoTransport}
	}

	err := d.transport.Send(ctx, event.Owner, event.Message)
	if err == nil {
		return DeliveryResult{Event: event, Delivered: true}
	}

	d.logger.Warn().Err(err).
		Str("alarm_id", event.AlarmID.String()).
		Str("owner", event.Owner).
		Msg("delivery failed; retrying once")

	timer := time.NewTimer(d.backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return DeliveryResult{Event: event, Err: ctx.Err()}
	case <-timer.C:
	}

	if err = d.transport.Send(ctx, event.Owner, event.Message); err == nil {
		return DeliveryResult{Event: event, Delivered: true}
	}

	d.logger.Error().Err(err).
		Str("alarm_id", event.AlarmID.String()).
		Str("owner", event.Owner).
		Msg("delivery failed after retry; notification dropped")

	return DeliveryResult{Event: event, Err: err}
}
