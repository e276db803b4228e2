package event

import (
	"context"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Handler receives one live event on a subscribed channel.
type Handler func(Envelope)

// CancelFunc detaches a subscription and releases its transport resources.
type CancelFunc func()

// Bus fans events out to subscribers keyed by license channel.
type Bus interface {
	// Publish delivers the event to every subscriber of its license
	// channel. It must not block the caller on transport I/O; transport
	// failures degrade to in-process delivery and are surfaced through
	// logs and metrics, never to the producer.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe attaches a handler to a license channel.
	Subscribe(ctx context.Context, licenseKey string, h Handler) (CancelFunc, error)

	// Close releases all transport resources.
	Close() error
}

// Appender persists events for bounded replay. Satisfied by the store.
type Appender interface {
	AppendEvent(ctx context.Context, env Envelope, ttl time.Duration) error
}

// Fabric is the producer-facing entry point: it persists each event for
// replay (best-effort) and then publishes it on the bus. Persistence
// failures must not stall the hot path, so they only log a warning; the
// fabric degrades to in-memory delivery.
type Fabric struct {
	bus   Bus
	store Appender
	ttl   time.Duration
}

// NewFabric wires the bus and the replay store together.
func NewFabric(bus Bus, store Appender, ttl time.Duration) *Fabric {
	return &Fabric{bus: bus, store: store, ttl: ttl}
}

// Emit persists and publishes one event.
func (f *Fabric) Emit(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	if f.store != nil {
		if err := f.store.AppendEvent(ctx, env, f.ttl); err != nil {
			log.Warn().Err(err).
				Str("event_id", env.ID).
				Str("license_key", env.LicenseKey).
				Msg("Event persistence failed; delivery degrades to in-memory only")
		}
	}

	start := time.Now()
	err := f.bus.Publish(ctx, env)
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	return err
}

// EmitPayload builds a fresh envelope for payload and emits it.
func (f *Fabric) EmitPayload(ctx context.Context, licenseKey string, payload Payload) (Envelope, error) {
	env, err := New(licenseKey, payload)
	if err != nil {
		return Envelope{}, err
	}
	return env, f.Emit(ctx, env)
}

// Republish re-emits an existing envelope on the bus without touching the
// store; the retry engine uses this with the original event id.
func (f *Fabric) Republish(ctx context.Context, env Envelope) error {
	return f.bus.Publish(ctx, env)
}

// Subscribe passes through to the bus.
func (f *Fabric) Subscribe(ctx context.Context, licenseKey string, h Handler) (CancelFunc, error) {
	return f.bus.Subscribe(ctx, licenseKey, h)
}
