package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	publishTimeout     = 5 * time.Second
	maxReconnectDelay  = 30 * time.Second
	subscriberReadyMax = 5 * time.Second
)

// RedisBus is the distributed backend: one channel per license key over
// Redis pub/sub. The publisher holds a single process-wide connection;
// every subscriber gets its own PubSub connection because subscriber-mode
// connections cannot publish. When a publish fails the event falls through
// to the embedded in-process bus, so a single-instance deployment keeps
// working; the fallback is counted so multi-instance operators can alarm
// on it.
type RedisBus struct {
	client   *redis.Client
	fallback *MemoryBus

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBus connects to the pub/sub transport at url.
func NewRedisBus(url string, fallback *MemoryBus) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse pub/sub url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	// go-redis reconnects dropped pub/sub connections itself with
	// exponential backoff; cap it at the documented 30s.
	opts.MaxRetryBackoff = maxReconnectDelay

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pub/sub connection failed: %w", err)
	}

	if fallback == nil {
		fallback = NewMemoryBus()
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to pub/sub transport")
	return &RedisBus{client: client, fallback: fallback}, nil
}

// Publish sends the event on its license channel. Transport failures fall
// through to the in-process bus and never surface to the producer.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", env.ID, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.client.Publish(pubCtx, Channel(env.LicenseKey), data).Err(); err != nil {
		metrics.BusFallbacks.Inc()
		log.Warn().Err(err).
			Str("event_id", env.ID).
			Str("channel", Channel(env.LicenseKey)).
			Msg("Pub/sub publish failed; falling back to in-process delivery (cross-instance subscribers will miss this event)")
		return b.fallback.Publish(ctx, env)
	}

	metrics.EventsPublished.WithLabelValues(string(env.Type), "redis").Inc()
	return nil
}

// Subscribe attaches a handler to a license channel with a dedicated
// subscriber connection. Events that arrive through the fallback bus are
// delivered too, so a degraded publisher still reaches local subscribers
// exactly once (the two paths are mutually exclusive per event).
func (b *RedisBus) Subscribe(ctx context.Context, licenseKey string, h Handler) (CancelFunc, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	channel := Channel(licenseKey)
	pubsub := b.client.Subscribe(ctx, channel)
	b.mu.Unlock()

	// Wait for the SUBSCRIBE handshake so callers never miss events
	// published immediately after Subscribe returns.
	readyCtx, cancelReady := context.WithTimeout(ctx, subscriberReadyMax)
	_, err := pubsub.Receive(readyCtx)
	cancelReady()
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	fallbackCancel, err := b.fallback.Subscribe(ctx, licenseKey, h)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	done := make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Error().Err(err).
						Str("channel", channel).
						Msg("Failed to decode pub/sub payload")
					continue
				}
				h(env)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("Error closing pub/sub subscription")
			}
			fallbackCancel()
		})
	}
	return cancel, nil
}

// Close shuts the transport down and waits for subscriber goroutines.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.client.Close()
	b.wg.Wait()
	_ = b.fallback.Close()
	return err
}
