package event

import (
	"context"
	"sync"

	"github.com/AurSwift/AurEposWeb-sub001/internal/metrics"
	"github.com/rs/zerolog/log"
)

const listenerBuffer = 256

// MemoryBus is the single-process broadcaster used when no pub/sub URL is
// configured, and the fallback path when the distributed transport fails.
// It supports hundreds of listeners per channel; a listener that cannot
// keep up has events dropped rather than stalling the publisher.
type MemoryBus struct {
	mu        sync.RWMutex
	listeners map[string]map[int]*memListener
	nextID    int
	closed    bool
}

type memListener struct {
	ch       chan Envelope
	done     chan struct{}
	stopOnce sync.Once
}

func (l *memListener) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// NewMemoryBus creates an empty broadcaster.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{listeners: make(map[string]map[int]*memListener)}
}

// Publish dispatches to every listener on the event's license channel.
func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	channel := Channel(env.LicenseKey)

	b.mu.RLock()
	targets := make([]*memListener, 0, len(b.listeners[channel]))
	for _, l := range b.listeners[channel] {
		targets = append(targets, l)
	}
	b.mu.RUnlock()

	for _, l := range targets {
		select {
		case l.ch <- env:
		default:
			log.Warn().
				Str("event_id", env.ID).
				Str("channel", channel).
				Msg("Listener buffer full; dropping event for slow in-process subscriber")
		}
	}
	metrics.EventsPublished.WithLabelValues(string(env.Type), "memory").Inc()
	return nil
}

// Subscribe attaches a handler to a license channel. The returned cancel
// detaches the listener; it is safe to call more than once.
func (b *MemoryBus) Subscribe(_ context.Context, licenseKey string, h Handler) (CancelFunc, error) {
	channel := Channel(licenseKey)
	l := &memListener{
		ch:   make(chan Envelope, listenerBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}, nil
	}
	b.nextID++
	id := b.nextID
	if b.listeners[channel] == nil {
		b.listeners[channel] = make(map[int]*memListener)
	}
	b.listeners[channel][id] = l
	b.mu.Unlock()

	metrics.ActiveSubscribers.Inc()

	go func() {
		for {
			select {
			case env := <-l.ch:
				h(env)
			case <-l.done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.listeners[channel]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.listeners, channel)
				}
			}
			b.mu.Unlock()
			l.stop()
			metrics.ActiveSubscribers.Dec()
		})
	}
	return cancel, nil
}

// Close detaches all listeners.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, m := range b.listeners {
		for id, l := range m {
			l.stop()
			delete(m, id)
		}
		delete(b.listeners, channel)
	}
	return nil
}
