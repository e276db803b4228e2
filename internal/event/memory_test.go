package event

import (
	"context"
	"testing"
	"time"
)

const testKey = "AUR-PRO-V2-A1B2C3D4-0123ABCD"

func waitFor(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Envelope{}
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	got1 := make(chan Envelope, 4)
	got2 := make(chan Envelope, 4)
	cancel1, err := bus.Subscribe(ctx, testKey, func(e Envelope) { got1 <- e })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel1()
	cancel2, err := bus.Subscribe(ctx, testKey, func(e Envelope) { got2 <- e })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel2()

	env, _ := New(testKey, HeartbeatAckPayload{Timestamp: time.Now()})
	if err := bus.Publish(ctx, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := waitFor(t, got1); got.ID != env.ID {
		t.Errorf("subscriber 1 got %q, want %q", got.ID, env.ID)
	}
	if got := waitFor(t, got2); got.ID != env.ID {
		t.Errorf("subscriber 2 got %q, want %q", got.ID, env.ID)
	}
}

func TestMemoryBusChannelIsolation(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	other := "AUR-BAS-V2-FFFFFFFF-01230123"
	got := make(chan Envelope, 4)
	cancel, err := bus.Subscribe(ctx, other, func(e Envelope) { got <- e })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	env, _ := New(testKey, HeartbeatAckPayload{Timestamp: time.Now()})
	if err := bus.Publish(ctx, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-got:
		t.Errorf("subscriber on another license received event %s", e.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusCancelStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	got := make(chan Envelope, 4)
	cancel, err := bus.Subscribe(ctx, testKey, func(e Envelope) { got <- e })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()
	cancel() // second cancel must be a no-op

	env, _ := New(testKey, HeartbeatAckPayload{Timestamp: time.Now()})
	if err := bus.Publish(ctx, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-got:
		t.Errorf("cancelled subscriber received event %s", e.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusPublishRejectsInvalid(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	if err := bus.Publish(context.Background(), Envelope{ID: "e1", Type: "bogus", LicenseKey: testKey}); err == nil {
		t.Error("Publish accepted an invalid envelope")
	}
}

func TestMemoryBusCloseTwice(t *testing.T) {
	bus := NewMemoryBus()
	if _, err := bus.Subscribe(context.Background(), testKey, func(Envelope) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

// appendRecorder records fabric persistence calls.
type appendRecorder struct {
	envs []Envelope
	ttls []time.Duration
}

func (a *appendRecorder) AppendEvent(_ context.Context, env Envelope, ttl time.Duration) error {
	a.envs = append(a.envs, env)
	a.ttls = append(a.ttls, ttl)
	return nil
}

func TestFabricPersistsThenPublishes(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	rec := &appendRecorder{}
	fabric := NewFabric(bus, rec, 24*time.Hour)
	ctx := context.Background()

	got := make(chan Envelope, 4)
	cancel, err := bus.Subscribe(ctx, testKey, func(e Envelope) { got <- e })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	env, err := fabric.EmitPayload(ctx, testKey, LicenseRevokedPayload{Reason: "test", RevokedAt: time.Now()})
	if err != nil {
		t.Fatalf("EmitPayload failed: %v", err)
	}
	if env.ID == "" || env.Type != TypeLicenseRevoked {
		t.Errorf("EmitPayload returned malformed envelope: %+v", env)
	}

	if len(rec.envs) != 1 || rec.envs[0].ID != env.ID {
		t.Fatalf("event was not persisted before publish: %+v", rec.envs)
	}
	if rec.ttls[0] != 24*time.Hour {
		t.Errorf("persisted with ttl %v, want 24h", rec.ttls[0])
	}
	if delivered := waitFor(t, got); delivered.ID != env.ID {
		t.Errorf("delivered %q, want %q", delivered.ID, env.ID)
	}
}

func TestFabricRepublishKeepsEventID(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	fabric := NewFabric(bus, nil, 24*time.Hour)
	ctx := context.Background()

	got := make(chan Envelope, 4)
	cancel, err := bus.Subscribe(ctx, testKey, func(e Envelope) { got <- e })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	env, err := NewWithID("fixed-id", testKey, HeartbeatAckPayload{Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("NewWithID failed: %v", err)
	}
	if err := fabric.Republish(ctx, env); err != nil {
		t.Fatalf("Republish failed: %v", err)
	}
	if delivered := waitFor(t, got); delivered.ID != "fixed-id" {
		t.Errorf("republished event changed id to %q", delivered.ID)
	}
}
