package stream

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type streamFixture struct {
	endpoint *Endpoint
	store    *store.Store
	fabric   *event.Fabric
	server   *httptest.Server
	key      string
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	fabric := event.NewFabric(bus, st, 24*time.Hour)

	signer := license.NewSigner("test-secret")
	licenses := license.NewService(st, fabric, signer, license.Limits{
		MaxDeactivationsPerYear: 3,
		GracePaid:               7 * 24 * time.Hour,
		GracePastDue:            3 * 24 * time.Hour,
	})

	key, err := signer.Mint(license.PlanPro, "cust_1")
	require.NoError(t, err)
	ctx := context.Background()
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.UpsertCustomer(ctx, tx, store.Customer{
			ID: "cust_1", Email: "owner@shop.example", ExternalCustomerID: "cus_1",
		}); err != nil {
			return err
		}
		if err := st.UpsertSubscription(ctx, tx, store.Subscription{
			ID: "sub_1", CustomerID: "cust_1", PlanID: "pro",
			Status: store.SubStatusActive, ExternalSubscriptionID: "sub_ext_1",
		}); err != nil {
			return err
		}
		return st.InsertLicense(ctx, tx, store.License{
			Key: key, CustomerID: "cust_1", SubscriptionID: "sub_1",
			PlanID: "pro", MaxTerminals: 3,
		})
	})
	require.NoError(t, err)

	endpoint := NewEndpoint(st, fabric, licenses)
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	return &streamFixture{endpoint: endpoint, store: st, fabric: fabric, server: srv, key: key}
}

func (f *streamFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := event.DecodeFrame(raw)
	require.NoError(t, err)
	return env
}

func sendAck(t *testing.T, conn *websocket.Conn, eventID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(event.Ack{
		EventID: eventID, Status: event.AckSuccess, ProcessingTimeMs: 5,
	}))
}

func seedEvent(t *testing.T, st *store.Store, key, id string, at time.Time) {
	t.Helper()
	env := event.Envelope{
		ID: id, Type: event.TypeSubscriptionUpdated, Timestamp: at,
		LicenseKey: key, Data: []byte(`{"status":"active"}`),
	}
	require.NoError(t, st.AppendEvent(context.Background(), env, 24*time.Hour))
}

func TestSessionReplaysThenGoesLive(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedEvent(t, f.store, f.key, "evt-1", base)
	seedEvent(t, f.store, f.key, "evt-2", base.Add(time.Minute))

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(event.Handshake{
		LicenseKey: f.key, TerminalID: "till-1",
	}))

	// First frame is always the snapshot; it needs no ack.
	sync := readFrame(t, conn)
	require.Equal(t, event.TypeStateSync, sync.Type)
	payload, err := sync.DecodePayload()
	require.NoError(t, err)
	snap := payload.(*event.StateSyncPayload)
	require.True(t, snap.LicenseActive)
	require.Equal(t, store.SubStatusActive, snap.SubscriptionStatus)
	require.Equal(t, 3, snap.MaxTerminals)

	// Replay in order, ack per frame.
	for _, want := range []string{"evt-1", "evt-2"} {
		env := readFrame(t, conn)
		require.Equal(t, want, env.ID)
		sendAck(t, conn, env.ID)
	}

	// Live phase: a freshly published event arrives on the open connection.
	live, err := f.fabric.EmitPayload(ctx, f.key, event.SubscriptionPaymentSucceededPayload{
		SubscriptionID: "sub_1", PaymentID: "in_1", AmountCents: 2900, Currency: "gbp",
		PaidAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	env := readFrame(t, conn)
	require.Equal(t, live.ID, env.ID)
	require.Equal(t, event.TypeSubscriptionPaymentSucceeded, env.Type)
	sendAck(t, conn, env.ID)

	// All three deliveries land in the ledger as successes.
	require.Eventually(t, func() bool {
		ok, err := f.store.HasSuccessAck(ctx, live.ID)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
	for _, id := range []string{"evt-1", "evt-2"} {
		ok, err := f.store.HasSuccessAck(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, id)
	}
}

func TestSessionResumesFromCursor(t *testing.T) {
	f := newStreamFixture(t)
	base := time.Now().UTC().Add(-time.Hour)

	seedEvent(t, f.store, f.key, "evt-1", base)
	seedEvent(t, f.store, f.key, "evt-2", base.Add(time.Minute))
	seedEvent(t, f.store, f.key, "evt-3", base.Add(2*time.Minute))

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(event.Handshake{
		LicenseKey: f.key, TerminalID: "till-1", LastSeenEventID: "evt-2",
	}))

	require.Equal(t, event.TypeStateSync, readFrame(t, conn).Type)

	env := readFrame(t, conn)
	require.Equal(t, "evt-3", env.ID)
	sendAck(t, conn, env.ID)
}

func TestHandshakeRejectsMissingFields(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(event.Handshake{LicenseKey: f.key}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestConnectionRejectsForgedKey(t *testing.T) {
	f := newStreamFixture(t)
	forged, err := license.NewSigner("other-secret").Mint(license.PlanPro, "cust_1")
	require.NoError(t, err)

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(event.Handshake{
		LicenseKey: forged, TerminalID: "till-1",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestRevocationEndsSession(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(event.Handshake{
		LicenseKey: f.key, TerminalID: "till-1",
	}))
	require.Equal(t, event.TypeStateSync, readFrame(t, conn).Type)

	_, err := f.fabric.EmitPayload(ctx, f.key, event.LicenseRevokedPayload{
		Reason: "revoked by operator", RevokedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	env := readFrame(t, conn)
	require.Equal(t, event.TypeLicenseRevoked, env.Type)
	sendAck(t, conn, env.ID)

	// The revocation is the last frame; the server closes cleanly.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestIdleSessionReceivesHeartbeatFrames(t *testing.T) {
	f := newStreamFixture(t)
	f.endpoint.heartbeatEvery = 50 * time.Millisecond
	ctx := context.Background()

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(event.Handshake{
		LicenseKey: f.key, TerminalID: "till-1",
	}))
	require.Equal(t, event.TypeStateSync, readFrame(t, conn).Type)

	// With nothing published, the only traffic is the keepalive frame, and
	// it keeps coming without the client acking anything.
	first := readFrame(t, conn)
	require.Equal(t, event.TypeHeartbeatAck, first.Type)
	second := readFrame(t, conn)
	require.Equal(t, event.TypeHeartbeatAck, second.Type)

	// Heartbeats are fire-and-forget: nothing lands in the ack ledger.
	for _, env := range []event.Envelope{first, second} {
		acks, err := f.store.ListAcksForEvent(ctx, env.ID)
		require.NoError(t, err)
		require.Empty(t, acks)
	}

	// The session is still live for real events afterwards.
	live, err := f.fabric.EmitPayload(ctx, f.key, event.SubscriptionUpdatedPayload{
		SubscriptionID: "sub_1", Status: store.SubStatusActive,
	})
	require.NoError(t, err)
	for {
		env := readFrame(t, conn)
		if env.Type == event.TypeHeartbeatAck {
			continue
		}
		require.Equal(t, live.ID, env.ID)
		break
	}
}

func TestAckTimeoutRecordsFailure(t *testing.T) {
	f := newStreamFixture(t)
	f.endpoint.ackTimeout = 100 * time.Millisecond
	ctx := context.Background()

	seedEvent(t, f.store, f.key, "evt-slow", time.Now().UTC().Add(-time.Hour))

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(event.Handshake{
		LicenseKey: f.key, TerminalID: "till-1",
	}))
	require.Equal(t, event.TypeStateSync, readFrame(t, conn).Type)

	env := readFrame(t, conn)
	require.Equal(t, "evt-slow", env.ID)
	// Never ack: the server records the timeout and leaves redelivery to the
	// retry engine.
	require.Eventually(t, func() bool {
		acks, err := f.store.ListAcksForEvent(ctx, "evt-slow")
		return err == nil && len(acks) == 1 && acks[0].Status == event.AckFailed
	}, 2*time.Second, 20*time.Millisecond)
}
