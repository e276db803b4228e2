// Package stream serves the long-lived delivery connections terminals hold
// open. Each connection replays missed events from the store, then follows
// the live bus, acknowledging frame by frame.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	handshakeWait = 10 * time.Second
	writeWait     = 10 * time.Second
	readWait      = 60 * time.Second

	// defaultHeartbeatEvery paces the keepalive frames idle terminals see
	// in-band. Kept under readWait so a healthy-but-quiet session never
	// trips the read deadline.
	defaultHeartbeatEvery = (readWait * 9) / 10

	// defaultAckTimeout bounds how long a delivered frame waits for its
	// acknowledgement before being recorded as failed.
	defaultAckTimeout = 30 * time.Second

	// liveBuffer absorbs bursts while the session is mid-replay or waiting
	// on an ack. A full buffer drops the event for this terminal; the retry
	// engine redelivers because no success ack lands.
	liveBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// Terminals are native EPOS clients, not browsers.
		return true
	},
}

// Endpoint upgrades and runs streaming sessions.
type Endpoint struct {
	store          *store.Store
	fabric         *event.Fabric
	licenses       *license.Service
	limiter        *rate.Limiter
	ackTimeout     time.Duration
	heartbeatEvery time.Duration
	now            func() time.Time
}

// NewEndpoint wires the delivery endpoint. The limiter throttles connection
// setup across all terminals; steady-state traffic is unaffected.
func NewEndpoint(st *store.Store, fabric *event.Fabric, licenses *license.Service) *Endpoint {
	return &Endpoint{
		store:          st,
		fabric:         fabric,
		licenses:       licenses,
		limiter:        rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		ackTimeout:     defaultAckTimeout,
		heartbeatEvery: defaultHeartbeatEvery,
		now:            time.Now,
	}
}

// ServeHTTP upgrades the connection and runs the session to completion.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade streaming connection")
		return
	}

	hs, err := readHandshake(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Streaming handshake failed")
		closeWith(conn, websocket.ClosePolicyViolation, "invalid handshake")
		return
	}

	lic, err := e.licenses.AuthorizeConnection(r.Context(), hs.LicenseKey)
	if err != nil {
		log.Warn().Err(err).
			Str("remote", r.RemoteAddr).
			Str("terminal_id", hs.TerminalID).
			Msg("Streaming connection rejected")
		closeWith(conn, websocket.ClosePolicyViolation, "license not authorized")
		return
	}

	s := &session{
		endpoint:   e,
		conn:       conn,
		license:    lic,
		licenseKey: lic.Key,
		terminalID: hs.TerminalID,
		lastSeen:   hs.LastSeenEventID,
		acks:       make(chan event.Ack, 16),
		live:       make(chan event.Envelope, liveBuffer),
		done:       make(chan struct{}),
	}
	s.run(r.Context())
}

func readHandshake(conn *websocket.Conn) (*event.Handshake, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var hs event.Handshake
	if err := conn.ReadJSON(&hs); err != nil {
		return nil, err
	}
	if hs.LicenseKey == "" || hs.TerminalID == "" {
		return nil, errMissingHandshakeFields
	}
	return &hs, nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// snapshot builds the state_sync payload sent first on every connection so
// a reconnecting terminal converges without replaying everything.
func (e *Endpoint) snapshot(ctx context.Context, lic *store.License) (event.StateSyncPayload, error) {
	sub, err := e.store.GetSubscription(ctx, nil, lic.SubscriptionID)
	if err != nil {
		return event.StateSyncPayload{}, err
	}
	active, err := e.store.ListActiveActivations(ctx, nil, lic.Key)
	if err != nil {
		return event.StateSyncPayload{}, err
	}
	status := store.SubStatusActive
	if sub != nil {
		status = sub.Status
	}
	return event.StateSyncPayload{
		SubscriptionStatus: status,
		LicenseActive:      lic.IsActive,
		MaxTerminals:       lic.MaxTerminals,
		ActiveTerminals:    len(active),
		ExpiresAt:          lic.ExpiresAt,
		SyncedAt:           e.now().UTC(),
	}, nil
}
