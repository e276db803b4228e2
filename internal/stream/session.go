package stream

import (
	"context"
	"errors"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/metrics"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	errMissingHandshakeFields = errors.New("handshake missing license_key or terminal_id")
	errAckTimeout             = errors.New("acknowledgement timeout")
	errSessionClosed          = errors.New("session closed")
)

// session is one terminal's connection. The run loop owns all writes; a
// dedicated read pump feeds acknowledgements and detects disconnects.
type session struct {
	endpoint   *Endpoint
	conn       *websocket.Conn
	license    *store.License
	licenseKey string
	terminalID string
	lastSeen   string

	acks chan event.Ack
	live chan event.Envelope
	done chan struct{}
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	metrics.ConnectedTerminals.Inc()
	defer metrics.ConnectedTerminals.Dec()

	log.Info().
		Str("license_key", s.licenseKey).
		Str("terminal_id", s.terminalID).
		Str("last_seen_event_id", s.lastSeen).
		Msg("Terminal connected")
	defer log.Info().
		Str("license_key", s.licenseKey).
		Str("terminal_id", s.terminalID).
		Msg("Terminal disconnected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readPump(cancel)

	// Subscribe before replay so events published mid-replay are buffered
	// rather than lost; duplicates against the replay batch are filtered.
	cancelSub, err := s.endpoint.fabric.Subscribe(ctx, s.licenseKey, func(env event.Envelope) {
		select {
		case s.live <- env:
		default:
			log.Warn().
				Str("event_id", env.ID).
				Str("terminal_id", s.terminalID).
				Msg("Live buffer full; dropping event for slow terminal (retry engine will redeliver)")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("license_key", s.licenseKey).Msg("Failed to subscribe terminal")
		return
	}
	defer cancelSub()

	if err := s.sendStateSync(ctx); err != nil {
		log.Warn().Err(err).Str("terminal_id", s.terminalID).Msg("Failed to send state sync")
		return
	}

	replayed, err := s.replay(ctx)
	if err != nil {
		if !errors.Is(err, errSessionClosed) && ctx.Err() == nil {
			log.Warn().Err(err).Str("terminal_id", s.terminalID).Msg("Replay aborted")
		}
		return
	}

	s.liveLoop(ctx, replayed)
}

// readPump consumes client frames. Every inbound text frame is expected to
// be an ack; anything else is logged and dropped. A read error ends the
// session.
func (s *session) readPump(cancel context.CancelFunc) {
	defer cancel()
	defer close(s.done)

	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		var ack event.Ack
		if err := s.conn.ReadJSON(&ack); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("terminal_id", s.terminalID).Msg("Streaming read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		if err := ack.Validate(); err != nil {
			log.Warn().Err(err).Str("terminal_id", s.terminalID).Msg("Invalid ack frame; dropping")
			continue
		}
		select {
		case s.acks <- ack:
		case <-s.done:
			return
		}
	}
}

func (s *session) sendStateSync(ctx context.Context) error {
	payload, err := s.endpoint.snapshot(ctx, s.license)
	if err != nil {
		return err
	}
	env, err := event.New(s.licenseKey, payload)
	if err != nil {
		return err
	}
	// State sync is advisory; it is not persisted and needs no ack.
	return s.writeFrame(env)
}

// replay pushes every retained event after the client's cursor, waiting for
// an ack per frame. Returns the set of delivered event ids so the live
// phase can skip duplicates that were buffered during replay.
func (s *session) replay(ctx context.Context) (map[string]bool, error) {
	events, err := s.endpoint.store.ListEventsAfter(ctx, s.licenseKey, s.lastSeen, s.endpoint.now().UTC())
	if err != nil {
		return nil, err
	}

	delivered := make(map[string]bool, len(events))
	for _, stored := range events {
		if err := s.deliver(ctx, stored.Envelope(), "replay"); err != nil {
			return nil, err
		}
		delivered[stored.EventID] = true
	}

	if len(events) > 0 {
		log.Info().
			Str("license_key", s.licenseKey).
			Str("terminal_id", s.terminalID).
			Int("events", len(events)).
			Msg("Replay completed")
	}
	return delivered, nil
}

// liveLoop follows the bus until the connection or context ends. The seen
// set is only consulted for the replay overlap; it is not grown, because
// event ids buffered after replay are new by construction.
func (s *session) liveLoop(ctx context.Context, seen map[string]bool) {
	keepalive := time.NewTicker(s.endpoint.heartbeatEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			closeWith(s.conn, websocket.CloseGoingAway, "server shutting down")
			return

		case <-s.done:
			return

		case <-keepalive.C:
			// Idle terminals learn the connection is alive from an in-band
			// heartbeat frame; a failed write ends the session.
			if err := s.deliver(ctx, event.Heartbeat(s.licenseKey), "heartbeat"); err != nil {
				return
			}
			// Heartbeats need no ack, so a quiet-but-healthy terminal sends
			// nothing back; push the read deadline along with each one.
			_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		case env := <-s.live:
			if seen[env.ID] {
				delete(seen, env.ID)
				continue
			}
			if err := s.deliver(ctx, env, "live"); err != nil {
				if !errors.Is(err, errSessionClosed) && ctx.Err() == nil {
					log.Debug().Err(err).Str("terminal_id", s.terminalID).Msg("Live delivery ended")
				}
				return
			}
			// A revocation or targeted deactivation is the last frame this
			// terminal gets.
			if s.shouldDisconnectAfter(env) {
				closeWith(s.conn, websocket.CloseNormalClosure, "license no longer active")
				return
			}
		}
	}
}

// deliver writes one frame and waits for its acknowledgement, recording the
// outcome in the ledger. Heartbeat frames are fire-and-forget.
func (s *session) deliver(ctx context.Context, env event.Envelope, phase string) error {
	if err := s.writeFrame(env); err != nil {
		return err
	}
	metrics.DeliveredFrames.WithLabelValues(phase).Inc()

	if env.Type == event.TypeHeartbeatAck || env.Type == event.TypeStateSync {
		return nil
	}

	timeout := time.NewTimer(s.endpoint.ackTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errSessionClosed
		case <-timeout.C:
			s.recordAck(ctx, event.Ack{
				EventID:      env.ID,
				Status:       event.AckFailed,
				ErrorMessage: errAckTimeout.Error(),
			})
			log.Warn().
				Str("event_id", env.ID).
				Str("terminal_id", s.terminalID).
				Str("phase", phase).
				Msg("Acknowledgement timed out; leaving event for the retry engine")
			return nil
		case ack := <-s.acks:
			if ack.EventID != env.ID {
				// Stale ack from a previously timed-out frame.
				log.Debug().
					Str("expected", env.ID).
					Str("got", ack.EventID).
					Msg("Out-of-order ack; recording and continuing to wait")
				s.recordAck(ctx, ack)
				continue
			}
			s.recordAck(ctx, ack)
			return nil
		}
	}
}

func (s *session) writeFrame(env event.Envelope) error {
	frame, err := event.EncodeFrame(env)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) recordAck(ctx context.Context, ack event.Ack) {
	err := s.endpoint.store.InsertAck(ctx, store.Acknowledgement{
		EventID:          ack.EventID,
		LicenseKey:       s.licenseKey,
		TerminalID:       s.terminalID,
		Status:           ack.Status,
		ErrorMessage:     ack.ErrorMessage,
		ProcessingTimeMs: ack.ProcessingTimeMs,
		AcknowledgedAt:   s.endpoint.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).
			Str("event_id", ack.EventID).
			Str("terminal_id", s.terminalID).
			Msg("Failed to record acknowledgement")
		return
	}
	metrics.AcksRecorded.WithLabelValues(string(ack.Status)).Inc()
}

// shouldDisconnectAfter reports whether env ends this terminal's session.
func (s *session) shouldDisconnectAfter(env event.Envelope) bool {
	switch env.Type {
	case event.TypeLicenseRevoked:
		return true
	case event.TypeDeactivationBroadcast:
		payload, err := env.DecodePayload()
		if err != nil {
			return false
		}
		if p, ok := payload.(*event.DeactivationBroadcastPayload); ok {
			return p.TerminalID == s.terminalID
		}
	}
	return false
}
