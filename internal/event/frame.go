package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EncodeFrame renders an envelope as a server-pushed text frame:
//
//	id: <event_id>\nevent: <type>\ndata: <json>\n\n
//
// The data line carries the full envelope JSON so reconnecting terminals can
// persist the cursor from either the id line or the body.
func EncodeFrame(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(e.ID)
	buf.WriteString("\nevent: ")
	buf.WriteString(string(e.Type))
	buf.WriteString("\ndata: ")
	buf.Write(body)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// DecodeFrame parses a server-pushed text frame back into an envelope.
// Used by tests and by terminal client implementations.
func DecodeFrame(frame []byte) (Envelope, error) {
	var env Envelope
	for _, line := range strings.Split(strings.TrimRight(string(frame), "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(line[len("data: "):]), &env); err != nil {
				return Envelope{}, fmt.Errorf("decode frame data: %w", err)
			}
		case strings.HasPrefix(line, "id: "), strings.HasPrefix(line, "event: "):
			// Redundant with the envelope body; the body wins.
		case strings.TrimSpace(line) == "":
		default:
			return Envelope{}, fmt.Errorf("unexpected frame line %q", line)
		}
	}
	if env.ID == "" {
		return Envelope{}, fmt.Errorf("frame carried no data line")
	}
	return env, nil
}

// Handshake is the first client-to-server message on a streaming connection.
type Handshake struct {
	LicenseKey      string `json:"license_key"`
	LastSeenEventID string `json:"last_seen_event_id,omitempty"`
	TerminalID      string `json:"terminal_id"`
}

// AckStatus is the terminal's reported outcome for one delivered event.
type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailed  AckStatus = "failed"
)

// Ack is a client-to-server acknowledgement frame.
type Ack struct {
	EventID          string    `json:"event_id"`
	Status           AckStatus `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// Validate checks the ack frame shape.
func (a Ack) Validate() error {
	if strings.TrimSpace(a.EventID) == "" {
		return fmt.Errorf("ack missing event_id")
	}
	if a.Status != AckSuccess && a.Status != AckFailed {
		return fmt.Errorf("ack has invalid status %q", a.Status)
	}
	return nil
}

// Heartbeat builds the periodic keepalive envelope for a license channel.
func Heartbeat(licenseKey string) Envelope {
	env, _ := New(licenseKey, HeartbeatAckPayload{Timestamp: time.Now().UTC()})
	return env
}
