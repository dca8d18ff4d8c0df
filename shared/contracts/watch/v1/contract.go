// Package v1 defines the burnbox watch protocol v1.
//
// The protocol is server-push only: a snapshot of the watched object followed by
// lifecycle events. Clients may send ping envelopes; nothing else is accepted.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket handshake.
const Subprotocol = "burnbox.watch.v1"

// Type constants (wire-stable).
const (
	// TypeSnapshot carries the object state at subscription time (server -> client).
	TypeSnapshot = "snapshot"
	// TypeEvent carries a lifecycle transition (server -> client).
	TypeEvent = "event"
	// TypePing is an application-level keepalive (client -> server).
	TypePing = "ping"
	// TypePong answers a ping (server -> client).
	TypePong = "pong"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Event kinds carried in EventPayload.Kind.
const (
	KindCreated  = "created"
	KindConsumed = "consumed"
	KindDeleted  = "deleted"
	KindPurged   = "purged"
	KindExpired  = "expired"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case TypeSnapshot, TypeEvent, TypePing, TypePong, TypeError:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// SnapshotPayload describes the object when the subscription starts.
type SnapshotPayload struct {
	ObjectID  string    `json:"object_id"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventPayload describes one lifecycle transition.
type EventPayload struct {
	ObjectID string    `json:"object_id"`
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
}

// Terminal reports whether no events follow this kind.
func (p EventPayload) Terminal() bool {
	switch p.Kind {
	case KindConsumed, KindDeleted, KindPurged, KindExpired:
		return true
	}
	return false
}

// ErrorPayload is a generic error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
