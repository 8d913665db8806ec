// Package v1 defines the chatmate realtime protocol v1 contract.
//
// It is shared between the gateway and clients and depends only on the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "chatmate.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates a connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the connection joined its rooms (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeForcedLogout tells every connection of a session to log out now (server -> client).
	TypeForcedLogout = "forced_logout"
	// TypeTrustChanged reports a trust decision for the session's device (server -> client).
	TypeTrustChanged = "trust_changed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeHello, TypeHelloAck, TypeForcedLogout, TypeTrustChanged, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope with payload marshalled to JSON.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}
