// Package wire defines the JSON message envelopes exchanged over the push
// channel, in both directions, plus the close-code conventions around
// admission and retry.
package wire

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Message types carried in the "type" field of every envelope.
const (
	TypeAuditUpdate   = "audit-update"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeRequestUpdate = "request-update"
	TypeGetStatus     = "get-status"
	TypeStatus        = "status"

	// TypeRaw is synthesized client-side for payloads that fail to parse
	// as an envelope; the original text rides in Data so consumers can
	// log or ignore it.
	TypeRaw = "raw"
)

// Message is the envelope for every channel payload. Fields not used by a
// given type are omitted from the wire form.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// StatusData is the payload of a "status" envelope.
type StatusData struct {
	Clients int     `json:"clients"`
	Uptime  float64 `json:"uptime"`
}

// Now returns the envelope timestamp format used on the wire.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewUpdate wraps an already-serialized snapshot in an audit-update envelope.
func NewUpdate(snapshotJSON []byte) Message {
	return Message{Type: TypeAuditUpdate, Data: json.RawMessage(snapshotJSON), Timestamp: Now()}
}

// NewError builds an error envelope with the given human-readable message.
func NewError(msg string) Message {
	return Message{Type: TypeError, Message: msg, Timestamp: Now()}
}

// NewPing builds a client liveness probe.
func NewPing() Message {
	return Message{Type: TypePing}
}

// NewPong builds the response to a ping.
func NewPong() Message {
	return Message{Type: TypePong, Timestamp: Now()}
}

// NewStatus wraps subscriber-count and uptime information.
func NewStatus(data StatusData) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeStatus, Data: raw, Timestamp: Now()}, nil
}

// NewRaw wraps an unparseable payload so it can still be forwarded to the
// consumer instead of being dropped.
func NewRaw(text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Type: TypeRaw, Data: raw}
}

// Encode serializes an envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Close codes used during admission; gorilla provides the named constants.
const (
	CloseOverloaded    = websocket.CloseTryAgainLater   // 1013: registry at capacity
	CloseInvalidOrigin = websocket.ClosePolicyViolation // 1008: origin not allowed
	CloseTooLarge      = websocket.CloseMessageTooBig   // 1009: inbound frame over the byte cap
	CloseNormal        = websocket.CloseNormalClosure   // 1000
)

// Retryable reports whether a close code should schedule a backoff
// reconnect (true) or park the client state machine in error (false).
func Retryable(code int) bool {
	switch code {
	case websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater:
		return true
	}
	return false
}
