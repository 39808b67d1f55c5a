// Package chat holds the chat wire format, the message renderer and the
// in-memory message log.
package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Inbound is a chat frame broadcast by the server. Field names match the
// server's serialization exactly.
type Inbound struct {
	Username    string `json:"Username"`
	Content     string `json:"Content"`
	DisplayTime string `json:"DisplayTime"`
	// Timestamp is kept raw; a malformed value must not reject the frame.
	Timestamp json.RawMessage `json:"Timestamp,omitempty"`
}

// Outbound is a message sent by this client. The server stamps username
// and time itself.
type Outbound struct {
	Content string `json:"Content"`
}

// AssistantReply is the assistant's answer to a "!ai" prompt.
type AssistantReply struct {
	Content       string
	ProviderLabel string
}

var errNotObject = errors.New("frame is not a JSON object")

// Decode parses an inbound frame. Anything other than a JSON object is a
// *ParseError.
func Decode(payload []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Inbound{}, &ParseError{Payload: truncatePayload(payload), Err: errNotObject}
	}

	var msg Inbound
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Inbound{}, &ParseError{Payload: truncatePayload(payload), Err: err}
	}
	return msg, nil
}

// Encode serializes an outbound message.
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}

// displayTime returns DisplayTime, falling back to the frame's Timestamp
// formatted as a wall clock.
func (m Inbound) displayTime() string {
	if m.DisplayTime != "" || len(m.Timestamp) == 0 {
		return m.DisplayTime
	}

	var ts time.Time
	if err := json.Unmarshal(m.Timestamp, &ts); err != nil || ts.IsZero() {
		return ""
	}
	return ts.Local().Format("15:04:05")
}
