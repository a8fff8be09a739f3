// Package protocol defines the JSON messages exchanged between PeerJS clients
// and the signaling server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type MessageType string

const (
	MessageTypeOpen      MessageType = "OPEN"
	MessageTypeHeartbeat MessageType = "HEARTBEAT"
	MessageTypeOffer     MessageType = "OFFER"
	MessageTypeAnswer    MessageType = "ANSWER"
	MessageTypeCandidate MessageType = "CANDIDATE"
	MessageTypeExpire    MessageType = "EXPIRE"
	MessageTypeLeave     MessageType = "LEAVE"
	MessageTypeIDTaken   MessageType = "ID-TAKEN"
	MessageTypeError     MessageType = "ERROR"
)

// Error payloads sent to clients before the server closes their socket.
const (
	ErrorInvalidWSParameters   = "No id, token, or key supplied to websocket server"
	ErrorInvalidToken          = "Invalid token provided"
	ErrorInvalidKey            = "Invalid key provided"
	ErrorConnectionLimitExceed = "Server has reached its concurrent user limit"
	ErrorIDTaken               = "Id is already used!"
)

// Message is a single signaling frame.
//
// Payload is kept as raw JSON: PeerJS clients send objects for OFFER/ANSWER/
// CANDIDATE and the server forwards them without looking inside.
type Message struct {
	Type        MessageType     `json:"type"`
	Source      string          `json:"src,omitempty"`
	Destination string          `json:"dst,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New returns a server-originated message with no payload.
func New(t MessageType) Message {
	return Message{Type: t}
}

// NewWithText returns a server-originated message whose payload is the JSON
// string text.
func NewWithText(t MessageType, text string) Message {
	b, _ := json.Marshal(text)
	return Message{Type: t, Payload: b}
}

// PayloadText returns the payload decoded as a JSON string. ok is false when
// the payload is absent or not a string.
func (m Message) PayloadText() (text string, ok bool) {
	if len(m.Payload) == 0 {
		return "", false
	}
	if err := json.Unmarshal(m.Payload, &text); err != nil {
		return "", false
	}
	return text, true
}

// Queueable reports whether the message may be held for a destination that
// is not connected. LEAVE and EXPIRE describe a peer that is already gone, so
// holding them would only produce stale notifications.
func (m Message) Queueable() bool {
	switch m.Type {
	case MessageTypeLeave, MessageTypeExpire:
		return false
	default:
		return true
	}
}

var errTrailingData = errors.New("unexpected trailing data")

// Decode parses a single JSON message. Unknown fields are ignored so newer
// clients keep working; trailing data after the object is rejected.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, errTrailingData
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message missing type")
	}
	if string(msg.Payload) == "null" {
		msg.Payload = nil
	}
	return msg, nil
}

func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
