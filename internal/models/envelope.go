package models

import (
	"encoding/base64"
	"fmt"
)

// MessageType separates CRDT sync traffic from application control signals.
type MessageType string

const (
	MessageTypeSync    MessageType = "sync"
	MessageTypeControl MessageType = "control"
)

// Envelope is the wire shape of every message relayed over a collaboration
// channel. An empty TargetID broadcasts to every peer.
type Envelope struct {
	SenderID    string      `json:"senderId"`
	TargetID    string      `json:"targetId,omitempty"`
	MessageType MessageType `json:"messageType"`
	DocumentID  string      `json:"documentId,omitempty"`
	Payload     string      `json:"payload"` // base64
}

// EncodePayload stores binary data in the transport-safe payload field.
func (e *Envelope) EncodePayload(data []byte) {
	e.Payload = base64.StdEncoding.EncodeToString(data)
}

// DecodePayload returns the binary payload.
func (e *Envelope) DecodePayload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope payload: %w", err)
	}
	return data, nil
}

// IsBroadcast reports whether the envelope is addressed to every peer.
func (e *Envelope) IsBroadcast() bool {
	return e.TargetID == ""
}

// ControlType names an out-of-band signal.
type ControlType string

const (
	// ControlShareEnded is sent by the host when it terminates the session.
	ControlShareEnded ControlType = "share-ended"
)

// ControlMessage is the payload of a control envelope.
type ControlMessage struct {
	Type ControlType `json:"type"`
}
