package message

import (
	"encoding/json"
	"fmt"
)

// MaxThreadSize is the largest permitted thread token.
const MaxThreadSize = 256

// TransportMessage is the envelope pushed onto/popped from a bus queue.
// Body is a non-empty ordered list of sub-messages.
type TransportMessage struct {
	To      string    `json:"to"`
	From    string    `json:"from"`
	Thread  string    `json:"thread"`
	OsrfXid string    `json:"osrf_xid,omitempty"`
	Body    []Message `json:"body"`
}

// NewTransportMessage builds an envelope with a single sub-message, the
// common case for Connect/Request/Disconnect sends.
func NewTransportMessage(to, from, thread, osrfXid string, body ...Message) TransportMessage {
	return TransportMessage{To: to, From: from, Thread: thread, OsrfXid: osrfXid, Body: body}
}

// Validate enforces the envelope invariants: a thread no longer than
// MaxThreadSize bytes and a non-empty body.
func (tm TransportMessage) Validate() error {
	if len(tm.Thread) == 0 {
		return fmt.Errorf("message: transport message has no thread")
	}
	if len(tm.Thread) > MaxThreadSize {
		return fmt.Errorf("message: thread exceeds %d bytes", MaxThreadSize)
	}
	if len(tm.Body) == 0 {
		return fmt.Errorf("message: transport message body is empty")
	}
	return nil
}

// Marshal serializes tm as the UTF-8 JSON blob the bus transports.
func (tm TransportMessage) Marshal() ([]byte, error) {
	return json.Marshal(tm)
}

// Unmarshal parses a bus payload into a TransportMessage.
func Unmarshal(data []byte) (TransportMessage, error) {
	var tm TransportMessage
	if err := json.Unmarshal(data, &tm); err != nil {
		return TransportMessage{}, fmt.Errorf("message: malformed transport message: %w", err)
	}
	return tm, nil
}
