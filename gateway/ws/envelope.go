package ws

import (
	"encoding/json"

	"github.com/evergreen-oss/osrfgo/core/message"
)

// inboundEnvelope is the JSON frame a browser sends: a thread and target
// service around one or more bus Messages. osrf_msg accepts either a
// single Message object or an array, as a convenience; a lone object is
// wrapped into a singleton list.
type inboundEnvelope struct {
	Service string      `json:"service,omitempty"`
	Thread  string      `json:"thread"`
	LogXid  string      `json:"log_xid,omitempty"`
	OsrfMsg osrfMsgList `json:"osrf_msg"`
}

type envelope = inboundEnvelope

// outboundEnvelope is the JSON frame sent back to the browser. The
// oxrf_xid key is a verbatim on-the-wire typo kept for compatibility
// with existing clients; TransportError is set whenever any sub-message
// carried a terminal error status (>= BadRequest).
type outboundEnvelope struct {
	OxrfXid        string            `json:"oxrf_xid,omitempty"`
	Thread         string            `json:"thread"`
	OsrfMsg        []message.Message `json:"osrf_msg"`
	TransportError bool              `json:"transport_error,omitempty"`
}

// osrfMsgList unmarshals either a single Message or a JSON array of
// Messages into a []message.Message.
type osrfMsgList []message.Message

func (l *osrfMsgList) UnmarshalJSON(data []byte) error {
	var arr []message.Message
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}

	var single message.Message
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*l = []message.Message{single}
	return nil
}

func (l osrfMsgList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]message.Message(l))
}
