// Package message defines the wire-level Message tagged union and the
// TransportMessage envelope that carries it over the bus.
package message

import "encoding/json"

// Type discriminates the Message tagged union.
type Type string

// Message kinds.
const (
	TypeConnect    Type = "CONNECT"
	TypeRequest    Type = "REQUEST"
	TypeResult     Type = "RESULT"
	TypeStatus     Type = "STATUS"
	TypeDisconnect Type = "DISCONNECT"
)

// Message is one sub-message of a TransportMessage body. Only the fields
// relevant to Type are populated; the rest are left at their zero value.
type Message struct {
	Type        Type   `json:"type"`
	ThreadTrace int    `json:"thread_trace"`
	Ingress     string `json:"ingress,omitempty"`

	// Request fields.
	Method string            `json:"method,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`

	// Result fields. ResultStatus is one of Ok/Continue/Partial/
	// PartialComplete.
	ResultStatus Status          `json:"result_status,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`

	// Status (control) fields.
	StatusCode Status `json:"status_code,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

// NewConnect builds a Connect message opening a stateful session.
func NewConnect(threadTrace int, ingress string) Message {
	return Message{Type: TypeConnect, ThreadTrace: threadTrace, Ingress: ingress}
}

// NewRequest builds a Request message invoking method with params.
func NewRequest(threadTrace int, method string, params []json.RawMessage, ingress string) Message {
	return Message{
		Type:        TypeRequest,
		ThreadTrace: threadTrace,
		Method:      method,
		Params:      params,
		Ingress:     ingress,
	}
}

// NewResult builds a Result message carrying one response value.
func NewResult(threadTrace int, status Status, content json.RawMessage, ingress string) Message {
	return Message{
		Type:         TypeResult,
		ThreadTrace:  threadTrace,
		ResultStatus: status,
		Content:      content,
		Ingress:      ingress,
	}
}

// NewStatus builds a control Status message.
func NewStatus(threadTrace int, code Status, text string, ingress string) Message {
	return Message{
		Type:        TypeStatus,
		ThreadTrace: threadTrace,
		StatusCode:  code,
		StatusText:  text,
		Ingress:     ingress,
	}
}

// NewDisconnect builds a Disconnect message closing a stateful session.
func NewDisconnect(threadTrace int, ingress string) Message {
	return Message{Type: TypeDisconnect, ThreadTrace: threadTrace, Ingress: ingress}
}

// IsPartial reports whether m is a Partial or PartialComplete Result.
func (m Message) IsPartial() bool {
	return m.Type == TypeResult && (m.ResultStatus == StatusPartial || m.ResultStatus == StatusPartialComplete)
}
