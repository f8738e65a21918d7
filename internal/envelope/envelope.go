// Package envelope defines the wire contract between workers and between the
// websocket worker and its live clients.
package envelope

import (
	"encoding/json"
	"fmt"

	"workerbus/internal/domain"
)

// Well-known envelope kinds.
const (
	KindRequest    = "request"
	KindResponse   = "response"
	KindPush       = "push"
	KindDisconnect = "disconnect"
)

// Envelope is the only value that crosses a worker boundary. Message always
// travels as JSON bytes so no memory is shared between sender and receiver.
type Envelope struct {
	From    domain.WorkerID `json:"from"`
	To      domain.WorkerID `json:"to"`
	Kind    string          `json:"kind"`
	Message json.RawMessage `json:"message"`
}

// New marshals payload into a fresh envelope.
func New(from, to domain.WorkerID, kind string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{From: from, To: to, Kind: kind, Message: raw}, nil
}

// Decode unmarshals the envelope message into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Message, v); err != nil {
		return fmt.Errorf("decode %s message from %s: %w", e.Kind, e.From, err)
	}
	return nil
}

// Operation addresses one repository method. Name is the repository scope and
// Key the method inside it.
type Operation struct {
	Name string          `json:"name"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

func (o Operation) String() string { return o.Name + "." + o.Key }

type Request struct {
	RequestID string          `json:"requestId"`
	From      domain.WorkerID `json:"from"`
	Data      Operation       `json:"data"`
}

// Response answers exactly one Request. ErrorMessage and Data are never both set.
type Response struct {
	ForRequestID string          `json:"forRequestId"`
	ErrorMessage *string         `json:"errorMessage"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool { return r.ErrorMessage != nil }

// ErrorResponse builds the failure form of a Response.
func ErrorResponse(requestID, code, message string) Response {
	return Response{ForRequestID: requestID, ErrorMessage: &message, ErrorCode: code}
}

// ClientMessage is a frame sent by a live client to the websocket worker.
type ClientMessage struct {
	RequestID string          `json:"requestId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PushMessage asks the websocket worker to deliver Event to every live
// connection of UserID.
type PushMessage struct {
	UserID string `json:"user_id"`
	Event  Event  `json:"event"`
}

// DisconnectMessage asks the websocket worker to drop every connection of UserID.
type DisconnectMessage struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}
