// Package message defines the Backsync envelope exchanged over the persistent connection
// and the operation-name rules shared by clients and the server router.
//
// Every frame on the wire is one Envelope, in one of three shapes:
//
//	request:  {"id": "<uuid>", "req": "<base>:<verb>", "data": {...}}
//	reply:    {"id": "<uuid>", "data": <result>}   or   {"id": "<uuid>", "error": "<message>"}
//	push:     {"event": "<base>:<verb>", "data": {...}}
//
// Which of reply or push an inbound envelope is depends on whether its id matches a
// call the receiver is still waiting for, so classification happens in the transport,
// not here.
package message

import (
	"encoding/json"
)

// Envelope is one discrete message unit.
type Envelope struct {
	ID    string          `json:"id,omitempty"`    // Correlation identifier, empty for push events
	Req   string          `json:"req,omitempty"`   // Operation tag on requests: "<base>:<verb>"
	Event string          `json:"event,omitempty"` // Event name on pushes (replies from the router echo the op tag here)
	Data  json.RawMessage `json:"data,omitempty"`  // Payload, result or event data
	Error string          `json:"error,omitempty"` // Non-empty on a failed reply
}

var emptyObject = json.RawMessage(`{}`)

// NewRequest builds a request envelope. Read requests always carry an empty object.
func NewRequest(id string, op Op, data json.RawMessage) *Envelope {
	if op.Verb == VerbRead || len(data) == 0 {
		data = emptyObject
	}
	return &Envelope{ID: id, Req: op.String(), Data: data}
}

// NewReply builds the reply for request id. A non-nil err turns it into an error reply.
func NewReply(id string, op string, data json.RawMessage, err error) *Envelope {
	env := &Envelope{ID: id, Event: op, Data: data}
	if err != nil {
		env.Error = err.Error()
	}
	return env
}

// NewPush builds an unsolicited event envelope.
func NewPush(event string, data json.RawMessage) *Envelope {
	return &Envelope{Event: event, Data: data}
}

// IsRequest reports whether the envelope asks the receiver to perform an operation.
func (e *Envelope) IsRequest() bool {
	return e.Req != ""
}

// Operation returns the op tag of a request. Older clients put the tag in the event
// field, so that is used when req is empty.
func (e *Envelope) Operation() string {
	if e.Req != "" {
		return e.Req
	}
	return e.Event
}
