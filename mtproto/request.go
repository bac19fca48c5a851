package mtproto

import (
	"time"
)

// ResponseHandler is invoked with the serialized response buffer once a
// request completes successfully.
type ResponseHandler func(requestID RequestID, response SerializedMessage)

// FailHandler is invoked when a request fails, either with a server-reported
// RPC error or a locally-detected one. It is the single failure channel for
// both.
type FailHandler func(requestID RequestID, err *RPCError)

// Handlers bundles the completion callbacks of a request.
type Handlers struct {
	OnDone ResponseHandler
	OnFail FailHandler
}

// Request is a submitted RPC request awaiting transmission or completion.
//
// MsgID and SeqNo are zero until the request is staged for transmission by a
// send cycle; resetting them to zero forces fresh ids on the next transmit.
type Request struct {
	// ID is the request id assigned at submission time.
	ID RequestID

	// Body holds the serialized request payload words.
	Body []int32

	// MsgID and SeqNo are the transmit ids assigned by the last send cycle.
	MsgID MsgID
	SeqNo uint32

	// NoAck marks fire-and-forget payloads (pings, pure acks, state
	// requests) whose sequence numbers must not advance the ack-tracked
	// ordering counter.
	NoAck bool

	// MsCanWait hints how long the request may be coalesced with others
	// before a send cycle must run.
	MsCanWait time.Duration

	// NeedsLayer marks requests that must be preceded by layer negotiation
	// data when the layer has not been initialized yet.
	NeedsLayer bool

	// ToMainDC marks requests that must be routed to the main datacenter.
	ToMainDC bool

	// After, when non-zero, names a request that must complete before this
	// one is transmitted.
	After RequestID

	// LastSentAt records the time of the last transmission, for timeout
	// detection. Zero for never-transmitted requests.
	LastSentAt time.Time

	// Attempts counts how many times the request has been transmitted.
	Attempts int
}

// NewRequest creates a request around a copy of body and assigns it a fresh
// request id.
func NewRequest(body []int32) *Request {
	owned := make([]int32, len(body))
	copy(owned, body)

	return &Request{
		ID:   NextRequestID(),
		Body: owned,
	}
}

// ResetTransmitIDs clears the assigned message id and sequence number so the
// next send cycle issues fresh ones.
func (r *Request) ResetTransmitIDs() {
	r.MsgID = 0
	r.SeqNo = 0
	r.LastSentAt = time.Time{}
}

// Staged reports whether the request has transmit ids assigned.
func (r *Request) Staged() bool {
	return r.MsgID != 0
}
