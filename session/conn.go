package session

import (
	"github.com/john-rice/tdesktop/mtproto"
)

// TransportState represents the state of the underlying transport connection.
type TransportState int32

const (
	// TransportDisconnected indicates the transport lost or closed its connection.
	TransportDisconnected TransportState = iota
	// TransportConnecting indicates the transport is establishing a connection.
	TransportConnecting
	// TransportConnected indicates the transport is connected and able to
	// carry encrypted messages.
	TransportConnected
)

// String returns string representation of the transport state.
func (s TransportState) String() string {
	switch s {
	case TransportDisconnected:
		return "disconnected"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TransportStateHandler is invoked by the Connection whenever its transport
// state changes.
type TransportStateHandler func(state TransportState)

// Connection is the transport boundary of a session: it performs the actual
// I/O and the cryptographic encode/decode of messages. The session layer
// assigns ids and sequence numbers; the connection wraps, encrypts and ships
// them, and delivers decrypted inbound envelopes on its Inbound channel.
//
// Implementations must not invoke registered state handlers while holding
// locks that Submit or Close may need.
type Connection interface {
	// Open establishes the transport connection.
	Open() error

	// Restart tears down and reopens the transport connection.
	Restart() error

	// Close closes the transport connection.
	Close() error

	// Submit encodes, encrypts and transmits a batch of staged messages.
	Submit(batch []*mtproto.Message) error

	// Inbound returns the stream of decrypted inbound message envelopes.
	// The channel is owned by the connection and stays valid across Restart.
	Inbound() <-chan mtproto.SerializedMessage

	// AddStateHandler registers a handler invoked on transport state changes.
	AddStateHandler(handler TransportStateHandler)

	// Transport returns a human-readable transport description for diagnostics.
	Transport() string
}
