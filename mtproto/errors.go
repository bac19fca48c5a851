package mtproto

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionKilled indicates that an operation was attempted on a killed
	// session.
	ErrSessionKilled = errors.New("mtproto: session killed")

	// ErrSessionReset indicates that pending requests were dropped because
	// the session state was cleared.
	ErrSessionReset = errors.New("mtproto: session reset")

	// ErrConnNil indicates that a nil Connection was provided.
	ErrConnNil = errors.New("mtproto: connection is nil")

	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("mtproto: config is nil")

	// ErrInvalidTransition is returned when an attempt is made to transition
	// the session lifecycle to an invalid state.
	ErrInvalidTransition = errors.New("mtproto: invalid state transition")
)

// RPCError is a typed RPC-level failure: an error code plus a textual kind
// and an optional description. Server-reported errors and locally-detected
// ones (for example a malformed response) share this type and are delivered
// through the request's FailHandler.
type RPCError struct {
	Code        int32
	Type        string
	Description string
}

func (e *RPCError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Type)
	}
	return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Type, e.Description)
}

// NewRPCClientError constructs a locally-generated RPCError with code 0.
func NewRPCClientError(errType, description string) *RPCError {
	return &RPCError{Type: errType, Description: description}
}

// AppendRPCError appends a TL rpc_error to buf. Used by tests and by peers
// simulating server failures.
func AppendRPCError(buf []int32, code int32, errType string) []int32 {
	buf = append(buf, int32(IDRPCError), code) //nolint:gosec
	return AppendTLString(buf, errType)
}

// ParseRPCError decodes a TL rpc_error starting at word offset i.
func ParseRPCError(words []int32, i int) (*RPCError, error) {
	if i+2 > len(words) || uint32(words[i]) != IDRPCError {
		return nil, ErrInvalidString
	}

	text, _, err := ReadTLString(words, i+2)
	if err != nil {
		return nil, err
	}

	return &RPCError{Code: words[i+1], Type: text}, nil
}
