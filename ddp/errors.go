package ddp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotConnected is matched by every StateError: the operation needs a
	// state the client is not in.
	ErrNotConnected = errors.New("ddp: not connected")

	// ErrProtocolDecode is matched by every DecodeError.
	ErrProtocolDecode = errors.New("ddp: protocol decode error")

	// ErrUnrecognized is returned by Codec.Decode for frames without a "msg"
	// field or with a kind this client does not handle.
	ErrUnrecognized = errors.New("ddp: unrecognized message")

	// ErrDuplicateID is returned by Registry.Register for an id that is still pending.
	ErrDuplicateID = errors.New("ddp: duplicate pending id")

	// ErrIDsExhausted is returned by Registry.Allocate when the IDGenerator
	// keeps producing ids that are still pending.
	ErrIDsExhausted = errors.New("ddp: no free correlation id")

	// ErrSubscriptionStopped is passed to a subscription's completion when the
	// peer ends it with a nosub that carries no error.
	ErrSubscriptionStopped = errors.New("ddp: subscription stopped")

	// ErrTransportClosed is reported when the transport ends without a failed message.
	ErrTransportClosed = errors.New("ddp: transport closed")
)

// StateError reports an operation attempted in the wrong connection state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("ddp: %s not allowed while %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrNotConnected
}

// DecodeError describes an inbound frame that could not be decoded.
type DecodeError struct {
	Msg   string
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("ddp: cannot decode %q frame: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("ddp: cannot decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrProtocolDecode
}

// TransportError is the terminal error of a connection, either a failed
// message from the peer or the transport going away.
type TransportError struct {
	// Reason is the peer supplied reason of a failed message, if any.
	Reason string

	// Version is the protocol version the peer suggested in its failed message.
	Version string

	// Err is the underlying transport error, nil for a peer initiated failure.
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("ddp: transport failure: %v", e.Err)
	case e.Reason != "":
		return fmt.Sprintf("ddp: connection failed: %s", e.Reason)
	case e.Version != "":
		return fmt.Sprintf("ddp: connection failed: peer wants version %s", e.Version)
	}
	return "ddp: connection failed"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is an error reported by the peer in a result or nosub message.
// It is handed verbatim to the completion of the matching operation.
type RemoteError struct {
	// Code is the peer's error code, a number or a string.
	Code      any    `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	code := e.codeString()
	switch {
	case e.Reason != "" && code != "":
		return fmt.Sprintf("%s [%s]", e.Reason, code)
	case e.Reason != "":
		return e.Reason
	case code != "":
		return "remote error [" + code + "]"
	}
	return "remote error"
}

// UnmarshalJSON also accepts a bare string, taken as the message.
func (e *RemoteError) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &e.Message)
	}
	type plain RemoteError
	return json.Unmarshal(data, (*plain)(e))
}

func (e *RemoteError) codeString() string {
	switch c := e.Code.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	}
	return fmt.Sprint(e.Code)
}

func (e *RemoteError) numericCode() (int, bool) {
	switch c := e.Code.(type) {
	case float64:
		return int(c), true
	case int:
		return c, true
	case int64:
		return int(c), true
	}
	return 0, false
}

// GRPCStatus lets status.FromError and status.Code classify remote errors.
// Numeric codes are read as HTTP status codes, the convention most peers use.
func (e *RemoteError) GRPCStatus() *status.Status {
	code := codes.Unknown
	if n, ok := e.numericCode(); ok {
		switch n {
		case 400:
			code = codes.InvalidArgument
		case 401:
			code = codes.Unauthenticated
		case 403:
			code = codes.PermissionDenied
		case 404:
			code = codes.NotFound
		case 409:
			code = codes.AlreadyExists
		case 429:
			code = codes.ResourceExhausted
		case 500:
			code = codes.Internal
		case 501:
			code = codes.Unimplemented
		case 503:
			code = codes.Unavailable
		}
	}
	return status.New(code, e.Error())
}
