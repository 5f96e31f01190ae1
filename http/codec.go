package http

import (
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
)

// MessageType represents the WebSocket frame type
type MessageType int

const (
	// TextMessage denotes a text data message (UTF-8 encoded)
	TextMessage MessageType = websocket.TextMessage // 1

	// BinaryMessage denotes a binary data message
	BinaryMessage MessageType = websocket.BinaryMessage // 2
)

// ErrBinaryFrame is returned by the text codecs for binary frames.
// DDP frames are always JSON text.
var ErrBinaryFrame = errors.New("binary frames are not supported")

// CodecError wraps a frame that was read but could not be decoded. The
// connection itself is still usable.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string {
	return "decode: " + e.Err.Error()
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Codec handles encoding/decoding of messages over WebSocket.
// The type parameters I and O represent input (received) and output (sent) message types.
// Note: heartbeats are handled at the transport layer (BaseConn), not by codecs.
type Codec[I any, O any] interface {
	// Decode converts raw WebSocket data into a typed input message.
	// msgType indicates whether the data was received as text or binary.
	Decode(data []byte, msgType MessageType) (I, error)

	// Encode converts a typed output message to raw bytes for sending.
	// Returns the encoded bytes and the appropriate message type (text/binary).
	Encode(msg O) ([]byte, MessageType, error)
}

// ============================================================================
// TextCodec - raw text frames
// ============================================================================

// TextCodec passes text frames through untouched. WSTransport uses it so
// that decoding stays with the protocol client.
type TextCodec struct{}

// Decode returns the frame as is, rejecting binary frames.
func (c *TextCodec) Decode(data []byte, msgType MessageType) ([]byte, error) {
	if msgType == BinaryMessage {
		return nil, ErrBinaryFrame
	}
	return data, nil
}

// Encode sends data as a single text frame.
func (c *TextCodec) Encode(msg []byte) ([]byte, MessageType, error) {
	return msg, TextMessage, nil
}

// ============================================================================
// JSONCodec - Untyped JSON for dynamic messages
// ============================================================================

// JSONCodec handles encoding/decoding of arbitrary JSON messages.
type JSONCodec struct{}

// Decode unmarshals JSON data into an untyped any value.
func (c *JSONCodec) Decode(data []byte, msgType MessageType) (any, error) {
	var out any
	if msgType == BinaryMessage {
		return out, ErrBinaryFrame
	}
	err := json.Unmarshal(data, &out)
	return out, err
}

// Encode marshals any value to JSON bytes.
func (c *JSONCodec) Encode(msg any) ([]byte, MessageType, error) {
	data, err := json.Marshal(msg)
	return data, TextMessage, err
}

// ============================================================================
// TypedJSONCodec - Strongly-typed JSON messages
// ============================================================================

// TypedJSONCodec handles encoding/decoding of strongly-typed JSON messages.
// The test peer uses it with goutils StrMap frames on both sides.
type TypedJSONCodec[I any, O any] struct{}

// Decode unmarshals JSON data into a typed value.
func (c *TypedJSONCodec[I, O]) Decode(data []byte, msgType MessageType) (I, error) {
	var out I
	if msgType == BinaryMessage {
		return out, ErrBinaryFrame
	}
	err := json.Unmarshal(data, &out)
	return out, err
}

// Encode marshals a typed value to JSON bytes.
func (c *TypedJSONCodec[I, O]) Encode(msg O) ([]byte, MessageType, error) {
	data, err := json.Marshal(msg)
	return data, TextMessage, err
}

// ============================================================================
// Compile-time interface compliance checks
// ============================================================================

var (
	_ Codec[[]byte, []byte] = (*TextCodec)(nil)
	_ Codec[any, any]       = (*JSONCodec)(nil)
	_ Codec[any, any]       = (*TypedJSONCodec[any, any])(nil)
)
