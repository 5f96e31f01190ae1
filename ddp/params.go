package ddp

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ErrNoResult is returned when decoding a result the peer did not send.
var ErrNoResult = errors.New("ddp: no result")

// ProtoParam converts a protobuf message into a JSON value usable as a
// method or subscription parameter, using the protojson mapping.
func ProtoParam(msg proto.Message) (any, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}

	// Convert to a plain value so it encodes inline with the other params
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeProtoResult decodes a method result into a protobuf message.
func DecodeProtoResult(result json.RawMessage, out proto.Message) error {
	if len(result) == 0 {
		return ErrNoResult
	}
	return protojson.Unmarshal(result, out)
}

// DecodeResult decodes a method result with encoding/json.
func DecodeResult(result json.RawMessage, out any) error {
	if len(result) == 0 {
		return ErrNoResult
	}
	return json.Unmarshal(result, out)
}
