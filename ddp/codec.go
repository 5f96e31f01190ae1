package ddp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Message Types - the "msg" discriminator
// ============================================================================

// Outgoing (client → peer)
const (
	MsgConnect = "connect"
	MsgMethod  = "method"
	MsgSub     = "sub"
	MsgUnsub   = "unsub"
	MsgPong    = "pong"
)

// Inbound (peer → client)
const (
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgResult    = "result"
	MsgNosub     = "nosub"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgReady     = "ready"
	MsgPing      = "ping"
)

// ============================================================================
// Commands
// ============================================================================

// Command is an outgoing frame.
type Command interface {
	msg() string
}

// ConnectCommand opens the protocol session.
type ConnectCommand struct {
	Version string
	Support []string
}

// MethodCommand invokes a remote method.
type MethodCommand struct {
	ID     string
	Method string
	Params []any
}

// SubCommand starts a subscription.
type SubCommand struct {
	ID     string
	Name   string
	Params []any
}

// UnsubCommand stops a subscription.
type UnsubCommand struct {
	ID string
}

// PongCommand answers a ping from the peer.
type PongCommand struct {
	ID string
}

func (ConnectCommand) msg() string { return MsgConnect }
func (MethodCommand) msg() string  { return MsgMethod }
func (SubCommand) msg() string     { return MsgSub }
func (UnsubCommand) msg() string   { return MsgUnsub }
func (PongCommand) msg() string    { return MsgPong }

// wireCommand is the JSON shape of every outgoing frame.
type wireCommand struct {
	Msg     string   `json:"msg"`
	ID      string   `json:"id,omitempty"`
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
	Method  string   `json:"method,omitempty"`
	Name    string   `json:"name,omitempty"`
	Params  *[]any   `json:"params,omitempty"`
}

// ============================================================================
// Events
// ============================================================================

// Event is a decoded inbound frame. Which fields are set depends on Msg.
type Event struct {
	Msg        string          `json:"msg"`
	ID         string          `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Version    string          `json:"version,omitempty"`
	Error      *RemoteError    `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     map[string]any  `json:"fields,omitempty"`
	Cleared    []string        `json:"cleared,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
}

// Err returns the event's remote error as an error value, or nil.
func (e *Event) Err() error {
	if e.Error == nil {
		return nil
	}
	return e.Error
}

var (
	errMissingID         = errors.New("missing id")
	errMissingCollection = errors.New("missing collection")
)

// ============================================================================
// Codec
// ============================================================================

// Codec converts commands to JSON text frames and inbound frames to Events.
type Codec struct{}

// Encode marshals a command into a frame.
func (c *Codec) Encode(cmd Command) ([]byte, error) {
	out := wireCommand{Msg: cmd.msg()}
	switch cmd := cmd.(type) {
	case ConnectCommand:
		out.Version = cmd.Version
		out.Support = cmd.Support
	case MethodCommand:
		out.ID = cmd.ID
		out.Method = cmd.Method
		out.Params = paramsOf(cmd.Params)
	case SubCommand:
		out.ID = cmd.ID
		out.Name = cmd.Name
		out.Params = paramsOf(cmd.Params)
	case UnsubCommand:
		out.ID = cmd.ID
	case PongCommand:
		out.ID = cmd.ID
	default:
		return nil, fmt.Errorf("ddp: unsupported command %T", cmd)
	}
	return json.Marshal(out)
}

// params are always sent as an array, even when empty
func paramsOf(params []any) *[]any {
	if params == nil {
		params = []any{}
	}
	return &params
}

// Decode parses an inbound frame. Frames without a known "msg" yield
// ErrUnrecognized; malformed frames yield a *DecodeError.
func (c *Codec) Decode(data []byte) (*Event, error) {
	// the kind is checked first so unknown kinds never fail on their fields
	var envelope struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Frame: data, Err: err}
	}
	switch envelope.Msg {
	case MsgConnected, MsgFailed, MsgReady, MsgPing, MsgResult, MsgNosub,
		MsgAdded, MsgChanged, MsgRemoved:
	default:
		return nil, ErrUnrecognized
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &DecodeError{Msg: envelope.Msg, Frame: data, Err: err}
	}
	switch ev.Msg {
	case MsgConnected, MsgFailed, MsgReady, MsgPing:
	case MsgResult, MsgNosub:
		if ev.ID == "" {
			return nil, &DecodeError{Msg: ev.Msg, Frame: data, Err: errMissingID}
		}
	case MsgAdded, MsgChanged, MsgRemoved:
		if ev.Collection == "" {
			return nil, &DecodeError{Msg: ev.Msg, Frame: data, Err: errMissingCollection}
		}
		if ev.ID == "" {
			return nil, &DecodeError{Msg: ev.Msg, Frame: data, Err: errMissingID}
		}
	}
	return &ev, nil
}
