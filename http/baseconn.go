package http

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
	gut "github.com/panyam/goutils/utils"
)

// OutgoingMessage represents any frame that can be sent over the WebSocket.
// Pings, errors and data frames all go through the same Writer, avoiding
// concurrent writes on the connection.
type OutgoingMessage[O any] struct {
	// Data is a regular output message (mutually exclusive with Ping/Error)
	Data *O

	// Ping is a heartbeat (mutually exclusive with Data/Error)
	Ping *PingData

	// Error is a protocol error (mutually exclusive with Data/Ping)
	Error error
}

// PingData identifies one heartbeat.
type PingData struct {
	PingId int64
	ConnId string
}

// ID is the id carried by the DDP ping frame. The peer echoes it in its pong.
func (p *PingData) ID() string {
	return fmt.Sprintf("%s-%d", p.ConnId, p.PingId)
}

// BaseConn is the server side of one DDP WebSocket connection. It separates
// the transport from encoding: frames are decoded and encoded by Codec and
// every write is serialized through Writer.
//
// Type parameters:
//   - I: Input message type (received from the client)
//   - O: Output message type (sent to the client)
//
// Embed it and override HandleMessage:
//
//	type PeerConn struct {
//	    gohttp.BaseConn[gut.StrMap, gut.StrMap]
//	}
//
//	func (c *PeerConn) HandleMessage(msg gut.StrMap) error {
//	    // msg is already decoded
//	    return nil
//	}
type BaseConn[I any, O any] struct {
	// Codec handles message encoding/decoding.
	// Must be set before the connection is used.
	Codec Codec[I, O]

	// Writer serializes all outgoing frames: data, pings and errors.
	// Initialized in OnStart.
	Writer *conc.Writer[OutgoingMessage[O]]

	// NameStr is an optional human-readable name for this connection.
	NameStr string

	// ConnIdStr is a unique identifier for this connection.
	// Auto-generated if not set.
	ConnIdStr string

	// PingId tracks the current ping sequence number.
	PingId int64

	wsConn *websocket.Conn
}

// Name returns the connection name.
func (b *BaseConn[I, O]) Name() string {
	if b.NameStr == "" {
		b.NameStr = "BaseConn"
	}
	return b.NameStr
}

// ConnId returns the connection ID, generating one if not set.
func (b *BaseConn[I, O]) ConnId() string {
	if b.ConnIdStr == "" {
		b.ConnIdStr = gut.RandString(10, "")
	}
	return b.ConnIdStr
}

// DebugInfo returns debug information about the connection.
func (b *BaseConn[I, O]) DebugInfo() any {
	info := gut.StrMap{
		"name":   b.NameStr,
		"connId": b.ConnIdStr,
		"pingId": b.PingId,
	}
	if b.Writer != nil {
		info["writer"] = b.Writer.DebugInfo()
	}
	return info
}

// ReadMessage reads and decodes the next frame from the WebSocket connection.
// Frames that fail to decode are reported as a *CodecError.
func (b *BaseConn[I, O]) ReadMessage(conn *websocket.Conn) (I, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		var zero I
		return zero, err
	}
	glog.V(2).Infof("[%s/%s] <- %s", b.Name(), b.ConnId(), data)
	msg, err := b.Codec.Decode(data, MessageType(msgType))
	if err != nil {
		return msg, &CodecError{Err: err}
	}
	return msg, nil
}

// OnStart initializes the connection after the WebSocket upgrade.
func (b *BaseConn[I, O]) OnStart(conn *websocket.Conn) error {
	glog.V(1).Infof("Starting %s connection: %s", b.Name(), b.ConnId())

	b.wsConn = conn
	b.Writer = conc.NewWriter(func(msg OutgoingMessage[O]) error {
		if msg.Ping != nil {
			return b.writePing(conn, msg.Ping)
		} else if msg.Error != nil {
			if msg.Error == io.EOF {
				glog.V(1).Infof("[%s/%s] stream closed", b.Name(), b.ConnId())
				return nil
			}
			return b.writeError(conn, msg.Error)
		} else if msg.Data != nil {
			return b.writeMessage(conn, *msg.Data)
		}
		return nil
	})
	return nil
}

func (b *BaseConn[I, O]) writeMessage(conn *websocket.Conn, msg O) error {
	data, msgType, err := b.Codec.Encode(msg)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[%s/%s] -> %s", b.Name(), b.ConnId(), data)
	return conn.WriteMessage(int(msgType), data)
}

// writeError sends a DDP error frame. It is not tied to any method or
// subscription; clients log and drop it.
func (b *BaseConn[I, O]) writeError(conn *websocket.Conn, err error) error {
	data, _ := json.Marshal(gut.StrMap{
		"msg":    "error",
		"reason": err.Error(),
	})
	return conn.WriteMessage(websocket.TextMessage, data)
}

// writePing sends a DDP ping frame. A well behaved client answers with a
// pong carrying the same id.
func (b *BaseConn[I, O]) writePing(conn *websocket.Conn, ping *PingData) error {
	data, _ := json.Marshal(gut.StrMap{
		"msg": "ping",
		"id":  ping.ID(),
	})
	glog.V(2).Infof("[%s/%s] -> %s", b.Name(), b.ConnId(), data)
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendPing queues a heartbeat through the Writer.
func (b *BaseConn[I, O]) SendPing() error {
	b.PingId++
	if b.Writer != nil {
		b.Writer.Send(OutgoingMessage[O]{
			Ping: &PingData{
				PingId: b.PingId,
				ConnId: b.ConnId(),
			},
		})
	}
	return nil
}

// HandleMessage processes an incoming message.
// Default implementation just logs; override in embedding struct.
func (b *BaseConn[I, O]) HandleMessage(msg I) error {
	glog.V(1).Infof("[%s/%s] unhandled message: %v", b.Name(), b.ConnId(), msg)
	return nil
}

// OnError handles connection errors.
// Return nil to suppress the error and continue, or return the error to close.
func (b *BaseConn[I, O]) OnError(err error) error {
	return err
}

// OnClose stops the Writer.
func (b *BaseConn[I, O]) OnClose() {
	if b.Writer != nil {
		b.Writer.Stop()
	}
	glog.V(1).Infof("Closed %s connection: %s", b.Name(), b.ConnId())
}

// OnTimeout handles read timeout.
// Return true to close the connection, false to keep it alive.
func (b *BaseConn[I, O]) OnTimeout() bool {
	return true
}

// SendOutput queues a typed output message for the client.
func (b *BaseConn[I, O]) SendOutput(msg O) {
	if b.Writer != nil {
		b.Writer.Send(OutgoingMessage[O]{Data: &msg})
	}
}

// SendError queues a DDP error frame for the client.
func (b *BaseConn[I, O]) SendError(err error) {
	if b.Writer != nil {
		b.Writer.Send(OutgoingMessage[O]{Error: err})
	}
}

// InputChan returns the Writer's input channel for use with FanOut.
func (b *BaseConn[I, O]) InputChan() chan<- OutgoingMessage[O] {
	if b.Writer != nil {
		return b.Writer.InputChan()
	}
	return nil
}
