package http

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
)

// WSConn is the server side of one WebSocket connection handling messages
// of type I. Implementations typically embed BaseConn[I, O] and override
// HandleMessage.
type WSConn[I any] interface {
	BiDirStreamConn[I]

	// ReadMessage reads and decodes the next message. WSHandleConn calls it
	// in a loop from a single reader goroutine.
	// A *CodecError leaves the connection open; any other error ends it.
	ReadMessage(w *websocket.Conn) (I, error)

	// OnStart is called once the WebSocket connection is established.
	// Return an error to close the connection.
	OnStart(conn *websocket.Conn) error
}

// WSHandler validates HTTP requests and creates WebSocket connections.
//
// Type parameters:
//   - I: The input message type that the connection will handle
//   - S: The specific WSConn implementation type (must implement WSConn[I])
type WSHandler[I any, S WSConn[I]] interface {
	// Validate checks if the HTTP request should be upgraded to a WebSocket.
	// Return (connection, true) to proceed with the upgrade.
	// Return (nil, false) to reject (the handler should write the error response).
	Validate(w http.ResponseWriter, r *http.Request) (S, bool)
}

// WSConnConfig combines BiDirStreamConfig with the server upgrader.
type WSConnConfig struct {
	*BiDirStreamConfig
	// Upgrader handles the HTTP to WebSocket protocol upgrade.
	Upgrader websocket.Upgrader
}

// DefaultWSConnConfig returns a WSConnConfig with 1KB buffers, all origins
// allowed and the default heartbeat periods.
func DefaultWSConnConfig() *WSConnConfig {
	return &WSConnConfig{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		BiDirStreamConfig: DefaultBiDirStreamConfig(),
	}
}

// WSServe creates an http.HandlerFunc that upgrades HTTP requests to WebSocket
// connections and manages their lifecycle. If config is nil,
// DefaultWSConnConfig is used.
//
// Example:
//
//	router.HandleFunc("/websocket", gohttp.WSServe[gut.StrMap](peer, nil))
//
// The lifecycle is:
//  1. handler.Validate() is called to check the request
//  2. If valid, the connection is upgraded to WebSocket
//  3. conn.OnStart() is called to initialize the connection
//  4. Messages are read and passed to conn.HandleMessage()
//  5. On close, conn.OnClose() is called for cleanup
func WSServe[I any, S WSConn[I]](handler WSHandler[I, S], config *WSConnConfig) http.HandlerFunc {
	if config == nil {
		config = DefaultWSConnConfig()
	}
	return func(rw http.ResponseWriter, req *http.Request) {
		ctx, isValid := handler.Validate(rw, req)
		if !isValid {
			return
		}

		conn, err := config.Upgrader.Upgrade(rw, req, nil)
		if err != nil {
			// the upgrader has already written the error response
			glog.Warningf("WS upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		glog.V(1).Infof("Handling %s connection %s from %s", ctx.Name(), ctx.ConnId(), req.RemoteAddr)
		WSHandleConn(conn, ctx, config)
	}
}

// inbound is one frame handed from the reader goroutine to WSHandleConn.
// Decode failures travel as values so the reader keeps going.
type inbound[I any] struct {
	msg I
	err error
}

// WSHandleConn runs an established WebSocket connection until it closes:
// it sends heartbeats every PingPeriod, gives up after PongPeriod without any
// inbound data, and hands every decoded message to ctx.HandleMessage.
//
// It blocks until the connection is closed or an unrecoverable error occurs.
func WSHandleConn[I any, S WSConn[I]](conn *websocket.Conn, ctx S, config *WSConnConfig) {
	if config == nil {
		config = DefaultWSConnConfig()
	}
	reader := conc.NewReader(func() (inbound[I], error) {
		res, err := ctx.ReadMessage(conn)
		var codecErr *CodecError
		if errors.As(err, &codecErr) {
			return inbound[I]{err: err}, nil
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
			return inbound[I]{}, net.ErrClosed
		}
		return inbound[I]{msg: res}, err
	})
	defer reader.Stop()

	lastReadAt := time.Now()
	pingTimer := time.NewTicker(config.PingPeriod)
	pongChecker := time.NewTicker(config.PongPeriod)
	defer pingTimer.Stop()
	defer pongChecker.Stop()

	defer ctx.OnClose()
	if err := ctx.OnStart(conn); err != nil {
		glog.Warningf("[%s/%s] start failed: %v", ctx.Name(), ctx.ConnId(), err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(config.PongPeriod))
	for {
		select {
		case <-pingTimer.C:
			ctx.SendPing()
		case <-pongChecker.C:
			delta := time.Since(lastReadAt)
			if delta > config.PongPeriod && ctx.OnTimeout() {
				glog.Infof("[%s/%s] nothing heard for %s, closing", ctx.Name(), ctx.ConnId(), delta.Round(time.Second))
				return
			}
		case err := <-reader.ClosedChan():
			if err != nil && err != io.EOF && err != net.ErrClosed {
				glog.Infof("[%s/%s] read stopped: %v", ctx.Name(), ctx.ConnId(), err)
			}
			return
		case result := <-reader.OutputChan():
			conn.SetReadDeadline(time.Now().Add(config.PongPeriod))
			lastReadAt = time.Now()
			if result.Error != nil {
				if result.Error == io.EOF || result.Error == net.ErrClosed {
					return
				}
				if ce, ok := result.Error.(*websocket.CloseError); ok {
					glog.V(1).Infof("[%s/%s] closed by client: %v", ctx.Name(), ctx.ConnId(), ce)
					return
				}
				// the reader stops after any error it returns
				ctx.OnError(result.Error)
				glog.Infof("[%s/%s] closing due to error: %v", ctx.Name(), ctx.ConnId(), result.Error)
				return
			} else if result.Value.err != nil {
				if ctx.OnError(result.Value.err) != nil {
					glog.Infof("[%s/%s] closing due to error: %v", ctx.Name(), ctx.ConnId(), result.Value.err)
					return
				}
			} else if err := ctx.HandleMessage(result.Value.msg); err != nil {
				glog.Infof("[%s/%s] closing, handler failed: %v", ctx.Name(), ctx.ConnId(), err)
				return
			}
		}
	}
}
