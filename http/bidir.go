package http

import "time"

// BiDirStreamConfig controls heartbeats and dead connection detection,
// shared by the server (WSConnConfig) and the client (WSTransportConfig).
type BiDirStreamConfig struct {
	// PingPeriod is how often a heartbeat is sent to the remote end.
	// The server sends DDP ping frames; the client sends WebSocket ping
	// control frames.
	// Default: 30 seconds.
	PingPeriod time.Duration

	// PongPeriod is the longest silence tolerated from the remote end. Any
	// inbound data, including a pong, resets it.
	// Default: 300 seconds (5 minutes).
	PongPeriod time.Duration
}

// DefaultBiDirStreamConfig returns a BiDirStreamConfig with sensible defaults:
//   - PingPeriod: 30 seconds
//   - PongPeriod: 300 seconds (5 minutes)
//
// Tests usually want much shorter periods.
func DefaultBiDirStreamConfig() *BiDirStreamConfig {
	return &BiDirStreamConfig{
		PingPeriod: time.Second * 30,
		PongPeriod: time.Second * 300,
	}
}

// BiDirStreamConn is the lifecycle of one server side connection handling
// messages of type I.
//
// The typical lifecycle is:
//  1. Connection established, OnStart() called (see WSConn)
//  2. Messages received and processed via HandleMessage()
//  3. Periodic SendPing() calls to keep the client honest
//  4. On errors, OnError() decides whether the connection continues
//  5. On timeout (nothing received within PongPeriod), OnTimeout() is called
//  6. Connection ends, OnClose() is called for cleanup
type BiDirStreamConn[I any] interface {
	// SendPing sends a heartbeat to the remote end.
	SendPing() error

	// Name returns an optional human-readable name for logging.
	Name() string

	// ConnId returns a unique identifier for this connection instance.
	ConnId() string

	// HandleMessage processes one incoming message.
	// Return an error to close the connection.
	HandleMessage(msg I) error

	// OnError is called when reading or decoding fails.
	// Return nil to continue, or an error to close the connection.
	OnError(err error) error

	// OnClose is called once when the connection is closing for any reason.
	OnClose()

	// OnTimeout is called when nothing has been received within PongPeriod.
	// Return true to close the connection, false to keep waiting.
	OnTimeout() bool
}
