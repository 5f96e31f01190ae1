package ddp

// State is the lifecycle state of a Client.
type State int

const (
	// Disconnected is the initial state; Connect has not been called.
	Disconnected State = iota

	// Connecting means the transport is opening or the connect handshake is in flight.
	Connecting

	// Connected means the peer accepted the handshake; operations may be issued.
	Connected

	// Failed is terminal: the peer refused the connection with a failed message.
	Failed

	// Closed is terminal: the transport ended without a failed message.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Failed || s == Closed
}

// Status is delivered to connection-status observers on every transition.
type Status struct {
	State State

	// Session is the session id from the connected message.
	Session string

	// Reason and Version carry the fields of a failed message.
	Reason  string
	Version string

	// Err is set on the terminal transitions.
	Err error
}

// StatusHandler observes connection state transitions.
type StatusHandler func(Status)

// TransportHandler receives the lifecycle signals of a transport. A transport
// must deliver them from one goroutine at a time, messages in arrival order.
type TransportHandler interface {
	// OnOpen is called once the transport can carry frames.
	OnOpen()

	// OnMessage is called with every inbound text frame.
	OnMessage(data []byte)

	// OnError reports a transport failure. OnClose follows.
	OnError(err error)

	// OnClose is called once when the transport has ended.
	OnClose()
}

// Transport carries text frames between a Client and its peer. The Client
// owns its transport exclusively.
type Transport interface {
	// Start begins opening the transport and reports progress to handler.
	// It must not block until the transport is open.
	Start(handler TransportHandler) error

	// Send hands one frame to the transport. It must not call back into
	// the handler.
	Send(data []byte) error

	// Close shuts the transport down.
	Close() error
}
