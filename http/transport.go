package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/panyam/ddpkit/ddp"
	conc "github.com/panyam/gocurrent"
)

// ErrAlreadyStarted is returned by WSTransport.Start on a second call.
var ErrAlreadyStarted = errors.New("transport already started")

// WSTransportConfig configures the client side of a DDP WebSocket.
type WSTransportConfig struct {
	*BiDirStreamConfig

	// Dialer opens the WebSocket. Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with the upgrade request.
	Header http.Header

	// WriteTimeout bounds every frame write.
	// Default: 10 seconds.
	WriteTimeout time.Duration
}

// DefaultWSTransportConfig returns a WSTransportConfig with the default
// dialer and heartbeat periods.
func DefaultWSTransportConfig() *WSTransportConfig {
	return &WSTransportConfig{
		BiDirStreamConfig: DefaultBiDirStreamConfig(),
		Dialer:            websocket.DefaultDialer,
		WriteTimeout:      10 * time.Second,
	}
}

func (c *WSTransportConfig) withDefaults() *WSTransportConfig {
	def := DefaultWSTransportConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.BiDirStreamConfig == nil {
		out.BiDirStreamConfig = def.BiDirStreamConfig
	}
	if out.Dialer == nil {
		out.Dialer = def.Dialer
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	return &out
}

// WSTransport is a ddp.Transport over a gorilla WebSocket. Inbound frames are
// read by a gocurrent Reader and delivered to the handler from a single
// goroutine, in arrival order. Liveness is checked with WebSocket ping control
// frames; DDP level pings from the peer are answered by the client itself.
type WSTransport struct {
	URL string

	config *WSTransportConfig
	codec  TextCodec

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	done    chan struct{}
}

var _ ddp.Transport = (*WSTransport)(nil)

// NewWSTransport creates a transport for url, which may use the http, https,
// ws or wss scheme. A nil config means DefaultWSTransportConfig.
func NewWSTransport(url string, config *WSTransportConfig) *WSTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		URL:    NormalizeWsUrl(url),
		config: config.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start dials in the background and reports to handler.
func (t *WSTransport) Start(handler ddp.TransportHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	if t.closed {
		return ddp.ErrTransportClosed
	}
	t.started = true
	go t.run(handler)
	return nil
}

// Send writes one text frame. Writes are serialized and bounded by
// WriteTimeout, so a write error is reported to the caller directly.
func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ddp.ErrTransportClosed
	}
	if t.conn == nil {
		return net.ErrClosed
	}
	payload, msgType, err := t.codec.Encode(data)
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	return t.conn.WriteMessage(int(msgType), payload)
}

// Close stops the transport. It does not wait for the connection to wind
// down, so it is safe to call from the handler.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	close(t.done)
	return nil
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WSTransport) run(handler ddp.TransportHandler) {
	defer handler.OnClose()

	glog.V(1).Infof("Dialing %s", t.URL)
	conn, _, err := t.config.Dialer.DialContext(t.ctx, t.URL, t.config.Header)
	if err != nil {
		if !t.isClosed() {
			glog.Infof("Dial %s failed: %v", t.URL, err)
			handler.OnError(err)
		}
		return
	}
	defer conn.Close()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	pongPeriod := t.config.PongPeriod
	conn.SetReadDeadline(time.Now().Add(pongPeriod))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongPeriod))
	})

	// only connection errors leave the read function; the reader stops after one
	reader := conc.NewReader(func() ([]byte, error) {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return nil, err
			}
			frame, err := t.codec.Decode(data, MessageType(msgType))
			if errors.Is(err, ErrBinaryFrame) {
				glog.Warningf("Dropping binary frame from %s", t.URL)
				continue
			}
			return frame, err
		}
	})
	defer reader.Stop()

	handler.OnOpen()

	pingTimer := time.NewTicker(t.config.PingPeriod)
	defer pingTimer.Stop()

	for {
		select {
		case <-t.done:
			glog.V(1).Infof("Closing %s", t.URL)
			t.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			t.mu.Unlock()
			return
		case <-pingTimer.C:
			deadline := time.Now().Add(t.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.V(1).Infof("Ping to %s failed: %v", t.URL, err)
			}
		case err := <-reader.ClosedChan():
			t.readFailed(handler, err)
			return
		case result := <-reader.OutputChan():
			if result.Error != nil {
				t.readFailed(handler, result.Error)
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongPeriod))
			handler.OnMessage(result.Value)
		}
	}
}

// readFailed reports a read error that ended the connection. Normal closes
// and closes we asked for are not errors.
func (t *WSTransport) readFailed(handler ddp.TransportHandler, err error) {
	if err == nil || t.isClosed() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		glog.V(1).Infof("%s closed by peer: %v", t.URL, err)
		return
	}
	glog.Infof("Read from %s failed: %v", t.URL, err)
	handler.OnError(err)
}
