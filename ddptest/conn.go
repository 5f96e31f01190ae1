package ddptest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	gohttp "github.com/panyam/ddpkit/http"
)

// PeerConn is one client connection to a Peer.
type PeerConn struct {
	gohttp.BaseConn[Frame, Frame]
	peer *Peer

	// only touched from the connection's read loop
	session string
	subs    map[string]string
}

// OnStart registers the connection's writer with the peer's fanout.
func (c *PeerConn) OnStart(conn *websocket.Conn) error {
	if err := c.BaseConn.OnStart(conn); err != nil {
		return err
	}
	c.peer.fanout.Add(c.Writer.InputChan(), nil, false)

	c.peer.mu.Lock()
	c.peer.conns[c.ConnId()] = c
	c.peer.mu.Unlock()
	return nil
}

// OnClose removes the connection from the fanout before stopping its writer.
func (c *PeerConn) OnClose() {
	<-c.peer.fanout.Remove(c.Writer.InputChan(), true)

	c.peer.mu.Lock()
	delete(c.peer.conns, c.ConnId())
	c.peer.mu.Unlock()
	c.BaseConn.OnClose()
}

// OnError keeps the connection open for frames that are not JSON text.
func (c *PeerConn) OnError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.Is(err, gohttp.ErrBinaryFrame) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		c.SendError(fmt.Errorf("bad request: %w", err))
		return nil
	}
	return err
}

// HandleMessage answers one client frame.
func (c *PeerConn) HandleMessage(msg Frame) error {
	kind, _ := msg["msg"].(string)
	if kind != "connect" && c.session == "" && kind != "ping" && kind != "pong" {
		c.SendError(errors.New("must connect first"))
		return nil
	}

	switch kind {
	case "connect":
		c.handleConnect(msg)
	case "method":
		c.handleMethod(msg)
	case "sub":
		c.handleSub(msg)
	case "unsub":
		id, _ := msg["id"].(string)
		delete(c.subs, id)
		c.SendOutput(Frame{"msg": "nosub", "id": id})
	case "ping":
		pong := Frame{"msg": "pong"}
		if id, ok := msg["id"].(string); ok {
			pong["id"] = id
		}
		c.SendOutput(pong)
	case "pong":
		id, _ := msg["id"].(string)
		c.peer.mu.Lock()
		c.peer.pongs = append(c.peer.pongs, id)
		c.peer.mu.Unlock()
	default:
		glog.Warningf("[ddptest] %s: unknown message %q", c.ConnId(), kind)
		c.SendError(fmt.Errorf("unknown message %q", kind))
	}
	return nil
}

func (c *PeerConn) handleConnect(msg Frame) {
	proposed, _ := msg["version"].(string)
	var support []string
	if list, ok := msg["support"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				support = append(support, s)
			}
		}
	}

	version, ok := c.peer.negotiate(proposed, support)
	if !ok {
		logf("%s: refusing version %q, suggesting %q", c.ConnId(), proposed, version)
		c.SendOutput(Frame{"msg": "failed", "version": version})
		return
	}
	c.session = c.ConnId()
	logf("%s: connected with version %s", c.ConnId(), version)
	c.SendOutput(Frame{"msg": "connected", "session": c.session})
}

func (c *PeerConn) handleMethod(msg Frame) {
	id, _ := msg["id"].(string)
	name, _ := msg["method"].(string)
	params, _ := msg["params"].([]any)

	result := Frame{"msg": "result", "id": id}
	if fn := c.peer.method(name); fn == nil {
		result["error"] = remoteError(404, fmt.Sprintf("Method '%s' not found", name))
	} else if value, err := fn(params); err != nil {
		result["error"] = errorFor(err)
	} else if value != nil {
		result["result"] = value
	}
	c.SendOutput(result)
	c.SendOutput(Frame{"msg": "updated", "methods": []string{id}})
}

func (c *PeerConn) handleSub(msg Frame) {
	id, _ := msg["id"].(string)
	name, _ := msg["name"].(string)
	params, _ := msg["params"].([]any)

	fn := c.peer.publication(name)
	if fn == nil {
		c.SendOutput(Frame{"msg": "nosub", "id": id,
			"error": remoteError(404, fmt.Sprintf("Subscription '%s' not found", name))})
		return
	}
	docs, err := fn(params)
	if err != nil {
		c.SendOutput(Frame{"msg": "nosub", "id": id, "error": errorFor(err)})
		return
	}
	c.subs[id] = name
	for _, doc := range docs {
		frame := Frame{"msg": "added", "collection": doc.Collection, "id": doc.ID}
		if doc.Fields != nil {
			frame["fields"] = doc.Fields
		}
		c.SendOutput(frame)
	}
	c.SendOutput(Frame{"msg": "ready", "subs": []string{id}})
}
