package ddp

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/glog"
)

// transportEvents is the TransportHandler a Client hands to its transport.
type transportEvents struct {
	c *Client
}

func (t transportEvents) OnOpen() {
	c := t.c
	c.mu.Lock()
	defer c.unlock()
	if c.state != Connecting || c.opened {
		return
	}
	c.opened = true
	err := c.send(ConnectCommand{Version: c.config.Version, Support: c.config.Support})
	if err != nil {
		glog.Warningf("[%s] cannot send connect: %v", c.config.Name, err)
	}
}

func (t transportEvents) OnMessage(data []byte) {
	c := t.c
	c.mu.Lock()
	defer c.unlock()
	c.metrics.IncrementReceived()

	// Nothing is processed before the transport opened or after the session ended
	if c.state.Terminal() || c.state == Disconnected || !c.opened {
		c.metrics.IncrementDropped()
		glog.V(2).Infof("[%s] <- dropped while %s: %s", c.config.Name, c.state, data)
		return
	}

	ev, err := c.codec.Decode(data)
	if err != nil {
		if errors.Is(err, ErrUnrecognized) {
			c.metrics.IncrementDropped()
			glog.V(2).Infof("[%s] <- unrecognized: %s", c.config.Name, data)
		} else {
			c.metrics.IncrementDecodeErrors()
			glog.Warningf("[%s] <- %v", c.config.Name, err)
		}
		return
	}
	glog.V(2).Infof("[%s] <- %s", c.config.Name, data)
	c.dispatch(ev)
}

func (t transportEvents) OnError(err error) {
	c := t.c
	c.mu.Lock()
	defer c.unlock()
	if c.state.Terminal() {
		return
	}
	glog.Infof("[%s] transport error: %v", c.config.Name, err)
	c.setState(Closed, Status{Err: &TransportError{Err: err}})
}

func (t transportEvents) OnClose() {
	c := t.c
	c.mu.Lock()
	defer c.unlock()
	if c.state.Terminal() {
		return
	}
	c.setState(Closed, Status{Err: &TransportError{Err: ErrTransportClosed}})
}

// dispatch routes one decoded event. Called with c.mu held.
func (c *Client) dispatch(ev *Event) {
	switch ev.Msg {
	case MsgConnected:
		if c.state != Connecting {
			glog.V(1).Infof("[%s] connected while %s, ignored", c.config.Name, c.state)
			return
		}
		c.session = ev.Session
		c.metrics.ConnectedAt = time.Now()
		if cb := c.onConnected; cb != nil {
			c.onConnected = nil
			c.enqueue(cb)
		}
		c.setState(Connected, Status{Session: ev.Session})

	case MsgFailed:
		glog.Infof("[%s] connection failed: reason=%q version=%q", c.config.Name, ev.Reason, ev.Version)
		err := &TransportError{Reason: ev.Reason, Version: ev.Version}
		c.setState(Failed, Status{Reason: ev.Reason, Version: ev.Version, Err: err})
		c.enqueue(func() { c.transport.Close() })

	case MsgResult:
		c.resolve(ev.ID, CallOp, ev.Result, ev.Err())

	case MsgNosub:
		err := ev.Err()
		if err == nil {
			err = ErrSubscriptionStopped
		}
		c.resolve(ev.ID, SubscriptionOp, nil, err)

	case MsgReady:
		for _, id := range ev.Subs {
			c.resolve(id, SubscriptionOp, nil, nil)
		}

	case MsgAdded:
		c.store.ApplyAdded(ev.Collection, ev.ID, ev.Fields)

	case MsgChanged:
		c.store.ApplyChanged(ev.Collection, ev.ID, ev.Fields, ev.Cleared)

	case MsgRemoved:
		c.store.ApplyRemoved(ev.Collection, ev.ID)

	case MsgPing:
		if err := c.send(PongCommand{ID: ev.ID}); err != nil {
			glog.Warningf("[%s] cannot send pong: %v", c.config.Name, err)
		}
	}
}

// resolve completes a pending operation of the expected kind. Responses for
// unknown ids, or for an operation of the other kind, are dropped.
func (c *Client) resolve(id string, kind OpKind, result json.RawMessage, err error) {
	if pending, ok := c.registry.Lookup(id); !ok || pending != kind {
		glog.V(2).Infof("[%s] no pending %s for id %q", c.config.Name, kind, id)
		return
	}
	c.registry.Resolve(id, result, err)
}
