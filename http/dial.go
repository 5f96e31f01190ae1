package http

import (
	"context"

	"github.com/golang/glog"
	"github.com/panyam/ddpkit/ddp"
)

// Dial connects a ddp.Client to url over a WSTransport and waits until the
// peer accepts the handshake. If the peer refuses, the returned error is the
// client's *ddp.TransportError. If ctx ends first the client is closed and
// ctx.Err() returned.
func Dial(ctx context.Context, url string, config *ddp.Config, wsConfig *WSTransportConfig) (*ddp.Client, error) {
	client := ddp.NewClient(NewWSTransport(url, wsConfig), config)
	connected := make(chan struct{})
	if err := client.Connect(func() { close(connected) }); err != nil {
		return nil, err
	}

	select {
	case <-connected:
		glog.V(1).Infof("Connected to %s, session %s", url, client.Session())
		return client, nil
	case <-client.Done():
		return nil, client.Err()
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
}
