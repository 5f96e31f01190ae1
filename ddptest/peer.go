// Package ddptest provides a scriptable DDP peer for tests and demos.
//
// A Peer answers the handshake, runs registered methods, publishes documents
// for registered subscriptions and can push frames to every connected client:
//
//	peer := ddptest.NewPeer()
//	peer.Method("add", func(params []any) (any, error) { ... })
//	peer.Publish("todos", func(params []any) ([]ddptest.Doc, error) { ... })
//	srv := ddptest.NewServer(peer)
//	defer srv.Close()
//	client, err := gohttp.Dial(ctx, ddptest.URL(srv), nil, nil)
package ddptest

import (
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/golang/glog"
	gohttp "github.com/panyam/ddpkit/http"
	conc "github.com/panyam/gocurrent"
	gut "github.com/panyam/goutils/utils"
	"google.golang.org/grpc/status"
)

// Frame is one DDP message as seen by the peer.
type Frame = gut.StrMap

// Doc is one document published by a subscription.
type Doc struct {
	Collection string
	ID         string
	Fields     gut.StrMap
}

// MethodFunc implements a remote method. A grpc status error is reported
// to the caller with the matching HTTP style code.
type MethodFunc func(params []any) (any, error)

// PublishFunc returns the initial documents of a subscription.
type PublishFunc func(params []any) ([]Doc, error)

// Peer is the server side of the protocol. It implements
// gohttp.WSHandler for PeerConn.
type Peer struct {
	// Versions lists the protocol versions the peer speaks, most preferred
	// first. Default: ["1", "pre2", "pre1"].
	Versions []string

	// Config controls the upgrader and heartbeats. Default: gohttp.DefaultWSConnConfig.
	Config *gohttp.WSConnConfig

	mu           sync.Mutex
	methods      map[string]MethodFunc
	publications map[string]PublishFunc
	conns        map[string]*PeerConn
	pongs        []string
	fanout       *conc.FanOut[gohttp.OutgoingMessage[Frame]]
}

// NewPeer creates a Peer with no methods or publications.
func NewPeer() *Peer {
	return &Peer{
		Versions:     []string{"1", "pre2", "pre1"},
		methods:      map[string]MethodFunc{},
		publications: map[string]PublishFunc{},
		conns:        map[string]*PeerConn{},
		fanout:       conc.NewFanOut[gohttp.OutgoingMessage[Frame]](),
	}
}

// Method registers a remote method.
func (p *Peer) Method(name string, fn MethodFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[name] = fn
}

// Publish registers a subscription.
func (p *Peer) Publish(name string, fn PublishFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publications[name] = fn
}

// Broadcast sends a frame to every connected client.
func (p *Peer) Broadcast(frame Frame) {
	p.fanout.Send(gohttp.OutgoingMessage[Frame]{Data: &frame})
}

// Added broadcasts an added message.
func (p *Peer) Added(collection, id string, fields gut.StrMap) {
	p.Broadcast(Frame{"msg": "added", "collection": collection, "id": id, "fields": fields})
}

// Changed broadcasts a changed message.
func (p *Peer) Changed(collection, id string, fields gut.StrMap, cleared []string) {
	frame := Frame{"msg": "changed", "collection": collection, "id": id}
	if fields != nil {
		frame["fields"] = fields
	}
	if len(cleared) > 0 {
		frame["cleared"] = cleared
	}
	p.Broadcast(frame)
}

// Removed broadcasts a removed message.
func (p *Peer) Removed(collection, id string) {
	p.Broadcast(Frame{"msg": "removed", "collection": collection, "id": id})
}

// Pongs returns the ids of the pongs received so far, from every connection.
func (p *Peer) Pongs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pongs...)
}

// Connections returns the number of connected clients.
func (p *Peer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// DebugInfo describes every open connection.
func (p *Peer) DebugInfo() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := gut.StrMap{}
	for id, conn := range p.conns {
		out[id] = conn.DebugInfo()
	}
	return out
}

// Handler returns the WebSocket endpoint of the peer.
func (p *Peer) Handler() http.HandlerFunc {
	return gohttp.WSServe[Frame, *PeerConn](p, p.Config)
}

// Validate implements gohttp.WSHandler. Every request is accepted.
func (p *Peer) Validate(w http.ResponseWriter, r *http.Request) (*PeerConn, bool) {
	return &PeerConn{
		BaseConn: gohttp.BaseConn[Frame, Frame]{
			Codec:   &gohttp.TypedJSONCodec[Frame, Frame]{},
			NameStr: "PeerConn",
		},
		peer: p,
		subs: map[string]string{},
	}, true
}

func (p *Peer) method(name string) MethodFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.methods[name]
}

func (p *Peer) publication(name string) PublishFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publications[name]
}

// negotiate picks the version to use for a client proposing version and
// supporting support. ok is false when the proposal must be refused, in which
// case version is the one to suggest.
func (p *Peer) negotiate(proposed string, support []string) (version string, ok bool) {
	if slices.Contains(p.Versions, proposed) {
		return proposed, true
	}
	for _, v := range support {
		if slices.Contains(p.Versions, v) {
			return v, false
		}
	}
	return p.Versions[0], false
}

// remoteError builds a DDP error object, the way Meteor does.
func remoteError(code int, reason string) gut.StrMap {
	return gut.StrMap{
		"error":     code,
		"reason":    reason,
		"message":   fmt.Sprintf("%s [%d]", reason, code),
		"errorType": "Meteor.Error",
	}
}

func errorFor(err error) gut.StrMap {
	reason := err.Error()
	if st, ok := status.FromError(err); ok {
		reason = st.Message()
	}
	return remoteError(gohttp.ErrorToHttpCode(err), reason)
}

func logf(format string, args ...any) {
	glog.V(1).Infof("[ddptest] "+format, args...)
}
