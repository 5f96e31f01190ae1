// Command ddppeer serves a small DDP peer for trying out clients.
//
// It publishes a "clock" collection that ticks every second, a "notes"
// collection that can be edited through methods, and a /publish endpoint
// that broadcasts a note to every connected client.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/panyam/ddpkit/ddptest"
	gohttp "github.com/panyam/ddpkit/http"
	gut "github.com/panyam/goutils/utils"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const PeerVersion = "0.0.1"

// notes is the state behind the "notes" publication.
type notes struct {
	mu   sync.Mutex
	byID map[string]gut.StrMap
	peer *ddptest.Peer
}

func (n *notes) add(params []any) (any, error) {
	if len(params) != 1 {
		return nil, status.Error(codes.InvalidArgument, "notes.add takes one text argument")
	}
	text, ok := params[0].(string)
	if !ok || text == "" {
		return nil, status.Error(codes.InvalidArgument, "note text must be a non empty string")
	}
	id := ulid.Make().String()
	fields := gut.StrMap{"text": text, "createdAt": time.Now().UTC().Format(time.RFC3339)}

	n.mu.Lock()
	n.byID[id] = fields
	n.mu.Unlock()
	n.peer.Added("notes", id, fields)
	return id, nil
}

func (n *notes) remove(params []any) (any, error) {
	if len(params) != 1 {
		return nil, status.Error(codes.InvalidArgument, "notes.remove takes one id argument")
	}
	id, _ := params[0].(string)

	n.mu.Lock()
	_, exists := n.byID[id]
	delete(n.byID, id)
	n.mu.Unlock()
	if !exists {
		return nil, status.Errorf(codes.NotFound, "no note %q", id)
	}
	n.peer.Removed("notes", id)
	return true, nil
}

func (n *notes) publish(params []any) ([]ddptest.Doc, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.byID))
	for id := range n.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	docs := make([]ddptest.Doc, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, ddptest.Doc{Collection: "notes", ID: id, Fields: n.byID[id]})
	}
	return docs, nil
}

func now() gut.StrMap {
	t := time.Now().UTC()
	return gut.StrMap{"time": t.Format(time.RFC3339), "unix": t.Unix()}
}

func main() {
	usage := `DDP demo peer.

Usage:
    ddppeer [--port=<port>] [--path=<path>] [--ping=<seconds>] [--verbose=<level>]
    ddppeer -h | --help
    ddppeer --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --port=<port>        Port to listen on [default: 3000].
    --path=<path>        WebSocket path [default: websocket].
    --ping=<seconds>     Heartbeat period [default: 30].
    --verbose=<level>    glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PeerVersion)
	if err != nil {
		panic(err)
	}
	port, _ := opts.Int("--port")
	path, _ := opts.String("--path")
	ping, err := opts.Int("--ping")
	if err != nil || ping <= 0 {
		ping = 30
	}
	verbose, _ := opts.String("--verbose")

	flag.Set("logtostderr", "true")
	flag.Set("v", verbose)

	peer := ddptest.NewPeer()
	peer.Config = gohttp.DefaultWSConnConfig()
	peer.Config.PingPeriod = time.Duration(ping) * time.Second

	n := &notes{byID: map[string]gut.StrMap{}, peer: peer}
	peer.Method("notes.add", n.add)
	peer.Method("notes.remove", n.remove)
	peer.Method("now", func(params []any) (any, error) {
		return now(), nil
	})
	peer.Publish("notes", n.publish)
	peer.Publish("clock", func(params []any) ([]ddptest.Doc, error) {
		return []ddptest.Doc{{Collection: "clock", ID: "now", Fields: now()}}, nil
	})

	// Tick the clock every second
	go func() {
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for range t.C {
			peer.Changed("clock", "now", now(), nil)
		}
	}()

	r := ddptest.NewRouter(peer)
	r.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("msg")
		id, err := n.add([]any{text})
		gohttp.SendJsonResponse(w, gut.StrMap{"id": id}, err)
	})
	if path != gohttp.DefaultPath {
		r.HandleFunc("/"+path, peer.Handler())
	}

	addr := ":" + strconv.Itoa(port)
	glog.Infof("Serving DDP on %s", gohttp.EndpointURL("localhost", port, path, false))
	srv := http.Server{Addr: addr, Handler: r}
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
