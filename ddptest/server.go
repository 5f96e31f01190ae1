package ddptest

import (
	"net/http"
	"net/http/httptest"

	"github.com/gorilla/mux"
	gohttp "github.com/panyam/ddpkit/http"
)

// Path is where NewServer mounts the peer.
const Path = "/" + gohttp.DefaultPath

// NewRouter mounts peer at Path on a new router.
func NewRouter(peer *Peer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(Path, peer.Handler())
	r.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		gohttp.SendJsonResponse(w, peer.DebugInfo(), nil)
	}).Methods("GET")
	return r
}

// NewServer starts an httptest.Server serving peer. Close it when done.
func NewServer(peer *Peer) *httptest.Server {
	return httptest.NewServer(NewRouter(peer))
}

// URL returns the WebSocket URL of the peer behind srv.
func URL(srv *httptest.Server) string {
	return gohttp.NormalizeWsUrl(srv.URL + Path)
}
