// Package statusapi is the coordinator's own read-only HTTP status surface:
// GET /status, GET /topology, and GET /history. Routes on gorilla/mux, each
// wrapped in its own negroni chain; the surface carries no auth since it
// never accepts a mutation.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"

	"github.com/LumeWeb/topology-coordinator/internal/logging"
	"github.com/LumeWeb/topology-coordinator/internal/reconciler"
)

// Server exposes a Reconciler's last-tick view over HTTP.
type Server struct {
	Reconciler *reconciler.Reconciler
	log        *logging.Logger
}

func New(r *reconciler.Reconciler) *Server {
	return &Server{Reconciler: r, log: logging.New("statusapi")}
}

// Handler builds the mux router, wrapping each route in its own negroni
// chain — one negroni.New per path, rather than a single instance for the
// whole router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/status", negroni.New(
		negroni.Wrap(http.HandlerFunc(s.handleStatus)),
	)).Methods(http.MethodGet)
	router.Handle("/topology", negroni.New(
		negroni.Wrap(http.HandlerFunc(s.handleTopology)),
	)).Methods(http.MethodGet)
	router.Handle("/history", negroni.New(
		negroni.Wrap(http.HandlerFunc(s.handleHistory)),
	)).Methods(http.MethodGet)
	return router
}

// ListenAndServe starts the status server and blocks until it errors or is
// shut down.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s.log.Printf(logging.LvlInfo, "status api listening on %s", addr)
	return srv.ListenAndServe()
}

type statusResponse struct {
	TakenAt      time.Time `json:"taken_at"`
	HasMaster    bool      `json:"has_master"`
	Master       string    `json:"master,omitempty"`
	NodeCount    int       `json:"node_count"`
	TicksRun     int64     `json:"ticks_run"`
	Promotions   int64     `json:"promotions"`
	NodesPruned  int64     `json:"nodes_pruned"`
	ProbesFailed int64     `json:"probes_failed"`
	LastTickID   string    `json:"last_tick_id,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.Reconciler.Snapshot()
	ticks, promotions, pruned, probeFailures := s.Reconciler.Metrics()
	writeJSON(w, statusResponse{
		TakenAt:      snap.TakenAt,
		HasMaster:    snap.HasMaster,
		Master:       snap.Master,
		NodeCount:    len(snap.Nodes),
		TicksRun:     ticks,
		Promotions:   promotions,
		NodesPruned:  pruned,
		ProbesFailed: probeFailures,
		LastTickID:   snap.LastTickID,
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Reconciler.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Reconciler.History())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}
