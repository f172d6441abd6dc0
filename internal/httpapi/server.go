package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"csms/internal/ledger"
	"csms/internal/session"
	"csms/internal/signing"
)

// Server hosts the websocket endpoint plus a read-only operations API
// over the live protocol engine.
type Server struct {
	Sessions *session.Manager
	Ledger   *ledger.Ledger
	Signing  *signing.Workflow
	WS       http.HandlerFunc
}

func NewServer(sessions *session.Manager, ldg *ledger.Ledger, signing *signing.Workflow, ws http.HandlerFunc) *Server {
	return &Server{Sessions: sessions, Ledger: ldg, Signing: signing, WS: ws}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/ocpp/{stationId}", s.WS)

	r.Get("/v1/stations", s.ListStations)
	r.Get("/v1/stations/{stationId}", s.GetStation)
	r.Get("/v1/stations/{stationId}/transactions", s.ListTransactions)
	r.Get("/v1/transactions/{transactionId}", s.GetTransaction)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func (s *Server) ListStations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sessions.All())
}

func (s *Server) GetStation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	sess := s.Sessions.Get(id)
	if sess == nil {
		http.NotFound(w, r)
		return
	}

	out := map[string]any{"session": sess.Snapshot()}
	if req, ok := s.Signing.Pending(id); ok {
		out["pendingSigning"] = req
	}
	writeJSON(w, out)
}

func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	writeJSON(w, s.Ledger.ListByStation(id))
}

func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "transactionId"))
	if err != nil {
		http.Error(w, "bad transaction id", http.StatusBadRequest)
		return
	}
	tx, ok := s.Ledger.Find(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, tx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
