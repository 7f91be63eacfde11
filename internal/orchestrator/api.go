package orchestrator

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/aristath/taskrelay/internal/metrics"
	"github.com/aristath/taskrelay/internal/transport"
)

// maxBatch caps the number of queries accepted in one batch request.
const maxBatch = 100

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query          string   `json:"query"`
	SessionID      string   `json:"session_id,omitempty"`
	Clarifications []string `json:"clarifications,omitempty"`
}

// BatchRequest is the body of POST /api/batch.
type BatchRequest struct {
	Queries []string `json:"queries"`
}

// API serves the coordinator endpoints.
type API struct {
	pipeline         *Pipeline
	metrics          *metrics.Metrics
	concurrencyLimit int
	router           *mux.Router
}

// NewAPI creates the coordinator HTTP API. m may be nil.
func NewAPI(p *Pipeline, m *metrics.Metrics, concurrencyLimit int) *API {
	a := &API{
		pipeline:         p,
		metrics:          m,
		concurrencyLimit: concurrencyLimit,
		router:           mux.NewRouter(),
	}
	a.router.HandleFunc("/", a.handleRoot).Methods(http.MethodGet)
	a.router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	a.router.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	a.router.HandleFunc("/api/query", a.handleQuery).Methods(http.MethodPost)
	a.router.HandleFunc("/api/batch", a.handleBatch).Methods(http.MethodPost)
	a.router.HandleFunc("/api/workers", a.handleWorkers).Methods(http.MethodGet)
	a.router.HandleFunc("/api/queries", a.handleRunning).Methods(http.MethodGet)
	a.router.HandleFunc("/api/queries/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	if m != nil {
		a.router.Handle(transport.PathMetrics, m.Handler()).Methods(http.MethodGet)
	}
	return a
}

// Handler returns the HTTP handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Coordinator API is running"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports the coordinator and every registered worker. A worker
// whose descriptor has not been fetched yet is "Unknown".
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	known := a.pipeline.Registry().Snapshot()
	agents := map[string]map[string]string{
		"coordinator": {"status": "Running"},
	}
	for _, role := range a.pipeline.Registry().Roles() {
		status := map[string]string{"status": "Unknown"}
		if d, ok := known[role]; ok {
			status = map[string]string{"status": "Discovered", "name": d.Name, "endpoint": d.Endpoint}
		}
		agents[string(role)] = status
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	res, err := a.pipeline.Run(r.Context(), Query{
		Text:           req.Query,
		SessionID:      req.SessionID,
		Clarifications: req.Clarifications,
	})
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, http.StatusBadRequest, "queries are required")
		return
	}
	if len(req.Queries) > maxBatch {
		writeError(w, http.StatusBadRequest, "too many queries")
		return
	}

	queries := make([]Query, len(req.Queries))
	for i, q := range req.Queries {
		queries[i] = Query{Text: q}
	}
	results, err := a.pipeline.RunBatch(r.Context(), queries, a.concurrencyLimit)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pipeline.Registry().Snapshot())
}

func (a *API) handleRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pipeline.Running())
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.pipeline.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"query_id": id, "status": "canceling"})
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transport.ErrProtocolViolation):
		log.Printf("ERROR: worker protocol violation: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		// The caller went away or the query was canceled.
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARNING: failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
