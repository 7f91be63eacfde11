package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/taskrelay/internal/events"
	"github.com/aristath/taskrelay/internal/metrics"
	"github.com/aristath/taskrelay/internal/task"
	"github.com/aristath/taskrelay/internal/taskmanager"
	"github.com/aristath/taskrelay/internal/worker"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	requestReadTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second
	resyncInterval     = time.Second
)

// Server exposes one worker host over HTTP and websockets.
type Server struct {
	host     *worker.Host
	metrics  *metrics.Metrics
	router   *mux.Router
	upgrader websocket.Upgrader

	// baseCtx bounds task processing. Tasks are not tied to the request that
	// created them, so a dropped connection leaves the task running.
	baseCtx context.Context
}

// NewServer creates a server for host. ctx bounds all task processing; m may be nil.
func NewServer(ctx context.Context, host *worker.Host, m *metrics.Metrics) *Server {
	s := &Server{
		host:    host,
		metrics: m,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		baseCtx: ctx,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc(PathAgentCard, s.handleCard).Methods(http.MethodGet)
	s.router.HandleFunc(PathHealth, s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc(PathSend, s.handleSend).Methods(http.MethodPost)
	s.router.HandleFunc(PathStream, s.handleStream).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{id}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/tasks/{id}/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle(PathMetrics, s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Card())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"name":   s.host.Card().Name,
		"role":   string(s.host.Worker().Role()),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Message.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "message has no parts")
		return
	}

	t, err := s.host.Handle(s.baseCtx, toManagerRequest(req))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.WithHistoryLength(req.HistoryLength))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	historyLength := 0
	if v := r.URL.Query().Get("history_length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "history_length must be a non-negative integer")
			return
		}
		historyLength = n
	}

	t, err := s.host.Tasks().Get(r.Context(), mux.Vars(r)["id"], historyLength)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := task.State(r.URL.Query().Get("state"))
	if state != "" && !task.IsKnown(state) {
		writeError(w, http.StatusBadRequest, "unknown state "+string(state))
		return
	}
	tasks, err := s.host.Tasks().List(r.Context(), state)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.host.Tasks().Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleStream reads one TaskRequest from the socket, accepts it, and pushes
// the task's updates until it reaches a final or input-required state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var req TaskRequest
	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		writeFrame(conn, StreamFrame{Kind: FrameError, Error: "invalid request: " + err.Error(), Final: true})
		return
	}
	conn.SetReadDeadline(time.Time{})
	if len(req.Message.Parts) == 0 {
		writeFrame(conn, StreamFrame{Kind: FrameError, Error: "message has no parts", Final: true})
		return
	}

	accepted, err := s.host.Accept(s.baseCtx, toManagerRequest(req))
	if err != nil {
		writeFrame(conn, StreamFrame{Kind: FrameError, Error: err.Error(), Final: true})
		return
	}

	snapshot, ch, stop, err := s.host.Tasks().Watch(s.baseCtx, accepted.ID)
	if err != nil {
		writeFrame(conn, StreamFrame{Kind: FrameError, Error: err.Error(), Final: true})
		return
	}
	defer stop()

	go func() {
		if _, err := s.host.Process(s.baseCtx, accepted.ID); err != nil {
			log.Printf("ERROR: processing task %s failed: %v", accepted.ID, err)
		}
	}()

	// An accepted input-required task is about to resume, so only a terminal
	// snapshot ends the stream here.
	final := task.IsTerminal(snapshot.State)
	if err := writeFrame(conn, StreamFrame{Kind: FrameSnapshot, Task: snapshot.WithHistoryLength(req.HistoryLength), Final: final}); err != nil || final {
		closeNormally(conn)
		return
	}
	s.forward(conn, accepted.ID, snapshot.Version, ch, req.HistoryLength)
}

// handleSubscribe pushes the current snapshot of an existing task and then its
// updates until it stops.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snapshot, ch, stop, err := s.host.Tasks().Watch(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	defer stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	final := stopsStream(snapshot.State)
	if err := writeFrame(conn, StreamFrame{Kind: FrameSnapshot, Task: snapshot, Final: final}); err != nil || final {
		closeNormally(conn)
		return
	}
	s.forward(conn, id, snapshot.Version, ch, 0)
}

// forward relays task events newer than version until a stopping state is
// sent or the client goes away. The bus drops events for slow subscribers,
// so the store is re-read periodically to make sure the final state is
// always delivered.
func (s *Server) forward(conn *websocket.Conn, taskID string, version int64, ch <-chan events.Event, historyLength int) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	send := func(f StreamFrame) bool {
		if f.Task.Version <= version {
			return true
		}
		version = f.Task.Version
		f.Task = f.Task.WithHistoryLength(historyLength)
		f.Final = stopsStream(f.Task.State)
		if err := writeFrame(conn, f); err != nil {
			return false
		}
		if f.Final {
			closeNormally(conn)
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			var f StreamFrame
			switch e := ev.(type) {
			case events.TaskStatusEvent:
				f = StreamFrame{Kind: FrameStatus, Task: e.Task}
			case events.TaskArtifactEvent:
				a := e.Artifact
				f = StreamFrame{Kind: FrameArtifact, Task: e.Task, Artifact: &a}
			default:
				continue
			}
			if !send(f) {
				return
			}
		case <-ticker.C:
			t, err := s.host.Tasks().Get(s.baseCtx, taskID, 0)
			if err != nil {
				log.Printf("WARNING: resync of task %s failed: %v", taskID, err)
				continue
			}
			if !send(StreamFrame{Kind: FrameStatus, Task: t}) {
				return
			}
		case <-gone:
			return
		case <-s.baseCtx.Done():
			return
		}
	}
}

// stopsStream reports whether a stream ends at state s. Input-required ends
// the stream because the worker cannot progress without a new request.
func stopsStream(s task.State) bool {
	return task.IsTerminal(s) || s == task.StateInputRequired
}

func toManagerRequest(req TaskRequest) taskmanager.Request {
	return taskmanager.Request{
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		Message:   req.Message,
		Metadata:  req.Metadata,
	}
}

func writeFrame(conn *websocket.Conn, f StreamFrame) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func closeNormally(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "final"),
		time.Now().Add(writeTimeout))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARNING: failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("ERROR: task request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
