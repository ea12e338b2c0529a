// Package httpapi implements C8, the read/cancel HTTP control surface:
// GET /tasks, GET /tasks/{id}, DELETE /tasks/{id}, GET /tasks/stats, and
// the read-only GET /tasks/stream live feed. Routing and the
// APIResponse{Success,Data,Error} envelope are grounded on the teacher's
// cmd/announce-webui/main.go; the websocket hub reuses its
// wsClients-map-of-channels broadcast pattern.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/omnios-bhyve/taskengine/internal/logging"
	"github.com/omnios-bhyve/taskengine/internal/scheduler"
	"github.com/omnios-bhyve/taskengine/internal/search"
	"github.com/omnios-bhyve/taskengine/internal/task"
)

// Store is the subset of the Task Store the HTTP surface reads and
// mutates. It never claims or runs tasks; those are the scheduler's job.
type Store interface {
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error)
	CountByStatus(ctx context.Context) (task.StatusCounts, error)
	CancelPending(ctx context.Context, id string) (task.Status, error)
}

// RunningInfo is the scheduler state the stats endpoint reports alongside
// the persisted counts.
type RunningInfo interface {
	RunningCount() int
}

// APIResponse is the envelope every endpoint returns, matching the
// teacher's convention so clients get a single parsing rule across the
// whole API.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatsResponse is GET /tasks/stats's Data payload.
type StatsResponse struct {
	Pending          int  `json:"pending"`
	Running          int  `json:"running"`
	Completed        int  `json:"completed"`
	Failed           int  `json:"failed"`
	Cancelled        int  `json:"cancelled"`
	MaxConcurrent    int  `json:"max_concurrent"`
	ProcessorRunning bool `json:"processor_running"`
}

// Config configures a Server.
type Config struct {
	Store            Store
	Scheduler        RunningInfo
	Search           *search.Index
	Logger           *logging.Logger
	MaxConcurrent    int
	DefaultPageLimit int
	ProcessorRunning func() bool
}

// Server is C8.
type Server struct {
	store            Store
	scheduler        RunningInfo
	index            *search.Index
	logger           *logging.Logger
	maxConcurrent    int
	defaultPageLimit int
	processorRunning func() bool

	upgrader websocket.Upgrader
	wsMu     sync.RWMutex
	wsConns  map[*websocket.Conn]chan Event
}

// Event is pushed to every connected /tasks/stream client.
type Event struct {
	Type      string      `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	Operation string      `json:"operation,omitempty"`
	Status    string      `json:"status,omitempty"`
	Percent   int         `json:"percent,omitempty"`
	Extra     interface{} `json:"extra,omitempty"`
}

// NewServer builds a Server. Call it once; pass OnSchedulerEvent to the
// Scheduler's Config.OnEvent to feed the live stream.
func NewServer(cfg Config) *Server {
	limit := cfg.DefaultPageLimit
	if limit <= 0 {
		limit = 50
	}
	processorRunning := cfg.ProcessorRunning
	if processorRunning == nil {
		processorRunning = func() bool { return true }
	}
	return &Server{
		store:            cfg.Store,
		scheduler:        cfg.Scheduler,
		index:            cfg.Search,
		logger:           cfg.Logger,
		maxConcurrent:    cfg.MaxConcurrent,
		defaultPageLimit: limit,
		processorRunning: processorRunning,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsConns: make(map[*websocket.Conn]chan Event),
	}
}

// SetScheduler attaches the running-task source after construction, for
// the common wiring order where the Scheduler's OnEvent callback must
// reference the Server before the Server can reference the Scheduler.
func (s *Server) SetScheduler(sched RunningInfo) {
	s.scheduler = sched
}

// Router builds the gorilla/mux router serving every endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tasks", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/tasks/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/tasks/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleCancel).Methods(http.MethodDelete)
	return r
}

// OnSchedulerEvent adapts a scheduler.Event into a broadcast to every
// connected stream client. Wire it directly as scheduler.Config.OnEvent.
func (s *Server) OnSchedulerEvent(ev scheduler.Event) {
	s.broadcast(Event{
		Type:      "task_event",
		TaskID:    ev.TaskID,
		Operation: ev.Operation,
		Status:    string(ev.Status),
		Percent:   ev.Percent,
		Extra:     ev.Extra,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.ListFilter{
		Target:       q.Get("target"),
		Operation:    q.Get("operation"),
		OperationNE:  q.Get("operation_ne"),
		IncludeCount: q.Get("include_count") == "true",
		Limit:        s.defaultPageLimit,
	}
	if status := q.Get("status"); status != "" {
		st := task.Status(status)
		filter.Status = &st
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		} else {
			sendError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	searchQuery := q.Get("q")
	var matchIDs map[string]bool
	if searchQuery != "" && s.index != nil {
		ids, err := s.index.Query(searchQuery, 0)
		if err != nil {
			sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		matchIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			matchIDs[id] = true
		}
	} else if searchQuery != "" {
		filter.Query = searchQuery
	}

	tasks, total, err := s.store.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if matchIDs != nil {
		filtered := make([]task.Task, 0, len(tasks))
		for _, t := range tasks {
			if matchIDs[t.ID] {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	resp := map[string]interface{}{"tasks": tasks}
	if filter.IncludeCount {
		resp["total"] = total
	}
	sendJSON(w, APIResponse{Success: true, Data: resp})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusNotFound, "task not found")
		return
	}
	sendJSON(w, APIResponse{Success: true, Data: t})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := s.store.CancelPending(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusNotFound, "task not found")
		return
	}
	if status != task.StatusCancelled {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(APIResponse{
			Success: false,
			Error:   "task is not pending",
			Data:    map[string]string{"status": string(status)},
		})
		return
	}
	sendJSON(w, APIResponse{Success: true, Data: map[string]string{"status": string(status)}})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	running := 0
	if s.scheduler != nil {
		running = s.scheduler.RunningCount()
	}
	sendJSON(w, APIResponse{Success: true, Data: StatsResponse{
		Pending:          counts.Pending,
		Running:          running,
		Completed:        counts.Completed,
		Failed:           counts.Failed,
		Cancelled:        counts.Cancelled,
		MaxConcurrent:    s.maxConcurrent,
		ProcessorRunning: s.processorRunning(),
	}})
}

// handleStream upgrades to a websocket and pushes every subsequent
// scheduler event. There is no read-side command channel: clients only
// ever receive, matching spec.md's explicit exclusion of an authenticated
// write surface beyond DELETE /tasks/{id}.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnf("websocket upgrade failed: %v", err)
		}
		return
	}

	ch := make(chan Event, 100)
	s.wsMu.Lock()
	s.wsConns[conn] = ch
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		close(ch)
		conn.Close()
	}()

	go func() {
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	// Drain incoming frames (pings) until the client disconnects; this
	// connection carries no inbound commands.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(ev Event) {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for _, ch := range s.wsConns {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than block the scheduler.
		}
	}
}

func sendJSON(w http.ResponseWriter, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
}
