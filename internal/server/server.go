// Package server exposes the HTTP API and the websocket run feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/forgeboard/forgeboard/internal/bus"
	"github.com/forgeboard/forgeboard/internal/config"
	"github.com/forgeboard/forgeboard/internal/orchestrator"
	"github.com/forgeboard/forgeboard/internal/registry"
	"github.com/forgeboard/forgeboard/internal/schedule"
	"github.com/forgeboard/forgeboard/internal/store"
)

type wsClient struct {
	conn *websocket.Conn
	id   string
}

type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	orc      *orchestrator.Orchestrator
	bus      *bus.EventBus
	sched    *schedule.Service

	server  *http.Server
	clients sync.Map
	nextID  atomic.Int64
}

func New(cfg *config.Config, st *store.Store, reg *registry.Registry, orc *orchestrator.Orchestrator, eb *bus.EventBus, sched *schedule.Service) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		orc:      orc,
		bus:      eb,
		sched:    sched,
	}
}

// Handler builds the route table. Exposed separately so tests can drive it
// through httptest without a listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/projects/{id}/tasks", s.handleCreateTask)

	mux.HandleFunc("GET /api/projects/{id}/directory", s.handleGetBinding)
	mux.HandleFunc("PUT /api/projects/{id}/directory", s.handleSetBinding)
	mux.HandleFunc("DELETE /api/projects/{id}/directory", s.handleRemoveBinding)
	mux.HandleFunc("GET /api/bindings", s.handleListBindings)

	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/comments", s.handleListComments)
	mux.HandleFunc("POST /api/tasks/{id}/run", s.handleRunTask)

	if s.sched != nil {
		mux.HandleFunc("GET /api/jobs", s.handleListJobs)
		mux.HandleFunc("POST /api/jobs", s.handleAddJob)
		mux.HandleFunc("DELETE /api/jobs/{id}", s.handleRemoveJob)
	}

	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s.bus != nil {
		s.bus.Subscribe("ws-feed", s.broadcast)
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.Handler(),
	}

	go func() {
		log.Printf("[server] listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[server] error: %v", err)
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.bus != nil {
		s.bus.Unsubscribe("ws-feed")
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Printf("[server] shutdown error: %v", err)
		}
	}
	s.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[server] stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	project, err := s.store.CreateProject(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(projectID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		LandmarkID  string `json:"landmarkId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	task, err := s.store.CreateTask(projectID, req.LandmarkID, req.Title, req.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	bindings := s.registry.List()
	binding, ok := bindings[projectID]
	if !ok {
		writeError(w, http.StatusNotFound, "project has no bound directory")
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (s *Server) handleSetBinding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	binding, err := s.registry.Set(r.PathValue("id"), req.Path)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidPath) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (s *Server) handleRemoveBinding(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.store.ListComments(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

// handleRunTask triggers an agent run. At-most-one-concurrent-run-per-task
// is enforced here: a task already in_progress gets a 409 and the trigger is
// a no-op.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.store.GetTask(taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.Status == store.StatusInProgress {
		writeError(w, http.StatusConflict, "task is already running")
		return
	}

	root := s.registry.Get(task.ProjectID)
	if root == "" {
		writeError(w, http.StatusPreconditionFailed, "project has no bound directory")
		return
	}

	// Optional body: {"sessionId": "..."} resumes that session instead of the
	// one stored on the task. An empty or absent body keeps the stored one.
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	go func() {
		if err := s.orc.RunTask(context.Background(), taskID, req.SessionID); err != nil {
			log.Printf("[server] run of task %s failed: %v", taskID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "taskId": taskID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.ListJobs())
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string        `json:"name"`
		TaskID string        `json:"taskId"`
		Spec   schedule.Spec `json:"spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if _, err := s.store.GetTask(req.TaskID); err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	job, err := s.sched.AddJob(req.Name, req.TaskID, req.Spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if !s.sched.RemoveJob(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS streams run lifecycle events to the client. The connection is
// read only from the client's perspective; inbound frames are drained and
// dropped.
func (s *Server) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[server] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("ws-%d", s.nextID.Add(1))
	s.clients.Store(clientID, &wsClient{conn: conn, id: clientID})
	log.Printf("[server] client connected: %s", clientID)

	defer func() {
		s.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[server] client disconnected: %s", clientID)
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(evt bus.RunEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	s.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.conn.Write(ctx, websocket.MessageText, data)
		return true
	})
}
