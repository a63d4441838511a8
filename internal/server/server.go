// Package server exposes handlers, tasks, health and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"a2arunner/pkg/engine"
	"a2arunner/pkg/eventbus"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/resilience"
	"a2arunner/pkg/session"
	"a2arunner/pkg/task"
	"a2arunner/pkg/taskmgr"
	"a2arunner/pkg/version"
)

// maxBodyBytes bounds POST /tasks bodies.
const maxBodyBytes = 1 << 20

// healthReporter is implemented by engine-wrapped handlers.
type healthReporter interface {
	HealthStatus() engine.HealthStatus
}

// Server serves the HTTP API.
type Server struct {
	reg      *registry.Registry
	tasks    *taskmgr.Manager
	sessions *session.Manager
	metrics  http.Handler
	logger   *logx.Logger
	started  time.Time
}

// New creates a server. sessions may be nil to disable the /sessions routes
// and metrics may be nil to disable /metrics.
func New(reg *registry.Registry, tasks *taskmgr.Manager, sessions *session.Manager, metrics http.Handler) *Server {
	return &Server{
		reg:      reg,
		tasks:    tasks,
		sessions: sessions,
		metrics:  metrics,
		logger:   logx.NewLogger("server"),
		started:  time.Now(),
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/{name}", s.handleHandlerHealth)
	mux.HandleFunc("GET /handlers", s.handleHandlers)
	mux.HandleFunc("GET /debug/logs", s.handleLogs)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /tasks/{id}/events", s.handleTaskEvents)
	if s.sessions != nil {
		mux.HandleFunc("GET /sessions", s.handleListSessions)
		mux.HandleFunc("GET /sessions/{id}/history", s.handleSessionHistory)
		mux.HandleFunc("GET /sessions/{id}/tokens", s.handleSessionTokens)
		mux.HandleFunc("DELETE /sessions/{id}", s.handleClearSession)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down HTTP server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handlerHealth renders one handler. Handlers outside the engine report
// healthy with no statistics.
func handlerHealth(h handler.Handler) any {
	if hr, ok := h.(healthReporter); ok {
		return hr.HealthStatus()
	}
	return map[string]any{
		"name":      h.Name(),
		"state":     resilience.Healthy,
		"resilient": false,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	DefaultHandler string         `json:"default_handler"`
	Handlers       map[string]any `json:"handlers"`
	Tasks          map[string]int `json:"tasks"`
}

// handleHealth implements GET /health. Status is "degraded" when any
// handler does not accept tasks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		Version:        version.Version,
		UptimeSeconds:  time.Since(s.started).Seconds(),
		DefaultHandler: s.reg.Default(),
		Handlers:       make(map[string]any),
		Tasks:          make(map[string]int),
	}
	for name, h := range s.reg.GetAll() {
		resp.Handlers[name] = handlerHealth(h)
		if rh, ok := h.(interface{ State() resilience.State }); ok && !rh.State().AcceptsTasks() {
			resp.Status = "degraded"
		}
	}
	if s.tasks != nil {
		for state, n := range s.tasks.Counts() {
			resp.Tasks[string(state)] = n
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHandlerHealth implements GET /health/{name}.
func (s *Server) handleHandlerHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.reg.Get(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, handlerHealth(h))
}

// HandlerInfo is one entry of GET /handlers.
type HandlerInfo struct {
	Name         string   `json:"name"`
	Default      bool     `json:"default"`
	Resilient    bool     `json:"resilient"`
	Interface    string   `json:"interface,omitempty"`
	ContentTypes []string `json:"content_types,omitempty"`
}

// handleHandlers implements GET /handlers.
func (s *Server) handleHandlers(w http.ResponseWriter, _ *http.Request) {
	all := s.reg.GetAll()
	def := s.reg.Default()
	infos := make([]HandlerInfo, 0, len(all))
	for _, name := range s.reg.Names() {
		h := all[name]
		info := HandlerInfo{Name: name, Default: name == def}
		if rh, ok := h.(*engine.ResilientHandler); ok {
			info.Resilient = true
			info.Interface = string(rh.Kind())
		}
		if ct, ok := h.(handler.ContentTyper); ok {
			info.ContentTypes = ct.SupportedContentTypes()
		}
		infos = append(infos, info)
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// handleLogs implements GET /debug/logs?domain=&since=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.logger.Warn("Invalid since parameter: %s", raw)
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	s.writeJSON(w, http.StatusOK, logx.GetRecentLogEntries(query.Get("domain"), since))
}

// CreateTaskRequest is the body of POST /tasks. Either Text or Message must
// be set.
type CreateTaskRequest struct {
	Handler   string        `json:"handler,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Text      string        `json:"text,omitempty"`
	Message   *task.Message `json:"message,omitempty"`
}

// handleCreateTask implements POST /tasks.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	var msg task.Message
	switch {
	case req.Message != nil:
		msg = *req.Message
	case req.Text != "":
		msg = task.NewUserMessage(req.Text)
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("text or message is required"))
		return
	}

	created, err := s.tasks.CreateTask(r.Context(), msg, req.SessionID, req.Handler)
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNoDefault):
		s.writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, taskmgr.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, created)
}

// handleGetTask implements GET /tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetTask(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// handleCancelTask implements POST /tasks/{id}/cancel.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.CancelTask(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, taskmgr.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, taskmgr.ErrTaskFinal):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, t)
	}
}

// handleTaskEvents implements GET /tasks/{id}/events as a server-sent event
// stream. It ends after the final status event.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.tasks.Bus().Subscribe(eventbus.ForTask(id))
	defer sub.Close()

	current, err := s.tasks.GetTask(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	snapshot := &task.StatusEvent{ID: id, Status: current.Status, Final: current.Status.State.IsTerminal()}
	if err := writeEvent(w, snapshot); err != nil {
		return
	}
	flusher.Flush()
	if snapshot.Final {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("event stream for %s closed: %v", id, err)
				return
			}
			flusher.Flush()
			if task.IsFinal(ev) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev task.Event) error {
	kind := "status"
	if _, ok := ev.(*task.ArtifactEvent); ok {
		kind = "artifact"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
	return err
}

// sessionScope resolves the ?handler= query to the manager holding that
// handler's conversations. Without the query the default handler is used,
// falling back to the base sandbox when it does not keep sessions.
func (s *Server) sessionScope(r *http.Request) (*session.Manager, string, int, error) {
	name := r.URL.Query().Get("handler")
	explicit := name != ""
	if !explicit {
		name = s.reg.Default()
	}
	if name == "" {
		return s.sessions, "", 0, nil
	}
	h, err := s.reg.Get(name)
	if err != nil {
		if explicit {
			return nil, "", http.StatusNotFound, err
		}
		return s.sessions, "", 0, nil
	}
	rh, ok := h.(*engine.ResilientHandler)
	if !ok {
		if explicit {
			return nil, "", http.StatusBadRequest, fmt.Errorf("handler %s does not keep sessions", name)
		}
		return s.sessions, "", 0, nil
	}
	return s.sessions.WithSandbox(rh.SessionScope()), name, 0, nil
}

// SessionList is one handler's entry in GET /sessions.
type SessionList struct {
	Sandbox  string   `json:"sandbox"`
	Sessions []string `json:"sessions"`
}

// handleListSessions implements GET /sessions, grouping session ids by the
// engine-wrapped handler that owns them.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string]SessionList)
	all := s.reg.GetAll()
	for _, name := range s.reg.Names() {
		rh, ok := all[name].(*engine.ResilientHandler)
		if !ok {
			continue
		}
		scoped := s.sessions.WithSandbox(rh.SessionScope())
		ids, err := scoped.Sessions(r.Context())
		if err != nil {
			s.logger.Error("Failed to list sessions of %s: %v", name, err)
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp[name] = SessionList{Sandbox: scoped.Sandbox(), Sessions: ids}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"handlers": resp})
}

// handleSessionHistory implements GET /sessions/{id}/history?handler=.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	mgr, name, status, err := s.sessionScope(r)
	if err != nil {
		s.writeError(w, status, err)
		return
	}
	id := r.PathValue("id")
	history, err := mgr.History(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load history of session %s: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"handler":    name,
		"messages":   history,
	})
}

// handleSessionTokens implements GET /sessions/{id}/tokens?handler=.
func (s *Server) handleSessionTokens(w http.ResponseWriter, r *http.Request) {
	mgr, name, status, err := s.sessionScope(r)
	if err != nil {
		s.writeError(w, status, err)
		return
	}
	id := r.PathValue("id")
	usage, err := mgr.TokenUsage(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to count tokens of session %s: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"handler":     name,
		"token_usage": usage,
	})
}

// handleClearSession implements DELETE /sessions/{id}?handler=.
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	mgr, _, status, err := s.sessionScope(r)
	if err != nil {
		s.writeError(w, status, err)
		return
	}
	id := r.PathValue("id")
	if err := mgr.Clear(r.Context(), id); err != nil {
		s.logger.Error("Failed to clear session %s: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("cleared session %s in %s", id, mgr.Sandbox())
	w.WriteHeader(http.StatusNoContent)
}
