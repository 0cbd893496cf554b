// Package api exposes the orchestrator over HTTP/JSON, with SSE for event
// and output streaming.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/orchestrator"
	"github.com/drewrad8/foreman/internal/templates"
)

// Handler provides the HTTP endpoints for registry operations.
type Handler struct {
	registry  *orchestrator.Registry
	templates map[string]templates.Template
	startedAt time.Time
}

// NewHandler creates an API handler over the registry.
func NewHandler(registry *orchestrator.Registry, tmpls map[string]templates.Template) *Handler {
	return &Handler{
		registry:  registry,
		templates: tmpls,
		startedAt: time.Now(),
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Worker CRUD. The literal "templates" segment outranks the {id}
	// wildcard in mux precedence.
	mux.HandleFunc("POST /workers", h.Spawn)
	mux.HandleFunc("GET /workers", h.List)
	mux.HandleFunc("GET /workers/templates", h.Templates)
	mux.HandleFunc("POST /workers/spawn-from-template", h.SpawnFromTemplate)
	mux.HandleFunc("GET /workers/{id}", h.Get)
	mux.HandleFunc("PATCH /workers/{id}", h.Patch)
	mux.HandleFunc("DELETE /workers/{id}", h.Delete)

	// Worker operations
	mux.HandleFunc("POST /workers/{id}/input", h.SendInput)
	mux.HandleFunc("POST /workers/{id}/settings", h.Settings)
	mux.HandleFunc("POST /workers/{id}/complete", h.Complete)
	mux.HandleFunc("POST /workers/{id}/dismiss", h.Dismiss)
	mux.HandleFunc("POST /workers/{id}/signal", h.Signal)

	// Output
	mux.HandleFunc("GET /workers/{id}/output", h.Output)
	mux.HandleFunc("GET /workers/{id}/history", h.History)
	mux.HandleFunc("GET /workers/{id}/stream", h.StreamWorkerOutput)

	// Relations
	mux.HandleFunc("GET /workers/{id}/children", h.Children)
	mux.HandleFunc("GET /workers/{id}/siblings", h.Siblings)
	mux.HandleFunc("GET /workers/{id}/dependencies", h.Dependencies)

	// Event streaming
	mux.HandleFunc("GET /events", h.StreamEvents)

	// Checkpoints and health
	mux.HandleFunc("GET /checkpoints", h.Checkpoints)
	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// === Request/Response Types ===

// SpawnRequest is the request body for spawning a worker.
type SpawnRequest struct {
	ProjectPath    string             `json:"projectPath"`
	Label          string             `json:"label,omitempty"`
	AutoAccept     bool               `json:"autoAccept,omitempty"`
	RalphMode      bool               `json:"ralphMode,omitempty"`
	AllowDuplicate bool               `json:"allowDuplicate,omitempty"`
	DependsOn      []string           `json:"dependsOn,omitempty"`
	ParentWorkerID string             `json:"parentWorkerId,omitempty"`
	Task           *orchestrator.Task `json:"task,omitempty"`
	InitialInput   string             `json:"initialInput,omitempty"`
}

// SpawnFromTemplateRequest is the request body for template spawns.
type SpawnFromTemplateRequest struct {
	Template    string `json:"template"`
	Label       string `json:"label,omitempty"`
	ProjectPath string `json:"projectPath"`
	Task        string `json:"task"`
}

// PatchRequest is the request body for relabelling a worker.
type PatchRequest struct {
	Label string `json:"label"`
}

// InputRequest is the request body for sending terminal input.
type InputRequest struct {
	Input string `json:"input"`
}

// SettingsRequest is the request body for updating worker settings.
type SettingsRequest struct {
	AutoAccept       *bool `json:"autoAccept,omitempty"`
	AutoAcceptPaused *bool `json:"autoAcceptPaused,omitempty"`
}

// SignalRequest is the body a worker posts to report its own completion.
type SignalRequest struct {
	RalphToken string `json:"ralphToken"`
}

// SuccessResponse is the generic acknowledgement body.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// CompleteResponse acknowledges a completion and returns the updated worker.
type CompleteResponse struct {
	Success bool                `json:"success"`
	Worker  orchestrator.Worker `json:"worker"`
}

// OutputResponse carries the in-memory output tail.
type OutputResponse struct {
	Output  string `json:"output"`
	LastSeq uint64 `json:"lastSeq"`
}

// HistoryEntry is one durable output segment in a history page.
type HistoryEntry struct {
	Seq       uint64    `json:"seq"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryResponse is a page of durable output segments.
type HistoryResponse struct {
	WorkerID string         `json:"workerId"`
	Offset   int            `json:"offset"`
	Limit    int            `json:"limit"`
	Entries  []HistoryEntry `json:"entries"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status      string         `json:"status"`
	Workers     int            `json:"workers"`
	Running     int            `json:"running"`
	MaxRunning  int            `json:"maxRunning"`
	Health      map[string]int `json:"health"`
	Subscribers int            `json:"subscribers"`
	UptimeSec   int64          `json:"uptimeSec"`
}

// === Handlers ===

// Spawn creates a new worker.
// POST /workers
func (h *Handler) Spawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", "")
		return
	}

	worker, err := h.registry.Spawn(r.Context(), orchestrator.SpawnSpec{
		Project:        req.ProjectPath,
		Label:          req.Label,
		AutoAccept:     req.AutoAccept,
		RalphMode:      req.RalphMode,
		AllowDuplicate: req.AllowDuplicate,
		DependsOn:      req.DependsOn,
		ParentWorkerID: req.ParentWorkerID,
		Task:           req.Task,
		InitialInput:   req.InitialInput,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, worker)
}

// List returns all workers, oldest first.
// GET /workers
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.List())
}

// Get returns a single worker.
// GET /workers/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	worker, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, worker)
}

// Patch relabels a worker.
// PATCH /workers/{id}
func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", "")
		return
	}
	worker, err := h.registry.Patch(r.PathValue("id"), req.Label)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, worker)
}

// Delete kills a worker if needed and removes its record.
// DELETE /workers/{id}?force=
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// SendInput writes input to the worker's terminal.
// POST /workers/{id}/input
func (h *Handler) SendInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", "")
		return
	}
	if err := h.registry.SendInput(r.Context(), r.PathValue("id"), req.Input); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Settings updates auto-accept flags.
// POST /workers/{id}/settings
func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", "")
		return
	}
	worker, err := h.registry.UpdateSettings(r.PathValue("id"), orchestrator.SettingsPatch{
		AutoAccept:       req.AutoAccept,
		AutoAcceptPaused: req.AutoAcceptPaused,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, worker)
}

// Complete moves a running worker to awaiting_review.
// POST /workers/{id}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	worker, err := h.registry.Complete(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CompleteResponse{Success: true, Worker: worker})
}

// Dismiss finalises an awaiting_review worker.
// POST /workers/{id}/dismiss
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if _, err := h.registry.Dismiss(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Signal handles a worker's own completion report (ralph mode).
// POST /workers/{id}/signal
func (h *Handler) Signal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", "")
		return
	}
	worker, err := h.registry.SignalRalph(r.PathValue("id"), req.RalphToken)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CompleteResponse{Success: true, Worker: worker})
}

// Output returns the worker's recent in-memory output.
// GET /workers/{id}/output
func (h *Handler) Output(w http.ResponseWriter, r *http.Request) {
	data, seq, err := h.registry.Tail(r.PathValue("id"), 0)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OutputResponse{Output: string(data), LastSeq: seq})
}

// History returns a page of durable output segments.
// GET /workers/{id}/history?offset&limit
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.Get(id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)

	segments, err := h.registry.Store().History(id, offset, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "history_failed", "failed to read history", "")
		return
	}

	resp := HistoryResponse{WorkerID: id, Offset: offset, Limit: limit, Entries: make([]HistoryEntry, 0, len(segments))}
	for _, seg := range segments {
		resp.Entries = append(resp.Entries, HistoryEntry{Seq: seg.Seq, Data: string(seg.Data), CreatedAt: seg.CreatedAt})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Children returns a worker's children.
// GET /workers/{id}/children
func (h *Handler) Children(w http.ResponseWriter, r *http.Request) {
	h.writeRelation(w, r, h.registry.Children)
}

// Siblings returns workers sharing the same parent.
// GET /workers/{id}/siblings
func (h *Handler) Siblings(w http.ResponseWriter, r *http.Request) {
	h.writeRelation(w, r, h.registry.Siblings)
}

// Dependencies returns the workers this one depends on.
// GET /workers/{id}/dependencies
func (h *Handler) Dependencies(w http.ResponseWriter, r *http.Request) {
	h.writeRelation(w, r, h.registry.Dependencies)
}

func (h *Handler) writeRelation(w http.ResponseWriter, r *http.Request, fn func(string) ([]orchestrator.Worker, error)) {
	workers, err := fn(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workers)
}

// Templates returns the built-in spawn templates keyed by name.
// GET /workers/templates
func (h *Handler) Templates(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.templates)
}

// SpawnFromTemplate spawns a worker from a named template.
// POST /workers/spawn-from-template
func (h *Handler) SpawnFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req SpawnFromTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", "")
		return
	}

	tmpl, ok := h.templates[req.Template]
	if !ok {
		h.writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown template %q", req.Template), "template")
		return
	}

	worker, err := h.registry.Spawn(r.Context(), orchestrator.SpawnSpec{
		Project:      req.ProjectPath,
		Label:        req.Label,
		AutoAccept:   tmpl.AutoAccept,
		RalphMode:    tmpl.RalphMode,
		Task:         &orchestrator.Task{Description: req.Task, Type: tmpl.Name},
		InitialInput: tmpl.Render(req.Task),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, worker)
}

// Checkpoints lists checkpoints, most recent death first.
// GET /checkpoints
func (h *Handler) Checkpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.registry.Store().ListCheckpoints()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "checkpoints_failed", "failed to list checkpoints", "")
		return
	}
	h.writeJSON(w, http.StatusOK, cps)
}

// Health returns daemon liveness and headline counters.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	workers := h.registry.List()
	health := make(map[string]int)
	for _, wk := range workers {
		if !wk.Status.IsTerminal() {
			health[string(wk.Health)]++
		}
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Workers:     len(workers),
		Running:     h.registry.RunningCount(),
		MaxRunning:  h.registry.MaxRunning(),
		Health:      health,
		Subscribers: h.registry.Hub().SubscriberCount(),
		UptimeSec:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// === Helpers ===

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "encoding response failed", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, field string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code, Field: field})
}

// writeDomainError maps registry error types onto HTTP statuses. Unexpected
// errors become opaque 500s; worker internals never leak.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *orchestrator.ValidationError
		notFound   *orchestrator.NotFoundError
		illegal    *orchestrator.IllegalTransitionError
		duplicate  *orchestrator.DuplicateError
		capacity   *orchestrator.CapacityError
		unknownDep *orchestrator.UnknownDependencyError
		cycle      *orchestrator.CycleError
		notAlive   *orchestrator.NotAliveError
	)

	switch {
	case errors.As(err, &validation):
		h.writeError(w, http.StatusBadRequest, "validation_error", validation.Error(), validation.Field)
	case errors.As(err, &unknownDep):
		h.writeError(w, http.StatusBadRequest, "validation_error", unknownDep.Error(), "dependsOn")
	case errors.As(err, &cycle):
		h.writeError(w, http.StatusBadRequest, "validation_error", cycle.Error(), "dependsOn")
	case errors.As(err, &notFound):
		h.writeError(w, http.StatusNotFound, "not_found", notFound.Error(), "")
	case errors.As(err, &illegal):
		h.writeError(w, http.StatusConflict, "illegal_transition", illegal.Error(), "")
	case errors.As(err, &duplicate):
		h.writeError(w, http.StatusConflict, "duplicate", duplicate.Error(), "label")
	case errors.As(err, &notAlive):
		h.writeError(w, http.StatusConflict, "not_alive", notAlive.Error(), "")
	case errors.As(err, &capacity):
		w.Header().Set("Retry-After", strconv.Itoa(capacity.RetryAfterSec))
		h.writeError(w, http.StatusTooManyRequests, "capacity_exceeded", capacity.Error(), "")
	default:
		log.ErrorErr(log.CatAPI, "internal error", err)
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error", "")
	}
}

// Server wraps the handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on; port 0 auto-assigns.
	Addr string
	// APIKey enables Bearer-token auth when non-empty.
	APIKey string
	// CORSOrigin is the single allowed origin; empty disables cross-origin
	// access entirely.
	CORSOrigin string
	// ReadTimeout bounds reading the request. Writes stay unbounded for SSE.
	ReadTimeout time.Duration
}

// NewServer creates the API server around the handler's routes.
func NewServer(cfg ServerConfig, h *Handler) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}
	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	handler := withCORS(cfg.CORSOrigin, withAuth(cfg.APIKey, h.Routes()))

	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves until the server is stopped. Blocking.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "api server listening", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "api server stopping")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful with auto-assignment.
func (s *Server) Port() int { return s.port }
