// Package api exposes the admin surface over plain net/http: task
// inspection and lifecycle actions, template management, and health.
// Task mutations go through the controller so the queue mirror and audit
// trail stay consistent; reads go straight to the store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carpentries/mailsched/internal/controller"
	"github.com/carpentries/mailsched/internal/dispatch"
	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/flags"
	"github.com/carpentries/mailsched/internal/receiver"
	"github.com/carpentries/mailsched/internal/render"
	"github.com/carpentries/mailsched/internal/store"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error)
	ListTasks(ctx context.Context, statuses []domain.TaskStatus, limit, offset int) ([]domain.ScheduledTask, error)
	ListAudit(ctx context.Context, taskID uuid.UUID) ([]domain.AuditEntry, error)

	CreateTemplate(ctx context.Context, tpl domain.MessageTemplate) error
	UpdateTemplate(ctx context.Context, tpl domain.MessageTemplate) error
	GetTemplate(ctx context.Context, id uuid.UUID) (domain.MessageTemplate, error)
	ListTemplates(ctx context.Context) ([]domain.MessageTemplate, error)
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
}

// Controller is the slice of the task controller the API drives.
type Controller interface {
	Cancel(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error)
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time) (domain.ScheduledTask, error)
	Edit(ctx context.Context, id uuid.UUID, edit controller.TaskEdit) (domain.ScheduledTask, error)
}

// Dispatcher accepts domain events for the notification engine.
type Dispatcher interface {
	Notify(ctx context.Context, eventType string, payload any, strategy domain.Strategy) (dispatch.Result, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store      Store
	controller Controller
	renderer   *render.Renderer
	dispatcher Dispatcher
	db         HealthChecker
}

func NewHandler(st Store, ctrl Controller, renderer *render.Renderer) *Handler {
	return &Handler{store: st, controller: ctrl, renderer: renderer}
}

// WithDispatcher enables the /events intake endpoint.
func (h *Handler) WithDispatcher(d Dispatcher) *Handler {
	h.dispatcher = d
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/events" && r.Method == http.MethodPost:
		h.dispatchEvent(w, r)

	case path == "/tasks" && r.Method == http.MethodGet:
		h.listTasks(w, r)

	case strings.HasPrefix(path, "/tasks/") && strings.HasSuffix(path, "/log") && r.Method == http.MethodGet:
		h.taskLog(w, r)

	case strings.HasPrefix(path, "/tasks/") && strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
		h.cancelTask(w, r)

	case strings.HasPrefix(path, "/tasks/") && strings.HasSuffix(path, "/reschedule") && r.Method == http.MethodPost:
		h.rescheduleTask(w, r)

	case strings.HasPrefix(path, "/tasks/") && r.Method == http.MethodGet:
		h.getTask(w, r)

	case strings.HasPrefix(path, "/tasks/") && r.Method == http.MethodPatch:
		h.editTask(w, r)

	case path == "/templates" && r.Method == http.MethodGet:
		h.listTemplates(w, r)

	case path == "/templates" && r.Method == http.MethodPost:
		h.createTemplate(w, r)

	case strings.HasPrefix(path, "/templates/") && r.Method == http.MethodGet:
		h.getTemplate(w, r)

	case strings.HasPrefix(path, "/templates/") && r.Method == http.MethodPut:
		h.updateTemplate(w, r)

	case strings.HasPrefix(path, "/templates/") && r.Method == http.MethodDelete:
		h.deleteTemplate(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) dispatchEvent(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req DispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := receiver.DecodePayload(req.EventType, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	// An explicit override beats the configured gate default for this
	// request only.
	if v := r.URL.Query().Get("engine"); v == "true" || v == "false" {
		ctx = flags.WithOverride(ctx, v == "true")
	}

	result, err := h.dispatcher.Notify(ctx, req.EventType, payload, strategy)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownEventType), errors.Is(err, dispatch.ErrUnknownStrategy):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("api: dispatch event error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to dispatch event")
		}
		return
	}

	writeJSON(w, http.StatusOK, DispatchResponse{
		Outcome: string(result.Outcome),
		Notices: result.Notices,
		TaskIDs: result.TaskIDs,
	})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), statuses, limit, offset)
	if err != nil {
		log.Printf("api: list tasks error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	resp := ListTasksResponse{Tasks: make([]TaskResponse, len(tasks))}
	for i, task := range tasks {
		resp.Tasks[i] = taskResponse(task)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r.URL.Path, "")
	if !ok {
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		log.Printf("api: get task error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

func (h *Handler) taskLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r.URL.Path, "log")
	if !ok {
		return
	}

	entries, err := h.store.ListAudit(r.Context(), id)
	if err != nil {
		log.Printf("api: list audit error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	resp := ListAuditResponse{Entries: make([]AuditEntryResponse, len(entries))}
	for i, entry := range entries {
		resp.Entries[i] = auditResponse(entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r.URL.Path, "cancel")
	if !ok {
		return
	}

	task, err := h.controller.Cancel(r.Context(), id)
	if err != nil {
		writeControllerError(w, err, "cancel")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

func (h *Handler) rescheduleTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r.URL.Path, "reschedule")
	if !ok {
		return
	}

	var req RescheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	at, err := parseScheduledAt(req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.controller.Reschedule(r.Context(), id, at)
	if err != nil {
		writeControllerError(w, err, "reschedule")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

func (h *Handler) editTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r.URL.Path, "")
	if !ok {
		return
	}

	var req EditTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	task, err := h.controller.Edit(r.Context(), id, controller.TaskEdit{
		Subject: req.Subject,
		Body:    req.Body,
		To:      req.To,
		CC:      req.CC,
		BCC:     req.BCC,
	})
	if err != nil {
		writeControllerError(w, err, "edit")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		log.Printf("api: list templates error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}

	resp := ListTemplatesResponse{Templates: make([]TemplateResponse, len(templates))}
	for i, tpl := range templates {
		resp.Templates[i] = templateResponse(tpl)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateTemplate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	tpl := templateFromRequest(req)
	tpl.ID = uuid.New()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	// Reject templates that cannot render before they reach the store.
	if err := h.renderer.Validate(tpl); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateTemplate(r.Context(), tpl); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "an active template for this signal already exists")
			return
		}
		log.Printf("api: create template error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	writeJSON(w, http.StatusCreated, templateResponse(tpl))
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTemplateID(w, r.URL.Path)
	if !ok {
		return
	}

	tpl, err := h.store.GetTemplate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		log.Printf("api: get template error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	writeJSON(w, http.StatusOK, templateResponse(tpl))
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTemplateID(w, r.URL.Path)
	if !ok {
		return
	}

	var req TemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateTemplate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tpl := templateFromRequest(req)
	tpl.ID = id
	tpl.UpdatedAt = time.Now().UTC()

	if err := h.renderer.Validate(tpl); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateTemplate(r.Context(), tpl); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "template not found")
		case errors.Is(err, store.ErrDuplicate):
			writeError(w, http.StatusConflict, "an active template for this signal already exists")
		default:
			log.Printf("api: update template error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to update template")
		}
		return
	}
	writeJSON(w, http.StatusOK, templateResponse(tpl))
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTemplateID(w, r.URL.Path)
	if !ok {
		return
	}

	if err := h.store.DeleteTemplate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		log.Printf("api: delete template error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// parseTaskID extracts the task ID from /tasks/{id} or /tasks/{id}/{action}.
func parseTaskID(w http.ResponseWriter, path, action string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	want := 2
	if action != "" {
		want = 3
	}
	if len(parts) != want || parts[0] != "tasks" || (action != "" && parts[2] != action) {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

func parseTemplateID(w http.ResponseWriter, path string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] != "templates" {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return uuid.Nil, false
	}
	return id, true
}

// writeControllerError maps controller failures onto HTTP statuses.
func writeControllerError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, controller.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, controller.ErrMissingRecipients):
		writeError(w, http.StatusBadRequest, "recipient list cannot be empty")
	default:
		log.Printf("api: %s task error: %v", action, err)
		writeError(w, http.StatusInternalServerError, "failed to "+action+" task")
	}
}

func templateFromRequest(req TemplateRequest) domain.MessageTemplate {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return domain.MessageTemplate{
		Name:          req.Name,
		Signal:        req.Signal,
		Active:        active,
		Subject:       req.Subject,
		Body:          req.Body,
		FromHeader:    req.From,
		ReplyToHeader: req.ReplyTo,
		CCHeader:      req.CC,
		BCCHeader:     req.BCC,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
