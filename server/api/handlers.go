package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/companion/audit"
	"github.com/GoCodeAlone/companion/jobs"
	"github.com/GoCodeAlone/companion/task"
)

// DefaultAuditLimit is the number of audit entries returned without ?limit.
const DefaultAuditLimit = 50

// Handlers bundles all REST API handler dependencies. Audit, Events and
// Updates are optional; their routes answer 503 when unset.
type Handlers struct {
	Tasks    TaskManager
	Jobs     JobBuilder
	Sessions SessionCounter
	Audit    AuditLog
	Events   EventHistory
	Updates  UpdateChecker
	Logger   *slog.Logger
	Version  string
	Commit   string
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks/submit", h.submitTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/stats", h.taskStats)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.removeTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", h.taskEvents)

	mux.HandleFunc("GET /api/audit", h.listAudit)
	mux.HandleFunc("GET /api/updates/check", h.checkUpdates)

	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- Task handlers ---

// SubmitRequest is the body of POST /api/tasks/submit.
type SubmitRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// SubmitResponse is the body returned for an accepted submission.
type SubmitResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// NotFoundView is returned for an unknown task id.
type NotFoundView struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// submitBody decodes a SubmitRequest keeping track of which required
// fields were present. Empty strings are accepted; missing or null are not.
type submitBody struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Type        string  `json:"type"`
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
}

func (h *Handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Name == nil || body.Description == nil {
		writeError(w, http.StatusBadRequest, "Name and description are required")
		return
	}
	req := SubmitRequest{
		Name:        *body.Name,
		Description: *body.Description,
		Type:        body.Type,
		Source:      body.Source,
		Destination: body.Destination,
	}

	job, err := h.Jobs.Build(jobs.Spec{
		Kind:        jobs.ParseKind(req.Type),
		Source:      req.Source,
		Destination: req.Destination,
	})
	if err != nil {
		var re *jobs.RequestError
		if errors.As(err, &re) {
			writeError(w, http.StatusBadRequest, re.Msg)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, err := h.Tasks.Submit(req.Name, req.Description, job)
	if err != nil {
		if errors.Is(err, task.ErrPoolSaturated) || errors.Is(err, task.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger().Error("submit task",
			slog.String("request_id", RequestID(r.Context())),
			slog.Any("err", err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{TaskID: id, Status: "submitted"})
}

func (h *Handlers) listTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := h.Tasks.List()
	if tasks == nil {
		tasks = []task.View{}
	}
	writeJSON(w, http.StatusOK, map[string][]task.View{"tasks": tasks})
}

func (h *Handlers) taskStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Tasks.Stats())
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, err := h.Tasks.Status(id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, NotFoundView{
				TaskID:  id,
				Status:  "NOT_FOUND",
				Message: "Task not found",
				Error:   "task not found",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	cancelled := h.Tasks.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *Handlers) removeTask(w http.ResponseWriter, r *http.Request) {
	removed := h.Tasks.Remove(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// EventView is one in-memory lifecycle event.
type EventView struct {
	Type       task.EventType `json:"type"`
	Task       task.View      `json:"task"`
	At         int64          `json:"at"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

func (h *Handlers) taskEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history disabled")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	history := h.Events.History(r.PathValue("id"), limit)
	out := make([]EventView, 0, len(history))
	for _, ev := range history {
		out = append(out, EventView{
			Type:       ev.Type,
			Task:       ev.Task,
			At:         ev.At.UnixMilli(),
			DurationMs: ev.Duration.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string][]EventView{"events": out})
}

// --- Audit ---

func (h *Handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled")
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		TaskID: q.Get("task_id"),
		Limit:  DefaultAuditLimit,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	entries, err := h.Audit.List(r.Context(), filter)
	if err != nil {
		h.logger().Error("list audit",
			slog.String("request_id", RequestID(r.Context())),
			slog.Any("err", err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- Updates ---

// UpdateInfo is the body of GET /api/updates/check.
type UpdateInfo struct {
	CurrentVersion  string `json:"currentVersion"`
	UpdateAvailable bool   `json:"updateAvailable"`
	LatestVersion   string `json:"latestVersion,omitempty"`
	DownloadURL     string `json:"downloadUrl,omitempty"`
}

func (h *Handlers) checkUpdates(w http.ResponseWriter, r *http.Request) {
	if h.Updates == nil {
		writeError(w, http.StatusServiceUnavailable, "updates not configured")
		return
	}
	info := UpdateInfo{CurrentVersion: h.Updates.CurrentVersion()}
	rel, err := h.Updates.Check(r.Context())
	if err != nil {
		h.logger().Warn("update check failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.Any("err", err),
		)
		writeError(w, http.StatusBadGateway, "Failed to check for updates: "+err.Error())
		return
	}
	if rel != nil {
		info.UpdateAvailable = true
		info.LatestVersion = rel.Version
		info.DownloadURL = rel.URL
	}
	writeJSON(w, http.StatusOK, info)
}

// --- Health / status / version ---

func (h *Handlers) sessions() int {
	if h.Sessions == nil {
		return 0
	}
	return h.Sessions.Count()
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().UnixMilli(),
		"wsConnections": h.sessions(),
	})
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       h.Version,
		"running":       h.Tasks.Running(),
		"queued":        h.Tasks.Queued(),
		"wsConnections": h.sessions(),
	})
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"commit":  h.Commit,
	})
}
