package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/patchworkhq/backend/internal/dispatch"
	"github.com/patchworkhq/backend/internal/limits"
	"github.com/patchworkhq/backend/internal/middleware"
	"github.com/patchworkhq/backend/internal/models"
	"github.com/patchworkhq/backend/internal/repository"
	"github.com/patchworkhq/backend/internal/tasks"
	"github.com/patchworkhq/backend/internal/webhook"
)

// TaskService is the controller surface the HTTP layer drives.
type TaskService interface {
	Submit(ctx context.Context, in tasks.SubmitInput) (*tasks.SubmitResult, error)
	ProcessWebhookUpdate(ctx context.Context, taskID uuid.UUID, upd tasks.WebhookUpdate) error
	Cancel(ctx context.Context, taskID, userID uuid.UUID) error
	Get(ctx context.Context, taskID, userID uuid.UUID) (*models.Task, error)
	List(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) (*repository.ListPage, error)
	Heartbeat(ctx context.Context, ids []uuid.UUID) (*tasks.HeartbeatResult, error)
	DetectZombies(ctx context.Context) (*tasks.SweepResult, error)
	WebhookSecret(ctx context.Context, taskID uuid.UUID) (string, error)
}

// WebhookVerifier authenticates the signed callback triple.
type WebhookVerifier interface {
	Verify(rawBody []byte, timestampHeader, signatureHeader, secret string) error
}

// TaskHandler serves the /v1/code-tasks endpoints.
type TaskHandler struct {
	Service  TaskService
	Verifier WebhookVerifier
	Logger   *slog.Logger
}

// --- POST /v1/code-tasks ---

type createTaskRequest struct {
	Prompt           string `json:"prompt"`
	WorkerType       string `json:"worker_type"`
	Repository       string `json:"repository"`
	BaseBranch       string `json:"base_branch"`
	TraceID          string `json:"trace_id"`
	LinearIssueID    string `json:"linear_issue_id"`
	LinearIssueTitle string `json:"linear_issue_title"`
	ActionID         string `json:"action_id"`
	ApprovalEventID  string `json:"approval_event_id"`
}

// CreateTask handles POST /v1/code-tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if models.SanitizePrompt(req.Prompt) == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}
	if req.Repository == "" {
		http.Error(w, `{"error":"repository is required"}`, http.StatusBadRequest)
		return
	}
	if req.WorkerType != "" && !models.IsValidWorkerType(req.WorkerType) {
		http.Error(w, fmt.Sprintf(`{"error":"unknown worker type %q"}`, req.WorkerType), http.StatusBadRequest)
		return
	}

	res, err := h.Service.Submit(r.Context(), tasks.SubmitInput{
		UserID:           userID,
		Prompt:           req.Prompt,
		WorkerType:       req.WorkerType,
		Repository:       req.Repository,
		BaseBranch:       req.BaseBranch,
		TraceID:          req.TraceID,
		LinearIssueID:    req.LinearIssueID,
		LinearIssueTitle: req.LinearIssueTitle,
		ActionID:         req.ActionID,
		ApprovalEventID:  req.ApprovalEventID,
	})
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// writeSubmitError maps the typed submission failures onto HTTP codes:
// dedup/conflict 409, rate limits 429, limiter outage and dispatch
// failures 503.
func (h *TaskHandler) writeSubmitError(w http.ResponseWriter, err error) {
	var admission *tasks.AdmissionError
	if errors.As(err, &admission) {
		body := map[string]string{"error": admission.Code, "message": admission.Message}
		if admission.ExistingTaskID != uuid.Nil {
			body["existing_task_id"] = admission.ExistingTaskID.String()
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}

	var limErr *limits.LimitError
	if errors.As(err, &limErr) {
		status := http.StatusTooManyRequests
		if limErr.Kind == limits.KindServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
		if limErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(limErr.RetryAfter.Seconds())))
		}
		writeJSON(w, status, map[string]string{"error": string(limErr.Kind), "message": limErr.Message})
		return
	}

	var dispErr *dispatch.Error
	if errors.As(err, &dispErr) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": dispErr.Code, "message": dispErr.Message})
		return
	}

	h.Logger.Error("submit failed", "error", err)
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

// --- POST /v1/code-tasks/{id}/webhook ---

// Webhook handles the signed worker callback. An unknown task id, a
// stale timestamp and a bad signature all produce the same 401.
func (h *TaskHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromPath(r)
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	secret, err := h.Service.WebhookSecret(r.Context(), taskID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.Logger.Error("webhook secret lookup failed", "task_id", taskID, "error", err)
		}
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if err := h.Verifier.Verify(body,
		r.Header.Get(webhook.TimestampHeader),
		r.Header.Get(webhook.SignatureHeader),
		secret,
	); err != nil {
		var vErr *webhook.Error
		if errors.As(err, &vErr) {
			h.Logger.Warn("webhook rejected", "task_id", taskID, "kind", vErr.Kind)
		}
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var upd tasks.WebhookUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if err := h.Service.ProcessWebhookUpdate(r.Context(), taskID, upd); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "NOT_FOUND"})
		case errors.Is(err, repository.ErrAlreadyTerminal):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "task already terminal"})
		default:
			// A dropped update could strand the task in a non-terminal
			// state; surface it so the worker retries.
			h.Logger.Error("webhook update failed", "task_id", taskID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- POST /v1/code-tasks/{id}/cancel ---

func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, ok := taskIDFromPath(r)
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	if err := h.Service.Cancel(r.Context(), taskID, userID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task_not_found"})
		case errors.Is(err, tasks.ErrCancelForbidden):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		case errors.Is(err, tasks.ErrTaskNotRunning):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "task_not_running"})
		default:
			h.Logger.Error("cancel failed", "task_id", taskID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- GET /v1/code-tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, ok := taskIDFromPath(r)
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	task, err := h.Service.Get(r.Context(), taskID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task_not_found"})
			return
		}
		h.Logger.Error("get task failed", "task_id", taskID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- GET /v1/code-tasks ---

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !models.IsValidStatus(status) {
		http.Error(w, fmt.Sprintf(`{"error":"unknown status %q"}`, status), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := h.Service.List(r.Context(), userID, status, limit, q.Get("cursor"))
	if err != nil {
		if errors.Is(err, repository.ErrBadCursor) {
			http.Error(w, `{"error":"invalid cursor"}`, http.StatusBadRequest)
			return
		}
		h.Logger.Error("list tasks failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- POST /v1/code-tasks/heartbeat ---

type heartbeatRequest struct {
	TaskIDs []uuid.UUID `json:"task_ids"`
}

// Heartbeat handles liveness pings from long-running workers.
func (h *TaskHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.TaskIDs) == 0 {
		http.Error(w, `{"error":"task_ids is required"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Service.Heartbeat(r.Context(), req.TaskIDs)
	if err != nil {
		h.Logger.Error("heartbeat failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /internal/zombie-sweep ---

// ZombieSweep triggers one detection run. Same code path the cron
// schedule drives.
func (h *TaskHandler) ZombieSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.DetectZombies(r.Context())
	if err != nil {
		h.Logger.Error("zombie sweep failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- helpers ---

func taskIDFromPath(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
