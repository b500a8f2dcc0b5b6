package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task status enum. dispatched and running are active; the other four
// are terminal and immutable once reached.
const (
	TaskStatusDispatched  = "dispatched"
	TaskStatusRunning     = "running"
	TaskStatusCompleted   = "completed"
	TaskStatusFailed      = "failed"
	TaskStatusInterrupted = "interrupted"
	TaskStatusCancelled   = "cancelled"
)

// Worker type selects the model/strategy the executor runs.
const (
	WorkerTypeOpus = "opus"
	WorkerTypeAuto = "auto"
	WorkerTypeGLM  = "glm"
)

// ActiveStatuses are the non-terminal task statuses.
var ActiveStatuses = []string{TaskStatusDispatched, TaskStatusRunning}

// IsTerminalStatus reports whether s is one of the four terminal statuses.
func IsTerminalStatus(s string) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusInterrupted, TaskStatusCancelled:
		return true
	}
	return false
}

// IsValidStatus reports whether s is a known task status.
func IsValidStatus(s string) bool {
	switch s {
	case TaskStatusDispatched, TaskStatusRunning:
		return true
	}
	return IsTerminalStatus(s)
}

// IsValidWorkerType reports whether t is a known worker type.
func IsValidWorkerType(t string) bool {
	return t == WorkerTypeOpus || t == WorkerTypeAuto || t == WorkerTypeGLM
}

// TaskResult is the outcome of a completed task.
type TaskResult struct {
	Branch        string `json:"branch,omitempty"`
	CommitCount   int    `json:"commit_count"`
	Summary       string `json:"summary,omitempty"`
	PRURL         string `json:"pr_url,omitempty"`
	CIFailed      bool   `json:"ci_failed"`
	PartialWork   bool   `json:"partial_work"`
	RebaseOutcome string `json:"rebase_outcome,omitempty"`
}

// TaskError describes why a task failed or was interrupted.
type TaskError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Remediation []string `json:"remediation,omitempty"`
}

// StatusSummary is the advisory progress snapshot from the worker.
// Overwritten wholesale by each progress ping.
type StatusSummary struct {
	Phase     string    `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress"` // 0-100
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one unit of asynchronous remote code-modification work.
type Task struct {
	ID      uuid.UUID `json:"id"`
	UserID  uuid.UUID `json:"user_id"`
	TraceID string    `json:"trace_id"`

	Prompt           string `json:"prompt"`
	SanitizedPrompt  string `json:"sanitized_prompt"`
	SystemPromptHash string `json:"system_prompt_hash,omitempty"`
	WorkerType       string `json:"worker_type"`
	Repository       string `json:"repository"`
	BaseBranch       string `json:"base_branch"`

	// Set by the dispatcher once a worker has been resolved.
	WorkerLocation *string `json:"worker_location,omitempty"`

	DedupKey        string  `json:"-"`
	ActionID        *string `json:"action_id,omitempty"`
	ApprovalEventID *string `json:"approval_event_id,omitempty"`

	LinearIssueID    *string `json:"linear_issue_id,omitempty"`
	LinearIssueTitle *string `json:"linear_issue_title,omitempty"`
	LinearFallback   bool    `json:"linear_fallback,omitempty"`

	Status        string         `json:"status"`
	Result        *TaskResult    `json:"result,omitempty"`
	Error         *TaskError     `json:"error,omitempty"`
	StatusSummary *StatusSummary `json:"status_summary,omitempty"`

	CallbackReceived bool   `json:"callback_received"`
	WebhookSecret    string `json:"-"` // never returned to clients

	CostUSD *float64 `json:"cost_usd,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the task is still on a worker (cancellable,
// heartbeat-relevant, zombie-eligible).
func (t *Task) IsActive() bool {
	return t.Status == TaskStatusDispatched || t.Status == TaskStatusRunning
}

// SanitizePrompt trims the prompt and collapses internal whitespace runs
// to single spaces. The dedup key is derived from this form.
func SanitizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}
