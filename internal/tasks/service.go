package tasks

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patchworkhq/backend/internal/dispatch"
	"github.com/patchworkhq/backend/internal/limits"
	"github.com/patchworkhq/backend/internal/models"
	"github.com/patchworkhq/backend/internal/notify"
	"github.com/patchworkhq/backend/internal/repository"
)

// ErrorCodeWorkerInterrupted is attached to tasks reclassified by the
// zombie sweep.
const ErrorCodeWorkerInterrupted = "worker_interrupted"

// Admission rejection codes.
const (
	CodeDuplicatePrompt  = "DUPLICATE_PROMPT"
	CodeActiveTaskExists = "ACTIVE_TASK_EXISTS"
)

// AdmissionError is a typed dedup/conflict rejection carrying the id of
// the task that already covers the submission.
type AdmissionError struct {
	Code           string
	ExistingTaskID uuid.UUID
	Message        string
}

func (e *AdmissionError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Cancel failure modes.
var (
	ErrCancelForbidden = errors.New("forbidden")
	ErrTaskNotRunning  = errors.New("task_not_running")
)

// Store is the task record store surface the controller needs.
type Store interface {
	Create(ctx context.Context, t *models.Task) error
	FindRecentDuplicate(ctx context.Context, userID uuid.UUID, dedupKey string) (*models.Task, error)
	FindActiveByLinearIssue(ctx context.Context, issueID string) (*models.Task, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Task, error)
	List(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) (*repository.ListPage, error)
	RecordDispatch(ctx context.Context, id uuid.UUID, location string) error
	ApplyStatusSummary(ctx context.Context, id uuid.UUID, summary *models.StatusSummary) error
	TransitionTerminal(ctx context.Context, id uuid.UUID, status string, result *models.TaskResult, taskErr *models.TaskError, costUSD *float64) (*models.Task, error)
	MarkInterrupted(ctx context.Context, id uuid.UUID, taskErr *models.TaskError) error
	Heartbeat(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	FindZombieTasks(ctx context.Context, staleBefore time.Time) ([]*models.Task, error)
}

// Limiter is the admission/accounting surface the controller needs.
type Limiter interface {
	CheckLimits(ctx context.Context, userID uuid.UUID, promptLength int) *limits.LimitError
	RecordTaskStart(ctx context.Context, userID, taskID uuid.UUID) error
	RecordTaskComplete(ctx context.Context, userID, taskID uuid.UUID, costUSD *float64) error
}

// Dispatcher sends work to and cancels work on remote executors.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error)
	CancelOnWorker(ctx context.Context, taskID uuid.UUID, workerLocation string)
}

// InsertNotifyFunc enqueues a user notification job. Typically a
// closure over river.Client.Insert.
type InsertNotifyFunc func(ctx context.Context, args notify.NotifyUserArgs) error

// InsertIssueSyncFunc enqueues an issue-tracker sync job.
type InsertIssueSyncFunc func(ctx context.Context, args notify.SyncIssueArgs) error

// Deps is the explicit dependency set the controller is built from.
// One instance per process (or per test); nothing is fetched from
// globals.
type Deps struct {
	Store            Store
	Limiter          Limiter
	Dispatcher       Dispatcher
	InsertNotify     InsertNotifyFunc
	InsertIssueSync  InsertIssueSyncFunc
	PublicURL        string
	SystemPromptHash string
	ZombieThreshold  time.Duration
	Logger           *slog.Logger
}

// Service orchestrates the task lifecycle: submit, webhook updates,
// cancellation, heartbeats, and the zombie sweep.
type Service struct {
	store           Store
	limiter         Limiter
	dispatcher      Dispatcher
	insertNotify    InsertNotifyFunc
	insertIssueSync InsertIssueSyncFunc

	publicURL        string
	systemPromptHash string
	zombieThreshold  time.Duration

	log *slog.Logger
	now func() time.Time
}

func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:            d.Store,
		limiter:          d.Limiter,
		dispatcher:       d.Dispatcher,
		insertNotify:     d.InsertNotify,
		insertIssueSync:  d.InsertIssueSync,
		publicURL:        d.PublicURL,
		systemPromptHash: d.SystemPromptHash,
		zombieThreshold:  d.ZombieThreshold,
		log:              log,
		now:              time.Now,
	}
}

// SubmitInput is a code-task submission, either from the UI or from an
// upstream approval flow (which sets ActionID/ApprovalEventID).
type SubmitInput struct {
	UserID           uuid.UUID
	Prompt           string
	WorkerType       string // defaults to auto
	Repository       string
	BaseBranch       string
	TraceID          string // generated when absent
	LinearIssueID    string
	LinearIssueTitle string
	ActionID         string
	ApprovalEventID  string
}

// SubmitResult is the accepted-submission response.
type SubmitResult struct {
	TaskID  uuid.UUID `json:"code_task_id"`
	TraceID string    `json:"trace_id"`
	Status  string    `json:"status"`
}

// Submit admits, persists, and dispatches a new code task.
// Order: rate/cost limits -> conditional create (dedup + active-issue
// guard) -> issue linking (best effort) -> dispatch -> usage ledger.
// If dispatch fails after the row exists, the error is persisted on the
// row and surfaced; the row is never rolled back.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	sanitized := models.SanitizePrompt(in.Prompt)
	if sanitized == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if in.Repository == "" {
		return nil, fmt.Errorf("repository is required")
	}
	workerType := in.WorkerType
	if workerType == "" {
		workerType = models.WorkerTypeAuto
	}
	if !models.IsValidWorkerType(workerType) {
		return nil, fmt.Errorf("unknown worker type %q", workerType)
	}
	baseBranch := in.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	traceID := in.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	if limErr := s.limiter.CheckLimits(ctx, in.UserID, len(in.Prompt)); limErr != nil {
		return nil, limErr
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}

	task := &models.Task{
		ID:               uuid.New(),
		UserID:           in.UserID,
		TraceID:          traceID,
		Prompt:           in.Prompt,
		SanitizedPrompt:  sanitized,
		SystemPromptHash: s.systemPromptHash,
		WorkerType:       workerType,
		Repository:       in.Repository,
		BaseBranch:       baseBranch,
		DedupKey:         DedupKey(in.UserID, sanitized),
		Status:           models.TaskStatusDispatched,
		WebhookSecret:    secret,
	}
	if in.LinearIssueID != "" {
		task.LinearIssueID = &in.LinearIssueID
	}
	if in.LinearIssueTitle != "" {
		task.LinearIssueTitle = &in.LinearIssueTitle
	}
	if in.ActionID != "" {
		task.ActionID = &in.ActionID
	}
	if in.ApprovalEventID != "" {
		task.ApprovalEventID = &in.ApprovalEventID
	}

	if err := s.store.Create(ctx, task); err != nil {
		if errors.Is(err, repository.ErrCreateConditionFailed) {
			return nil, s.classifyRejection(ctx, task)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.linkIssue(task)

	res, err := s.dispatcher.Dispatch(ctx, &dispatch.Request{
		TaskID:           task.ID,
		Prompt:           task.Prompt,
		SystemPromptHash: task.SystemPromptHash,
		Repository:       task.Repository,
		BaseBranch:       task.BaseBranch,
		WorkerType:       task.WorkerType,
		WebhookURL:       fmt.Sprintf("%s/v1/code-tasks/%s/webhook", s.publicURL, task.ID),
		WebhookSecret:    task.WebhookSecret,
		LinearIssueID:    in.LinearIssueID,
	})
	if err != nil {
		s.persistDispatchFailure(ctx, task, err)
		return nil, err
	}

	if err := s.store.RecordDispatch(ctx, task.ID, res.WorkerLocation); err != nil {
		// The worker already has the task; losing the location is not
		// worth failing the submission over.
		s.log.Error("record dispatch location failed", "task_id", task.ID, "error", err)
	}

	s.async("record task start", func(ctx context.Context) error {
		return s.limiter.RecordTaskStart(ctx, task.UserID, task.ID)
	})

	return &SubmitResult{TaskID: task.ID, TraceID: traceID, Status: "submitted"}, nil
}

// classifyRejection decides which guard stopped the conditional create.
// Both guards are re-checked; the dedup window is the more specific
// signal and wins when both fire.
func (s *Service) classifyRejection(ctx context.Context, task *models.Task) error {
	if dup, err := s.store.FindRecentDuplicate(ctx, task.UserID, task.DedupKey); err == nil {
		return &AdmissionError{
			Code:           CodeDuplicatePrompt,
			ExistingTaskID: dup.ID,
			Message:        "an identical prompt was submitted in the last few minutes",
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("classify rejection: %w", err)
	}
	if task.LinearIssueID != nil {
		if active, err := s.store.FindActiveByLinearIssue(ctx, *task.LinearIssueID); err == nil {
			return &AdmissionError{
				Code:           CodeActiveTaskExists,
				ExistingTaskID: active.ID,
				Message:        "a task for this issue is already in flight",
			}
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("classify rejection: %w", err)
		}
	}
	// The conflicting row disappeared between the insert and the
	// re-read; the caller can simply retry.
	return &AdmissionError{Code: CodeDuplicatePrompt, Message: "submission conflicted with a concurrent task, retry"}
}

// linkIssue enqueues the best-effort issue-tracker work for a new task.
func (s *Service) linkIssue(task *models.Task) {
	args := notify.SyncIssueArgs{TaskID: task.ID}
	if task.LinearIssueID != nil {
		args.Action = notify.IssueActionInProgress
		args.IssueID = *task.LinearIssueID
	} else {
		args.Action = notify.IssueActionEnsure
		args.Title = truncate(task.SanitizedPrompt, 80)
		args.Description = task.Prompt
	}
	s.async("issue link", func(ctx context.Context) error {
		return s.insertIssueSync(ctx, args)
	})
}

// persistDispatchFailure records the dispatch error on the already
// created row so the task stays inspectable.
func (s *Service) persistDispatchFailure(ctx context.Context, task *models.Task, dispatchErr error) {
	code := dispatch.CodeDispatchFailed
	var de *dispatch.Error
	if errors.As(dispatchErr, &de) {
		code = de.Code
	}
	taskErr := &models.TaskError{
		Code:    code,
		Message: dispatchErr.Error(),
		Remediation: []string{
			"retry the submission once a worker is available",
		},
	}
	if _, err := s.store.TransitionTerminal(ctx, task.ID, models.TaskStatusFailed, nil, taskErr, nil); err != nil {
		s.log.Error("persist dispatch failure", "task_id", task.ID, "error", err)
	}
}

// WebhookUpdate is an inbound worker callback, already authenticated by
// the webhook verifier.
type WebhookUpdate struct {
	Status        string                `json:"status,omitempty"`
	Result        *models.TaskResult    `json:"result,omitempty"`
	Error         *models.TaskError     `json:"error,omitempty"`
	StatusSummary *models.StatusSummary `json:"status_summary,omitempty"`
	CostUSD       *float64              `json:"cost_usd,omitempty"`
}

// ProcessWebhookUpdate applies a worker callback to the task. Progress
// pings refresh the advisory summary (and flip dispatched to running);
// terminal statuses run the conditional terminal transition and kick
// off the fire-and-forget side effects.
func (s *Service) ProcessWebhookUpdate(ctx context.Context, taskID uuid.UUID, upd WebhookUpdate) error {
	switch {
	case upd.Status == "" || upd.Status == models.TaskStatusRunning:
		summary := upd.StatusSummary
		if summary == nil {
			summary = &models.StatusSummary{Phase: models.TaskStatusRunning}
		}
		summary.UpdatedAt = s.now()
		return s.store.ApplyStatusSummary(ctx, taskID, summary)

	case models.IsTerminalStatus(upd.Status):
		if upd.Status == models.TaskStatusCompleted && upd.Result == nil {
			return fmt.Errorf("completed webhook without result")
		}
		if (upd.Status == models.TaskStatusFailed || upd.Status == models.TaskStatusInterrupted) && upd.Error == nil {
			return fmt.Errorf("%s webhook without error", upd.Status)
		}
		task, err := s.store.TransitionTerminal(ctx, taskID, upd.Status, upd.Result, upd.Error, upd.CostUSD)
		if err != nil {
			return err
		}
		s.afterTerminal(task)
		return nil

	default:
		return fmt.Errorf("unknown status %q", upd.Status)
	}
}

// afterTerminal runs the side effects of a terminal transition. All of
// them are fire-and-forget: logged on failure, never surfaced to the
// webhook response.
func (s *Service) afterTerminal(task *models.Task) {
	s.async("record task complete", func(ctx context.Context) error {
		return s.limiter.RecordTaskComplete(ctx, task.UserID, task.ID, task.CostUSD)
	})

	if task.Status == models.TaskStatusCompleted && task.Result != nil &&
		task.Result.PRURL != "" && task.LinearIssueID != nil {
		issueID := *task.LinearIssueID
		s.async("issue in-review", func(ctx context.Context) error {
			return s.insertIssueSync(ctx, notify.SyncIssueArgs{
				TaskID:  task.ID,
				IssueID: issueID,
				Action:  notify.IssueActionInReview,
			})
		})
	}

	notifyArgs := notify.NotifyUserArgs{
		UserID: task.UserID,
		TaskID: task.ID,
		Status: task.Status,
	}
	if task.Result != nil {
		notifyArgs.Summary = task.Result.Summary
		notifyArgs.PRURL = task.Result.PRURL
	} else if task.Error != nil {
		notifyArgs.Summary = task.Error.Message
	}
	s.async("notify user", func(ctx context.Context) error {
		return s.insertNotify(ctx, notifyArgs)
	})
}

// WebhookSecret returns the per-task secret used to authenticate
// inbound callbacks. Callers must treat a lookup miss exactly like a
// bad signature so task ids can't be probed.
func (s *Service) WebhookSecret(ctx context.Context, taskID uuid.UUID) (string, error) {
	task, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.WebhookSecret, nil
}

// Cancel moves an active task to cancelled on behalf of its owner. The
// store update is the single source of truth; telling the worker to
// stop is advisory and happens after.
func (s *Service) Cancel(ctx context.Context, taskID, userID uuid.UUID) error {
	task, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.UserID != userID {
		return ErrCancelForbidden
	}
	if !task.IsActive() {
		return ErrTaskNotRunning
	}

	cancelled, err := s.store.TransitionTerminal(ctx, taskID, models.TaskStatusCancelled, nil, nil, nil)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyTerminal) {
			return ErrTaskNotRunning
		}
		return err
	}

	s.async("record task complete", func(ctx context.Context) error {
		return s.limiter.RecordTaskComplete(ctx, cancelled.UserID, cancelled.ID, nil)
	})
	if cancelled.WorkerLocation != nil {
		loc := *cancelled.WorkerLocation
		s.async("cancel on worker", func(ctx context.Context) error {
			s.dispatcher.CancelOnWorker(ctx, taskID, loc)
			return nil
		})
	}
	return nil
}

// Get returns the user's task.
func (s *Service) Get(ctx context.Context, taskID, userID uuid.UUID) (*models.Task, error) {
	return s.store.GetByIDForUser(ctx, taskID, userID)
}

// List returns a page of the user's tasks.
func (s *Service) List(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) (*repository.ListPage, error) {
	return s.store.List(ctx, userID, status, limit, cursor)
}

// HeartbeatResult reports which task ids a heartbeat touched.
type HeartbeatResult struct {
	Processed []uuid.UUID `json:"processed"`
	NotFound  []uuid.UUID `json:"not_found"`
}

// Heartbeat refreshes updated_at on the given active tasks. Unknown or
// already-terminal ids are reported back, not treated as errors.
func (s *Service) Heartbeat(ctx context.Context, ids []uuid.UUID) (*HeartbeatResult, error) {
	touched, err := s.store.Heartbeat(ctx, ids)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(touched))
	for _, id := range touched {
		seen[id] = true
	}
	res := &HeartbeatResult{Processed: touched}
	for _, id := range ids {
		if !seen[id] {
			res.NotFound = append(res.NotFound, id)
		}
	}
	return res, nil
}

// SweepResult is the outcome of one zombie-detection run.
type SweepResult struct {
	Detected    int `json:"detected"`
	Interrupted int `json:"interrupted"`
	Errors      int `json:"errors"`
}

// DetectZombies reclassifies silently-dead tasks as interrupted. Safe
// to run concurrently with itself: the conditional update refuses to
// touch tasks another run already finished. Per-task failures are
// accumulated, never abort the sweep.
func (s *Service) DetectZombies(ctx context.Context) (*SweepResult, error) {
	staleBefore := s.now().Add(-s.zombieThreshold)
	zombies, err := s.store.FindZombieTasks(ctx, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("find zombie tasks: %w", err)
	}

	res := &SweepResult{Detected: len(zombies)}
	for _, z := range zombies {
		taskErr := &models.TaskError{
			Code:    ErrorCodeWorkerInterrupted,
			Message: fmt.Sprintf("no worker activity since %s", z.UpdatedAt.UTC().Format(time.RFC3339)),
			Remediation: []string{
				"resubmit the task",
			},
		}
		if err := s.store.MarkInterrupted(ctx, z.ID, taskErr); err != nil {
			if errors.Is(err, repository.ErrAlreadyTerminal) || errors.Is(err, repository.ErrNotFound) {
				continue // a concurrent run or webhook got there first
			}
			s.log.Error("zombie interruption failed", "task_id", z.ID, "error", err)
			res.Errors++
			continue
		}
		res.Interrupted++

		z := z
		s.async("record task complete", func(ctx context.Context) error {
			return s.limiter.RecordTaskComplete(ctx, z.UserID, z.ID, nil)
		})
		s.async("notify user", func(ctx context.Context) error {
			return s.insertNotify(ctx, notify.NotifyUserArgs{
				UserID:  z.UserID,
				TaskID:  z.ID,
				Status:  models.TaskStatusInterrupted,
				Summary: taskErr.Message,
			})
		})
	}

	s.log.Info("zombie sweep finished",
		"detected", res.Detected, "interrupted", res.Interrupted, "errors", res.Errors)
	return res, nil
}

// async runs a side effect in its own goroutine with its own deadline
// and error boundary. Failures are logged and swallowed: they must not
// block or fail the state transition that already happened.
func (s *Service) async(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Error("side effect failed", "op", op, "error", err)
		}
	}()
}

// DedupKey derives the deterministic dedup key for a user and sanitized
// prompt.
func DedupKey(userID uuid.UUID, sanitizedPrompt string) string {
	sum := sha256.Sum256([]byte(userID.String() + "\n" + sanitizedPrompt))
	return hex.EncodeToString(sum[:])
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
