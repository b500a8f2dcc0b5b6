package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/patchworkhq/backend/internal/linear"
)

// NotifyUserWorker posts a task outcome message to the configured chat
// webhook. River retries transient failures; a blank webhook URL makes
// delivery a logged no-op.
type NotifyUserWorker struct {
	river.WorkerDefaults[NotifyUserArgs]
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger
}

func NewNotifyUserWorker(webhookURL string, log *slog.Logger) *NotifyUserWorker {
	if log == nil {
		log = slog.Default()
	}
	return &NotifyUserWorker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

func (w *NotifyUserWorker) Work(ctx context.Context, job *river.Job[NotifyUserArgs]) error {
	args := job.Args
	if w.webhookURL == "" {
		w.log.Info("notification skipped (no webhook configured)",
			"user_id", args.UserID, "task_id", args.TaskID, "status", args.Status)
		return nil
	}

	text := fmt.Sprintf("Task %s %s", args.TaskID, args.Status)
	if args.Summary != "" {
		text += ": " + args.Summary
	}
	if args.PRURL != "" {
		text += " (" + args.PRURL + ")"
	}
	body, err := json.Marshal(map[string]string{
		"user_id": args.UserID.String(),
		"text":    text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify delivery: status %d", resp.StatusCode)
	}
	return nil
}

// IssueTracker is the issue client surface the sync worker needs.
type IssueTracker interface {
	Enabled() bool
	EnsureIssueExists(ctx context.Context, title, description string) (*linear.Issue, error)
	MarkInProgress(ctx context.Context, issueID string) error
	MarkInReview(ctx context.Context, issueID string) error
}

// IssueStore records the created issue back on the task row.
type IssueStore interface {
	SetLinearIssue(ctx context.Context, taskID uuid.UUID, issueID, title string, fallback bool) error
}

// SyncIssueWorker performs best-effort issue-tracker transitions for a
// task. The task's authoritative state never depends on these.
type SyncIssueWorker struct {
	river.WorkerDefaults[SyncIssueArgs]
	tracker IssueTracker
	store   IssueStore
	log     *slog.Logger
}

func NewSyncIssueWorker(tracker IssueTracker, store IssueStore, log *slog.Logger) *SyncIssueWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SyncIssueWorker{tracker: tracker, store: store, log: log}
}

func (w *SyncIssueWorker) Work(ctx context.Context, job *river.Job[SyncIssueArgs]) error {
	args := job.Args
	if !w.tracker.Enabled() {
		return nil
	}

	switch args.Action {
	case IssueActionEnsure:
		issue, err := w.tracker.EnsureIssueExists(ctx, args.Title, args.Description)
		if err != nil {
			// Record the fallback so the task shows it has no linked issue.
			if storeErr := w.store.SetLinearIssue(ctx, args.TaskID, "", "", true); storeErr != nil {
				w.log.Error("record linear fallback failed", "task_id", args.TaskID, "error", storeErr)
			}
			return fmt.Errorf("ensure issue: %w", err)
		}
		if err := w.store.SetLinearIssue(ctx, args.TaskID, issue.ID, issue.Title, false); err != nil {
			return fmt.Errorf("link issue to task: %w", err)
		}
		if err := w.tracker.MarkInProgress(ctx, issue.ID); err != nil {
			w.log.Warn("issue in-progress transition failed", "task_id", args.TaskID, "issue_id", issue.ID, "error", err)
		}
		return nil

	case IssueActionInProgress:
		return w.tracker.MarkInProgress(ctx, args.IssueID)

	case IssueActionInReview:
		return w.tracker.MarkInReview(ctx, args.IssueID)

	default:
		w.log.Error("unknown issue sync action", "action", args.Action, "task_id", args.TaskID)
		return nil
	}
}
