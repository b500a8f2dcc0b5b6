package notify

import (
	"github.com/google/uuid"
)

// NotifyUserArgs delivers a task outcome to the user's chat channel.
type NotifyUserArgs struct {
	UserID  uuid.UUID `json:"user_id"`
	TaskID  uuid.UUID `json:"task_id"`
	Status  string    `json:"status"`
	Summary string    `json:"summary"`
	PRURL   string    `json:"pr_url,omitempty"`
}

func (NotifyUserArgs) Kind() string { return "notify_user" }

// Issue sync actions.
const (
	IssueActionEnsure     = "ensure"
	IssueActionInProgress = "in_progress"
	IssueActionInReview   = "in_review"
)

// SyncIssueArgs drives a best-effort issue-tracker transition for a task.
type SyncIssueArgs struct {
	TaskID      uuid.UUID `json:"task_id"`
	IssueID     string    `json:"issue_id,omitempty"`
	Action      string    `json:"action"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
}

func (SyncIssueArgs) Kind() string { return "sync_issue" }
