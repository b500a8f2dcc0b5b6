package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patchworkhq/backend/internal/models"
)

// Store error kinds. Callers discriminate with errors.Is.
var (
	// ErrNotFound means the task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyTerminal means a conditional status transition matched a
	// task that has already reached a terminal status.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrCreateConditionFailed means the conditional insert matched the
	// dedup window or an active linear issue and created nothing.
	ErrCreateConditionFailed = errors.New("create condition failed")
	// ErrBadCursor means the pagination cursor could not be decoded.
	ErrBadCursor = errors.New("invalid cursor")
)

// DedupWindow is the rolling window within which the same sanitized
// prompt from the same user is a duplicate.
const DedupWindow = 5 * time.Minute

const taskColumns = `id, user_id, trace_id, prompt, sanitized_prompt, system_prompt_hash,
	worker_type, repository, base_branch, worker_location, dedup_key,
	action_id, approval_event_id, linear_issue_id, linear_issue_title, linear_fallback,
	status, result, error, status_summary, callback_received, webhook_secret,
	cost_usd, created_at, updated_at`

// TaskRepo is the Postgres task record store.
type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Create inserts the task iff (a) no task by the same user with the
// same dedup key exists inside the dedup window and (b) the task's
// linear issue, if any, has no active task. Both guards live inside a
// single conditional INSERT so concurrent identical submissions cannot
// both land. Returns ErrCreateConditionFailed when nothing was
// inserted; the caller classifies the rejection with the read helpers.
func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	result, errJSON, summary, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO code_tasks (id, user_id, trace_id, prompt, sanitized_prompt, system_prompt_hash,
			worker_type, repository, base_branch, worker_location, dedup_key,
			action_id, approval_event_id, linear_issue_id, linear_issue_title, linear_fallback,
			status, result, error, status_summary, callback_received, webhook_secret, cost_usd)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
		WHERE NOT EXISTS (
			SELECT 1 FROM code_tasks
			WHERE user_id = $2 AND dedup_key = $11 AND created_at > now() - $24::interval
		)
		AND ($14::text IS NULL OR NOT EXISTS (
			SELECT 1 FROM code_tasks
			WHERE linear_issue_id = $14 AND status = ANY($25)
		))
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.TraceID, t.Prompt, t.SanitizedPrompt, t.SystemPromptHash,
		t.WorkerType, t.Repository, t.BaseBranch, t.WorkerLocation, t.DedupKey,
		t.ActionID, t.ApprovalEventID, t.LinearIssueID, t.LinearIssueTitle, t.LinearFallback,
		t.Status, result, errJSON, summary, t.CallbackReceived, t.WebhookSecret, t.CostUSD,
		DedupWindow.String(), models.ActiveStatuses)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCreateConditionFailed
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// FindRecentDuplicate returns the most recent task by the user with the
// given dedup key inside the dedup window, or ErrNotFound.
func (r *TaskRepo) FindRecentDuplicate(ctx context.Context, userID uuid.UUID, dedupKey string) (*models.Task, error) {
	return r.queryOne(ctx, `
		SELECT `+taskColumns+` FROM code_tasks
		WHERE user_id = $1 AND dedup_key = $2 AND created_at > now() - $3::interval
		ORDER BY created_at DESC LIMIT 1
	`, userID, dedupKey, DedupWindow.String())
}

// FindActiveByLinearIssue returns the active task bound to the given
// linear issue, or ErrNotFound.
func (r *TaskRepo) FindActiveByLinearIssue(ctx context.Context, issueID string) (*models.Task, error) {
	return r.queryOne(ctx, `
		SELECT `+taskColumns+` FROM code_tasks
		WHERE linear_issue_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1
	`, issueID, models.ActiveStatuses)
}

// HasActiveTaskForLinearIssue reports whether an active task references
// the given linear issue.
func (r *TaskRepo) HasActiveTaskForLinearIssue(ctx context.Context, issueID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM code_tasks WHERE linear_issue_id = $1 AND status = ANY($2))
	`, issueID, models.ActiveStatuses).Scan(&exists)
	return exists, err
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return r.queryOne(ctx, `SELECT `+taskColumns+` FROM code_tasks WHERE id = $1`, id)
}

// GetByIDForUser returns the task only if it belongs to the user.
func (r *TaskRepo) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Task, error) {
	return r.queryOne(ctx, `SELECT `+taskColumns+` FROM code_tasks WHERE id = $1 AND user_id = $2`, id, userID)
}

// ListPage is one page of a user's tasks.
type ListPage struct {
	Tasks      []*models.Task `json:"tasks"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// List returns the user's tasks newest first, optionally filtered by
// status, with keyset pagination over (created_at, id).
func (r *TaskRepo) List(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) (*ListPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + taskColumns + ` FROM code_tasks WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, at, id)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &ListPage{Tasks: tasks}
	if len(tasks) > limit {
		page.Tasks = tasks[:limit]
		last := page.Tasks[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// SetLinearIssue links (or records a failed attempt to link) a tracker
// issue to the task.
func (r *TaskRepo) SetLinearIssue(ctx context.Context, taskID uuid.UUID, issueID, title string, fallback bool) error {
	var issueIDArg, titleArg *string
	if issueID != "" {
		issueIDArg, titleArg = &issueID, &title
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE code_tasks
		SET linear_issue_id = $2, linear_issue_title = $3, linear_fallback = $4, updated_at = now()
		WHERE id = $1
	`, taskID, issueIDArg, titleArg, fallback)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDispatch stores the resolved worker location on the task.
func (r *TaskRepo) RecordDispatch(ctx context.Context, id uuid.UUID, location string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE code_tasks SET worker_location = $2, updated_at = now() WHERE id = $1
	`, id, location)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyStatusSummary overwrites the advisory progress snapshot and
// refreshes updated_at. A first progress ping on a dispatched task
// flips it to running; terminal tasks are left untouched.
func (r *TaskRepo) ApplyStatusSummary(ctx context.Context, id uuid.UUID, summary *models.StatusSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE code_tasks
		SET status_summary = $2,
		    status = CASE WHEN status = $3 THEN $4 ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($5)
	`, id, raw, models.TaskStatusDispatched, models.TaskStatusRunning, models.ActiveStatuses)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// TransitionTerminal conditionally moves an active task into the given
// terminal status, attaching result/error and marking the callback as
// received. Zero rows updated means the task is missing or already
// terminal; the two cases are distinguished for the caller.
func (r *TaskRepo) TransitionTerminal(ctx context.Context, id uuid.UUID, status string, result *models.TaskResult, taskErr *models.TaskError, costUSD *float64) (*models.Task, error) {
	if !models.IsTerminalStatus(status) {
		return nil, fmt.Errorf("transition to non-terminal status %q", status)
	}
	resJSON, errJSON, err := marshalOutcome(result, taskErr)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE code_tasks
		SET status = $2,
		    result = COALESCE($3, result),
		    error = COALESCE($4, error),
		    cost_usd = COALESCE($5, cost_usd),
		    callback_received = TRUE,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+taskColumns+`
	`, id, status, resJSON, errJSON, costUSD, models.ActiveStatuses)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyMiss(ctx, id)
		}
		return nil, err
	}
	return t, nil
}

// MarkInterrupted force-transitions a stale active task to interrupted
// with the given error. Used by the zombie sweep; callback_received is
// deliberately left untouched.
func (r *TaskRepo) MarkInterrupted(ctx context.Context, id uuid.UUID, taskErr *models.TaskError) error {
	raw, err := json.Marshal(taskErr)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE code_tasks
		SET status = $2, error = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, id, models.TaskStatusInterrupted, raw, models.ActiveStatuses)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// Heartbeat refreshes updated_at on the given active tasks and returns
// the ids that were actually touched.
func (r *TaskRepo) Heartbeat(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE code_tasks SET updated_at = now()
		WHERE id = ANY($1) AND status = ANY($2)
		RETURNING id
	`, ids, models.ActiveStatuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var touched []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		touched = append(touched, id)
	}
	return touched, rows.Err()
}

// FindZombieTasks returns active tasks with no callback and no activity
// since staleBefore.
func (r *TaskRepo) FindZombieTasks(ctx context.Context, staleBefore time.Time) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM code_tasks
		WHERE status = ANY($1) AND callback_received = FALSE AND updated_at < $2
		ORDER BY updated_at ASC
	`, models.ActiveStatuses, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountActiveByUser returns how many active tasks the user has.
func (r *TaskRepo) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM code_tasks WHERE user_id = $1 AND status = ANY($2)
	`, userID, models.ActiveStatuses).Scan(&n)
	return n, err
}

// CountCreatedSince returns how many tasks the user created after the
// given instant.
func (r *TaskRepo) CountCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM code_tasks WHERE user_id = $1 AND created_at > $2
	`, userID, since).Scan(&n)
	return n, err
}

// classifyMiss decides whether a zero-row conditional update was a
// missing task or an already-terminal one.
func (r *TaskRepo) classifyMiss(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM code_tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyTerminal
}

func (r *TaskRepo) queryOne(ctx context.Context, query string, args ...any) (*models.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func marshalOutcome(result *models.TaskResult, taskErr *models.TaskError) ([]byte, []byte, error) {
	var resJSON, errJSON []byte
	var err error
	if result != nil {
		if resJSON, err = json.Marshal(result); err != nil {
			return nil, nil, err
		}
	}
	if taskErr != nil {
		if errJSON, err = json.Marshal(taskErr); err != nil {
			return nil, nil, err
		}
	}
	return resJSON, errJSON, nil
}

func marshalTaskJSON(t *models.Task) (result, errJSON, summary []byte, err error) {
	result, errJSON, err = marshalOutcome(t.Result, t.Error)
	if err != nil {
		return nil, nil, nil, err
	}
	if t.StatusSummary != nil {
		if summary, err = json.Marshal(t.StatusSummary); err != nil {
			return nil, nil, nil, err
		}
	}
	return result, errJSON, summary, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var result, errJSON, summary []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.TraceID, &t.Prompt, &t.SanitizedPrompt, &t.SystemPromptHash,
		&t.WorkerType, &t.Repository, &t.BaseBranch, &t.WorkerLocation, &t.DedupKey,
		&t.ActionID, &t.ApprovalEventID, &t.LinearIssueID, &t.LinearIssueTitle, &t.LinearFallback,
		&t.Status, &result, &errJSON, &summary, &t.CallbackReceived, &t.WebhookSecret,
		&t.CostUSD, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		t.Result = &models.TaskResult{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(errJSON) > 0 {
		t.Error = &models.TaskError{}
		if err := json.Unmarshal(errJSON, t.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	if len(summary) > 0 {
		t.StatusSummary = &models.StatusSummary{}
		if err := json.Unmarshal(summary, t.StatusSummary); err != nil {
			return nil, fmt.Errorf("decode status_summary: %w", err)
		}
	}
	return &t, nil
}

func encodeCursor(at time.Time, id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(at.UTC().Format(time.RFC3339Nano) + "|" + id.String()))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	atStr, idStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	at, err := time.Parse(time.RFC3339Nano, atStr)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	return at, id, nil
}
