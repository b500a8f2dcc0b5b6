package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/patchworkhq/backend/internal/dispatch"
	"github.com/patchworkhq/backend/internal/limits"
	"github.com/patchworkhq/backend/internal/models"
	"github.com/patchworkhq/backend/internal/notify"
	"github.com/patchworkhq/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Mock store
// ---------------------------------------------------------------------------

type mockStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task

	createErr   error
	dup         *models.Task // FindRecentDuplicate answer
	activeIssue *models.Task // FindActiveByLinearIssue answer
	zombies     []*models.Task

	staleBeforeSeen time.Time
}

func newMockStore() *mockStore {
	return &mockStore{tasks: make(map[uuid.UUID]*models.Task)}
}

func (m *mockStore) Create(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockStore) FindRecentDuplicate(context.Context, uuid.UUID, string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dup == nil {
		return nil, repository.ErrNotFound
	}
	return m.dup, nil
}

func (m *mockStore) FindActiveByLinearIssue(context.Context, string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeIssue == nil {
		return nil, repository.ErrNotFound
	}
	return m.activeIssue, nil
}

func (m *mockStore) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Task, error) {
	t, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) List(context.Context, uuid.UUID, string, int, string) (*repository.ListPage, error) {
	return &repository.ListPage{}, nil
}

func (m *mockStore) RecordDispatch(_ context.Context, id uuid.UUID, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.WorkerLocation = &location
	return nil
}

func (m *mockStore) ApplyStatusSummary(_ context.Context, id uuid.UUID, summary *models.StatusSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	if models.IsTerminalStatus(t.Status) {
		return repository.ErrAlreadyTerminal
	}
	if t.Status == models.TaskStatusDispatched {
		t.Status = models.TaskStatusRunning
	}
	t.StatusSummary = summary
	t.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) TransitionTerminal(_ context.Context, id uuid.UUID, status string, result *models.TaskResult, taskErr *models.TaskError, costUSD *float64) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if models.IsTerminalStatus(t.Status) {
		return nil, repository.ErrAlreadyTerminal
	}
	t.Status = status
	t.CallbackReceived = true
	if result != nil {
		t.Result = result
	}
	if taskErr != nil {
		t.Error = taskErr
	}
	if costUSD != nil {
		t.CostUSD = costUSD
	}
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *mockStore) MarkInterrupted(_ context.Context, id uuid.UUID, taskErr *models.TaskError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	if models.IsTerminalStatus(t.Status) {
		return repository.ErrAlreadyTerminal
	}
	t.Status = models.TaskStatusInterrupted
	t.Error = taskErr
	t.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) Heartbeat(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var touched []uuid.UUID
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.IsActive() {
			t.UpdatedAt = time.Now()
			touched = append(touched, id)
		}
	}
	return touched, nil
}

func (m *mockStore) FindZombieTasks(_ context.Context, staleBefore time.Time) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleBeforeSeen = staleBefore
	return m.zombies, nil
}

func (m *mockStore) get(id uuid.UUID) *models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// ---------------------------------------------------------------------------
// Mock limiter / dispatcher / job inserters
// ---------------------------------------------------------------------------

type completeCall struct {
	taskID uuid.UUID
	cost   *float64
}

type mockLimiter struct {
	mu        sync.Mutex
	checkErr  *limits.LimitError
	starts    []uuid.UUID
	completes []completeCall
}

func (m *mockLimiter) CheckLimits(context.Context, uuid.UUID, int) *limits.LimitError {
	return m.checkErr
}

func (m *mockLimiter) RecordTaskStart(_ context.Context, _, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, taskID)
	return nil
}

func (m *mockLimiter) RecordTaskComplete(_ context.Context, _, taskID uuid.UUID, cost *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completes = append(m.completes, completeCall{taskID: taskID, cost: cost})
	return nil
}

func (m *mockLimiter) completeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completes)
}

func (m *mockLimiter) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

type mockDispatcher struct {
	mu        sync.Mutex
	err       error
	location  string
	requests  []*dispatch.Request
	cancelled []uuid.UUID
}

func (m *mockDispatcher) Dispatch(_ context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	loc := m.location
	if loc == "" {
		loc = "mac"
	}
	return &dispatch.Result{WorkerLocation: loc}, nil
}

func (m *mockDispatcher) CancelOnWorker(_ context.Context, taskID uuid.UUID, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, taskID)
}

func (m *mockDispatcher) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

type jobRecorder struct {
	mu     sync.Mutex
	notify []notify.NotifyUserArgs
	sync   []notify.SyncIssueArgs
}

func (j *jobRecorder) insertNotify(_ context.Context, args notify.NotifyUserArgs) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.notify = append(j.notify, args)
	return nil
}

func (j *jobRecorder) insertIssueSync(_ context.Context, args notify.SyncIssueArgs) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sync = append(j.sync, args)
	return nil
}

func (j *jobRecorder) notifyCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.notify)
}

func (j *jobRecorder) syncCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.sync)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	store      *mockStore
	limiter    *mockLimiter
	dispatcher *mockDispatcher
	jobs       *jobRecorder
	svc        *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:      newMockStore(),
		limiter:    &mockLimiter{},
		dispatcher: &mockDispatcher{},
		jobs:       &jobRecorder{},
	}
	f.svc = NewService(Deps{
		Store:            f.store,
		Limiter:          f.limiter,
		Dispatcher:       f.dispatcher,
		InsertNotify:     f.jobs.insertNotify,
		InsertIssueSync:  f.jobs.insertIssueSync,
		PublicURL:        "https://api.example.com",
		SystemPromptHash: "abcd1234",
		ZombieThreshold:  15 * time.Minute,
	})
	return f
}

// waitFor polls until cond holds; the side effects under test run on
// their own goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) seedTask(t *testing.T, userID uuid.UUID, status string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:            uuid.New(),
		UserID:        userID,
		TraceID:       uuid.NewString(),
		Prompt:        "fix the thing",
		Status:        status,
		WebhookSecret: "seeded-secret",
	}
	if err := f.store.Create(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func submitInput(userID uuid.UUID) SubmitInput {
	return SubmitInput{
		UserID:     userID,
		Prompt:     "  fix   the flaky\nlogin test  ",
		Repository: "acme/web",
	}
}

// ---------------------------------------------------------------------------
// 1. TestSubmitHappyPath
// ---------------------------------------------------------------------------

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture()
	userID := uuid.New()

	res, err := f.svc.Submit(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != "submitted" || res.TaskID == uuid.Nil || res.TraceID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	task := f.store.get(res.TaskID)
	if task == nil {
		t.Fatal("task not persisted")
	}
	if task.Status != models.TaskStatusDispatched {
		t.Errorf("expected dispatched, got %s", task.Status)
	}
	if task.SanitizedPrompt != "fix the flaky login test" {
		t.Errorf("prompt not sanitized: %q", task.SanitizedPrompt)
	}
	if task.DedupKey != DedupKey(userID, task.SanitizedPrompt) {
		t.Error("dedup key not derived from sanitized prompt")
	}
	if task.WorkerType != models.WorkerTypeAuto || task.BaseBranch != "main" {
		t.Errorf("defaults not applied: type=%s branch=%s", task.WorkerType, task.BaseBranch)
	}
	if task.WebhookSecret == "" {
		t.Error("webhook secret not generated")
	}
	if task.WorkerLocation == nil || *task.WorkerLocation != "mac" {
		t.Error("worker location not recorded after dispatch")
	}

	if len(f.dispatcher.requests) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(f.dispatcher.requests))
	}
	req := f.dispatcher.requests[0]
	wantURL := "https://api.example.com/v1/code-tasks/" + res.TaskID.String() + "/webhook"
	if req.WebhookURL != wantURL {
		t.Errorf("webhook URL: expected %s, got %s", wantURL, req.WebhookURL)
	}
	if req.WebhookSecret != task.WebhookSecret {
		t.Error("dispatch payload carries a different webhook secret")
	}
	if req.SystemPromptHash != "abcd1234" {
		t.Errorf("system prompt hash not forwarded: %q", req.SystemPromptHash)
	}

	waitFor(t, "task start ledger entry", func() bool { return f.limiter.startCount() == 1 })
	// No issue was supplied, so an ensure-issue sync must be enqueued.
	waitFor(t, "issue ensure job", func() bool { return f.jobs.syncCount() == 1 })
	f.jobs.mu.Lock()
	defer f.jobs.mu.Unlock()
	if f.jobs.sync[0].Action != notify.IssueActionEnsure {
		t.Errorf("expected ensure action, got %s", f.jobs.sync[0].Action)
	}
}

// ---------------------------------------------------------------------------
// 2. TestSubmitValidation
// ---------------------------------------------------------------------------

func TestSubmitValidation(t *testing.T) {
	f := newFixture()
	userID := uuid.New()

	in := submitInput(userID)
	in.Prompt = "   \n\t  "
	if _, err := f.svc.Submit(context.Background(), in); err == nil {
		t.Error("whitespace-only prompt admitted")
	}

	in = submitInput(userID)
	in.Repository = ""
	if _, err := f.svc.Submit(context.Background(), in); err == nil {
		t.Error("missing repository admitted")
	}

	in = submitInput(userID)
	in.WorkerType = "gpt9"
	if _, err := f.svc.Submit(context.Background(), in); err == nil {
		t.Error("unknown worker type admitted")
	}

	if len(f.dispatcher.requests) != 0 {
		t.Errorf("invalid submissions must never dispatch, got %d", len(f.dispatcher.requests))
	}
}

// ---------------------------------------------------------------------------
// 3. TestSubmitLimitRejection
// ---------------------------------------------------------------------------

func TestSubmitLimitRejection(t *testing.T) {
	f := newFixture()
	f.limiter.checkErr = &limits.LimitError{Kind: limits.KindConcurrentLimit, Message: "full"}

	_, err := f.svc.Submit(context.Background(), submitInput(uuid.New()))
	var limErr *limits.LimitError
	if !errors.As(err, &limErr) || limErr.Kind != limits.KindConcurrentLimit {
		t.Fatalf("expected concurrent_limit, got %v", err)
	}
	if len(f.store.tasks) != 0 {
		t.Error("rejected submission must not create a row")
	}
	if len(f.dispatcher.requests) != 0 {
		t.Error("rejected submission must not dispatch")
	}
}

// ---------------------------------------------------------------------------
// 4. TestSubmitDuplicateRejection
//    The conditional create refused the row; the duplicate in the dedup
//    window is surfaced with its id so the client can link to it.
// ---------------------------------------------------------------------------

func TestSubmitDuplicateRejection(t *testing.T) {
	f := newFixture()
	existing := &models.Task{ID: uuid.New(), Status: models.TaskStatusRunning}
	f.store.createErr = repository.ErrCreateConditionFailed
	f.store.dup = existing

	_, err := f.svc.Submit(context.Background(), submitInput(uuid.New()))
	var adm *AdmissionError
	if !errors.As(err, &adm) {
		t.Fatalf("expected AdmissionError, got %v", err)
	}
	if adm.Code != CodeDuplicatePrompt {
		t.Errorf("expected %s, got %s", CodeDuplicatePrompt, adm.Code)
	}
	if adm.ExistingTaskID != existing.ID {
		t.Error("existing task id not surfaced")
	}
	if len(f.dispatcher.requests) != 0 {
		t.Error("rejected duplicate must not dispatch")
	}
}

// ---------------------------------------------------------------------------
// 5. TestSubmitActiveIssueRejection
//    No duplicate in the window, but the linked issue already has an
//    active task. The dedup guard is checked first and must miss.
// ---------------------------------------------------------------------------

func TestSubmitActiveIssueRejection(t *testing.T) {
	f := newFixture()
	active := &models.Task{ID: uuid.New(), Status: models.TaskStatusRunning}
	f.store.createErr = repository.ErrCreateConditionFailed
	f.store.activeIssue = active

	in := submitInput(uuid.New())
	in.LinearIssueID = "LIN-42"
	_, err := f.svc.Submit(context.Background(), in)
	var adm *AdmissionError
	if !errors.As(err, &adm) {
		t.Fatalf("expected AdmissionError, got %v", err)
	}
	if adm.Code != CodeActiveTaskExists {
		t.Errorf("expected %s, got %s", CodeActiveTaskExists, adm.Code)
	}
	if adm.ExistingTaskID != active.ID {
		t.Error("active task id not surfaced")
	}
}

// ---------------------------------------------------------------------------
// 6. TestSubmitDispatchFailurePersisted
//    The row already exists when dispatch fails. It must be flipped to
//    failed with the dispatch error attached, never deleted.
// ---------------------------------------------------------------------------

func TestSubmitDispatchFailurePersisted(t *testing.T) {
	f := newFixture()
	f.dispatcher.err = &dispatch.Error{Code: dispatch.CodeWorkerUnavailable, Message: "no healthy workers"}

	_, err := f.svc.Submit(context.Background(), submitInput(uuid.New()))
	var dErr *dispatch.Error
	if !errors.As(err, &dErr) || dErr.Code != dispatch.CodeWorkerUnavailable {
		t.Fatalf("expected WORKER_UNAVAILABLE, got %v", err)
	}

	if len(f.store.tasks) != 1 {
		t.Fatalf("expected the row to survive dispatch failure, have %d rows", len(f.store.tasks))
	}
	for id := range f.store.tasks {
		task := f.store.get(id)
		if task.Status != models.TaskStatusFailed {
			t.Errorf("expected failed, got %s", task.Status)
		}
		if task.Error == nil || task.Error.Code != dispatch.CodeWorkerUnavailable {
			t.Errorf("dispatch error not persisted: %+v", task.Error)
		}
	}
}

// ---------------------------------------------------------------------------
// 7. TestWebhookProgressPing
//    A running/status-less callback refreshes the advisory summary and
//    flips dispatched to running.
// ---------------------------------------------------------------------------

func TestWebhookProgressPing(t *testing.T) {
	f := newFixture()
	task := f.seedTask(t, uuid.New(), models.TaskStatusDispatched)

	err := f.svc.ProcessWebhookUpdate(context.Background(), task.ID, WebhookUpdate{
		StatusSummary: &models.StatusSummary{Phase: "tests", Message: "running suite", Progress: 40},
	})
	if err != nil {
		t.Fatalf("ProcessWebhookUpdate: %v", err)
	}

	got := f.store.get(task.ID)
	if got.Status != models.TaskStatusRunning {
		t.Errorf("expected running after first ping, got %s", got.Status)
	}
	if got.StatusSummary == nil || got.StatusSummary.Progress != 40 {
		t.Errorf("summary not applied: %+v", got.StatusSummary)
	}
	if got.StatusSummary.UpdatedAt.IsZero() {
		t.Error("summary timestamp not stamped")
	}
}

// ---------------------------------------------------------------------------
// 8. TestWebhookTerminalCompleted
// ---------------------------------------------------------------------------

func TestWebhookTerminalCompleted(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	task := f.seedTask(t, userID, models.TaskStatusRunning)
	issueID := "LIN-7"
	f.store.mu.Lock()
	f.store.tasks[task.ID].LinearIssueID = &issueID
	f.store.mu.Unlock()

	cost := 2.5
	err := f.svc.ProcessWebhookUpdate(context.Background(), task.ID, WebhookUpdate{
		Status: models.TaskStatusCompleted,
		Result: &models.TaskResult{
			Branch:      "patchwork/" + task.ID.String(),
			CommitCount: 3,
			Summary:     "fixed the login flake",
			PRURL:       "https://github.com/acme/web/pull/99",
		},
		CostUSD: &cost,
	})
	if err != nil {
		t.Fatalf("ProcessWebhookUpdate: %v", err)
	}

	got := f.store.get(task.ID)
	if got.Status != models.TaskStatusCompleted || !got.CallbackReceived {
		t.Errorf("terminal transition not applied: status=%s callback=%t", got.Status, got.CallbackReceived)
	}
	if got.CostUSD == nil || *got.CostUSD != 2.5 {
		t.Error("cost not persisted")
	}

	waitFor(t, "completion ledger entry", func() bool { return f.limiter.completeCount() == 1 })
	f.limiter.mu.Lock()
	if f.limiter.completes[0].cost == nil || *f.limiter.completes[0].cost != 2.5 {
		t.Error("ledger entry lost the reported cost")
	}
	f.limiter.mu.Unlock()

	// PR opened + linked issue: exactly one in-review sync.
	waitFor(t, "in-review issue sync", func() bool { return f.jobs.syncCount() == 1 })
	waitFor(t, "user notification", func() bool { return f.jobs.notifyCount() == 1 })
	f.jobs.mu.Lock()
	if f.jobs.sync[0].Action != notify.IssueActionInReview || f.jobs.sync[0].IssueID != issueID {
		t.Errorf("unexpected sync job: %+v", f.jobs.sync[0])
	}
	if f.jobs.notify[0].Status != models.TaskStatusCompleted || f.jobs.notify[0].PRURL == "" {
		t.Errorf("unexpected notification: %+v", f.jobs.notify[0])
	}
	f.jobs.mu.Unlock()

	// Terminal states are immutable: a late failed callback bounces.
	err = f.svc.ProcessWebhookUpdate(context.Background(), task.ID, WebhookUpdate{
		Status: models.TaskStatusFailed,
		Error:  &models.TaskError{Code: "late", Message: "too late"},
	})
	if !errors.Is(err, repository.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if got := f.store.get(task.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("terminal status mutated to %s", got.Status)
	}
}

// ---------------------------------------------------------------------------
// 9. TestWebhookTerminalValidation
// ---------------------------------------------------------------------------

func TestWebhookTerminalValidation(t *testing.T) {
	f := newFixture()
	task := f.seedTask(t, uuid.New(), models.TaskStatusRunning)

	cases := []struct {
		name string
		upd  WebhookUpdate
	}{
		{"completed without result", WebhookUpdate{Status: models.TaskStatusCompleted}},
		{"failed without error", WebhookUpdate{Status: models.TaskStatusFailed}},
		{"interrupted without error", WebhookUpdate{Status: models.TaskStatusInterrupted}},
		{"unknown status", WebhookUpdate{Status: "exploded"}},
	}
	for _, tc := range cases {
		if err := f.svc.ProcessWebhookUpdate(context.Background(), task.ID, tc.upd); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
	if got := f.store.get(task.ID); got.Status != models.TaskStatusRunning {
		t.Errorf("rejected updates must not change status, got %s", got.Status)
	}
}

// ---------------------------------------------------------------------------
// 10. TestCancel
// ---------------------------------------------------------------------------

func TestCancel(t *testing.T) {
	f := newFixture()
	owner := uuid.New()

	// Unknown task.
	if err := f.svc.Cancel(context.Background(), uuid.New(), owner); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("unknown task: expected ErrNotFound, got %v", err)
	}

	// Someone else's task.
	other := f.seedTask(t, uuid.New(), models.TaskStatusRunning)
	if err := f.svc.Cancel(context.Background(), other.ID, owner); !errors.Is(err, ErrCancelForbidden) {
		t.Errorf("foreign task: expected ErrCancelForbidden, got %v", err)
	}

	// Already terminal.
	done := f.seedTask(t, owner, models.TaskStatusCompleted)
	if err := f.svc.Cancel(context.Background(), done.ID, owner); !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("terminal task: expected ErrTaskNotRunning, got %v", err)
	}

	// Active task on a known worker: cancelled in the store first, then
	// the worker is told, then the completion is accounted.
	active := f.seedTask(t, owner, models.TaskStatusRunning)
	loc := "mac"
	f.store.mu.Lock()
	f.store.tasks[active.ID].WorkerLocation = &loc
	f.store.mu.Unlock()

	if err := f.svc.Cancel(context.Background(), active.ID, owner); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := f.store.get(active.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	waitFor(t, "worker cancellation", func() bool { return f.dispatcher.cancelCount() == 1 })
	waitFor(t, "completion ledger entry", func() bool { return f.limiter.completeCount() == 1 })
	f.limiter.mu.Lock()
	if f.limiter.completes[0].cost != nil {
		t.Error("cancellation must not invent a cost")
	}
	f.limiter.mu.Unlock()
}

// ---------------------------------------------------------------------------
// 11. TestHeartbeat
// ---------------------------------------------------------------------------

func TestHeartbeat(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	active := f.seedTask(t, userID, models.TaskStatusRunning)
	done := f.seedTask(t, userID, models.TaskStatusCompleted)
	unknown := uuid.New()

	res, err := f.svc.Heartbeat(context.Background(), []uuid.UUID{active.ID, done.ID, unknown})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if len(res.Processed) != 1 || res.Processed[0] != active.ID {
		t.Errorf("expected only the active task processed, got %v", res.Processed)
	}
	if len(res.NotFound) != 2 {
		t.Errorf("terminal and unknown ids must come back as not_found, got %v", res.NotFound)
	}
}

// ---------------------------------------------------------------------------
// 12. TestDetectZombies
// ---------------------------------------------------------------------------

func TestDetectZombies(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	stale := f.seedTask(t, uuid.New(), models.TaskStatusRunning)
	raced := f.seedTask(t, uuid.New(), models.TaskStatusRunning)
	f.store.zombies = []*models.Task{
		f.store.get(stale.ID),
		f.store.get(raced.ID),
	}
	// Simulate a webhook winning the race before the sweep touches it.
	f.store.mu.Lock()
	f.store.tasks[raced.ID].Status = models.TaskStatusCompleted
	f.store.mu.Unlock()

	res, err := f.svc.DetectZombies(context.Background())
	if err != nil {
		t.Fatalf("DetectZombies: %v", err)
	}

	if want := now.Add(-15 * time.Minute); !f.store.staleBeforeSeen.Equal(want) {
		t.Errorf("stale cutoff: expected %v, got %v", want, f.store.staleBeforeSeen)
	}
	if res.Detected != 2 || res.Interrupted != 1 || res.Errors != 0 {
		t.Errorf("unexpected sweep result: %+v", res)
	}

	got := f.store.get(stale.ID)
	if got.Status != models.TaskStatusInterrupted {
		t.Errorf("expected interrupted, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Code != ErrorCodeWorkerInterrupted {
		t.Errorf("interruption error not attached: %+v", got.Error)
	}
	if raceGot := f.store.get(raced.ID); raceGot.Status != models.TaskStatusCompleted {
		t.Errorf("completed task overwritten by sweep: %s", raceGot.Status)
	}

	waitFor(t, "zombie notification", func() bool { return f.jobs.notifyCount() == 1 })
	waitFor(t, "completion ledger entry", func() bool { return f.limiter.completeCount() == 1 })
	f.jobs.mu.Lock()
	if f.jobs.notify[0].TaskID != stale.ID || f.jobs.notify[0].Status != models.TaskStatusInterrupted {
		t.Errorf("unexpected notification: %+v", f.jobs.notify[0])
	}
	f.jobs.mu.Unlock()
}

// ---------------------------------------------------------------------------
// 13. TestDedupKeyStability
// ---------------------------------------------------------------------------

func TestDedupKeyStability(t *testing.T) {
	userID := uuid.New()
	a := DedupKey(userID, models.SanitizePrompt("fix   the\tbug"))
	b := DedupKey(userID, models.SanitizePrompt("fix the bug"))
	if a != b {
		t.Error("whitespace variants must produce the same dedup key")
	}
	if a == DedupKey(uuid.New(), models.SanitizePrompt("fix the bug")) {
		t.Error("different users must produce different dedup keys")
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("expected lowercase hex sha-256, got %q", a)
	}
}
