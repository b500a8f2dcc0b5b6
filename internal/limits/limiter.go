package limits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patchworkhq/backend/internal/config"
	"github.com/patchworkhq/backend/internal/models"
)

// Kind is the closed set of admission rejection reasons.
type Kind string

const (
	KindPromptTooLong      Kind = "prompt_too_long"
	KindConcurrentLimit    Kind = "concurrent_limit"
	KindHourlyLimit        Kind = "hourly_limit"
	KindDailyCostLimit     Kind = "daily_cost_limit"
	KindMonthlyCostLimit   Kind = "monthly_cost_limit"
	KindServiceUnavailable Kind = "service_unavailable"
)

// LimitError is a typed admission rejection.
type LimitError struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // zero when retrying later won't help
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit %s: %s", e.Kind, e.Message)
}

// TaskCounts is the subset of the task store the limiter reads.
type TaskCounts interface {
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error)
	CountCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// UsageLedger records admissions/completions and answers spend queries.
type UsageLedger interface {
	Create(ctx context.Context, e *models.UsageEntry) error
	SpendSince(ctx context.Context, userID uuid.UUID, since time.Time) (float64, error)
}

// Limiter enforces per-user concurrency, rate and cost ceilings before
// a task is admitted.
type Limiter struct {
	cfg    config.LimitsConfig
	tasks  TaskCounts
	ledger UsageLedger
	log    *slog.Logger
	now    func() time.Time
}

func NewLimiter(cfg config.LimitsConfig, tasks TaskCounts, ledger UsageLedger, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{cfg: cfg, tasks: tasks, ledger: ledger, log: log, now: time.Now}
}

// CheckLimits evaluates every admission policy for the user. The
// limiter fails closed: if its own dependencies are unreachable the
// caller gets service_unavailable, never a free pass.
func (l *Limiter) CheckLimits(ctx context.Context, userID uuid.UUID, promptLength int) *LimitError {
	if promptLength > l.cfg.MaxPromptChars {
		return &LimitError{
			Kind:    KindPromptTooLong,
			Message: fmt.Sprintf("prompt is %d characters, limit is %d", promptLength, l.cfg.MaxPromptChars),
		}
	}

	active, err := l.tasks.CountActiveByUser(ctx, userID)
	if err != nil {
		return l.unavailable("count active tasks", err)
	}
	if active >= l.cfg.MaxConcurrent {
		return &LimitError{
			Kind:       KindConcurrentLimit,
			Message:    fmt.Sprintf("you already have %d tasks in flight (limit %d)", active, l.cfg.MaxConcurrent),
			RetryAfter: time.Minute,
		}
	}

	now := l.now()
	hourly, err := l.tasks.CountCreatedSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return l.unavailable("count hourly tasks", err)
	}
	if hourly >= l.cfg.MaxTasksPerHour {
		return &LimitError{
			Kind:       KindHourlyLimit,
			Message:    fmt.Sprintf("%d tasks created in the last hour (limit %d)", hourly, l.cfg.MaxTasksPerHour),
			RetryAfter: time.Hour,
		}
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	daySpend, err := l.ledger.SpendSince(ctx, userID, dayStart)
	if err != nil {
		return l.unavailable("daily spend", err)
	}
	if daySpend >= l.cfg.DailyCostUSD {
		return &LimitError{
			Kind:    KindDailyCostLimit,
			Message: fmt.Sprintf("daily cost ceiling reached ($%.2f of $%.2f)", daySpend, l.cfg.DailyCostUSD),
		}
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthSpend, err := l.ledger.SpendSince(ctx, userID, monthStart)
	if err != nil {
		return l.unavailable("monthly spend", err)
	}
	if monthSpend >= l.cfg.MonthlyCostUSD {
		return &LimitError{
			Kind:    KindMonthlyCostLimit,
			Message: fmt.Sprintf("monthly cost ceiling reached ($%.2f of $%.2f)", monthSpend, l.cfg.MonthlyCostUSD),
		}
	}

	return nil
}

// RecordTaskStart writes the admission ledger entry.
func (l *Limiter) RecordTaskStart(ctx context.Context, userID, taskID uuid.UUID) error {
	return l.ledger.Create(ctx, &models.UsageEntry{
		ID:        uuid.New(),
		UserID:    userID,
		TaskID:    taskID,
		EntryType: models.UsageEntryTaskStart,
	})
}

// RecordTaskComplete writes the completion ledger entry. costUSD is nil
// when the worker never reported actual spend; the entry is written
// anyway so the completion itself is always accounted for.
func (l *Limiter) RecordTaskComplete(ctx context.Context, userID, taskID uuid.UUID, costUSD *float64) error {
	return l.ledger.Create(ctx, &models.UsageEntry{
		ID:        uuid.New(),
		UserID:    userID,
		TaskID:    taskID,
		EntryType: models.UsageEntryTaskComplete,
		CostUSD:   costUSD,
	})
}

func (l *Limiter) unavailable(op string, err error) *LimitError {
	l.log.Error("limiter dependency unavailable", "op", op, "error", err)
	return &LimitError{
		Kind:       KindServiceUnavailable,
		Message:    "usage accounting is temporarily unavailable",
		RetryAfter: 30 * time.Second,
	}
}
