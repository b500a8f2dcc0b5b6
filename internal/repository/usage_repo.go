package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patchworkhq/backend/internal/models"
)

// UsageRepo is the per-user usage ledger backing the rate/cost limiter.
type UsageRepo struct {
	pool *pgxpool.Pool
}

func NewUsageRepo(pool *pgxpool.Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

func (r *UsageRepo) Create(ctx context.Context, e *models.UsageEntry) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO usage_ledger (id, user_id, task_id, entry_type, cost_usd)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, e.ID, e.UserID, e.TaskID, e.EntryType, e.CostUSD).Scan(&e.CreatedAt)
}

// SpendSince sums reported completion cost for the user since the given
// instant. Entries with unknown cost count as zero.
func (r *UsageRepo) SpendSince(ctx context.Context, userID uuid.UUID, since time.Time) (float64, error) {
	var total float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(COALESCE(cost_usd, 0)), 0)
		FROM usage_ledger
		WHERE user_id = $1 AND entry_type = $2 AND created_at >= $3
	`, userID, models.UsageEntryTaskComplete, since).Scan(&total)
	return total, err
}

func (r *UsageRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, task_id, entry_type, cost_usd, created_at
		FROM usage_ledger WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.UsageEntry
	for rows.Next() {
		var e models.UsageEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.EntryType, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
