package models

import (
	"time"

	"github.com/google/uuid"
)

// Usage ledger entry types.
const (
	UsageEntryTaskStart    = "task_start"
	UsageEntryTaskComplete = "task_complete"
)

// UsageEntry records task admissions and completions per user. Spend
// sums are taken over task_complete entries; CostUSD is nil when the
// worker never reported actual spend.
type UsageEntry struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TaskID    uuid.UUID `json:"task_id"`
	EntryType string    `json:"entry_type"`
	CostUSD   *float64  `json:"cost_usd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
