// Package collaborator defines earning and ranking projections per address.
package collaborator

import (
	"time"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
)

// Collaborator accumulates per-address earnings and task counts.
// Address is lower-cased and used as the primary key.
type Collaborator struct {
	Address        string        `json:"address"`
	Active         bool          `json:"active"`
	TotalEarned    ledger.Amount `json:"totalEarned"`
	CompletedTasks int           `json:"completedTasks"`
	PendingTasks   int           `json:"pendingTasks"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Delta is a partial upsert applied to a Collaborator. Counters are
// increments, not absolute values; PendingTasks clamps at zero.
type Delta struct {
	Active         *bool
	EarnedDelta    ledger.Amount
	CompletedDelta int
	PendingDelta   int
}

// Ranking is one leaderboard row, recomputed by query.
type Ranking struct {
	Address        string        `json:"address"`
	Rank           int           `json:"rank"`
	Score          int64         `json:"score"`
	TotalEarned    ledger.Amount `json:"totalEarned"`
	CompletedTasks int           `json:"completedTasks"`
}
