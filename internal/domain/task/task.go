// Package task defines the task lifecycle derived from chain events.
package task

import (
	"time"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusReleased  Status = "released"
	StatusDisputed  Status = "disputed"
	StatusVerified  Status = "verified"
)

// Task is the off-chain projection of one on-chain task or milestone.
// Tasks are never deleted, only transitioned.
type Task struct {
	ID           string        `json:"id"`
	Platform     string        `json:"platform"`
	Assignee     string        `json:"assignee"`
	Complexity   int           `json:"complexity"`
	Reward       ledger.Amount `json:"reward"`
	Deadline     time.Time     `json:"deadline"`
	Status       Status        `json:"status"`
	MilestoneID  string        `json:"milestoneId,omitempty"`
	ProofHash    string        `json:"proofHash,omitempty"`
	SettlementTx string        `json:"settlementTx,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Update is a partial mutation applied by UpdateTask. Nil fields are left
// untouched.
type Update struct {
	Status       *Status
	ProofHash    *string
	SettlementTx *string
}

// transitions holds the single-step edges of the lifecycle:
// pending -> submitted -> released|disputed, disputed -> verified.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted},
	StatusSubmitted: {StatusReleased, StatusDisputed},
	StatusDisputed:  {StatusVerified},
}

// CanTransition reports whether moving from to next is a valid forward move.
// Any state reachable through the lifecycle edges is accepted, not just the
// immediate successors: chain events can arrive without their full history
// (funds released on a milestone whose submission was never observed), so a
// forward skip must apply. Replays of the current status are allowed so
// idempotent re-application of an event is not an error. Reversals never are.
func CanTransition(from, next Status) bool {
	if from == next {
		return true
	}
	for _, s := range transitions[from] {
		if s == next || CanTransition(s, next) {
			return true
		}
	}
	return false
}
