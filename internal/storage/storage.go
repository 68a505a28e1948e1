// Package storage defines the durable-store interfaces for derived chain
// state. Implementations own address case normalization and decimal-string
// serialization of amounts; callers own retry policy.
package storage

import (
	"context"
	"errors"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/collaborator"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/stats"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/task"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// TaskStore owns task lifecycle rows.
type TaskStore interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	UpdateTask(ctx context.Context, id string, upd task.Update) (task.Task, error)
	GetTask(ctx context.Context, id string) (task.Task, error)
	ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error)
}

// LedgerStore owns append-only transaction records. CreateTransaction is
// idempotent on (hash, logIndex): replaying the same record is a no-op that
// reports inserted=false.
type LedgerStore interface {
	CreateTransaction(ctx context.Context, tx ledger.Transaction) (inserted bool, err error)
	ListTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error)
}

// CollaboratorStore owns per-address earning projections.
type CollaboratorStore interface {
	GetCollaborator(ctx context.Context, address string) (collaborator.Collaborator, error)
	UpsertCollaborator(ctx context.Context, address string, d collaborator.Delta) (collaborator.Collaborator, error)
}

// ViewStore regenerates the derived read-mostly views.
type ViewStore interface {
	GetRankings(ctx context.Context, limit int) ([]collaborator.Ranking, error)
	GetSystemStats(ctx context.Context) (stats.SystemStats, error)
}

// Store is the full durable-store surface used by the watcher and gateway.
// InTx runs fn against a transaction-bound store where the backend supports
// transactions; in-memory test doubles may simply invoke fn on themselves.
type Store interface {
	TaskStore
	LedgerStore
	CollaboratorStore
	ViewStore

	InTx(ctx context.Context, fn func(Store) error) error
}
