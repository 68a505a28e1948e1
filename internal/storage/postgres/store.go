// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/collaborator"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/stats"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/task"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/storage"
)

// querier is satisfied by *sql.DB and *sql.Tx so every method works both
// standalone and inside InTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
	q  querier
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// InTx runs fn against a transaction-bound view of the store. A nil error
// commits; anything else rolls back.
func (s *Store) InTx(ctx context.Context, fn func(storage.Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s) // already transactional
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// --- TaskStore --------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	t.Assignee = normalizeAddress(t.Assignee)
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_tasks (id, platform, assignee, complexity, reward, deadline, status, milestone_id, proof_hash, settlement_tx, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Platform, t.Assignee, t.Complexity, t.Reward, toNullTime(t.Deadline), t.Status, toNullString(t.MilestoneID), toNullString(t.ProofHash), toNullString(t.SettlementTx), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, upd task.Update) (task.Task, error) {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}

	if upd.Status != nil {
		if !task.CanTransition(existing.Status, *upd.Status) {
			return task.Task{}, fmt.Errorf("invalid status transition %s -> %s for task %s", existing.Status, *upd.Status, id)
		}
		existing.Status = *upd.Status
	}
	if upd.ProofHash != nil {
		existing.ProofHash = *upd.ProofHash
	}
	if upd.SettlementTx != nil {
		existing.SettlementTx = *upd.SettlementTx
	}
	existing.UpdatedAt = time.Now().UTC()

	result, err := s.q.ExecContext(ctx, `
		UPDATE sync_tasks
		SET status = $2, proof_hash = $3, settlement_tx = $4, updated_at = $5
		WHERE id = $1
	`, id, existing.Status, toNullString(existing.ProofHash), toNullString(existing.SettlementTx), existing.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return task.Task{}, storage.ErrNotFound
	}
	return existing, nil
}

const taskColumns = `id, platform, assignee, complexity, reward, deadline, status, milestone_id, proof_hash, settlement_tx, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM sync_tasks
		WHERE id = $1
	`, id)
	return scanTask(row)
}

func (s *Store) ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM sync_tasks
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var (
		t            task.Task
		deadline     sql.NullTime
		milestoneID  sql.NullString
		proofHash    sql.NullString
		settlementTx sql.NullString
	)
	err := row.Scan(&t.ID, &t.Platform, &t.Assignee, &t.Complexity, &t.Reward, &deadline, &t.Status, &milestoneID, &proofHash, &settlementTx, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}
	if deadline.Valid {
		t.Deadline = deadline.Time.UTC()
	}
	t.MilestoneID = milestoneID.String
	t.ProofHash = proofHash.String
	t.SettlementTx = settlementTx.String
	return t, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, tx ledger.Transaction) (bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = ledger.TxConfirmed
	}
	tx.From = normalizeAddress(tx.From)
	tx.To = normalizeAddress(tx.To)
	tx.Hash = strings.ToLower(tx.Hash)
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	// (hash, log_index) is unique; redelivered logs insert nothing.
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_transactions (id, hash, log_index, block_number, ts, from_addr, to_addr, value, tx_type, milestone_id, task_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (hash, log_index) DO NOTHING
	`, tx.ID, tx.Hash, tx.LogIndex, tx.BlockNumber, tx.Timestamp, tx.From, tx.To, tx.Value, tx.Type, toNullString(tx.MilestoneID), toNullString(tx.TaskID), tx.Status)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, hash, log_index, block_number, ts, from_addr, to_addr, value, tx_type, milestone_id, task_id, status
		FROM sync_transactions
		ORDER BY block_number DESC, log_index DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		var (
			tx          ledger.Transaction
			milestoneID sql.NullString
			taskID      sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.Hash, &tx.LogIndex, &tx.BlockNumber, &tx.Timestamp, &tx.From, &tx.To, &tx.Value, &tx.Type, &milestoneID, &taskID, &tx.Status); err != nil {
			return nil, err
		}
		tx.MilestoneID = milestoneID.String
		tx.TaskID = taskID.String
		result = append(result, tx)
	}
	return result, rows.Err()
}

// --- CollaboratorStore ------------------------------------------------------

func (s *Store) GetCollaborator(ctx context.Context, address string) (collaborator.Collaborator, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT address, active, total_earned, completed_tasks, pending_tasks, updated_at
		FROM sync_collaborators
		WHERE address = $1
	`, normalizeAddress(address))

	var c collaborator.Collaborator
	err := row.Scan(&c.Address, &c.Active, &c.TotalEarned, &c.CompletedTasks, &c.PendingTasks, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return collaborator.Collaborator{}, storage.ErrNotFound
	}
	if err != nil {
		return collaborator.Collaborator{}, err
	}
	return c, nil
}

func (s *Store) UpsertCollaborator(ctx context.Context, address string, d collaborator.Delta) (collaborator.Collaborator, error) {
	address = normalizeAddress(address)
	now := time.Now().UTC()

	active := true
	if d.Active != nil {
		active = *d.Active
	}

	// pending_tasks clamps at zero on decrement.
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO sync_collaborators (address, active, total_earned, completed_tasks, pending_tasks, updated_at)
		VALUES ($1, $2, $3, GREATEST($4, 0), GREATEST($5, 0), $6)
		ON CONFLICT (address) DO UPDATE SET
			active = CASE WHEN $7 THEN EXCLUDED.active ELSE sync_collaborators.active END,
			total_earned = sync_collaborators.total_earned + EXCLUDED.total_earned,
			completed_tasks = sync_collaborators.completed_tasks + $4,
			pending_tasks = GREATEST(sync_collaborators.pending_tasks + $5, 0),
			updated_at = EXCLUDED.updated_at
		RETURNING address, active, total_earned, completed_tasks, pending_tasks, updated_at
	`, address, active, d.EarnedDelta, d.CompletedDelta, d.PendingDelta, now, d.Active != nil)

	var c collaborator.Collaborator
	if err := row.Scan(&c.Address, &c.Active, &c.TotalEarned, &c.CompletedTasks, &c.PendingTasks, &c.UpdatedAt); err != nil {
		return collaborator.Collaborator{}, err
	}
	return c, nil
}

// --- ViewStore --------------------------------------------------------------

func (s *Store) GetRankings(ctx context.Context, limit int) ([]collaborator.Ranking, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT address, total_earned, completed_tasks,
		       ROW_NUMBER() OVER (ORDER BY completed_tasks DESC, total_earned DESC, address) AS rank
		FROM sync_collaborators
		WHERE active
		ORDER BY rank
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []collaborator.Ranking
	for rows.Next() {
		var r collaborator.Ranking
		if err := rows.Scan(&r.Address, &r.TotalEarned, &r.CompletedTasks, &r.Rank); err != nil {
			return nil, err
		}
		r.Score = int64(r.CompletedTasks) * 100
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) GetSystemStats(ctx context.Context) (stats.SystemStats, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(value) FILTER (WHERE tx_type = 'deposit'), 0)::text,
			COALESCE(SUM(value) FILTER (WHERE tx_type = 'release'), 0)::text,
			(SELECT COALESCE(SUM(reward), 0)::text FROM sync_tasks WHERE status = 'disputed'),
			(SELECT COUNT(*) FROM sync_tasks WHERE status IN ('pending', 'submitted'))
		FROM sync_transactions
	`)

	var st stats.SystemStats
	if err := row.Scan(&st.TotalDeposited, &st.TotalReleased, &st.TotalDisputed, &st.ActiveTasks); err != nil {
		return stats.SystemStats{}, err
	}
	st.TotalLocked = st.TotalDeposited.Sub(st.TotalReleased)
	st.UpdatedAt = time.Now().UTC()
	return st, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
