package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/collaborator"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/ledger"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/task"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func taskRow(id string, status task.Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "platform", "assignee", "complexity", "reward", "deadline",
		"status", "milestone_id", "proof_hash", "settlement_tx", "created_at", "updated_at",
	}).AddRow(id, "chain", "0xabc", 1, "5000000000000000000", nil, string(status), nil, nil, nil, now, now)
}

func TestCreateTransactionReportsInsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO sync_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := s.CreateTransaction(context.Background(), ledger.Transaction{
		Hash:     "0xABC",
		LogIndex: 2,
		Value:    ledger.MustAmount("5000000000000000000"),
		Type:     ledger.TxRelease,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported as replay")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateTransactionReportsReplay(t *testing.T) {
	s, mock := newMockStore(t)

	// conflict on (hash, log_index) inserts nothing
	mock.ExpectExec("INSERT INTO sync_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.CreateTransaction(context.Background(), ledger.Transaction{
		Hash:     "0xabc",
		LogIndex: 2,
		Type:     ledger.TxRelease,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inserted {
		t.Fatal("replayed insert reported as new")
	}
}

func TestUpdateTaskValidTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM sync_tasks").
		WithArgs("t1").
		WillReturnRows(taskRow("t1", task.StatusSubmitted))
	mock.ExpectExec("UPDATE sync_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status := task.StatusReleased
	settlement := "0xsettle"
	updated, err := s.UpdateTask(context.Background(), "t1", task.Update{Status: &status, SettlementTx: &settlement})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != task.StatusReleased || updated.SettlementTx != "0xsettle" {
		t.Fatalf("got %+v", updated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateTaskRejectsInvalidTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM sync_tasks").
		WithArgs("t1").
		WillReturnRows(taskRow("t1", task.StatusReleased))

	status := task.StatusSubmitted
	if _, err := s.UpdateTask(context.Background(), "t1", task.Update{Status: &status}); err == nil {
		t.Fatal("expected transition error")
	}
	// no UPDATE may be issued for a rejected transition
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM sync_tasks").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	status := task.StatusSubmitted
	if _, err := s.UpdateTask(context.Background(), "missing", task.Update{Status: &status}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM sync_tasks").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetTask(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpsertCollaboratorNormalizesAddress(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO sync_collaborators").
		WithArgs("0xabcdef", true, sqlmock.AnyArg(), 1, -1, sqlmock.AnyArg(), false).
		WillReturnRows(sqlmock.NewRows([]string{
			"address", "active", "total_earned", "completed_tasks", "pending_tasks", "updated_at",
		}).AddRow("0xabcdef", true, "5000000000000000000", 1, 0, now))

	c, err := s.UpsertCollaborator(context.Background(), "  0xABCDEF ", collaborator.Delta{
		EarnedDelta:    ledger.MustAmount("5000000000000000000"),
		CompletedDelta: 1,
		PendingDelta:   -1,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if c.Address != "0xabcdef" || c.TotalEarned.String() != "5000000000000000000" {
		t.Fatalf("got %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetSystemStatsDerivesLocked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"deposited", "released", "disputed", "active"}).
			AddRow("20000000000000000000", "5000000000000000000", "0", 3))

	st, err := s.GetSystemStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalLocked.String() != "15000000000000000000" {
		t.Fatalf("locked: %s", st.TotalLocked)
	}
	if st.ActiveTasks != 3 {
		t.Fatalf("active: %d", st.ActiveTasks)
	}
	if st.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}
}

func TestGetRankingsScores(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT address, total_earned, completed_tasks").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"address", "total_earned", "completed_tasks", "rank"}).
			AddRow("0xa", "15000000000000000000", 3, 1).
			AddRow("0xb", "5000000000000000000", 1, 2))

	rankings, err := s.GetRankings(context.Background(), 10)
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if len(rankings) != 2 {
		t.Fatalf("rows: %d", len(rankings))
	}
	if rankings[0].Score != 300 || rankings[1].Score != 100 {
		t.Fatalf("scores: %d, %d", rankings[0].Score, rankings[1].Score)
	}
}

func TestInTxCommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sync_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(txs storage.Store) error {
		_, err := txs.CreateTransaction(context.Background(), ledger.Transaction{
			Hash: "0xabc", LogIndex: 0, Type: ledger.TxDeposit,
		})
		return err
	})
	if err != nil {
		t.Fatalf("in tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := s.InTx(context.Background(), func(storage.Store) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
