package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

var errDiskFull = errors.New("database or disk is full")

func newStorageWithMock(t *testing.T) (*SQLiteStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newWithDB(db), mock
}

func TestSaveTransactionsRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newStorageWithMock(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT OR IGNORE INTO transactions").
		ExpectExec().
		WillReturnError(errDiskFull)
	mock.ExpectRollback()

	n, err := store.SaveTransactions(context.Background(), createTestTransactions(1))
	require.ErrorIs(t, err, errDiskFull)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransactionMapsNoRowsToNotFound(t *testing.T) {
	store, mock := newStorageWithMock(t)

	mock.ExpectQuery("SELECT id, account_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetTransaction(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransactionStatusNoRowsAffected(t *testing.T) {
	store, mock := newStorageWithMock(t)

	mock.ExpectExec("UPDATE transactions SET status").
		WithArgs(string(model.StatusNeedsReview), sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateTransactionStatus(context.Background(), "missing", model.StatusNeedsReview)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAnswerPropagatesExecError(t *testing.T) {
	store, mock := newStorageWithMock(t)

	mock.ExpectExec("INSERT OR IGNORE INTO answers").
		WillReturnError(errDiskFull)

	inserted, err := store.RecordAnswer(context.Background(), model.Answer{TransactionID: "T1", QuestionID: "Q1", Value: "yes"})
	require.ErrorIs(t, err, errDiskFull)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDocumentRollsBackWhenArchiveFails(t *testing.T) {
	store, mock := newStorageWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM monthly_documents").
		WithArgs("MD-2025-01").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec("INSERT INTO document_versions").
		WillReturnError(errDiskFull)
	mock.ExpectRollback()

	doc := &model.MonthlyDocument{ID: "MD-2025-01", Month: "2025-01", Markdown: "# v2"}
	err := store.SaveDocument(context.Background(), doc)
	require.ErrorIs(t, err, errDiskFull)
	assert.Zero(t, doc.Version, "version is only bumped once the archive succeeds")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTransactionPropagatesExecError(t *testing.T) {
	store, mock := newStorageWithMock(t)

	mock.ExpectExec("INSERT OR IGNORE INTO transaction_claims").
		WithArgs("run-1", "T1").
		WillReturnError(errDiskFull)

	ok, err := store.ClaimTransaction(context.Background(), "run-1", "T1")
	require.ErrorIs(t, err, errDiskFull)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryPropagatesExecError(t *testing.T) {
	store, mock := newStorageWithMock(t)

	mock.ExpectExec("INSERT INTO deliveries").
		WillReturnError(errDiskFull)

	d := &model.Delivery{DocumentID: "MD-2025-01", Recipient: "cpa@example.com", Status: model.DeliverySent}
	err := store.RecordDelivery(context.Background(), d)
	require.ErrorIs(t, err, errDiskFull)
	assert.Zero(t, d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
