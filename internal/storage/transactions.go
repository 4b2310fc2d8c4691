package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

const transactionColumns = `id, account_id, bank_name, account_masked, amount, direction,
	counterparty, memo, timestamp, is_internal_transfer, is_recurring, status,
	category, confidence, created_at, updated_at`

// SaveTransactions inserts transactions, ignoring ids that already exist,
// and returns how many were new. Re-running a sync is therefore a no-op.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateTransactions(transactions); err != nil {
		return 0, err
	}
	if len(transactions) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO transactions (`+transactionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		now := time.Now().UTC()
		for _, txn := range transactions {
			status := txn.Status
			if status == "" {
				status = model.StatusAwaitingContext
			}
			category := txn.Category
			if category == "" {
				category = model.CategoryUnknown
			}

			res, err := stmt.ExecContext(ctx,
				txn.ID,
				txn.AccountID,
				txn.BankName,
				txn.AccountMasked,
				txn.Amount,
				string(txn.Direction),
				txn.Counterparty,
				txn.Memo,
				txn.Timestamp.UTC(),
				boolToInt(txn.IsInternalTransfer),
				boolToInt(txn.IsRecurring),
				string(status),
				string(category),
				txn.Confidence,
				now,
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read insert result: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetTransaction retrieves a transaction by id.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactions lists transactions matching filter, oldest first.
func (s *SQLiteStorage) GetTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.EndDate.Before(*filter.StartDate) {
		return nil, fmt.Errorf("%w: end date %v is before start date %v", ErrInvalidDateRange, *filter.EndDate, *filter.StartDate)
	}

	var (
		where []string
		args  []any
	)
	if filter.StartDate != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.EndDate.UTC())
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.ExcludeTransfers {
		where = append(where, "is_internal_transfer = 0")
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

// GetTransactionsByMonth lists the calendar month's transactions in UTC.
func (s *SQLiteStorage) GetTransactionsByMonth(ctx context.Context, year int, month time.Month) ([]model.Transaction, error) {
	r := service.MonthRange(year, month, time.UTC)
	return s.GetTransactions(ctx, service.TransactionFilter{StartDate: &r.Start, EndDate: &r.End})
}

// UpdateTransactionFlags sets the flags the classifier owns.
func (s *SQLiteStorage) UpdateTransactionFlags(ctx context.Context, id string, internalTransfer, recurring bool) error {
	return s.updateTransaction(ctx, id,
		`UPDATE transactions SET is_internal_transfer = ?, is_recurring = ?, updated_at = ? WHERE id = ?`,
		boolToInt(internalTransfer), boolToInt(recurring), time.Now().UTC(), id)
}

// UpdateClassification stores the classifier's category and confidence.
func (s *SQLiteStorage) UpdateClassification(ctx context.Context, id string, category model.Category, confidence float64) error {
	if !category.IsValid() {
		return fmt.Errorf("%w: %q", common.ErrInvalidCategory, category)
	}
	return s.updateTransaction(ctx, id,
		`UPDATE transactions SET category = ?, confidence = ?, updated_at = ? WHERE id = ?`,
		string(category), confidence, time.Now().UTC(), id)
}

// UpdateTransactionStatus moves a transaction along its lifecycle.
func (s *SQLiteStorage) UpdateTransactionStatus(ctx context.Context, id string, status model.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.updateTransaction(ctx, id,
		`UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
}

func (s *SQLiteStorage) updateTransaction(ctx context.Context, id, query string, args ...any) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (model.Transaction, error) {
	var (
		txn                         model.Transaction
		accountMasked, counterparty sql.NullString
		memo                        sql.NullString
		direction, status, category string
		transfer, recurring         int
	)
	err := row.Scan(
		&txn.ID,
		&txn.AccountID,
		&txn.BankName,
		&accountMasked,
		&txn.Amount,
		&direction,
		&counterparty,
		&memo,
		&txn.Timestamp,
		&transfer,
		&recurring,
		&status,
		&category,
		&txn.Confidence,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return txn, err
		}
		return txn, fmt.Errorf("failed to scan transaction: %w", err)
	}

	txn.AccountMasked = accountMasked.String
	txn.Counterparty = counterparty.String
	txn.Memo = memo.String
	txn.Direction = model.Direction(direction)
	txn.Status = model.Status(status)
	txn.Category = model.Category(category)
	txn.IsInternalTransfer = transfer != 0
	txn.IsRecurring = recurring != 0
	return txn, nil
}
