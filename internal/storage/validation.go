// Package storage provides the data persistence layer for taxflow.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidDateRange   = errors.New("start date must be before end date")
	ErrInvalidStatus      = errors.New("invalid transaction status")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidDocument    = errors.New("invalid document")
	ErrInvalidDelivery    = errors.New("invalid delivery")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateTransactions validates a slice of transactions. An empty slice is fine.
func validateTransactions(transactions []model.Transaction) error {
	for i := range transactions {
		if err := validateTransaction(&transactions[i]); err != nil {
			return fmt.Errorf("transaction at index %d: %w", i, err)
		}
	}
	return nil
}

// validateTransaction validates a single transaction.
func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTransaction)
	}
	if txn.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTransaction)
	}
	if txn.AccountID == "" {
		return fmt.Errorf("%w: missing account ID", ErrInvalidTransaction)
	}
	if txn.Direction != model.DirectionInflow && txn.Direction != model.DirectionOutflow {
		return fmt.Errorf("%w: invalid direction %q", ErrInvalidTransaction, txn.Direction)
	}
	if txn.Status != "" && !txn.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, txn.Status)
	}
	return nil
}

// validateDocument validates a monthly document.
func validateDocument(doc *model.MonthlyDocument) error {
	if doc == nil {
		return fmt.Errorf("%w: document", ErrNilParameter)
	}
	if doc.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidDocument)
	}
	if doc.Month == "" {
		return fmt.Errorf("%w: missing month", ErrInvalidDocument)
	}
	return nil
}
