// Package model defines the core domain types shared across taxflow.
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Direction is the money flow of a transaction relative to the owner.
type Direction string

// Transaction directions.
const (
	DirectionInflow  Direction = "inflow"
	DirectionOutflow Direction = "outflow"
)

// Status is the enrichment lifecycle state of a transaction.
type Status string

// Lifecycle states. awaiting-context -> context-attached -> auto-classified | needs-review.
const (
	StatusAwaitingContext Status = "awaiting-context"
	StatusContextAttached Status = "context-attached"
	StatusAutoClassified  Status = "auto-classified"
	StatusNeedsReview     Status = "needs-review"
)

// IsValid reports whether s is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusAwaitingContext, StatusContextAttached, StatusAutoClassified, StatusNeedsReview:
		return true
	}
	return false
}

// Transaction is one synced bank record. Amount is signed in the smallest
// currency unit: inflows positive, outflows negative.
type Transaction struct {
	Timestamp          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ID                 string
	AccountID          string
	BankName           string
	AccountMasked      string
	Counterparty       string
	Memo               string
	Direction          Direction
	Status             Status
	Category           Category
	Amount             int64
	Confidence         float64
	IsInternalTransfer bool
	IsRecurring        bool
}

// Magnitude returns the absolute amount.
func (t Transaction) Magnitude() int64 {
	if t.Amount < 0 {
		return -t.Amount
	}
	return t.Amount
}

// Description is the free text the classifier reads.
func (t Transaction) Description() string {
	return strings.TrimSpace(t.Memo + " " + t.Counterparty)
}

// Month returns the calendar month key, e.g. "2025-01".
func (t Transaction) Month() string {
	return t.Timestamp.Format("2006-01")
}

// SignedAmount builds a signed amount from a magnitude and direction.
func SignedAmount(magnitude int64, dir Direction) int64 {
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if dir == DirectionOutflow {
		return -magnitude
	}
	return magnitude
}

// DeriveTransactionID builds the idempotency key:
// date-bank-account-party-sequence. The sequence is assigned per date and
// account by the caller, so one account's ids never depend on another's.
func DeriveTransactionID(ts time.Time, bankName, accountID, counterparty string, seq int) string {
	return fmt.Sprintf("%s-%s-%s-%s-%03d",
		ts.Format("2006-01-02"),
		BankCode(bankName),
		AccountCode(accountID),
		codeOf(counterparty, 3, "UNK"),
		seq)
}

// AccountCode is the account segment of a derived transaction id: the
// account id upper-cased with punctuation removed.
func AccountCode(accountID string) string {
	return codeOf(accountID, 0, "ACCT")
}

// BankCode is the short bank segment of a derived transaction id.
func BankCode(bankName string) string {
	return codeOf(bankName, 4, "BANK")
}

func codeOf(s string, n int, fallback string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			if n > 0 && b.Len() == n {
				break
			}
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// MaskAccount hides all but the last digits of an account number while
// keeping dash grouping, e.g. "123-456-789012" -> "***-***-789012".
func MaskAccount(account string) string {
	if account == "" {
		return ""
	}
	clean := strings.NewReplacer("-", "", " ", "").Replace(account)
	if len(clean) <= 4 {
		return clean
	}

	visible := min(6, len(clean)/2)

	if !strings.Contains(account, "-") {
		return strings.Repeat("*", len(clean)-visible) + clean[len(clean)-visible:]
	}

	remaining := len(clean) - visible
	parts := strings.Split(account, "-")
	for i, part := range parts {
		switch {
		case remaining >= len(part):
			parts[i] = strings.Repeat("*", len(part))
			remaining -= len(part)
		case remaining > 0:
			parts[i] = strings.Repeat("*", remaining) + part[remaining:]
			remaining = 0
		}
	}
	return strings.Join(parts, "-")
}
