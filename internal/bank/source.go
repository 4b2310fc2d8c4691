// Package bank defines the boundary to bank-data providers and turns the raw
// records they return into transactions.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Veraticus/taxflow/internal/service"
)

// Source kinds.
const (
	KindPlaid = "plaid"
	KindOFX   = "ofx"
	KindMock  = "mock"
)

// Errors returned by sources.
var (
	ErrUnknownSource = errors.New("no bank source registered for account")
	ErrInvalidRange  = errors.New("start date must be before end date")
)

// AccountRef identifies one bank account to fetch.
type AccountRef struct {
	ID            string `mapstructure:"id"`
	BankName      string `mapstructure:"bank"`
	AccountNumber string `mapstructure:"number"`
	Source        string `mapstructure:"source"`
}

// SourceKind returns the account's source kind, defaulting to mock.
func (a AccountRef) SourceKind() string {
	if a.Source == "" {
		return KindMock
	}
	return a.Source
}

// RawRecord is a statement line as the provider reports it. Amount is the
// unsigned magnitude in the smallest currency unit.
type RawRecord struct {
	Timestamp     time.Time
	AccountID     string
	BankName      string
	AccountNumber string
	Counterparty  string
	Memo          string
	Amount        int64
	Inflow        bool
}

// Source fetches raw records for one account.
type Source interface {
	FetchTransactions(ctx context.Context, account AccountRef, r service.DateRange) ([]RawRecord, error)
}

// ValidateRange rejects nil contexts and inverted ranges.
func ValidateRange(ctx context.Context, r service.DateRange) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	if r.End.Before(r.Start) {
		return ErrInvalidRange
	}
	return nil
}

// Router sends each account to the source registered for its kind.
type Router struct {
	sources map[string]Source
	mu      sync.RWMutex
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register installs the source for a kind, replacing any earlier one.
func (r *Router) Register(kind string, s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = s
}

// FetchTransactions implements Source.
func (r *Router) FetchTransactions(ctx context.Context, account AccountRef, dr service.DateRange) ([]RawRecord, error) {
	kind := account.SourceKind()

	r.mu.RLock()
	s, ok := r.sources[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnknownSource, account.ID, kind)
	}
	return s.FetchTransactions(ctx, account, dr)
}

var _ Source = (*Router)(nil)
