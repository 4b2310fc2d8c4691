package bank

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Veraticus/taxflow/internal/service"
)

// MockSource is a Source for tests and offline runs. With no FetchFn it
// generates a deterministic statement per account and range, so repeated
// syncs see the same records.
type MockSource struct {
	// Functions that can be set by tests to control behavior
	FetchFn func(ctx context.Context, account AccountRef, r service.DateRange) ([]RawRecord, error)

	// Call tracking
	Calls []FetchCall
	mu    sync.Mutex
}

// FetchCall records the parameters of a FetchTransactions call.
type FetchCall struct {
	Account AccountRef
	Range   service.DateRange
}

// NewMockSource creates a new mock source.
func NewMockSource() *MockSource {
	return &MockSource{Calls: []FetchCall{}}
}

// FetchTransactions implements Source.
func (m *MockSource) FetchTransactions(ctx context.Context, account AccountRef, r service.DateRange) ([]RawRecord, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, FetchCall{Account: account, Range: r})
	m.mu.Unlock()

	if m.FetchFn != nil {
		return m.FetchFn(ctx, account, r)
	}
	if err := ValidateRange(ctx, r); err != nil {
		return nil, err
	}
	return generate(account, r), nil
}

// CallCount returns how many fetches were made.
func (m *MockSource) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

type template struct {
	counterparty string
	amount       int64
	inflow       bool
}

var templates = []template{
	{counterparty: "AWS Korea", amount: 50000},
	{counterparty: "Naver Cloud", amount: 30000},
	{counterparty: "Payroll transfer", amount: 3500000},
	{counterparty: "Office rent", amount: 1200000},
	{counterparty: "Cafe meeting", amount: 25000},
	{counterparty: "Taxi", amount: 15000},
	{counterparty: "Office supplies", amount: 45000},
	{counterparty: "Lunch", amount: 12000},
	{counterparty: "Ad campaign", amount: 200000},
	{counterparty: "Training course", amount: 100000},
	{counterparty: "Sales deposit", amount: 5000000, inflow: true},
	{counterparty: "Service fee", amount: 1500000, inflow: true},
}

func generate(account AccountRef, r service.DateRange) []RawRecord {
	h := fnv.New64a()
	_, _ = h.Write([]byte(account.ID))
	_, _ = h.Write([]byte(r.Start.Format(time.DateOnly)))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(r.End.Unix())))

	var out []RawRecord
	day := time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, r.Start.Location())
	for !day.After(r.End) {
		n := 2 + rng.IntN(4)
		for range n {
			t := templates[rng.IntN(len(templates))]
			variation := 0.9 + rng.Float64()*0.2
			ts := day.Add(time.Duration(9+rng.IntN(10))*time.Hour + time.Duration(rng.IntN(60))*time.Minute)
			if !r.Contains(ts) {
				continue
			}
			out = append(out, RawRecord{
				Timestamp:     ts,
				AccountID:     account.ID,
				BankName:      account.BankName,
				AccountNumber: account.AccountNumber,
				Counterparty:  t.counterparty,
				Memo:          "Mock: " + t.counterparty,
				Amount:        int64(float64(t.amount) * variation),
				Inflow:        t.inflow,
			})
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

var _ Source = (*MockSource)(nil)
