package plaid

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/service"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		config  Config
		name    string
		errMsg  string
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				ClientID:    "test-client-id",
				Secret:      "test-secret",
				Environment: "sandbox",
				AccessToken: "test-token",
			},
		},
		{
			name: "per-account tokens only",
			config: Config{
				ClientID:     "test-client-id",
				Secret:       "test-secret",
				Environment:  "production",
				AccessTokens: map[string]string{"acc1": "tok1"},
			},
		},
		{
			name: "missing client ID",
			config: Config{
				Secret:      "test-secret",
				Environment: "sandbox",
				AccessToken: "test-token",
			},
			wantErr: true,
			errMsg:  "plaid client ID is required",
		},
		{
			name: "missing secret",
			config: Config{
				ClientID:    "test-client-id",
				Environment: "sandbox",
				AccessToken: "test-token",
			},
			wantErr: true,
			errMsg:  "plaid secret is required",
		},
		{
			name: "missing access token",
			config: Config{
				ClientID:    "test-client-id",
				Secret:      "test-secret",
				Environment: "sandbox",
			},
			wantErr: true,
			errMsg:  "plaid access token is required",
		},
		{
			name: "invalid environment",
			config: Config{
				ClientID:    "test-client-id",
				Secret:      "test-secret",
				Environment: "invalid",
				AccessToken: "test-token",
			},
			wantErr: true,
			errMsg:  "invalid Plaid environment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(&Config{
		ClientID:     "test-client-id",
		Secret:       "test-secret",
		Environment:  "sandbox",
		AccessToken:  "default-token",
		AccessTokens: map[string]string{"acc1": "tok1"},
	}, WithLocation(time.FixedZone("KST", 9*3600)))
	require.NoError(t, err)
	assert.NotNil(t, client.client)
	assert.NotNil(t, client.retryOpts)
	assert.Equal(t, "KST", client.location.String())
	assert.Equal(t, "tok1", client.tokenFor("acc1"))
	assert.Equal(t, "default-token", client.tokenFor("acc2"))

	_, err = NewClient(&Config{ClientID: "test-client-id"})
	assert.Error(t, err)
}

func TestClient_FetchTransactions_Validation(t *testing.T) {
	client := &Client{
		logger: slog.Default().With("component", "plaid-test"),
	}
	account := bank.AccountRef{ID: "acc1", BankName: "Kookmin"}
	now := time.Now()

	_, err := client.FetchTransactions(context.Background(), account, service.DateRange{Start: now, End: now.AddDate(0, -1, 0)})
	require.ErrorIs(t, err, bank.ErrInvalidRange)

	_, err = client.FetchTransactions(context.Background(), account, service.DateRange{Start: now.AddDate(0, -1, 0), End: now})
	require.ErrorIs(t, err, common.ErrMissingConfig, "no token configured for the account")
}

func TestRecordFrom(t *testing.T) {
	kst := time.FixedZone("KST", 9*3600)
	account := bank.AccountRef{ID: "acc1", BankName: "Kookmin", AccountNumber: "123-456-789012"}

	tests := []struct {
		name   string
		in     plaidRecord
		want   bank.RawRecord
		wantTS time.Time
	}{
		{
			name: "won debit uses merchant name",
			in: plaidRecord{date: "2025-01-15", name: "BISTRO SEOUL 00123456", merchantName: "bistro seoul",
				currency: "KRW", amount: 150000},
			want:   bank.RawRecord{Counterparty: "Bistro Seoul", Memo: "BISTRO SEOUL 00123456", Amount: 150000},
			wantTS: time.Date(2025, 1, 15, 0, 0, 0, 0, kst),
		},
		{
			name:   "dollar credit is inflow in cents",
			in:     plaidRecord{date: "2025-01-16", name: "ACME PAYROLL INC", currency: "USD", amount: -1234.56},
			want:   bank.RawRecord{Counterparty: "Acme Payroll", Memo: "ACME PAYROLL INC", Amount: 123456, Inflow: true},
			wantTS: time.Date(2025, 1, 16, 0, 0, 0, 0, kst),
		},
		{
			name: "datetime wins over date",
			in: plaidRecord{date: "2025-01-17", datetime: time.Date(2025, 1, 17, 3, 4, 5, 0, time.UTC),
				name: "Cafe", currency: "KRW", amount: 25000},
			want:   bank.RawRecord{Counterparty: "Cafe", Memo: "Cafe", Amount: 25000},
			wantTS: time.Date(2025, 1, 17, 3, 4, 5, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recordFrom(tt.in, account, kst)
			assert.Equal(t, tt.want.Counterparty, got.Counterparty)
			assert.Equal(t, tt.want.Memo, got.Memo)
			assert.Equal(t, tt.want.Amount, got.Amount)
			assert.Equal(t, tt.want.Inflow, got.Inflow)
			assert.True(t, tt.wantTS.Equal(got.Timestamp), "timestamp %v", got.Timestamp)
			assert.Equal(t, "acc1", got.AccountID)
			assert.Equal(t, "123-456-789012", got.AccountNumber)
		})
	}
}

func TestCleanMerchantName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "basic name", input: "Starbucks", expected: "Starbucks"},
		{name: "lowercase to title case", input: "starbucks coffee", expected: "Starbucks Coffee"},
		{name: "remove LLC suffix", input: "Amazon LLC", expected: "Amazon"},
		{name: "remove Corp suffix", input: "Microsoft Corp", expected: "Microsoft"},
		{name: "remove transaction ID", input: "PAYPAL 123456789", expected: "Paypal"},
		{name: "preserve short numbers", input: "7-ELEVEN 2345", expected: "7-Eleven 2345"},
		{name: "multiple cleanups", input: "amazon.com llc 987654321", expected: "Amazon.Com"},
		{name: "extra spaces", input: "  Google   Cloud   ", expected: "Google Cloud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cleanMerchantName(tt.input))
		})
	}
}
