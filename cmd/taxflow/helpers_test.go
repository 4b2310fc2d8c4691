package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/config"
	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func TestSyncRange(t *testing.T) {
	loc := seoul(t)
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, loc)

	tests := []struct {
		name      string
		from      string
		to        string
		days      int
		wantStart time.Time
		wantEnd   time.Time
		wantErr   error
	}{
		{
			name:      "trailing days",
			days:      7,
			wantStart: time.Date(2025, 3, 3, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2025, 3, 10, 23, 59, 59, 0, loc),
		},
		{
			name:      "explicit window",
			from:      "2025-02-01",
			to:        "2025-02-28",
			days:      7,
			wantStart: time.Date(2025, 2, 1, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2025, 2, 28, 23, 59, 59, 0, loc),
		},
		{
			name:      "end only counts back from it",
			to:        "2025-01-31",
			days:      30,
			wantStart: time.Date(2025, 1, 1, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2025, 1, 31, 23, 59, 59, 0, loc),
		},
		{
			name:    "start after end",
			from:    "2025-03-05",
			to:      "2025-03-01",
			wantErr: bank.ErrInvalidRange,
		},
		{
			name: "bad date",
			from: "03/05/2025",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dr, err := syncRange(tt.from, tt.to, tt.days, loc, now)
			if tt.wantStart.IsZero() {
				require.Error(t, err)
				var userErr *common.UserError
				assert.True(t, errors.As(err, &userErr))
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantStart.Equal(dr.Start), "start %s", dr.Start)
			assert.True(t, tt.wantEnd.Equal(dr.End), "end %s", dr.End)
		})
	}
}

func TestSelectAccounts(t *testing.T) {
	all := []bank.AccountRef{
		{ID: "kb-main", BankName: "KB", Source: bank.KindPlaid},
		{ID: "shinhan-card", BankName: "Shinhan", Source: bank.KindOFX},
	}

	got, err := selectAccounts(all, nil)
	require.NoError(t, err)
	assert.Equal(t, all, got)

	got, err = selectAccounts(all, []string{"shinhan-card"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Shinhan", got[0].BankName)

	_, err = selectAccounts(all, []string{"woori"})
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = selectAccounts(nil, nil)
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}

func TestParseMonth(t *testing.T) {
	loc := seoul(t)

	y, m, err := parseMonth(nil, loc, time.Date(2025, 1, 15, 9, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.Equal(t, 2024, y)
	assert.Equal(t, time.December, m)

	y, m, err = parseMonth([]string{"2025-06"}, loc, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2025, y)
	assert.Equal(t, time.June, m)

	_, _, err = parseMonth([]string{"June 2025"}, loc, time.Now())
	assert.Error(t, err)
}

func TestLoadPDF_RejectsBadSpecs(t *testing.T) {
	for _, spec := range []string{
		"vat.pdf",
		"vat.pdf:XYZ:2025-01-01",
		"vat.pdf:VAT:January",
	} {
		t.Run(spec, func(t *testing.T) {
			_, err := loadPDF(spec)
			var userErr *common.UserError
			assert.True(t, errors.As(err, &userErr), "got %v", err)
		})
	}

	_, err := loadPDF("/does/not/exist.pdf:VAT:2025-01-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/does/not/exist.pdf")
}

func TestPlaidTokens(t *testing.T) {
	tokens := plaidTokens(config.PlaidConfig{
		AccessToken: "access-sandbox-default",
		AccessTokens: map[string]string{
			"b-account": "access-sandbox-item2",
			"a-account": "access-sandbox-default",
			"c-account": "access-sandbox-item2",
		},
	})
	assert.Equal(t, []string{"access-sandbox-default", "access-sandbox-item2"}, tokens)
	assert.Empty(t, plaidTokens(config.PlaidConfig{}))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "acce…fa12", maskToken("access-sandbox-fa12"))
}

func TestJobRunRows(t *testing.T) {
	start := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	rows := jobRunRows([]model.JobRun{
		{Job: "sync", Status: "succeeded", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond), Processed: 12},
		{Job: "dispatch", Status: "running", StartedAt: start, Detail: string(make([]byte, 80))},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "sync", rows[0][1])
	assert.Equal(t, "1.5s", rows[0][3])
	assert.Equal(t, "12", rows[0][4])
	assert.Equal(t, "-", rows[1][3])
	assert.Len(t, rows[1][6], 60)
}

func TestDocumentRows(t *testing.T) {
	rows := documentRows([]model.MonthlyDocument{{
		ID:          "MD-2025-02",
		Version:     2,
		Status:      model.DocumentGenerated,
		NeedsReview: true,
		Stats:       model.DocumentStats{TransactionCount: 5, TotalExpense: 1234000, TotalIncome: 3000000},
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"MD-2025-02", "v2", "generated", "5", "1,234,000 KRW", "3,000,000 KRW", document.ReviewMarker}, rows[0])
	assert.Len(t, rows[0], len(documentHeaders))
}

func TestDeliveryRows(t *testing.T) {
	at := time.Date(2025, 2, 3, 0, 30, 0, 0, time.UTC)
	rows := deliveryRows([]model.Delivery{
		{AttemptedAt: at, Version: 2, Status: model.DeliverySent, Recipient: "cpa@example.com", Provider: "smtp", MessageID: "<m1@taxflow>"},
		{AttemptedAt: at, Version: 2, Status: model.DeliveryFailed, Recipient: "cpa@example.com", Provider: "smtp", Error: "dial tcp: refused"},
	}, seoul(t))
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"2025-02-03 09:30", "v2", "sent", "cpa@example.com", "smtp", "<m1@taxflow>"}, rows[0])
	assert.Equal(t, "dial tcp: refused", rows[1][5])
	assert.Len(t, rows[0], len(deliveryHeaders))
}

func TestEvidenceRows(t *testing.T) {
	rows := evidenceRows([]model.EvidenceFile{{
		AttachedAt: time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC),
		Name:       "receipt.pdf",
		Path:       "/data/evidence/invoice_x_2025-01-16.pdf",
		SHA256:     "0123456789abcdef0123",
		Size:       2048,
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2025-01-16 09:00", "receipt.pdf", "2048", "0123456789ab", "/data/evidence/invoice_x_2025-01-16.pdf"}, rows[0])
	assert.Len(t, rows[0], len(evidenceHeaders))
}

func TestCompletenessRows(t *testing.T) {
	cats := model.IndexedCategories()
	require.NotEmpty(t, cats)
	completeness := map[model.Category][]string{cats[0]: {"VAT-39"}}

	rows := completenessRows(completeness)
	require.Len(t, rows, len(cats))
	statuses := map[string]string{}
	for _, r := range rows {
		statuses[r[0]] = r[2]
	}
	assert.Equal(t, "ok", statuses[string(cats[0])])
	if len(cats) > 1 {
		assert.Equal(t, "missing", statuses[string(cats[1])])
	}
}
