// Package plaid provides a bank source backed by the Plaid API.
package plaid

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/plaid/plaid-go/v20/plaid"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/service"
)

// Config holds Plaid API configuration. Each account is fetched with its
// own access token; AccessToken is the fallback for accounts not listed.
type Config struct {
	AccessTokens map[string]string
	ClientID     string
	Secret       string
	Environment  string // sandbox or production
	AccessToken  string
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("plaid client ID is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("plaid secret is required")
	}
	if c.AccessToken == "" && len(c.AccessTokens) == 0 {
		return fmt.Errorf("plaid access token is required")
	}
	if c.Environment == "" {
		return fmt.Errorf("plaid environment is required")
	}

	validEnvs := map[string]bool{
		"sandbox":    true,
		"production": true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid Plaid environment: must be sandbox or production")
	}

	return nil
}

// Client implements bank.Source.
type Client struct {
	client       *plaid.APIClient
	logger       *slog.Logger
	retryOpts    *service.RetryOptions
	accessTokens map[string]string
	accessToken  string
	location     *time.Location
}

// Option configures a Client.
type Option func(*Client)

// WithLocation sets the zone used for date-only transactions. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.location = loc }
}

// WithRetryOptions overrides the retry policy.
func WithRetryOptions(opts service.RetryOptions) Option {
	return func(c *Client) { c.retryOpts = &opts }
}

// NewClient creates a new Plaid client with the given configuration.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)

	switch cfg.Environment {
	case "sandbox":
		configuration.UseEnvironment(plaid.Sandbox)
	case "production":
		configuration.UseEnvironment(plaid.Production)
	}

	c := &Client{
		client:       plaid.NewAPIClient(configuration),
		accessTokens: cfg.AccessTokens,
		accessToken:  cfg.AccessToken,
		location:     time.UTC,
		logger:       slog.Default().With("component", "plaid"),
		retryOpts: &service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenFor(accountID string) string {
	if tok, ok := c.accessTokens[accountID]; ok && tok != "" {
		return tok
	}
	return c.accessToken
}

// FetchTransactions fetches one account's transactions within the range.
func (c *Client) FetchTransactions(ctx context.Context, account bank.AccountRef, r service.DateRange) ([]bank.RawRecord, error) {
	if err := bank.ValidateRange(ctx, r); err != nil {
		return nil, err
	}
	token := c.tokenFor(account.ID)
	if token == "" {
		return nil, fmt.Errorf("%w: no plaid access token for account %s", common.ErrMissingConfig, account.ID)
	}

	c.logger.Info("Fetching transactions from Plaid",
		"account", account.ID,
		"start_date", r.Start.Format("2006-01-02"),
		"end_date", r.End.Format("2006-01-02"))

	var all []plaid.Transaction
	offset := int32(0)
	const pageSize = int32(500) // Plaid's max page size

	for {
		var page []plaid.Transaction

		retryErr := common.WithRetry(ctx, func() error {
			request := plaid.NewTransactionsGetRequest(
				token,
				r.Start.Format("2006-01-02"),
				r.End.Format("2006-01-02"),
			)
			options := plaid.TransactionsGetRequestOptions{
				Count:  plaid.PtrInt32(pageSize),
				Offset: plaid.PtrInt32(offset),
			}
			options.SetAccountIds([]string{account.ID})
			request.SetOptions(options)

			resp, _, err := c.client.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*request).Execute()
			if err != nil {
				return c.classify(err, "failed to fetch transactions")
			}

			page = resp.GetTransactions()
			c.logger.Debug("Fetched transaction batch",
				"count", len(page),
				"offset", offset,
				"total", resp.GetTotalTransactions())
			return nil
		}, *c.retryOpts)

		if retryErr != nil {
			return nil, retryErr
		}

		all = append(all, page...)
		if len(page) < int(pageSize) {
			break
		}
		offset += pageSize
	}

	c.logger.Info("Fetched all transactions", "account", account.ID, "count", len(all))

	records := make([]bank.RawRecord, 0, len(all))
	for _, pt := range all {
		rec := recordFrom(plaidRecord{
			date:         pt.GetDate(),
			datetime:     pt.GetDatetime(),
			name:         pt.GetName(),
			merchantName: pt.GetMerchantName(),
			currency:     pt.GetIsoCurrencyCode(),
			amount:       pt.GetAmount(),
		}, account, c.location)
		records = append(records, rec)
	}
	return records, nil
}

// GetAccounts fetches account IDs visible to an access token.
func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]string, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	if accessToken == "" {
		accessToken = c.accessToken
	}

	var accounts []plaid.AccountBase
	retryErr := common.WithRetry(ctx, func() error {
		request := plaid.NewAccountsGetRequest(accessToken)
		resp, _, err := c.client.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
		if err != nil {
			return c.classify(err, "failed to fetch accounts")
		}
		accounts = resp.GetAccounts()
		return nil
	}, *c.retryOpts)
	if retryErr != nil {
		return nil, retryErr
	}

	accountIDs := make([]string, 0, len(accounts))
	for _, account := range accounts {
		accountIDs = append(accountIDs, account.GetAccountId())
	}
	return accountIDs, nil
}

// classify marks rate limits retryable and other API errors permanent.
func (c *Client) classify(err error, msg string) error {
	if plaidError := extractPlaidError(err); plaidError != nil {
		if plaidError.ErrorCode == "RATE_LIMIT_EXCEEDED" {
			c.logger.Warn("Rate limit hit, will retry", "error", plaidError.ErrorMessage)
			return &common.RetryableError{Err: fmt.Errorf("%w: %s", common.ErrRateLimit, plaidError.ErrorMessage), Retryable: true}
		}
		return &common.RetryableError{
			Err:       fmt.Errorf("plaid API error: %s - %s", plaidError.ErrorCode, plaidError.ErrorMessage),
			Retryable: false,
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// plaidRecord is the subset of a Plaid transaction the mapping reads.
type plaidRecord struct {
	datetime     time.Time
	date         string
	name         string
	merchantName string
	currency     string
	amount       float64
}

// zeroDecimal lists currencies whose smallest unit is the whole unit.
var zeroDecimal = map[string]bool{"KRW": true, "JPY": true, "VND": true}

// recordFrom maps a Plaid transaction. Plaid reports debits as positive amounts.
func recordFrom(p plaidRecord, account bank.AccountRef, loc *time.Location) bank.RawRecord {
	ts := p.datetime
	if ts.IsZero() {
		if d, err := time.ParseInLocation("2006-01-02", p.date, loc); err == nil {
			ts = d
		}
	}

	factor := 100.0
	if zeroDecimal[strings.ToUpper(p.currency)] {
		factor = 1
	}

	counterparty := p.merchantName
	if counterparty == "" {
		counterparty = p.name
	}

	return bank.RawRecord{
		Timestamp:     ts,
		AccountID:     account.ID,
		BankName:      account.BankName,
		AccountNumber: account.AccountNumber,
		Counterparty:  cleanMerchantName(counterparty),
		Memo:          p.name,
		Amount:        int64(math.Round(math.Abs(p.amount) * factor)),
		Inflow:        p.amount < 0,
	}
}

// cleanMerchantName standardizes merchant names by removing common suffixes and normalizing format.
func cleanMerchantName(name string) string {
	words := strings.Fields(strings.ToLower(name))
	for i, word := range words {
		runes := []rune(word)
		for j := range runes {
			if j == 0 || !isLetter(runes[j-1]) {
				runes[j] = toUpper(runes[j])
			}
		}
		words[i] = string(runes)
	}

	// A trailing run of more than five digits is usually a terminal or reference id.
	if len(words) > 1 {
		last := words[len(words)-1]
		if len(last) > 5 && isAllDigits(last) {
			words = words[:len(words)-1]
		}
	}
	name = strings.Join(words, " ")

	suffixes := []string{
		" Llc",
		" Inc",
		" Corp",
		" Corporation",
		" Company",
		" Co",
		" Ltd",
		" Limited",
	}

	// Keep removing suffixes until none are found (handles multiple suffixes)
	changed := true
	for changed {
		changed = false
		for _, suffix := range suffixes {
			if strings.HasSuffix(name, suffix) {
				name = strings.TrimSuffix(name, suffix)
				changed = true
			}
		}
	}

	return strings.TrimSpace(name)
}

// isAllDigits checks if a string contains only digits.
func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 32
	}
	return r
}

// extractPlaidError attempts to extract a Plaid error from a generic error.
func extractPlaidError(err error) *plaid.PlaidError {
	plaidErr, convErr := plaid.ToPlaidError(err)
	if convErr != nil {
		return nil
	}
	return &plaidErr
}

var _ bank.Source = (*Client)(nil)
