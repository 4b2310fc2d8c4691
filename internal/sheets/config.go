// Package sheets delivers monthly documents to a Google Sheets spreadsheet,
// one tab per month.
package sheets

import (
	"fmt"
	"os"
	"time"
)

// Config holds the configuration for the Google Sheets writer.
type Config struct {
	ClientID           string
	ClientSecret       string
	RefreshToken       string
	TokenFile          string
	ServiceAccountPath string
	SpreadsheetID      string
	SpreadsheetName    string
	TimeZone           string
	BatchSize          int
	RetryAttempts      int
	RetryDelay         time.Duration
	EnableFormatting   bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnableFormatting: true,
		SpreadsheetName:  "Tax Documents",
		TimeZone:         "Asia/Seoul",
		BatchSize:        1000,
		RetryAttempts:    3,
		RetryDelay:       time.Second,
	}
}

// LoadFromEnv fills unset fields from GOOGLE_SHEETS_* environment variables.
func (c *Config) LoadFromEnv() {
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	set(&c.ClientID, "GOOGLE_SHEETS_CLIENT_ID")
	set(&c.ClientSecret, "GOOGLE_SHEETS_CLIENT_SECRET")
	set(&c.RefreshToken, "GOOGLE_SHEETS_REFRESH_TOKEN")
	set(&c.ServiceAccountPath, "GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH")
	set(&c.SpreadsheetID, "GOOGLE_SHEETS_SPREADSHEET_ID")
	set(&c.SpreadsheetName, "GOOGLE_SHEETS_SPREADSHEET_NAME")
}

// ResolveToken takes the refresh token from TokenFile when none is set.
func (c *Config) ResolveToken() {
	if c.RefreshToken != "" || c.TokenFile == "" {
		return
	}
	if token, err := LoadToken(c.TokenFile); err == nil {
		c.RefreshToken = token.RefreshToken
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	hasOAuth := c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
	hasServiceAccount := c.ServiceAccountPath != ""

	if !hasOAuth && !hasServiceAccount {
		return fmt.Errorf("no authentication method configured")
	}
	if hasOAuth && hasServiceAccount {
		return fmt.Errorf("multiple authentication methods configured; use either OAuth2 or service account")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	return nil
}
