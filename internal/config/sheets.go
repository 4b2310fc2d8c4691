package config

import (
	"github.com/spf13/viper"

	"github.com/Veraticus/taxflow/internal/sheets"
)

// LoadSheetsConfig loads Google Sheets configuration. It follows this precedence:
// 1. Viper configuration (from config file or TAXFLOW_ env vars)
// 2. Direct environment variables (GOOGLE_SHEETS_*)
// 3. A refresh token saved by `taxflow sheets auth`
// 4. Default values
func LoadSheetsConfig(v *viper.Viper) (*sheets.Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	SetDefaults(v)
	config := sheets.DefaultConfig()

	if s := v.GetString("sheets.service_account_path"); s != "" {
		config.ServiceAccountPath = ExpandPath(s)
	}
	if s := v.GetString("sheets.client_id"); s != "" {
		config.ClientID = s
	}
	if s := v.GetString("sheets.client_secret"); s != "" {
		config.ClientSecret = s
	}
	if s := v.GetString("sheets.refresh_token"); s != "" {
		config.RefreshToken = s
	}
	if s := v.GetString("sheets.spreadsheet_id"); s != "" {
		config.SpreadsheetID = s
	}
	if s := v.GetString("sheets.spreadsheet_name"); s != "" {
		config.SpreadsheetName = s
	}
	if s := v.GetString("sheets.timezone"); s != "" {
		config.TimeZone = s
	}
	config.TokenFile = ExpandPath(v.GetString("sheets.token_file"))

	config.LoadFromEnv()
	config.ServiceAccountPath = ExpandPath(config.ServiceAccountPath)
	config.ResolveToken()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
