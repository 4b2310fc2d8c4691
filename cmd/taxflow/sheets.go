package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/config"
	"github.com/Veraticus/taxflow/internal/sheets"
)

func sheetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sheets",
		Short: "Manage the Google Sheets export",
	}
	cmd.AddCommand(sheetsAuthCmd())
	return cmd
}

func sheetsAuthCmd() *cobra.Command {
	var (
		clientID     string
		clientSecret string
		callback     string
		withGmail    bool
	)
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize taxflow to write monthly documents to Google Sheets",
		Long: `Run the Google OAuth2 consent flow and save the token to sheets.token_file.
Later exports pick the refresh token up from that file. An existing valid
token is refreshed instead of asking again.

--gmail also requests permission to send mail, so document send can use
delivery.provider=gmail. It always asks for consent again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.GetViper()
			config.SetDefaults(v)
			if clientID == "" {
				clientID = v.GetString("sheets.client_id")
			}
			if clientSecret == "" {
				clientSecret = v.GetString("sheets.client_secret")
			}
			if clientID == "" || clientSecret == "" {
				return common.NewUserError(
					"OAuth2 credentials not found. Set sheets.client_id and sheets.client_secret or pass --client-id and --client-secret",
					common.ErrInvalidConfig)
			}

			out := cmd.OutOrStdout()
			tokenFile := config.ExpandPath(v.GetString("sheets.token_file"))
			slog.Info("Starting Google Sheets authentication", "token_file", tokenFile)
			oauthConfig := sheets.OAuth2Config{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				TokenFile:    tokenFile,
				CallbackAddr: callback,
				OpenURL: func(url string) {
					fmt.Fprintln(out, cli.FormatInfo("Open this URL to authorize taxflow:"))
					fmt.Fprintln(out, "  "+url)
				},
			}
			var (
				token *oauth2.Token
				err   error
			)
			if withGmail {
				oauthConfig.Scopes = sheets.GmailScopes()
				token, err = sheets.AuthenticateOAuth2Interactive(cmd.Context(), oauthConfig)
			} else {
				token, err = sheets.GetOrCreateToken(cmd.Context(), oauthConfig)
			}
			if err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}
			if token.RefreshToken == "" {
				fmt.Fprintln(out, cli.FormatWarning("Google returned no refresh token; exports will need re-authorization when this one expires"))
			}
			fmt.Fprintln(out, cli.FormatSuccess("Google Sheets authorized; token saved to "+tokenFile))
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth2 client ID (overrides config)")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth2 client secret (overrides config)")
	cmd.Flags().StringVar(&callback, "callback", "", "local callback address (default localhost:8080)")
	cmd.Flags().BoolVar(&withGmail, "gmail", false, "also authorize sending the accountant email through Gmail")
	return cmd
}
