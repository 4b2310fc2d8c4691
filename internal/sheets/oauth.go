package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"
)

// OAuth2Config holds OAuth2 configuration.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	// CallbackAddr is the local listen address for the redirect; defaults to localhost:8080.
	CallbackAddr string
	// OpenURL is called with the consent URL; nil just logs it.
	OpenURL func(url string)
	// Scopes requested at consent; defaults to the spreadsheets scope.
	Scopes []string
}

func (c OAuth2Config) oauth(redirect string) *oauth2.Config {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = []string{sheets.SpreadsheetsScope}
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirect,
		Scopes:       scopes,
	}
}

// GmailScopes is the consent scope set for exporting and sending by Gmail.
func GmailScopes() []string {
	return []string{sheets.SpreadsheetsScope, gmail.GmailSendScope}
}

// TokenSource returns a refreshing source for the saved token. It never
// starts the consent flow.
func TokenSource(ctx context.Context, config OAuth2Config) (oauth2.TokenSource, error) {
	if config.TokenFile == "" {
		return nil, errors.New("token file is not configured")
	}
	token, err := LoadToken(config.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("no saved token, run 'taxflow sheets auth' first: %w", err)
	}
	return config.oauth("").TokenSource(ctx, token), nil
}

const callbackPage = `<html><body>
<h1>%s</h1>
<p>%s</p>
<script>window.setTimeout(function(){window.close();}, 3000);</script>
</body></html>`

// AuthenticateOAuth2Interactive runs the consent flow against a local callback server.
func AuthenticateOAuth2Interactive(ctx context.Context, config OAuth2Config) (*oauth2.Token, error) {
	addr := config.CallbackAddr
	if addr == "" {
		addr = "localhost:8080"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}
	oauthConfig := config.oauth("http://" + listener.Addr().String() + "/callback")

	state := fmt.Sprintf("taxflow-%d", time.Now().UnixNano())
	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		if code == "" || q.Get("state") != state {
			select {
			case errorChan <- fmt.Errorf("no valid authorization code received"):
			default:
			}
			_, _ = fmt.Fprintf(w, callbackPage, "Authentication Failed", "No authorization code received. Please try again.")
			return
		}
		select {
		case codeChan <- code:
		default:
		}
		_, _ = fmt.Fprintf(w, callbackPage, "Authentication Successful!", "You can close this window and return to the terminal.")
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errorChan <- fmt.Errorf("callback server failed: %w", err):
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Error shutting down callback server", "error", err)
		}
	}()

	authURL := oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	slog.Info("Google Sheets authentication required")
	slog.Info("Please visit this URL to authenticate", "url", authURL)
	if config.OpenURL != nil {
		config.OpenURL(authURL)
	}

	var authCode string
	select {
	case authCode = <-codeChan:
		slog.Info("Received authorization code")
	case err := <-errorChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("authentication timeout - no response received within 5 minutes")
	}

	token, err := oauthConfig.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if config.TokenFile != "" {
		if err := saveToken(config.TokenFile, token); err != nil {
			slog.Warn("Failed to save token to file", "error", err, "file", config.TokenFile)
		} else {
			slog.Info("Token saved successfully", "file", config.TokenFile)
		}
	}

	return token, nil
}

// LoadToken reads a token saved by the consent flow.
func LoadToken(tokenFile string) (*oauth2.Token, error) {
	data, err := os.ReadFile(tokenFile) // #nosec G304
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("token file %s is corrupt: %w", tokenFile, err)
	}
	return &token, nil
}

// saveToken replaces path atomically; the token file is readable by the owner only.
func saveToken(path string, token *oauth2.Token) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// RefreshTokenIfNeeded refreshes the token if it's expired.
func RefreshTokenIfNeeded(ctx context.Context, config OAuth2Config, token *oauth2.Token) (*oauth2.Token, error) {
	if token.Valid() {
		return token, nil
	}

	slog.Info("Token expired, refreshing")
	newToken, err := config.oauth("").TokenSource(ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	if config.TokenFile != "" {
		if err := saveToken(config.TokenFile, newToken); err != nil {
			slog.Warn("Failed to save refreshed token", "error", err)
		}
	}
	return newToken, nil
}

// GetOrCreateToken gets an existing token or creates a new one.
func GetOrCreateToken(ctx context.Context, config OAuth2Config) (*oauth2.Token, error) {
	if config.TokenFile != "" {
		token, err := LoadToken(config.TokenFile)
		if err == nil {
			slog.Info("Loaded existing token from file")
			return RefreshTokenIfNeeded(ctx, config, token)
		}
		slog.Info("No existing token found, starting OAuth2 flow")
	}
	return AuthenticateOAuth2Interactive(ctx, config)
}
