package llm

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Request is one generation call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Provider generates text from a request.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Config selects and tunes a provider.
type Config struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	CacheTTL   time.Duration
	RateLimit  int
	MaxTokens  int
	Breaker    BreakerConfig
	HTTPClient *http.Client
}

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 2048
)

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return c.MaxTokens
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{
		Timeout: c.timeout(),
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func pickMaxTokens(req Request, fallback int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return fallback
}

// cleanMarkdownWrapper strips a ```json fence some models wrap output in.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		content = content[nl+1:]
	} else {
		content = strings.TrimPrefix(content, "json")
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
