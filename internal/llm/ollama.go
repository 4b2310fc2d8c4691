package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
)

// ollamaClient implements Provider with a local Ollama server.
type ollamaClient struct {
	client    *api.Client
	model     string
	maxTokens int
}

func newOllamaClient(cfg Config) (*ollamaClient, error) {
	hostURL := envconfig.Host()
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama host %q: %w", cfg.BaseURL, err)
		}
		hostURL = parsed
	}

	model := cfg.Model
	if model == "" {
		model = "llama3.1"
	}

	return &ollamaClient{
		client:    api.NewClient(hostURL, cfg.httpClient()),
		model:     model,
		maxTokens: cfg.maxTokens(),
	}, nil
}

func (c *ollamaClient) Name() string { return "ollama" }

// Generate runs a single non-streaming generation in JSON mode.
func (c *ollamaClient) Generate(ctx context.Context, r Request) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  c.model,
		Prompt: r.Prompt,
		System: r.System,
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]any{
			"temperature": 0,
			"num_predict": pickMaxTokens(r, c.maxTokens),
		},
	}

	var out strings.Builder
	err := c.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		var status api.StatusError
		if errors.As(err, &status) {
			return "", statusError(c.Name(), status.StatusCode, []byte(status.ErrorMessage))
		}
		return "", fmt.Errorf("ollama generate: %w", err)
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", malformed(c.Name(), "empty response", nil)
	}
	return cleanMarkdownWrapper(text), nil
}
