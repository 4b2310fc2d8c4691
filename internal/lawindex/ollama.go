package lawindex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/service"
)

// DefaultOllamaEmbedModel is used when no embedding model is configured.
const DefaultOllamaEmbedModel = "nomic-embed-text"

// OllamaEmbedder generates embeddings with a local Ollama server.
type OllamaEmbedder struct {
	Client  *api.Client
	Model   string
	Retry   service.RetryOptions
	Timeout time.Duration
}

// NewOllamaEmbedder connects to host, or to OLLAMA_HOST when host is empty.
func NewOllamaEmbedder(host, model string) (*OllamaEmbedder, error) {
	hostURL := envconfig.Host()
	if host != "" {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("%w: ollama host %q: %w", common.ErrInvalidConfig, host, err)
		}
		hostURL = parsed
	}
	if model == "" {
		model = DefaultOllamaEmbedModel
	}

	return &OllamaEmbedder{
		Client: api.NewClient(hostURL, http.DefaultClient),
		Model:  model,
		Retry: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
		Timeout: 30 * time.Second,
	}, nil
}

// Name implements Embedder.
func (e *OllamaEmbedder) Name() string {
	return "ollama:" + e.Model
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	var embedding []float64
	err := common.WithRetry(ctx, func() error {
		var embedErr error
		embedding, embedErr = e.createEmbedding(ctx, text)
		return embedErr
	}, e.Retry)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding: %w", err)
	}
	return normalize(embedding), nil
}

func (e *OllamaEmbedder) createEmbedding(ctx context.Context, text string) ([]float64, error) {
	req := api.EmbeddingRequest{
		Model:   e.Model,
		Prompt:  text,
		Options: map[string]any{},
	}

	callCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	resp, err := e.Client.Embeddings(callCtx, &req)
	if err != nil {
		var status api.StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
			// Model not pulled; retrying will not help.
			return nil, &common.RetryableError{Err: err, Retryable: false}
		}
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", common.ErrProviderMalformed)
	}
	return resp.Embedding, nil
}
