package llm

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/taxflow/internal/common"
)

// NewProvider creates the raw provider named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return newOpenAIClient(cfg)
	case "anthropic":
		return newAnthropicClient(cfg)
	case "ollama":
		return newOllamaClient(cfg)
	case "static", "":
		return NewStaticProvider(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported LLM provider: %s", common.ErrInvalidConfig, cfg.Provider)
	}
}

// New creates the provider named by cfg wrapped in a Guarded.
func New(cfg Config, logger *slog.Logger) (*Guarded, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewGuarded(p, cfg, logger), nil
}
