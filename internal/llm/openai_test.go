package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
)

func TestNewOpenAIClient(t *testing.T) {
	_, err := newOpenAIClient(Config{})
	require.Error(t, err)

	client, err := newOpenAIClient(Config{APIKey: "test-key", Model: "gpt-4", MaxTokens: 200})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", client.model)
	assert.Equal(t, 200, client.maxTokens)
	assert.Equal(t, openAIBaseURL, client.baseURL)
}

func TestOpenAIClient_Generate(t *testing.T) {
	var got struct {
		ResponseFormat map[string]string `json:"response_format"`
		Model          string            `json:"model"`
		Messages       []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}]}`))
	}))
	defer server.Close()

	client, err := newOpenAIClient(Config{APIKey: "test-key", BaseURL: server.URL + "/"})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), Request{System: "sys", Prompt: "prompt"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"ok"}`, out)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "sys", got.Messages[0].Content)
	assert.Equal(t, "prompt", got.Messages[1].Content)
	assert.Zero(t, got.Temperature)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, common.ErrProviderMalformed)
}

func TestOpenAIClient_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.False(t, Classify(err).Retryable)
	assert.False(t, common.IsRetryable(err))
}
