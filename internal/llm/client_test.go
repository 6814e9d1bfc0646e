package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_OpenAICompletions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["prompt"])
		assert.Equal(t, float64(800), body["max_tokens"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"text": `{"summary":"ok"}`}},
		})
	}))
	defer server.Close()

	client := NewCompletionClient(Config{BaseURL: server.URL + "/v1"})
	text, err := client.Generate(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, text)
}

func TestGenerate_MessageContentShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "from chat"}}},
		})
	}))
	defer server.Close()

	text, err := NewCompletionClient(Config{BaseURL: server.URL}).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "from chat", text)
}

func TestGenerate_FallsBackToLlamaEndpoint(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(512), body["n_predict"])
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "llama says hi"})
	}))
	defer server.Close()

	text, err := NewCompletionClient(Config{BaseURL: server.URL}).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "llama says hi", text)
	assert.Equal(t, []string{"/v1/completions", "/completion"}, paths)
}

func TestGenerate_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewCompletionClient(Config{BaseURL: server.URL}).Generate(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvider))
}

func TestGenerate_EmptyCompletionIsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{{"text": "  "}}})
	}))
	defer server.Close()

	_, err := NewCompletionClient(Config{BaseURL: server.URL}).Generate(context.Background(), "p")
	assert.True(t, errors.Is(err, ErrProvider))
}

func TestGenerate_ConnectionError(t *testing.T) {
	_, err := NewCompletionClient(Config{BaseURL: "http://127.0.0.1:1"}).Generate(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
}

func TestGenerate_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewCompletionClient(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	_, err := client.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}
