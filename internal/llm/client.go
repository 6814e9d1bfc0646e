// Package llm is the text-generation adapter: a small HTTP client for
// OpenAI-compatible and llama.cpp completion servers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Transport failure classes. Every error returned by Generate wraps exactly
// one of these.
var (
	ErrTimeout    = errors.New("llm: timeout")
	ErrConnection = errors.New("llm: connection error")
	ErrProvider   = errors.New("llm: provider error")
)

const (
	completionsPath     = "/v1/completions"
	llamaCompletionPath = "/completion"
	llamaPredictTokens  = 512
)

// Config configures a CompletionClient.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// CompletionClient generates text from a prompt.
type CompletionClient struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	http      *http.Client
}

// NewCompletionClient builds a client. Zero values fall back to a local
// server at http://localhost:8080, 800 tokens and a 120s timeout.
func NewCompletionClient(cfg Config) *CompletionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 800
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &CompletionClient{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

type completionRequest struct {
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	NPredict  int    `json:"n_predict,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content string `json:"content"`
}

// Generate posts prompt to the OpenAI-style completions endpoint. When that
// endpoint answers with an error status the llama.cpp endpoint is tried once.
func (c *CompletionClient) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := c.post(ctx, completionsPath, completionRequest{
		Model:     c.model,
		Prompt:    prompt,
		MaxTokens: c.maxTokens,
	})
	if err == nil || !errors.Is(err, ErrProvider) {
		return text, err
	}

	fallback, fbErr := c.post(ctx, llamaCompletionPath, completionRequest{
		Prompt:   prompt,
		NPredict: llamaPredictTokens,
	})
	if fbErr != nil {
		return "", fmt.Errorf("%w (fallback: %v)", err, fbErr)
	}
	return fallback, nil
}

func (c *CompletionClient) post(ctx context.Context, path string, body completionRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: %s: status %s: %s", ErrProvider, path, resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: reading response: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}

	text := decoded.Content
	if len(decoded.Choices) > 0 {
		text = decoded.Choices[0].Text
		if strings.TrimSpace(text) == "" {
			text = decoded.Choices[0].Message.Content
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrProvider)
	}
	return text, nil
}

func classify(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
