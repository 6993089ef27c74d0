// Package llm talks to chat-completion providers and decodes structured grades.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/logging"
)

// DeepSeekBaseURL is the default OpenAI-compatible endpoint.
const DeepSeekBaseURL = "https://api.deepseek.com/v1"

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the interface for LLM providers. Complete asks for a JSON object.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	IsConfigured() bool
	Name() string
}

// StatusError is a non-200 answer from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Code, e.Body)
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model       string
	BaseURL     string
	Temperature float64
	client      *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, temperature float64, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		Model:       model,
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Temperature: temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in logs.
func (o *OllamaProvider) Name() string { return "ollama" }

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	logging.Warnf("ollama model %q not found", o.Model)
	return false
}

// Complete sends the conversation to Ollama in JSON mode and returns the reply.
func (o *OllamaProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": messages,
		"stream":   false,
		"format":   "json",
		"options": map[string]any{
			"temperature": o.Temperature,
		},
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := postJSON(ctx, o.client, o.Name(), o.BaseURL+"/api/chat", "", body, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// OpenAIProvider speaks the OpenAI chat-completions protocol. DeepSeek is the default endpoint.
type OpenAIProvider struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	client      *http.Client
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(model, baseURL, apiKey string, temperature float64, maxTokens int, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DeepSeekBaseURL
	}
	return &OpenAIProvider{
		Model:       model,
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		client:      &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in logs.
func (o *OpenAIProvider) Name() string { return "openai" }

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Complete sends the conversation with response_format json_object.
func (o *OpenAIProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	if o.APIKey == "" {
		return "", errors.New("API key not configured")
	}

	body := map[string]any{
		"model":           o.Model,
		"messages":        messages,
		"temperature":     o.Temperature,
		"response_format": map[string]string{"type": "json_object"},
	}
	if o.MaxTokens > 0 {
		body["max_tokens"] = o.MaxTokens
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, o.client, o.Name(), o.BaseURL+"/chat/completions", o.APIKey, body, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", &decodeError{err: errors.New("no choices in response")}
	}
	return result.Choices[0].Message.Content, nil
}

// decodeError marks an envelope that could not be read.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decoding response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func postJSON(ctx context.Context, client *http.Client, provider, url, apiKey string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s API error: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: provider, Code: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	OllamaURL   string
	OllamaModel string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// CreateProvider creates an LLM provider based on configuration. Ollama falls
// back to the OpenAI-compatible provider when it is not reachable.
func CreateProvider(cfg ProviderConfig) (Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if strings.ToLower(cfg.Provider) == "ollama" {
		p := NewOllamaProvider(cfg.OllamaModel, cfg.OllamaURL, cfg.Temperature, timeout)
		if p.IsConfigured() {
			logging.Infof("using Ollama with model: %s", cfg.OllamaModel)
			return p, nil
		}
		logging.Warnf("ollama not available, trying OpenAI-compatible fallback")
	}

	p := NewOpenAIProvider(cfg.Model, cfg.BaseURL, cfg.APIKey, cfg.Temperature, cfg.MaxTokens, timeout)
	if p.IsConfigured() {
		logging.Infof("using %s with model: %s", p.BaseURL, cfg.Model)
		return p, nil
	}

	return nil, errors.New("no LLM provider available: start Ollama or set the grading API key")
}
