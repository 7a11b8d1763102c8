// internal/llmclient/ollama_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
	"github.com/xkilldash9x/coursepilot/internal/llmutil"
)

const providerOllama = "ollama"

// OllamaClient implements schemas.CognitionProvider against a local Ollama server.
type OllamaClient struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float32
	httpClient  *http.Client
	logger      *zap.Logger
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// NewOllamaClient initializes the client. No request is sent until Decide or Ping.
func NewOllamaClient(cfg config.CognitionConfig, logger *zap.Logger) (*OllamaClient, error) {
	if cfg.OllamaModel == "" {
		return nil, fmt.Errorf("ollama model name is required")
	}
	return &OllamaClient{
		baseURL:     normalizeOllamaBaseURL(cfg.OllamaEndpoint),
		model:       cfg.OllamaModel,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cfg.APITimeout},
		logger:      logger.Named("llm_client.ollama"),
	}, nil
}

// normalizeOllamaBaseURL adds a scheme when missing and drops trailing slashes.
func normalizeOllamaBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = "http://localhost:11434"
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/")
}

func (c *OllamaClient) Name() string { return providerOllama }

// Decide calls /api/generate with the screenshot attached and JSON output requested.
func (c *OllamaClient) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
	start := time.Now()

	payload := ollamaGenerateRequest{
		Model:  c.model,
		Prompt: BuildUserPrompt(req),
		System: SystemInstruction,
		Stream: false,
		Format: "json",
		Options: map[string]any{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	}
	if len(req.Image) > 0 {
		payload.Images = []string{base64.StdEncoding.EncodeToString(req.Image)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	data, status, err := c.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, data)
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, newProviderError(providerOllama, ErrBadResponse, status,
			fmt.Errorf("failed to decode response: %w", err))
	}
	if parsed.Error != "" {
		return nil, c.statusError(http.StatusInternalServerError, data)
	}
	if strings.TrimSpace(parsed.Response) == "" {
		return nil, newProviderError(providerOllama, ErrBadResponse, status, errors.New("empty response text"))
	}

	resp := &schemas.ProviderResponse{
		Provider:     providerOllama,
		Model:        c.model,
		Text:         parsed.Response,
		Latency:      time.Since(start),
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
	}
	if parsed.Model != "" {
		resp.Model = parsed.Model
	}
	c.logger.Debug("Ollama decision received",
		zap.Duration("duration", resp.Latency),
		zap.Int("prompt_tokens", resp.InputTokens),
		zap.Int("completion_tokens", resp.OutputTokens),
	)
	return resp, nil
}

// Ping verifies the server is reachable and the configured model has been pulled.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create ollama request: %w", err)
	}
	data, status, err := c.do(ctx, httpReq)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.statusError(status, data)
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(data, &tags); err != nil {
		return newProviderError(providerOllama, ErrBadResponse, status, fmt.Errorf("failed to decode model list: %w", err))
	}
	for _, m := range tags.Models {
		if sameOllamaModel(m.Name, c.model) || sameOllamaModel(m.Model, c.model) {
			return nil
		}
	}
	return newProviderError(providerOllama, ErrModelNotFound, 0,
		fmt.Errorf("model %q is not installed; run 'ollama pull %s'", c.model, c.model))
}

func (c *OllamaClient) do(ctx context.Context, req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if isDialFailure(err) {
			return nil, 0, newProviderError(providerOllama, ErrConnection, 0,
				fmt.Errorf("cannot reach %s; is 'ollama serve' running? %w", c.baseURL, err))
		}
		return nil, 0, newProviderError(providerOllama, ErrNetwork, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, newProviderError(providerOllama, ErrNetwork, resp.StatusCode,
			fmt.Errorf("failed to read response body: %w", err))
	}
	return data, resp.StatusCode, nil
}

func (c *OllamaClient) statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var parsed ollamaGenerateResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		msg = parsed.Error
	}

	kind := kindForStatus(status)
	if strings.Contains(strings.ToLower(msg), "not found") {
		kind = ErrModelNotFound
	}
	// A local server has no credentials to reject.
	if kind == ErrAuth {
		kind = ErrInvalidRequest
	}
	return newProviderError(providerOllama, kind, status, errors.New(llmutil.TruncateString(msg, 300)))
}

func sameOllamaModel(installed, wanted string) bool {
	if installed == wanted {
		return true
	}
	return strings.TrimSuffix(installed, ":latest") == strings.TrimSuffix(wanted, ":latest")
}
