// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

const providerGemini = "gemini"

// GeminiClient implements schemas.CognitionProvider for Google Gemini models.
type GeminiClient struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float32
	logger      *zap.Logger
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.CognitionConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.Credential == "" {
		return nil, newProviderError(providerGemini, ErrAuth, 0,
			errors.New("Gemini API key is required; set GEMINI_API_KEY or pass --api-key"))
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.Credential,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.GeminiEndpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.GeminiEndpoint}
	}
	if cfg.APITimeout > 0 {
		timeout := cfg.APITimeout
		clientCfg.HTTPOptions.Timeout = &timeout
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       cfg.GeminiModel,
		maxTokens:   int32(cfg.MaxTokens),
		temperature: cfg.Temperature,
		logger:      logger.Named("llm_client.gemini"),
	}, nil
}

func (c *GeminiClient) Name() string { return providerGemini }

// Decide sends the screenshot inline alongside the rendered prompt.
func (c *GeminiClient) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
	start := time.Now()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(req.Image, "image/png"),
			genai.NewPartFromText(BuildUserPrompt(req)),
		}, genai.RoleUser),
	}
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction, genai.RoleUser),
		MaxOutputTokens:   c.maxTokens,
		Temperature:       genai.Ptr(c.temperature),
		ResponseMIMEType:  "application/json",
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	if len(resp.Candidates) == 0 {
		reason := ""
		if resp.PromptFeedback != nil {
			reason = string(resp.PromptFeedback.BlockReason)
		}
		return nil, newProviderError(providerGemini, ErrBadResponse, 0,
			fmt.Errorf("no candidates in response (block reason %q)", reason))
	}
	text := collectText(resp.Candidates[0].Content)
	if strings.TrimSpace(text) == "" {
		return nil, newProviderError(providerGemini, ErrBadResponse, 0,
			fmt.Errorf("empty content (finish reason %q)", resp.Candidates[0].FinishReason))
	}

	out := &schemas.ProviderResponse{
		Provider: providerGemini,
		Model:    c.model,
		Text:     text,
		Latency:  time.Since(start),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	c.logger.Debug("Gemini decision received",
		zap.Duration("duration", out.Latency),
		zap.Int("prompt_tokens", out.InputTokens),
		zap.Int("completion_tokens", out.OutputTokens),
	)
	return out, nil
}

func (c *GeminiClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return newProviderError(providerGemini, kindForStatus(apiErr.Code), apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return newProviderError(providerGemini, kindForStatus(apiErrPtr.Code), apiErrPtr.Code, err)
	}
	return newProviderError(providerGemini, ErrNetwork, 0, err)
}

func collectText(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
