// internal/llmclient/anthropic_client.go
package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

const providerClaude = "claude"

// AnthropicClient implements schemas.CognitionProvider on the Claude Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *zap.Logger
}

// NewAnthropicClient builds a Claude provider. Extra request options are
// appended after the defaults, which lets callers point it at another base URL.
func NewAnthropicClient(cfg config.CognitionConfig, logger *zap.Logger, opts ...option.RequestOption) (*AnthropicClient, error) {
	if cfg.Credential == "" {
		return nil, newProviderError(providerClaude, ErrAuth, 0,
			errors.New("no API key configured; set ANTHROPIC_API_KEY or pass --api-key"))
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.Credential),
		// Retries are owned by the Resilient decorator.
		option.WithMaxRetries(0),
	}
	if cfg.APITimeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.APITimeout))
	}
	reqOpts = append(reqOpts, opts...)

	return &AnthropicClient{
		client:      anthropic.NewClient(reqOpts...),
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: float64(cfg.Temperature),
		logger:      logger.Named("llm_client.claude"),
	}, nil
}

func (c *AnthropicClient) Name() string { return providerClaude }

// Decide sends one screenshot and the rendered prompt as a single user turn.
func (c *AnthropicClient) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
	start := time.Now()
	prompt := BuildUserPrompt(req)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		System:      []anthropic.TextBlockParam{{Text: SystemInstruction}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(req.Image)),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, newProviderError(providerClaude, ErrBadResponse, 0,
			fmt.Errorf("response had no text content (stop reason %q)", msg.StopReason))
	}

	resp := &schemas.ProviderResponse{
		Provider:     providerClaude,
		Model:        string(msg.Model),
		Text:         text,
		Latency:      time.Since(start),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	c.logger.Debug("Claude decision received",
		zap.Duration("duration", resp.Latency),
		zap.Int("prompt_tokens", resp.InputTokens),
		zap.Int("completion_tokens", resp.OutputTokens),
	)
	return resp, nil
}

func (c *AnthropicClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return newProviderError(providerClaude, kindForStatus(apiErr.StatusCode), apiErr.StatusCode, err)
	}
	return newProviderError(providerClaude, ErrNetwork, 0, err)
}
