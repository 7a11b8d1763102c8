package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// MockProvider is a mock implementation of schemas.CognitionProvider for testing.
type MockProvider struct {
	mock.Mock
	name string
}

func (m *MockProvider) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*schemas.ProviderResponse)
	return resp, args.Error(1)
}

func (m *MockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	core, _ := observer.New(zap.DebugLevel)
	return zap.New(core)
}

// setupObservedLogger also returns the captured entries.
func setupObservedLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidCognitionConfig returns a valid CognitionConfig for testing purposes.
func getValidCognitionConfig() config.CognitionConfig {
	return config.CognitionConfig{
		Provider:       config.ProviderClaude,
		Credential:     "test-api-key",
		Model:          "claude-test",
		GeminiModel:    "gemini-test",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "llava",
		APITimeout:     5 * time.Second,
		MaxTokens:      256,
		Temperature:    0.2,
		Retry: config.RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsedTime:  time.Second,
		},
	}
}

// testRequest is a minimal decision request with one candidate.
func testRequest() schemas.DecisionRequest {
	return schemas.DecisionRequest{
		Image:    []byte{0x89, 'P', 'N', 'G'},
		URL:      "https://lms.example.com/course/1",
		InCourse: true,
		Candidates: []schemas.Candidate{
			{Index: 0, Locator: "//button[1]", Tag: "button", Role: schemas.RoleButton, Label: "Next Page"},
		},
	}
}
