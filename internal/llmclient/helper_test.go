package llmclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/xkilldash9x/questpilot/internal/config"
)

// MockGenerator is a mock implementation of Generator for testing.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// fakeModels replays canned GenerateContent results in order.
type fakeModels struct {
	mu       sync.Mutex
	replies  []*genai.GenerateContentResponse
	errs     []error
	calls    int
	contents [][]*genai.Content
	configs  []*genai.GenerateContentConfig
	models   []string
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.models = append(f.models, model)
	f.contents = append(f.contents, contents)
	f.configs = append(f.configs, cfg)
	var (
		resp *genai.GenerateContentResponse
		err  error
	)
	if i < len(f.replies) {
		resp = f.replies[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return resp, err
}

func textReply(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
	}
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidReasoningConfig returns a valid ReasoningConfig for testing purposes.
func getValidReasoningConfig() config.ReasoningConfig {
	return config.ReasoningConfig{
		Enabled:     true,
		Provider:    ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.2,
		MaxTokens:   1024,
		RateLimit:   100,
		Burst:       1,
	}
}

// newTestGemini builds a client over fake models that retries instantly.
func newTestGemini(t *testing.T, models contentGenerator) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	logger, logs := setupTestLogger(t)
	c := newGeminiClient(models, getValidReasoningConfig(), logger)
	c.backoffFactory = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return c, logs
}
