// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/questpilot/internal/config"
)

// contentGenerator is the slice of genai.Models the client calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements Generator on the Gemini API.
type GeminiClient struct {
	models         contentGenerator
	logger         *zap.Logger
	config         config.ReasoningConfig
	backoffFactory func() backoff.BackOff
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.ReasoningConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = cfg.Endpoint
	}
	if cfg.APITimeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.APITimeout}
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGeminiClient(cli.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg config.ReasoningConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{
		models: models,
		logger: logger.Named("llm_client.gemini"),
		config: cfg,
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Generate sends the request with retries on transient failures.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	contents, cfg := c.buildRequest(req)

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := c.models.GenerateContent(ctx, c.config.Model, contents, cfg)
		if err != nil {
			return c.classify(err)
		}
		out, err := responseText(resp)
		if err != nil {
			return err
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.String("model", c.config.Model)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount))
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)
		text = out
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

func (c *GeminiClient) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var parts []*genai.Part
	if len(req.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image, "image/png"))
	}
	parts = append(parts, genai.NewPartFromText(req.UserPrompt))

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.config.Temperature),
	}
	if c.config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", backoff.Permanent(fmt.Errorf("gemini API returned no candidates: %w", ErrNoContent))
	}
	cand := resp.Candidates[0]
	var sb strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p != nil {
				sb.WriteString(p.Text)
			}
		}
	}
	if sb.Len() == 0 {
		switch reason := string(cand.FinishReason); reason {
		case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT":
			return "", backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", reason))
		default:
			return "", fmt.Errorf("gemini API returned empty content parts (Reason: %s): %w", reason, ErrNoContent)
		}
	}
	return sb.String(), nil
}

// classify keeps rate limiting and server faults retryable and makes
// every other API error permanent.
func (c *GeminiClient) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	code := apiStatus(err)
	switch code {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c.logger.Warn("Transient error during LLM request, retrying...", zap.Int("status", code), zap.Error(err))
		return err
	}
	c.logger.Error("Gemini API returned error status", zap.Int("status", code), zap.Error(err))
	return backoff.Permanent(fmt.Errorf("gemini API error: %w", err))
}

func apiStatus(err error) int {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code
	}
	return 0
}
