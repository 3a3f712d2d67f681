// File: internal/vision/client.go
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/questpilot/internal/config"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// request is the sidecar wire format. The image travels as base64 PNG.
type request struct {
	Image    string `json:"image"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
	Text     string `json:"text,omitempty"`
}

type landmarkResponse struct {
	Matches []LandmarkMatch `json:"matches"`
}

type textResponse struct {
	Matches []TextMatch `json:"matches"`
}

// Client talks to a template-matching/OCR sidecar over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Service = (*Client)(nil)

// NewClient builds a sidecar client.
func NewClient(cfg config.VisionConfig, logger *zap.Logger) *Client {
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("vision_client"),
	}
}

func (c *Client) MatchLandmark(ctx context.Context, img image.Image, name string) (*LandmarkMatch, error) {
	var resp landmarkResponse
	if err := c.call(ctx, "/v1/landmark", img, request{Name: name}, &resp); err != nil {
		return nil, err
	}
	return Best(resp.Matches), nil
}

func (c *Client) MatchAllLandmarks(ctx context.Context, img image.Image, category string) ([]LandmarkMatch, error) {
	var resp landmarkResponse
	if err := c.call(ctx, "/v1/landmarks", img, request{Category: category}, &resp); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

func (c *Client) FindText(ctx context.Context, img image.Image, text string) (*TextMatch, error) {
	var resp textResponse
	if err := c.call(ctx, "/v1/text", img, request{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Matches) == 0 {
		return nil, nil
	}
	best := resp.Matches[0]
	for _, m := range resp.Matches[1:] {
		if m.Confidence > best.Confidence {
			best = m
		}
	}
	return &best, nil
}

func (c *Client) FindAllText(ctx context.Context, img image.Image) ([]TextMatch, error) {
	var resp textResponse
	if err := c.call(ctx, "/v1/ocr", img, request{}, &resp); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

func (c *Client) call(ctx context.Context, path string, img image.Image, req request, out interface{}) error {
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	req.Image = base64.StdEncoding.EncodeToString(pngBuf.Bytes())

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal vision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build vision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("vision request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read vision response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Vision sidecar returned an error status",
			zap.String("path", path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("vision request %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode vision response: %w", err)
	}
	return nil
}
