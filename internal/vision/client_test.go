package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/questpilot/internal/config"
)

// sidecar records the last request and replies with a canned body.
type sidecar struct {
	path   string
	req    request
	status int
	body   string
}

func (s *sidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.path = r.URL.Path
	payload, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(payload, &s.req)
	if s.status != 0 {
		w.WriteHeader(s.status)
	}
	_, _ = io.WriteString(w, s.body)
}

func newTestClient(t *testing.T, s *sidecar) *Client {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return NewClient(config.VisionConfig{Endpoint: srv.URL + "/", Timeout: 5 * time.Second}, zaptest.NewLogger(t))
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 4, 4))
}

func TestClientMatchLandmark(t *testing.T) {
	s := &sidecar{body: `{"matches":[
		{"name":"scenes/main_hub","confidence":0.7,"center":{"x":1,"y":2}},
		{"name":"scenes/main_hub","confidence":0.93,"center":{"x":3,"y":4}}]}`}
	c := newTestClient(t, s)

	m, err := c.MatchLandmark(context.Background(), testImage(), "scenes/main_hub")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 0.93, m.Confidence)
	assert.Equal(t, Point{X: 3, Y: 4}, m.Center)

	assert.Equal(t, "/v1/landmark", s.path)
	assert.Equal(t, "scenes/main_hub", s.req.Name)
	raw, err := base64.StdEncoding.DecodeString(s.req.Image)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), decoded.Bounds())
}

func TestClientMiss(t *testing.T) {
	c := newTestClient(t, &sidecar{body: `{"matches":[]}`})

	m, err := c.MatchLandmark(context.Background(), testImage(), "icons/none")
	assert.NoError(t, err)
	assert.Nil(t, m)

	txt, err := c.FindText(context.Background(), testImage(), "领取")
	assert.NoError(t, err)
	assert.Nil(t, txt)
}

func TestClientFindTextPicksMostConfident(t *testing.T) {
	s := &sidecar{body: `{"matches":[{"text":"领取","confidence":0.6},{"text":"一键领取","confidence":0.9}]}`}
	c := newTestClient(t, s)

	m, err := c.FindText(context.Background(), testImage(), "领取")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "一键领取", m.Text)
	assert.Equal(t, "/v1/text", s.path)
	assert.Equal(t, "领取", s.req.Text)
}

func TestClientAllQueries(t *testing.T) {
	s := &sidecar{body: `{"matches":[{"name":"buttons/close","text":"OK","confidence":0.8}]}`}
	c := newTestClient(t, s)
	ctx := context.Background()

	lm, err := c.MatchAllLandmarks(ctx, testImage(), "buttons")
	require.NoError(t, err)
	assert.Len(t, lm, 1)
	assert.Equal(t, "/v1/landmarks", s.path)
	assert.Equal(t, "buttons", s.req.Category)

	txt, err := c.FindAllText(ctx, testImage())
	require.NoError(t, err)
	assert.Len(t, txt, 1)
	assert.Equal(t, "/v1/ocr", s.path)
}

func TestClientErrors(t *testing.T) {
	t.Run("Status", func(t *testing.T) {
		c := newTestClient(t, &sidecar{status: http.StatusInternalServerError, body: "template store unavailable\n"})
		_, err := c.FindAllText(context.Background(), testImage())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "returned status 500: template store unavailable")
	})

	t.Run("BadJSON", func(t *testing.T) {
		c := newTestClient(t, &sidecar{body: "{"})
		_, err := c.FindAllText(context.Background(), testImage())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode vision response")
	})

	t.Run("Cancelled", func(t *testing.T) {
		c := newTestClient(t, &sidecar{body: `{"matches":[]}`})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.FindAllText(ctx, testImage())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
