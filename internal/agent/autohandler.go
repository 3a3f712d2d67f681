package agent

import (
	"context"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/profile"
	"github.com/xkilldash9x/questpilot/internal/quest"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

const (
	autoTapDelay     = 500 * time.Millisecond
	loadingSkipDelay = time.Second
)

// AutoHandler holds the instant, never-reasoned actions: closing known
// popups, claiming visible rewards and poking loading screens.
type AutoHandler struct {
	svc    vision.Service
	prof   *profile.Profile
	logger *zap.Logger
}

// NewAutoHandler builds a handler over the profile's catalogs.
func NewAutoHandler(svc vision.Service, prof *profile.Profile, logger *zap.Logger) *AutoHandler {
	if prof == nil {
		prof = profile.Default()
	}
	return &AutoHandler{svc: svc, prof: prof, logger: logger.Named("auto_handler")}
}

// Dismiss closes an overlay: a known popup through its close landmark, or
// on a popup scene, the first close text found and then a close landmark
// sitting in the top-right region.
func (h *AutoHandler) Dismiss(ctx context.Context, c *device.Capture, tag scene.Tag) []action.Action {
	if batch := h.KnownPopup(ctx, c); batch != nil {
		return batch
	}
	if tag != scene.Popup {
		return nil
	}
	for _, text := range h.prof.CloseTexts {
		if m := h.text(ctx, c.Image, text); m != nil {
			h.logger.Info("Closing popup by text", zap.String("text", text))
			return tapAt(m.Center, autoTapDelay, "auto_close_text:"+text)
		}
	}
	for _, name := range h.prof.PopupCloseLandmarks {
		m := h.landmark(ctx, c.Image, name)
		if m == nil {
			continue
		}
		if !quest.InCloseCorner(m.Center, c.Width(), c.Height()) {
			h.logger.Debug("Ignoring close landmark outside the top-right region",
				zap.String("landmark", name), zap.Int("x", m.Center.X), zap.Int("y", m.Center.Y))
			continue
		}
		h.logger.Info("Closing popup by landmark", zap.String("landmark", name))
		return tapAt(m.Center, autoTapDelay, "auto_close_landmark:"+name)
	}
	return nil
}

// KnownPopup matches each identifier landmark and, when one is present,
// taps its close landmark. Identifying the popup by content first avoids
// closing dialogs the agent opened on purpose.
func (h *AutoHandler) KnownPopup(ctx context.Context, c *device.Capture) []action.Action {
	for _, p := range h.prof.KnownPopups {
		if h.landmark(ctx, c.Image, p.Identifier) == nil {
			continue
		}
		closer := h.landmark(ctx, c.Image, p.Close)
		if closer == nil {
			h.logger.Warn("Known popup identified but its close button is missing",
				zap.String("identifier", p.Identifier),
				zap.String("close", p.Close))
			continue
		}
		h.logger.Info("Closing known popup",
			zap.String("identifier", p.Identifier),
			zap.Int("x", closer.Center.X), zap.Int("y", closer.Center.Y))
		return tapAt(closer.Center, autoTapDelay, "auto_close_popup:"+p.Identifier)
	}
	return nil
}

// ClaimRewards taps the first reward landmark, then falls back to claim texts.
func (h *AutoHandler) ClaimRewards(ctx context.Context, c *device.Capture) []action.Action {
	for _, name := range h.prof.RewardLandmarks {
		if m := h.landmark(ctx, c.Image, name); m != nil {
			h.logger.Info("Reward button found", zap.String("landmark", name))
			return tapAt(m.Center, autoTapDelay, "auto_claim_reward:"+name)
		}
	}
	for _, text := range h.prof.ClaimTexts {
		if m := h.text(ctx, c.Image, text); m != nil {
			h.logger.Info("Claim text found", zap.String("text", text))
			return tapAt(m.Center, autoTapDelay, "auto_claim_reward_text:"+text)
		}
	}
	return nil
}

// SkipLoading taps the center of a loading screen.
func (h *AutoHandler) SkipLoading(c *device.Capture, tag scene.Tag) []action.Action {
	if tag != scene.Loading {
		return nil
	}
	x, y := c.Center()
	h.logger.Debug("Tapping center to skip loading")
	return []action.Action{action.Tap{Meta: action.Delayed(loadingSkipDelay, "auto_skip_loading"), X: x, Y: y}}
}

func (h *AutoHandler) landmark(ctx context.Context, img image.Image, name string) *vision.LandmarkMatch {
	m, err := h.svc.MatchLandmark(ctx, img, name)
	if err != nil {
		h.logger.Debug("Landmark lookup failed", zap.String("landmark", name), zap.Error(err))
		return nil
	}
	return m
}

func (h *AutoHandler) text(ctx context.Context, img image.Image, text string) *vision.TextMatch {
	m, err := h.svc.FindText(ctx, img, text)
	if err != nil {
		h.logger.Debug("Text lookup failed", zap.String("text", text), zap.Error(err))
		return nil
	}
	return m
}

func tapAt(p vision.Point, delay time.Duration, reason string) []action.Action {
	return []action.Action{action.Tap{Meta: action.Delayed(delay, reason), X: p.X, Y: p.Y}}
}
