package executor

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/scene"
)

func (p *Pipeline) handleTap(ctx context.Context, a action.Action) error {
	v := a.(action.Tap)
	return p.tap(ctx, v.X, v.Y)
}

func (p *Pipeline) handleTapText(ctx context.Context, a action.Action) error {
	v := a.(action.TapText)
	c, err := p.capture(ctx)
	if err != nil {
		return err
	}
	m, err := p.locateText(ctx, c.Image, v.Text, v.Nth)
	if err != nil {
		return err
	}
	return p.tap(ctx, m.Center.X, m.Center.Y)
}

func (p *Pipeline) handleTapLandmark(ctx context.Context, a action.Action) error {
	v := a.(action.TapLandmark)
	c, err := p.capture(ctx)
	if err != nil {
		return err
	}
	m, err := p.locateLandmark(ctx, c.Image, v.Name, v.Nth)
	if err != nil {
		return err
	}
	return p.tap(ctx, m.Center.X, m.Center.Y)
}

func (p *Pipeline) handleSwipe(ctx context.Context, a action.Action) error {
	v := a.(action.Swipe)
	return p.withRetry(ctx, "swipe", func() error {
		return p.dev.Swipe(ctx, v.X1, v.Y1, v.X2, v.Y2, v.Duration)
	})
}

func (p *Pipeline) handleWait(ctx context.Context, a action.Action) error {
	return p.sleep(ctx, a.(action.WaitSeconds).Duration)
}

// handleWaitText polls until the text shows up or the timeout passes.
func (p *Pipeline) handleWaitText(ctx context.Context, a action.Action) error {
	v := a.(action.WaitForText)
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = p.cfg.WaitTextTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		c, err := p.capture(ctx)
		if err != nil {
			return err
		}
		m, err := p.svc.FindText(ctx, c.Image, v.Text)
		if err != nil {
			p.logger.Debug("Text recognition failed while waiting", zap.Error(err))
		}
		if m != nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %q after %s", errWaitTimeout, v.Text, timeout)
		}
		if err := p.sleep(ctx, min(pollInterval, time.Until(deadline))); err != nil {
			return err
		}
	}
}

func (p *Pipeline) handleKeyEvent(ctx context.Context, a action.Action) error {
	v := a.(action.KeyEvent)
	return p.withRetry(ctx, "key_event", func() error { return p.dev.KeyEvent(ctx, v.Code) })
}

func (p *Pipeline) handleFindBuilding(ctx context.Context, a action.Action) error {
	v := a.(action.FindAndTap)
	if p.finder == nil {
		return fmt.Errorf("%w: no building finder configured", ErrInvalidAction)
	}
	found, err := p.finder.FindAndTap(ctx, v.Name, v.ScrollAllowed, v.MaxAttempts)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: building %q", ErrTargetNotFound, v.Name)
	}
	return nil
}

// handleNavigate executes a configured path step by step. Each step gets
// its own delay; the first failing step fails the whole path.
func (p *Pipeline) handleNavigate(ctx context.Context, a action.Action) error {
	v := a.(action.Navigate)
	path, ok := p.navPaths[v.Target]
	if !ok {
		return fmt.Errorf("%w: no navigation path %q", ErrInvalidAction, v.Target)
	}
	for i, step := range path {
		if _, nested := step.(action.Navigate); nested {
			return fmt.Errorf("%w: navigation path %q nests another path", ErrInvalidAction, v.Target)
		}
		res := p.Execute(ctx, step)
		if res.Status != StatusSuccess {
			return fmt.Errorf("navigation %q step %d (%s): %w", v.Target, i, action.Describe(step), res.err)
		}
	}
	return nil
}

// Verify captures again after the settle delay and reports whether a had
// a visible effect. A failed verification is informational only.
func (p *Pipeline) Verify(ctx context.Context, a action.Action, preScene scene.Tag, post *device.Capture) bool {
	ok, _ := p.verify(ctx, a, preScene, post)
	return ok
}

func (p *Pipeline) verify(ctx context.Context, a action.Action, preScene scene.Tag, post *device.Capture) (bool, scene.Tag) {
	postScene := p.classifier.Classify(ctx, post.Image).Scene
	changed := postScene != preScene

	switch v := a.(type) {
	case action.KeyEvent:
		if v.Code == device.KeyBack && preScene == scene.Popup {
			return postScene != scene.Popup, postScene
		}
	case action.TapText:
		return changed || p.textGone(ctx, post.Image, v.Text), postScene
	case action.TapLandmark:
		return changed || p.landmarkGone(ctx, post.Image, v.Name), postScene
	}
	return changed, postScene
}

func (p *Pipeline) textGone(ctx context.Context, img image.Image, text string) bool {
	m, err := p.svc.FindText(ctx, img, text)
	return err == nil && (m == nil || !strings.Contains(strings.ToLower(m.Text), strings.ToLower(text)))
}

func (p *Pipeline) landmarkGone(ctx context.Context, img image.Image, name string) bool {
	m, err := p.svc.MatchLandmark(ctx, img, name)
	return err == nil && m == nil
}
