// Package finder locates named buildings on a city map larger than the
// screen. Names only render while a finger is held on the map, so every
// read is a press-drag gesture with a capture taken mid-gesture.
package finder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

const (
	tapPause    = 300 * time.Millisecond
	scrollPause = 300 * time.Millisecond
	settlePause = 500 * time.Millisecond
	// scrollEpsilon is the remainder below which a scroll is considered done.
	scrollEpsilon = 20
)

// Label is a recognized span, named after the building it matched when
// there is one.
type Label struct {
	Name string `json:"name"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// Finder drives the reveal-while-held protocol.
type Finder struct {
	dev    device.Device
	svc    vision.Service
	layout *Layout
	cfg    config.FinderConfig
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a finder. A nil layout disables scrolling toward targets.
func New(dev device.Device, svc vision.Service, layout *Layout, cfg config.FinderConfig, logger *zap.Logger) *Finder {
	if layout == nil {
		layout = EmptyLayout()
	}
	return &Finder{
		dev:    dev,
		svc:    svc,
		layout: layout,
		cfg:    cfg,
		logger: logger.Named("building_finder"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Drift is how far the map keeps moving between the capture and the end of
// the gesture. Map content follows the finger.
func Drift(drag int, captureDelay, hold time.Duration) int {
	if hold <= 0 {
		return 0
	}
	remaining := 1 - float64(captureDelay)/float64(hold)
	return int(math.Round(float64(drag) * remaining))
}

// FindAndTap reveals names, taps the target if it is visible and otherwise
// scrolls toward its layout position, up to maxAttempts reveals. It
// reports false without error when the target was not found.
func (f *Finder) FindAndTap(ctx context.Context, name string, allowScroll bool, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = max(1, f.cfg.MaxAttempts)
	}
	log := f.logger.With(zap.String("target", name))
	log.Info("Looking for building")

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		spans, err := f.reveal(ctx)
		if err != nil {
			return false, err
		}

		if x, y, ok := f.locate(name, spans); ok {
			if err := f.sleep(ctx, tapPause); err != nil {
				return false, err
			}
			if err := f.dev.Tap(ctx, x, y); err != nil {
				return false, fmt.Errorf("failed to tap %q: %w", name, err)
			}
			log.Info("Tapped building", zap.Int("x", x), zap.Int("y", y), zap.Int("attempt", attempt))
			return true, nil
		}

		if !allowScroll {
			break
		}
		target, known := f.layout.Offset(name)
		if !known {
			log.Info("Building not in layout, cannot scroll toward it")
			break
		}

		ex, ey := f.EstimateViewport(spans)
		dx, dy := float64(target.X)-ex, float64(target.Y)-ey
		tol := float64(f.arrivalTolerance())
		if math.Abs(dx) < tol && math.Abs(dy) < tol {
			log.Info("Building should be on screen but was not recognized",
				zap.Float64("dx", dx), zap.Float64("dy", dy))
			break
		}

		log.Debug("Scrolling toward building",
			zap.Int("attempt", attempt), zap.Float64("dx", dx), zap.Float64("dy", dy))
		if err := f.scrollBy(ctx, -dx, -dy); err != nil {
			return false, err
		}
		if err := f.sleep(ctx, settlePause); err != nil {
			return false, err
		}
	}

	log.Warn("Building not found", zap.Int("max_attempts", maxAttempts))
	return false, nil
}

// ReadAll performs one reveal and returns every visible label, for
// calibrating the layout.
func (f *Finder) ReadAll(ctx context.Context) ([]Label, error) {
	spans, err := f.reveal(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Label, 0, len(spans))
	for _, s := range spans {
		name := f.layout.Match(s.Text)
		if name == "" {
			name = s.Text
		}
		out = append(out, Label{Name: name, X: s.Center.X, Y: s.Center.Y})
	}
	return out, nil
}

// reveal holds and drags on a background goroutine while capturing on
// the caller. It returns only after the gesture has been joined or the join
// timed out, so no tap can overlap a held finger.
func (f *Finder) reveal(ctx context.Context) ([]vision.TextMatch, error) {
	hx, hy, drag := f.cfg.HoldX, f.cfg.HoldY, f.cfg.DragOffset

	var g errgroup.Group
	g.Go(func() error {
		return f.dev.Swipe(ctx, hx, hy, hx+drag, hy+drag, f.cfg.HoldDuration)
	})

	spans, readErr := f.readWhileHeld(ctx)
	gestureErr := f.join(&g)

	if errors.Is(gestureErr, device.ErrDisconnected) {
		return nil, gestureErr
	}
	if gestureErr != nil {
		f.logger.Warn("Reveal gesture failed", zap.Error(gestureErr))
	}
	if readErr != nil {
		if errors.Is(readErr, device.ErrDisconnected) || ctx.Err() != nil {
			return nil, readErr
		}
		f.logger.Warn("Capture during hold failed", zap.Error(readErr))
		return nil, nil
	}
	return spans, nil
}

func (f *Finder) readWhileHeld(ctx context.Context) ([]vision.TextMatch, error) {
	if err := f.sleep(ctx, f.cfg.CaptureDelay); err != nil {
		return nil, err
	}
	c, err := f.dev.Capture(ctx)
	if err != nil {
		return nil, err
	}
	spans, err := f.svc.FindAllText(ctx, c.Image)
	if err != nil {
		return nil, fmt.Errorf("text recognition during hold failed: %w", err)
	}
	return spans, nil
}

// join waits for the gesture. A gesture stuck past the timeout is left to
// finish on its own; its goroutine exits when the device call returns.
func (f *Finder) join(g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	timeout := f.cfg.JoinTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		f.logger.Warn("Reveal gesture did not finish in time", zap.Duration("timeout", timeout))
		return nil
	}
}

func (f *Finder) inSafeZone(p vision.Point) bool {
	z := f.cfg.SafeZone
	if len(z) != 4 {
		return true
	}
	return p.X >= z[0] && p.Y >= z[1] && p.X <= z[2] && p.Y <= z[3]
}

// locate finds the target among spans inside the safe zone, by substring
// first and then through the layout's fuzzy match. The tap point is the
// span's top-left corner plus the configured offset plus drift.
func (f *Finder) locate(name string, spans []vision.TextMatch) (int, int, bool) {
	target := strings.ToLower(name)
	drift := Drift(f.cfg.DragOffset, f.cfg.CaptureDelay, f.cfg.HoldDuration)
	point := func(s vision.TextMatch) (int, int, bool) {
		return s.BBox.X1 + f.cfg.TapOffsetX + drift, s.BBox.Y1 + f.cfg.TapOffsetY + drift, true
	}

	for _, s := range spans {
		if f.inSafeZone(s.Center) && strings.Contains(strings.ToLower(s.Text), target) {
			return point(s)
		}
	}
	for _, s := range spans {
		if !f.inSafeZone(s.Center) {
			continue
		}
		if m := f.layout.Match(s.Text); m != "" && strings.Contains(strings.ToLower(m), target) {
			f.logger.Debug("Fuzzy matched building", zap.String("text", s.Text), zap.String("building", m))
			return point(s)
		}
	}
	return 0, 0, false
}

// EstimateViewport averages, over recognized buildings in the safe zone,
// where the screen center must sit in map coordinates. With nothing
// recognized it assumes the reference building.
func (f *Finder) EstimateViewport(spans []vision.TextMatch) (float64, float64) {
	cx, cy := f.screenCenter()
	var sx, sy float64
	n := 0
	for _, s := range spans {
		if !f.inSafeZone(s.Center) {
			continue
		}
		name := f.layout.Match(s.Text)
		off, ok := f.layout.Offset(name)
		if !ok {
			continue
		}
		sx += float64(off.X - (s.Center.X - cx))
		sy += float64(off.Y - (s.Center.Y - cy))
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sx / float64(n), sy / float64(n)
}

// scrollBy drags the map by (dx, dy) in steps no longer than the scroll
// step, each starting at the screen center with its end clamped to the
// scroll bounds.
func (f *Finder) scrollBy(ctx context.Context, dx, dy float64) error {
	step := float64(f.cfg.ScrollStep)
	if step <= 0 {
		step = 400
	}
	sx, sy := f.screenCenter()
	bounds := f.cfg.ScrollBounds
	dur := f.cfg.ScrollDuration
	if dur <= 0 {
		dur = 400 * time.Millisecond
	}

	for math.Abs(dx) > scrollEpsilon || math.Abs(dy) > scrollEpsilon {
		stepX := math.Max(-step, math.Min(step, dx))
		stepY := math.Max(-step, math.Min(step, dy))
		ex, ey := sx+int(stepX), sy+int(stepY)
		if len(bounds) == 4 {
			ex = max(bounds[0], min(bounds[2], ex))
			ey = max(bounds[1], min(bounds[3], ey))
		}
		if err := f.dev.Swipe(ctx, sx, sy, ex, ey, dur); err != nil {
			return fmt.Errorf("scroll swipe failed: %w", err)
		}
		if err := f.sleep(ctx, scrollPause); err != nil {
			return err
		}
		dx -= stepX
		dy -= stepY
	}
	return nil
}

func (f *Finder) screenCenter() (int, int) {
	x, y := f.cfg.ScreenCenterX, f.cfg.ScreenCenterY
	if x == 0 && y == 0 {
		return 540, 960
	}
	return x, y
}

func (f *Finder) arrivalTolerance() int {
	if f.cfg.ArrivalTolerance <= 0 {
		return 50
	}
	return f.cfg.ArrivalTolerance
}
