// File: internal/executor/pipeline.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// Status is the outcome of one action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

const pollInterval = 500 * time.Millisecond

// Result reports one action's outcome. A failed result never aborts the
// batch unless the device is gone.
type Result struct {
	Action       action.Action          `json:"-"`
	Status       Status                 `json:"status"`
	ErrorCode    ErrorCode              `json:"error_code,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
	Verified     bool                   `json:"verified"`
	PostScene    scene.Tag              `json:"post_scene,omitempty"`
	Duration     time.Duration          `json:"duration"`

	err error
}

// Err returns the underlying error, if any.
func (r Result) Err() error { return r.err }

// SceneClassifier is the slice of the classifier verification needs.
type SceneClassifier interface {
	Classify(ctx context.Context, img image.Image) scene.Result
}

// BuildingFinder locates and taps a named map landmark.
type BuildingFinder interface {
	FindAndTap(ctx context.Context, name string, allowScroll bool, maxAttempts int) (bool, error)
}

// handlerFunc executes one action variant against the device.
type handlerFunc func(ctx context.Context, a action.Action) error

// Pipeline validates, executes and verifies actions.
type Pipeline struct {
	dev        device.Device
	svc        vision.Service
	classifier SceneClassifier
	finder     BuildingFinder
	navPaths   map[string][]action.Action
	snap       *state.Snapshot
	cfg        config.ExecutorConfig
	logger     *zap.Logger
	handlers   map[action.Kind]handlerFunc

	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithFinder wires the building finder for find_building actions.
func WithFinder(f BuildingFinder) Option {
	return func(p *Pipeline) { p.finder = f }
}

// WithNavPaths sets the named action lists navigate actions follow.
func WithNavPaths(paths map[string][]action.Action) Option {
	return func(p *Pipeline) {
		if paths != nil {
			p.navPaths = paths
		}
	}
}

// WithSnapshot records every executed action in the snapshot history.
func WithSnapshot(s *state.Snapshot) Option {
	return func(p *Pipeline) { p.snap = s }
}

// NewPipeline creates an action pipeline.
func NewPipeline(dev device.Device, svc vision.Service, classifier SceneClassifier, cfg config.ExecutorConfig, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:        dev,
		svc:        svc,
		classifier: classifier,
		navPaths:   map[string][]action.Action{},
		cfg:        cfg,
		logger:     logger.Named("executor"),
		handlers:   make(map[action.Kind]handlerFunc),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.registerHandlers()
	return p
}

func (p *Pipeline) registerHandlers() {
	p.handlers[action.KindTap] = p.handleTap
	p.handlers[action.KindTapText] = p.handleTapText
	p.handlers[action.KindTapLandmark] = p.handleTapLandmark
	p.handlers[action.KindSwipe] = p.handleSwipe
	p.handlers[action.KindWait] = p.handleWait
	p.handlers[action.KindWaitText] = p.handleWaitText
	p.handlers[action.KindKeyEvent] = p.handleKeyEvent
	p.handlers[action.KindFindBuilding] = p.handleFindBuilding
	p.handlers[action.KindNavigate] = p.handleNavigate
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run pushes a batch through validate, execute and verify. Only a device
// disconnect or context cancellation stops the batch early; the error is
// returned unchanged.
func (p *Pipeline) Run(ctx context.Context, batch []action.Action, capture *device.Capture, preScene scene.Tag) ([]Result, error) {
	results := make([]Result, 0, len(batch))
	current := capture
	stale := false

	for _, a := range batch {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		// Screen-addressed actions are validated against a frame that
		// reflects the previous action's effect.
		if stale && needsTarget(a) {
			fresh, err := p.dev.Capture(ctx)
			if err != nil {
				if errors.Is(err, device.ErrDisconnected) {
					return results, err
				}
				p.logger.Warn("Re-capture before validation failed", zap.Error(err))
			} else {
				current, stale = fresh, false
			}
		}

		if !p.Validate(ctx, a, current) {
			res := Result{Action: a, Status: StatusSkipped, ErrorCode: ErrCodeValidationFailed}
			p.logger.Info("Action rejected by validation",
				zap.String("action", action.Describe(a)),
				zap.String("reason", a.Base().Reason))
			p.record(a, res)
			results = append(results, res)
			continue
		}

		res := p.Execute(ctx, a)
		if res.ErrorCode == ErrCodeDeviceDisconnected {
			p.record(a, res)
			return append(results, res), res.err
		}
		if res.err != nil && ctx.Err() != nil {
			return append(results, res), ctx.Err()
		}
		if !action.IsWait(a) {
			stale = true
		}

		if res.Status == StatusSuccess && p.cfg.Verify && !action.IsWait(a) {
			if err := p.sleep(ctx, p.cfg.SettleDelay); err != nil {
				return append(results, res), err
			}
			post, err := p.dev.Capture(ctx)
			switch {
			case errors.Is(err, device.ErrDisconnected):
				p.record(a, res)
				return append(results, res), err
			case err != nil:
				p.logger.Warn("Verification capture failed", zap.Error(err))
			default:
				res.Verified, res.PostScene = p.verify(ctx, a, preScene, post)
				if !res.Verified {
					p.logger.Debug("Action not verified",
						zap.String("action", action.Describe(a)),
						zap.String("pre_scene", string(preScene)),
						zap.String("post_scene", string(res.PostScene)))
				}
				current, stale = post, false
				preScene = res.PostScene
			}
		}

		p.record(a, res)
		results = append(results, res)
	}
	return results, nil
}

func needsTarget(a action.Action) bool {
	switch a.(type) {
	case action.TapText, action.TapLandmark:
		return true
	}
	return false
}

func (p *Pipeline) record(a action.Action, res Result) {
	if p.snap == nil {
		return
	}
	p.snap.RecordAction(state.ActionRecord{
		Kind:    string(a.Kind()),
		Detail:  action.Describe(a),
		Status:  string(res.Status),
		Reason:  a.Base().Reason,
		At:      time.Now(),
		Changed: res.PostScene != "" && res.Verified,
	})
}

// Validate checks a against the capture: coordinates must be on screen and
// screen-addressed targets must be present.
func (p *Pipeline) Validate(ctx context.Context, a action.Action, capture *device.Capture) bool {
	ok, why := p.validate(ctx, a, capture)
	if !ok {
		p.logger.Debug("Validation failed", zap.String("action", action.Describe(a)), zap.String("why", why))
	}
	return ok
}

func (p *Pipeline) validate(ctx context.Context, a action.Action, capture *device.Capture) (bool, string) {
	if capture == nil {
		return true, ""
	}
	switch v := a.(type) {
	case action.Tap:
		if !capture.Contains(v.X, v.Y) {
			return false, fmt.Sprintf("(%d,%d) outside %dx%d", v.X, v.Y, capture.Width(), capture.Height())
		}
	case action.Swipe:
		if !capture.Contains(v.X1, v.Y1) || !capture.Contains(v.X2, v.Y2) {
			return false, "swipe endpoint outside capture"
		}
	case action.TapText:
		if _, err := p.locateText(ctx, capture.Image, v.Text, v.Nth); err != nil {
			return false, err.Error()
		}
	case action.TapLandmark:
		if _, err := p.locateLandmark(ctx, capture.Image, v.Name, v.Nth); err != nil {
			return false, err.Error()
		}
	case action.Navigate:
		if _, ok := p.navPaths[v.Target]; !ok {
			return false, fmt.Sprintf("no navigation path %q", v.Target)
		}
	}
	return true, ""
}

// Execute performs a on the device, retrying device errors with exponential
// backoff, then applies the post-action delay.
func (p *Pipeline) Execute(ctx context.Context, a action.Action) (res Result) {
	start := time.Now()
	res = Result{Action: a, Status: StatusSuccess}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while executing action",
				zap.String("action", action.Describe(a)),
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())))
			res = Result{
				Action:       a,
				Status:       StatusFailed,
				ErrorCode:    ErrCodeExecutorPanic,
				ErrorDetails: map[string]interface{}{"message": fmt.Sprint(r)},
				err:          fmt.Errorf("panic executing %s: %v", a.Kind(), r),
			}
		}
		res.Duration = time.Since(start)
	}()

	handler, ok := p.handlers[a.Kind()]
	if !ok {
		return Result{
			Action:       a,
			Status:       StatusFailed,
			ErrorCode:    ErrCodeUnknownAction,
			ErrorDetails: map[string]interface{}{"message": fmt.Sprintf("no handler for action type: %s", a.Kind())},
			err:          fmt.Errorf("%w: %s", action.ErrUnknownType, a.Kind()),
		}
	}

	if err := handler(ctx, a); err != nil {
		res.Status = StatusFailed
		res.ErrorCode = classify(err)
		res.ErrorDetails = map[string]interface{}{"message": err.Error()}
		res.err = err
		p.logger.Warn("Action execution failed",
			zap.String("action", action.Describe(a)),
			zap.String("error_code", string(res.ErrorCode)),
			zap.Error(err))
		return res
	}

	p.logger.Info("Action executed",
		zap.String("action", action.Describe(a)),
		zap.String("reason", a.Base().Reason))

	if delay, ok := p.postDelay(a); ok {
		if err := p.sleep(ctx, delay); err != nil {
			res.err = err
		}
	}
	return res
}

func (p *Pipeline) postDelay(a action.Action) (time.Duration, bool) {
	if action.IsWait(a) {
		return 0, false
	}
	m := a.Base()
	if m.DelaySet {
		return m.Delay, true
	}
	if _, nav := a.(action.Navigate); nav {
		return 0, false
	}
	return p.cfg.DefaultDelay, true
}

// withRetry runs a device call under the configured backoff policy.
// Disconnects are not retried.
func (p *Pipeline) withRetry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(0, p.cfg.MaxRetries))), ctx)

	err := backoff.RetryNotify(func() error {
		err := op()
		if errors.Is(err, device.ErrDisconnected) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		p.logger.Warn("Device call failed, retrying",
			zap.String("call", what),
			zap.Duration("backoff", next),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (p *Pipeline) tap(ctx context.Context, x, y int) error {
	return p.withRetry(ctx, "tap", func() error { return p.dev.Tap(ctx, x, y) })
}

// capture grabs a frame for just-in-time lookups.
func (p *Pipeline) capture(ctx context.Context) (*device.Capture, error) {
	var c *device.Capture
	err := p.withRetry(ctx, "capture", func() error {
		var err error
		c, err = p.dev.Capture(ctx)
		return err
	})
	return c, err
}

func (p *Pipeline) locateText(ctx context.Context, img image.Image, text string, nth int) (vision.TextMatch, error) {
	hits, err := vision.FindAllContaining(ctx, p.svc, img, text)
	if err != nil {
		return vision.TextMatch{}, fmt.Errorf("text recognition failed: %w", err)
	}
	m, ok := vision.Nth(hits, nth)
	if !ok {
		return vision.TextMatch{}, fmt.Errorf("%w: text %q (#%d)", ErrTargetNotFound, text, nth)
	}
	return m, nil
}

func (p *Pipeline) locateLandmark(ctx context.Context, img image.Image, name string, nth int) (vision.LandmarkMatch, error) {
	if nth == 1 || nth == 0 {
		m, err := p.svc.MatchLandmark(ctx, img, name)
		if err != nil {
			return vision.LandmarkMatch{}, fmt.Errorf("landmark match failed: %w", err)
		}
		if m == nil {
			return vision.LandmarkMatch{}, fmt.Errorf("%w: landmark %q", ErrTargetNotFound, name)
		}
		return *m, nil
	}
	all, err := MatchesOf(ctx, p.svc, img, name)
	if err != nil {
		return vision.LandmarkMatch{}, fmt.Errorf("landmark match failed: %w", err)
	}
	m, ok := vision.Nth(all, nth)
	if !ok {
		return vision.LandmarkMatch{}, fmt.Errorf("%w: landmark %q (#%d)", ErrTargetNotFound, name, nth)
	}
	return m, nil
}

// MatchesOf returns every instance of a landmark, in reading order. The
// category sweep is filtered down to the one name.
func MatchesOf(ctx context.Context, svc vision.Service, img image.Image, name string) ([]vision.LandmarkMatch, error) {
	category, _, found := strings.Cut(name, "/")
	if !found {
		category = name
	}
	all, err := svc.MatchAllLandmarks(ctx, img, category)
	if err != nil {
		return nil, err
	}
	var out []vision.LandmarkMatch
	for _, m := range all {
		if m.Name == name {
			out = append(out, m)
		}
	}
	vision.SortLandmarks(out)
	return out, nil
}
