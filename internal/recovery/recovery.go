// Package recovery detects a scene that refuses to change and escalates
// through progressively heavier ways of shaking it loose.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/scene"
)

// MaxLevel is the heaviest escalation: restarting the application.
const MaxLevel = 3

// relaunchWait gives a restarted application time to draw its first frame.
const relaunchWait = 5 * time.Second

// Recovery keeps a rolling window of scene tags. It is owned by the main
// loop and not safe for concurrent use.
type Recovery struct {
	dev     device.Device
	pkg     string
	ceiling int
	logger  *zap.Logger

	window []scene.Tag
	last   scene.Tag
	level  int
	total  int
}

// New creates a stuck detector that triggers after ceiling identical scenes.
// An empty pkg makes the last level press HOME instead of restarting.
func New(dev device.Device, ceiling int, pkg string, logger *zap.Logger) *Recovery {
	if ceiling <= 0 {
		ceiling = 10
	}
	return &Recovery{
		dev:     dev,
		pkg:     pkg,
		ceiling: ceiling,
		logger:  logger.Named("stuck_recovery"),
		window:  make([]scene.Tag, 0, ceiling),
	}
}

// Observe records the scene for this iteration. A scene different from the
// previous one clears the window and the escalation level.
func (r *Recovery) Observe(tag scene.Tag) {
	if r.last != "" && r.last != tag {
		if r.level > 0 {
			r.logger.Info("Scene changed, escalation reset",
				zap.String("scene", string(tag)), zap.Int("previous_level", r.level))
		}
		r.window = r.window[:0]
		r.level = 0
	}
	r.last = tag
	if len(r.window) == r.ceiling {
		copy(r.window, r.window[1:])
		r.window = r.window[:r.ceiling-1]
	}
	r.window = append(r.window, tag)
}

// Stuck reports whether the window is full of one scene.
func (r *Recovery) Stuck() bool {
	if len(r.window) < r.ceiling {
		return false
	}
	for _, t := range r.window[1:] {
		if t != r.window[0] {
			return false
		}
	}
	return true
}

// Level is the escalation level of the most recent recovery, 0 when none
// has happened since the last scene change.
func (r *Recovery) Level() int { return r.level }

// Total counts every recovery ever performed.
func (r *Recovery) Total() int { return r.total }

// Recover escalates one level and returns the actions for it. Level 3
// restarts the application directly on the device; the returned batch only
// waits for it to come back. The window is cleared so the next trigger needs
// a full window again.
func (r *Recovery) Recover(ctx context.Context, c *device.Capture) ([]action.Action, error) {
	r.level = min(r.level+1, MaxLevel)
	r.total++
	r.window = r.window[:0]

	stuckOn := zap.Int("level", r.level)
	switch r.level {
	case 1:
		r.logger.Warn("Stuck, pressing back", stuckOn)
		return []action.Action{action.KeyEvent{Meta: action.Because("stuck_recovery:back"), Code: device.KeyBack}}, nil
	case 2:
		cx, cy := c.Center()
		r.logger.Warn("Stuck, tapping screen center", stuckOn)
		return []action.Action{action.Tap{Meta: action.Because("stuck_recovery:center_tap"), X: cx, Y: cy}}, nil
	}

	if r.pkg == "" {
		r.logger.Warn("Stuck and no package configured, pressing home", stuckOn)
		return []action.Action{action.KeyEvent{Meta: action.Because("stuck_recovery:home"), Code: device.KeyHome}}, nil
	}
	r.logger.Warn("Stuck, restarting application", stuckOn, zap.String("package", r.pkg))
	if err := r.dev.Restart(ctx, r.pkg); err != nil {
		return nil, fmt.Errorf("failed to restart %s: %w", r.pkg, err)
	}
	return []action.Action{action.WaitSeconds{Meta: action.Because("stuck_recovery:relaunch"), Duration: relaunchWait}}, nil
}
