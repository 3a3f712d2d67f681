package agent

import (
	"context"
	"image"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/executor"
	"github.com/xkilldash9x/questpilot/internal/quest"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/store"
	"github.com/xkilldash9x/questpilot/internal/tasks"
)

// Classifier tags a capture.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) scene.Result
}

// Executor runs an action batch against the device.
type Executor interface {
	Run(ctx context.Context, batch []action.Action, capture *device.Capture, preScene scene.Tag) ([]executor.Result, error)
}

// Reasoner is the full reasoning-service surface: strategic consults plus
// the fallbacks the quest workflow uses.
type Reasoner interface {
	quest.Reasoner
	Consult(ctx context.Context, img image.Image, summary string) ([]tasks.Task, error)
}

// Journal records each iteration durably.
type Journal interface {
	RecordIteration(ctx context.Context, it store.Iteration) error
}
