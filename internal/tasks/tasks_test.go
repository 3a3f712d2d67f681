package tasks_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/mocks"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/tasks"
)

func TestQueueOrdering(t *testing.T) {
	q := tasks.NewQueue()
	q.Add(tasks.Task{Name: "low", Priority: 1})
	q.Add(tasks.Task{Name: "high", Priority: 9})
	q.Add(tasks.Task{Name: "mid", Priority: 5})
	q.Add(tasks.Task{Name: "high-second", Priority: 9})

	assert.Equal(t, 4, q.PendingCount())
	var order []string
	for next := q.Next(); next != nil; next = q.Next() {
		assert.Equal(t, tasks.StatusRunning, next.Status)
		order = append(order, next.Name)
	}
	assert.Equal(t, []string{"high", "high-second", "mid", "low"}, order)
	assert.Zero(t, q.PendingCount())
	assert.True(t, q.Active(), "running tasks keep the queue active")
}

func TestQueueRetries(t *testing.T) {
	q := tasks.NewQueue()
	q.Add(tasks.Task{Name: "flaky", MaxRetries: 2})

	first := q.Next()
	require.NotNil(t, first)
	assert.NotEmpty(t, first.ID)
	q.MarkFailed(first)
	assert.Equal(t, tasks.StatusPending, first.Status)
	assert.Equal(t, 1, first.RetryCount)

	second := q.Next()
	require.Same(t, first, second)
	q.MarkFailed(second)
	assert.Equal(t, tasks.StatusFailed, second.Status)
	assert.Nil(t, q.Next())

	assert.Equal(t, 1, q.ClearCompleted())
	assert.False(t, q.Active())
}

func TestQueueSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	q := tasks.NewQueue()
	q.Add(tasks.Task{Name: "claim_rewards", Priority: 3})
	custom := q.Add(tasks.Task{
		Name:     tasks.TaskCustom,
		Priority: 7,
		Actions:  []byte(`[{"type":"tap","x":1,"y":2}]`),
	})
	q.Next() // custom is now running
	q.MarkDone(custom)
	require.NoError(t, q.Save(path))

	loaded := tasks.NewQueue()
	require.NoError(t, loaded.Load(path))
	snap := loaded.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, tasks.TaskCustom, snap[0].Name)
	assert.Equal(t, tasks.StatusCompleted, snap[0].Status)

	inline, err := snap[0].Inline()
	require.NoError(t, err)
	assert.Equal(t, []action.Action{action.Tap{X: 1, Y: 2}}, inline)

	assert.NoError(t, tasks.NewQueue().Load(filepath.Join(t.TempDir(), "absent.json")))
}

func newEngine(t *testing.T, svc *mocks.StaticVision, nav map[string][]action.Action) *tasks.Engine {
	t.Helper()
	return tasks.NewEngine(svc, nav, zaptest.NewLogger(t))
}

func TestEngineClosePopupStages(t *testing.T) {
	ctx := context.Background()
	frame := mocks.Frame(1080, 1920)
	task := &tasks.Task{Name: tasks.TaskClosePopup}

	t.Run("landmark first", func(t *testing.T) {
		svc := mocks.NewStaticVision().
			SetLandmark("buttons/close_x", 0.9, 950, 120).
			AddText("关闭", 540, 1500)
		actions, err := newEngine(t, svc, nil).Plan(ctx, task, frame, scene.Popup)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		tap := actions[0].(action.Tap)
		assert.Equal(t, 950, tap.X)
		assert.Equal(t, 120, tap.Y)
		assert.Equal(t, "close_popup:landmark:buttons/close_x", tap.Reason)
	})

	t.Run("text second", func(t *testing.T) {
		svc := mocks.NewStaticVision().AddText("取消", 300, 1500)
		actions, err := newEngine(t, svc, nil).Plan(ctx, task, frame, scene.Popup)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, action.Tap{Meta: action.Delayed(500*time.Millisecond, "close_popup:text:取消"), X: 300, Y: 1500}, actions[0])
	})

	t.Run("back last", func(t *testing.T) {
		actions, err := newEngine(t, mocks.NewStaticVision(), nil).Plan(ctx, task, frame, scene.Popup)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, 4, actions[0].(action.KeyEvent).Code)
	})
}

func TestEngineNavigateMainHub(t *testing.T) {
	ctx := context.Background()
	frame := mocks.Frame(1080, 1920)
	task := &tasks.Task{Name: tasks.TaskNavigateMainHub}
	svc := mocks.NewStaticVision().AddText("home", 100, 1800)
	e := newEngine(t, svc, nil)

	actions, err := e.Plan(ctx, task, frame, scene.MainHub)
	require.NoError(t, err)
	assert.Empty(t, actions, "already on the hub")

	actions, err = e.Plan(ctx, task, frame, scene.WorldView)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 100, actions[0].(action.Tap).X)
}

func TestEngineUpgradeBuildingUsesNavPath(t *testing.T) {
	ctx := context.Background()
	nav := map[string][]action.Action{
		"building_兵营": {action.Tap{X: 10, Y: 10}},
	}
	svc := mocks.NewStaticVision().AddText("升级", 540, 1700)
	task := &tasks.Task{Name: tasks.TaskUpgradeBuilding, Params: map[string]any{"building_name": "兵营"}}

	actions, err := newEngine(t, svc, nav).Plan(ctx, task, mocks.Frame(1080, 1920), scene.MainHub)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, action.Tap{X: 10, Y: 10}, actions[0])
	assert.Equal(t, "tap_upgrade_button", actions[1].Base().Reason)
	assert.True(t, action.IsWait(actions[2]))
}

func TestEngineCustomAndUnknown(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, mocks.NewStaticVision(), nil)
	frame := mocks.Frame(1080, 1920)

	custom := &tasks.Task{Name: "anything", Actions: []byte(`[{"type":"key_event","keycode":3}]`)}
	assert.True(t, e.CanHandle(custom))
	actions, err := e.Plan(ctx, custom, frame, scene.Unknown)
	require.NoError(t, err)
	assert.Equal(t, []action.Action{action.KeyEvent{Code: 3}}, actions)

	unknown := &tasks.Task{Name: "launch_rocket"}
	assert.False(t, e.CanHandle(unknown))
	_, err = e.Plan(ctx, unknown, frame, scene.Unknown)
	require.Error(t, err)

	assert.Contains(t, tasks.KnownTasks(), tasks.TaskClaimRewards)
}
