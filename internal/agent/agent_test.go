package agent_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/agent"
	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/executor"
	"github.com/xkilldash9x/questpilot/internal/mocks"
	"github.com/xkilldash9x/questpilot/internal/quest"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/tasks"
)

func TestNewRequiresDependencies(t *testing.T) {
	_, err := agent.New(agent.Dependencies{}, config.NewDefaultConfig(), zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrMissingDependency)
	assert.Contains(t, err.Error(), "workflow")
}

func TestKnownPopupDismissed(t *testing.T) {
	f := newFixture(t)
	f.svc.SetLandmark("buttons/view", 0.9, 540, 900).SetLandmark("buttons/close_x", 0.9, 1000, 150)

	f.iterate(t)

	want := [][]action.Action{{
		action.Tap{Meta: action.Delayed(500*time.Millisecond, "auto_close_popup:buttons/view"), X: 1000, Y: 150},
	}}
	if diff := cmp.Diff(want, f.exec.batches); diff != "" {
		t.Errorf("unexpected batches (-want +got):\n%s", diff)
	}
}

func TestCloseTextOnlyOnPopupScene(t *testing.T) {
	f := newFixture(t)
	f.svc.AddText("关闭", 540, 1500)

	f.iterate(t)
	assert.Empty(t, f.exec.batches, "close texts are ignored outside popups")

	f.scenes.set(scene.Popup)
	f.iterate(t)
	require.Len(t, f.exec.batches, 1)
	tap := f.exec.batches[0][0]
	assert.Equal(t, "tap(540,1500)", action.Describe(tap))
	assert.Equal(t, "auto_close_text:关闭", tap.Base().Reason)
}

func TestPopupClosedByLandmark(t *testing.T) {
	t.Run("top-right close button is tapped", func(t *testing.T) {
		f := newFixture(t)
		f.scenes.set(scene.Popup)
		f.svc.SetLandmark("buttons/close_x", 0.9, 950, 120)

		f.iterate(t)

		want := [][]action.Action{{
			action.Tap{Meta: action.Delayed(500*time.Millisecond, "auto_close_landmark:buttons/close_x"), X: 950, Y: 120},
		}}
		if diff := cmp.Diff(want, f.exec.batches); diff != "" {
			t.Errorf("unexpected batches (-want +got):\n%s", diff)
		}
	})

	t.Run("close texts come first", func(t *testing.T) {
		f := newFixture(t)
		f.scenes.set(scene.Popup)
		f.svc.SetLandmark("buttons/close_x", 0.9, 950, 120).AddText("关闭", 540, 1500)

		f.iterate(t)
		require.Len(t, f.exec.batches, 1)
		assert.Equal(t, "auto_close_text:关闭", f.exec.batches[0][0].Base().Reason)
	})

	t.Run("matches outside the corner are ignored", func(t *testing.T) {
		f := newFixture(t)
		f.scenes.set(scene.Popup)
		f.svc.SetLandmark("buttons/close_x", 0.9, 300, 1500)

		f.iterate(t)
		assert.Empty(t, f.exec.batches)
	})

	t.Run("only on popup scenes", func(t *testing.T) {
		f := newFixture(t)
		f.svc.SetLandmark("buttons/close", 0.9, 950, 120)

		f.iterate(t)
		assert.Empty(t, f.exec.batches)
	})
}

func TestStuckRecoveryEscalates(t *testing.T) {
	f := newFixture(t, withRecoveryCeiling(3))

	f.iterate(t)
	f.iterate(t)
	assert.Empty(t, f.exec.batches)

	f.iterate(t)
	require.Len(t, f.exec.batches, 1)
	assert.Equal(t, []string{"key(4)"}, f.exec.described()[0])
	assert.Equal(t, 1, f.snap.Recoveries())

	// The window refills before the next level.
	f.iterate(t)
	f.iterate(t)
	f.iterate(t)
	require.Len(t, f.exec.batches, 2)
	assert.Equal(t, []string{"tap(540,960)"}, f.exec.described()[1])
}

func TestWorkflowAutoStartAndOwnership(t *testing.T) {
	f := newFixture(t)
	f.scenes.set(scene.MainHub)
	f.bars.bar = visibleBar("Build Farm")

	f.iterate(t)
	assert.Equal(t, quest.PhaseReadQuest, f.workflow.Phase(), "started and stepped in the same iteration")
	assert.Empty(t, f.exec.batches)
	assert.Equal(t, "Build Farm", f.snap.QuestBar().Label)

	// A known popup appears; the workflow owns the iteration now.
	f.svc.SetLandmark("buttons/view", 0.9, 540, 900).SetLandmark("buttons/close_x", 0.9, 1000, 150)
	f.iterate(t)
	assert.Equal(t, quest.PhaseClickQuest, f.workflow.Phase())
	assert.Empty(t, f.exec.batches)

	f.iterate(t)
	want := [][]action.Action{{
		action.Tap{Meta: action.Delayed(1500*time.Millisecond, "quest_workflow:click_quest:Build Farm"), X: 400, Y: 1680},
	}}
	if diff := cmp.Diff(want, f.exec.batches); diff != "" {
		t.Errorf("unexpected batches (-want +got):\n%s", diff)
	}
	phase, target := f.snap.Workflow()
	assert.Equal(t, string(quest.PhaseExecuteQuest), phase)
	assert.Equal(t, "Build Farm", target)
}

func TestAutoStartSkipsCooldownAndDisabled(t *testing.T) {
	t.Run("cooldown", func(t *testing.T) {
		f := newFixture(t)
		f.scenes.set(scene.MainHub)
		f.bars.bar = visibleBar("Build Farm")
		f.snap.SetCooldown("Build Farm", time.Now().Add(time.Hour))

		f.iterate(t)
		assert.False(t, f.workflow.Active())
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.QuestCfg.AutoStart = false
		f.scenes.set(scene.MainHub)
		f.bars.bar = visibleBar("Build Farm")

		f.iterate(t)
		assert.False(t, f.workflow.Active())
	})

	t.Run("pending reward without label", func(t *testing.T) {
		f := newFixture(t)
		f.scenes.set(scene.MainHub)
		f.bars.bar = visibleBar("")
		f.bars.bar.HasPendingReward = true

		f.iterate(t)
		assert.True(t, f.workflow.Active())
	})
}

func TestWorkflowFaultIsReported(t *testing.T) {
	f := newFixture(t)
	f.scenes.set(scene.MainHub)
	f.bars.bar = visibleBar("Build Farm")
	f.iterate(t)
	require.Equal(t, quest.PhaseReadQuest, f.workflow.Phase())

	f.scenes.set(scene.WorldView)
	f.bars.panic = true
	err := f.agent.Iterate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, quest.ErrPhasePanic)
	assert.Equal(t, 1, f.workflow.Faults())
	assert.Empty(t, f.exec.batches)
}

func TestRuleEngineTask(t *testing.T) {
	t.Run("done on success", func(t *testing.T) {
		f := newFixture(t)
		f.queue.Add(tasks.Task{Name: tasks.TaskClaimRewards, Priority: 5})
		f.svc.AddText("领取", 540, 1200)

		f.iterate(t)
		require.Len(t, f.exec.batches, 1)
		tap := f.exec.batches[0][0]
		assert.Equal(t, "tap(540,1200)", action.Describe(tap))
		assert.Equal(t, "claim_reward:领取", tap.Base().Reason)
		assert.Equal(t, tasks.StatusCompleted, f.queue.Snapshot()[0].Status)
	})

	t.Run("retried on failure", func(t *testing.T) {
		f := newFixture(t)
		f.exec.status = executor.StatusFailed
		f.queue.Add(tasks.Task{Name: tasks.TaskClaimRewards, Priority: 5})
		f.svc.AddText("领取", 540, 1200)

		f.iterate(t)
		got := f.queue.Snapshot()[0]
		assert.Equal(t, tasks.StatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("empty plan falls through", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.QuestCfg.AutoStart = false
		f.scenes.set(scene.MainHub)
		f.queue.Add(tasks.Task{Name: tasks.TaskNavigateMainHub, Priority: 5})

		f.iterate(t)
		assert.Empty(t, f.exec.batches)
		assert.Equal(t, tasks.StatusCompleted, f.queue.Snapshot()[0].Status)
	})

	t.Run("unknown task dropped", func(t *testing.T) {
		f := newFixture(t)
		f.queue.Add(tasks.Task{Name: "teleport_home", Priority: 5})

		f.iterate(t)
		assert.Equal(t, tasks.StatusFailed, f.queue.Snapshot()[0].Status)
		assert.Zero(t, f.queue.PendingCount())
	})
}

func TestReasoningConsult(t *testing.T) {
	reasoner := new(mocks.MockReasoner)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	f := newFixture(t, withReasoner(reasoner), withClock(clock))

	reasoner.On("Consult", mock.Anything, mock.Anything, mock.MatchedBy(func(summary string) bool {
		return strings.Contains(summary, "Scene: world_view") && strings.Contains(summary, "Pending tasks: none")
	})).Return([]tasks.Task{
		{Name: tasks.TaskClaimRewards, Priority: 3},
		{Name: tasks.TaskCustom, Priority: 9, Actions: jsoniter.RawMessage(`[{"type": "key_event", "keycode": 4}]`)},
		{Name: tasks.TaskCustom, Priority: 1},
	}, nil).Once()

	f.iterate(t)
	require.Len(t, f.exec.batches, 1)
	assert.Equal(t, []string{"key(4)"}, f.exec.described()[0], "inline actions run immediately")
	assert.Equal(t, 1, f.queue.PendingCount(), "only plannable tasks are queued")
	assert.Equal(t, now, f.snap.LastConsult())

	// Inside the cooldown: the queued task is planned instead, finds nothing
	// and completes, and the service is not asked again.
	now = now.Add(10 * time.Second)
	f.iterate(t)
	reasoner.AssertNumberOfCalls(t, "Consult", 1)
	assert.Len(t, f.exec.batches, 1)
}

func TestReasoningConsultFailureIsNotAFault(t *testing.T) {
	reasoner := new(mocks.MockReasoner)
	reasoner.On("Consult", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("quota exceeded")).Once()

	f := newFixture(t, withReasoner(reasoner))
	f.iterate(t)
	assert.False(t, f.snap.LastConsult().IsZero(), "a failed consult still starts the cooldown")
	assert.Empty(t, f.exec.batches)
	reasoner.AssertExpectations(t)
}

func TestOpportunisticFallbacks(t *testing.T) {
	t.Run("reward landmark", func(t *testing.T) {
		f := newFixture(t)
		f.svc.SetLandmark("buttons/claim", 0.9, 300, 400)

		f.iterate(t)
		require.Len(t, f.exec.batches, 1)
		assert.Equal(t, "auto_claim_reward:buttons/claim", f.exec.batches[0][0].Base().Reason)
	})

	t.Run("claim text", func(t *testing.T) {
		f := newFixture(t)
		f.svc.AddText("一键领取", 540, 1700)

		f.iterate(t)
		require.Len(t, f.exec.batches, 1)
		assert.Equal(t, "auto_claim_reward_text:领取", f.exec.batches[0][0].Base().Reason)
	})

	t.Run("loading screen", func(t *testing.T) {
		f := newFixture(t)
		f.scenes.set(scene.Loading)

		f.iterate(t)
		want := [][]action.Action{{action.Tap{Meta: action.Delayed(time.Second, "auto_skip_loading"), X: 540, Y: 960}}}
		if diff := cmp.Diff(want, f.exec.batches); diff != "" {
			t.Errorf("unexpected batches (-want +got):\n%s", diff)
		}
	})
}

func TestJournal(t *testing.T) {
	journal := &fakeJournal{}
	f := newFixture(t, withJournal(journal))
	f.scenes.set(scene.Loading)

	f.iterate(t)
	require.Len(t, journal.its, 1)
	it := journal.its[0]
	assert.Equal(t, f.agent.RunID(), it.RunID)
	assert.Equal(t, 1, it.Number)
	assert.Equal(t, "loading", it.Scene)
	assert.Equal(t, agent.BranchOpportunistic, it.Branch)
	require.Len(t, it.Actions, 1)
	assert.Equal(t, "tap(540,960)", it.Actions[0].Description)
	assert.Equal(t, "success", it.Actions[0].Status)
	assert.Contains(t, string(it.Snapshot), `"loading"`)

	journal.err = errors.New("database gone")
	f.iterate(t)
	assert.Len(t, journal.its, 2, "journal failures are logged, not faults")
}

func TestRun(t *testing.T) {
	t.Run("iteration limit persists state", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.LoopCfg.MaxIterations = 3
		f.queue.Add(tasks.Task{Name: tasks.TaskCollectDaily})

		require.NoError(t, f.agent.Run(context.Background()))
		assert.Equal(t, 3, f.snap.LoopCount())

		saved, err := state.Load(f.cfg.StateCfg.Path, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, saved.LoopCount())
		_, err = os.Stat(f.cfg.StateCfg.TasksPath)
		assert.NoError(t, err)
	})

	t.Run("disconnect propagates", func(t *testing.T) {
		f := newFixture(t)
		f.dev.Err = fmt.Errorf("adb: %w", device.ErrDisconnected)

		err := f.agent.Run(context.Background())
		assert.ErrorIs(t, err, device.ErrDisconnected)
		assert.Equal(t, 1, f.snap.LoopCount())
	})

	t.Run("too many faults", func(t *testing.T) {
		f := newFixture(t)
		f.dev.Err = errors.New("screencap produced garbage")

		err := f.agent.Run(context.Background())
		assert.ErrorIs(t, err, agent.ErrTooManyFaults)
		assert.Equal(t, 3, f.snap.LoopCount())
	})

	t.Run("faults age out of the window", func(t *testing.T) {
		flaky := &flakyDevice{
			RecordingDevice: mocks.NewRecordingDevice(mocks.Frame(1080, 1920)),
			fail:            map[int]bool{1: true, 2: true, 4: true, 5: true},
		}
		f := newFixture(t, withDevice(flaky))
		f.cfg.LoopCfg.FaultWindow = 3
		f.cfg.LoopCfg.MaxIterations = 6

		require.NoError(t, f.agent.Run(context.Background()))
		assert.Equal(t, 6, f.snap.LoopCount())
	})

	t.Run("alternating faults still stop the loop", func(t *testing.T) {
		flaky := &flakyDevice{
			RecordingDevice: mocks.NewRecordingDevice(mocks.Frame(1080, 1920)),
			fail:            map[int]bool{1: true, 3: true, 5: true, 7: true},
		}
		f := newFixture(t, withDevice(flaky))
		f.cfg.LoopCfg.MaxIterations = 10

		err := f.agent.Run(context.Background())
		assert.ErrorIs(t, err, agent.ErrTooManyFaults)
		assert.Equal(t, 5, f.snap.LoopCount(), "the third fault in the window is fatal")
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := f.agent.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, f.snap.LoopCount())
	})

	t.Run("restores a persisted quest", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.LoopCfg.MaxIterations = 1
		f.snap.SetWorkflow(string(quest.PhaseExecuteQuest), "Build Farm")

		require.NoError(t, f.agent.Run(context.Background()))
		assert.True(t, f.workflow.Active())
		assert.Equal(t, "Build Farm", f.workflow.Target())
		require.Len(t, f.exec.batches, 1, "ensure hub heads home from the world view")
		assert.Equal(t, []string{"key(4)"}, f.exec.described()[0])
	})
}

// flakyDevice fails the captures whose 1-based index is in fail.
type flakyDevice struct {
	*mocks.RecordingDevice
	fail map[int]bool
	n    int
}

func (d *flakyDevice) Capture(ctx context.Context) (*device.Capture, error) {
	d.n++
	if d.fail[d.n] {
		return nil, errors.New("transient capture failure")
	}
	return d.RecordingDevice.Capture(ctx)
}
