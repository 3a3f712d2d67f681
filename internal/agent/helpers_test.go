package agent_test

import (
	"context"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/agent"
	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/executor"
	"github.com/xkilldash9x/questpilot/internal/mocks"
	"github.com/xkilldash9x/questpilot/internal/profile"
	"github.com/xkilldash9x/questpilot/internal/quest"
	"github.com/xkilldash9x/questpilot/internal/recovery"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/store"
	"github.com/xkilldash9x/questpilot/internal/tasks"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// scriptedScenes returns its tags in order, repeating the last one.
type scriptedScenes struct {
	mu   sync.Mutex
	tags []scene.Tag
	i    int
}

func (s *scriptedScenes) Classify(context.Context, image.Image) scene.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tags[min(s.i, len(s.tags)-1)]
	s.i++
	return scene.Result{Scene: t, Confidence: map[scene.Tag]float64{t: 0.9}}
}

func (s *scriptedScenes) set(tags ...scene.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags, s.i = tags, 0
}

type fakeBars struct {
	bar   vision.QuestBar
	panic bool
}

func (f *fakeBars) Detect(context.Context, image.Image) vision.QuestBar {
	if f.panic {
		panic("quest bar reader exploded")
	}
	return f.bar
}

func (f *fakeBars) DetectPointer(context.Context, image.Image) *vision.Pointer { return nil }

func visibleBar(label string) vision.QuestBar {
	return vision.QuestBar{
		Visible:   true,
		Label:     label,
		LabelBBox: vision.Rect{X1: 200, Y1: 1660, X2: 600, Y2: 1700},
	}
}

// fakeExecutor records batches and reports every action with one status.
type fakeExecutor struct {
	batches [][]action.Action
	status  executor.Status
	err     error
}

func (e *fakeExecutor) Run(_ context.Context, batch []action.Action, _ *device.Capture, _ scene.Tag) ([]executor.Result, error) {
	e.batches = append(e.batches, batch)
	status := e.status
	if status == "" {
		status = executor.StatusSuccess
	}
	results := make([]executor.Result, len(batch))
	for i, a := range batch {
		results[i] = executor.Result{Action: a, Status: status, Duration: 10 * time.Millisecond}
	}
	return results, e.err
}

func (e *fakeExecutor) described() [][]string {
	out := make([][]string, len(e.batches))
	for i, b := range e.batches {
		for _, a := range b {
			out[i] = append(out[i], action.Describe(a))
		}
	}
	return out
}

type fakeJournal struct {
	its []store.Iteration
	err error
}

func (j *fakeJournal) RecordIteration(_ context.Context, it store.Iteration) error {
	j.its = append(j.its, it)
	return j.err
}

type fixture struct {
	agent    *agent.Agent
	dev      *mocks.RecordingDevice
	svc      *mocks.StaticVision
	scenes   *scriptedScenes
	bars     *fakeBars
	exec     *fakeExecutor
	queue    *tasks.Queue
	snap     *state.Snapshot
	workflow *quest.Workflow
	cfg      *config.Config
}

type setup struct {
	deps *agent.Dependencies
	cfg  *config.Config
	opts []agent.Option
}

type fixtureOption func(s *setup)

func withReasoner(r agent.Reasoner) fixtureOption {
	return func(s *setup) { s.deps.Reasoner = r }
}

func withJournal(j agent.Journal) fixtureOption {
	return func(s *setup) { s.deps.Journal = j }
}

func withRecoveryCeiling(n int) fixtureOption {
	return func(s *setup) {
		s.deps.Recovery = recovery.New(s.deps.Device, n, "", zap.NewNop())
	}
}

func withDevice(dev device.Device) fixtureOption {
	return func(s *setup) { s.deps.Device = dev }
}

func withClock(now func() time.Time) fixtureOption {
	return func(s *setup) { s.opts = append(s.opts, agent.WithClock(now)) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.NewDefaultConfig()
	cfg.LoopCfg.Interval = 0
	cfg.LoopCfg.MaxFaults = 3
	cfg.LoopCfg.ConsultCooldown = time.Minute
	cfg.QuestCfg.AutoStart = true
	dir := t.TempDir()
	cfg.StateCfg.Path = filepath.Join(dir, "state.json")
	cfg.StateCfg.TasksPath = filepath.Join(dir, "tasks.json")

	f := &fixture{
		dev:    mocks.NewRecordingDevice(mocks.Frame(1080, 1920)),
		svc:    mocks.NewStaticVision(),
		scenes: &scriptedScenes{tags: []scene.Tag{scene.WorldView}},
		bars:   &fakeBars{},
		exec:   &fakeExecutor{},
		queue:  tasks.NewQueue(),
		snap:   state.New(nil),
		cfg:    cfg,
	}
	prof := profile.Default()
	f.workflow = quest.New(f.svc, f.bars, f.snap, prof, cfg.QuestCfg, logger)

	deps := agent.Dependencies{
		Device:     f.dev,
		Vision:     f.svc,
		Classifier: f.scenes,
		Bars:       f.bars,
		Executor:   f.exec,
		Recovery:   recovery.New(f.dev, 10, "", logger),
		Workflow:   f.workflow,
		Engine:     tasks.NewEngine(f.svc, nil, logger),
		Queue:      f.queue,
		Snapshot:   f.snap,
		Profile:    prof,
	}
	s := &setup{deps: &deps, cfg: cfg, opts: []agent.Option{agent.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	})}}
	for _, opt := range opts {
		opt(s)
	}

	a, err := agent.New(deps, cfg, logger, s.opts...)
	require.NoError(t, err)
	f.agent = a
	return f
}

func (f *fixture) iterate(t *testing.T) {
	t.Helper()
	require.NoError(t, f.agent.Iterate(context.Background()))
}
