// Package agent runs the observe-decide-act loop: capture, classify, pick
// exactly one strategy, execute its batch and persist the snapshot.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/executor"
	"github.com/xkilldash9x/questpilot/internal/profile"
	"github.com/xkilldash9x/questpilot/internal/quest"
	"github.com/xkilldash9x/questpilot/internal/recovery"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/store"
	"github.com/xkilldash9x/questpilot/internal/tasks"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// Dependencies are the components the loop drives. Reasoner and Journal
// are optional.
type Dependencies struct {
	Device     device.Device
	Vision     vision.Service
	Classifier Classifier
	Bars       quest.BarReader
	Executor   Executor
	Recovery   *recovery.Recovery
	Workflow   *quest.Workflow
	Engine     *tasks.Engine
	Queue      *tasks.Queue
	Snapshot   *state.Snapshot
	Profile    *profile.Profile
	Reasoner   Reasoner
	Journal    Journal
}

// Agent owns the main loop. It is single-threaded: every component it holds
// is mutated from the Run goroutine only.
type Agent struct {
	runID      string
	dev        device.Device
	classifier Classifier
	bars       quest.BarReader
	exec       Executor
	recovery   *recovery.Recovery
	workflow   *quest.Workflow
	engine     *tasks.Engine
	queue      *tasks.Queue
	snap       *state.Snapshot
	reasoner   Reasoner
	journal    Journal
	auto       *AutoHandler
	cfg        config.Interface
	logger     *zap.Logger

	strategies []strategy
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option customizes an Agent.
type Option func(*Agent)

// WithClock replaces time.Now for consult cooldowns.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithSleep replaces the inter-iteration sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) { a.sleep = sleep }
}

// New wires an agent.
func New(deps Dependencies, cfg config.Interface, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	runID := uuid.New().String()
	a := &Agent{
		runID:      runID,
		dev:        deps.Device,
		classifier: deps.Classifier,
		bars:       deps.Bars,
		exec:       deps.Executor,
		recovery:   deps.Recovery,
		workflow:   deps.Workflow,
		engine:     deps.Engine,
		queue:      deps.Queue,
		snap:       deps.Snapshot,
		reasoner:   deps.Reasoner,
		journal:    deps.Journal,
		cfg:        cfg,
		logger:     logger.Named("agent").With(zap.String("run_id", runID[:8])),
		strategies: defaultStrategies(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	a.auto = NewAutoHandler(deps.Vision, deps.Profile, a.logger)
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (d Dependencies) validate() error {
	var missing []string
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check("device", d.Device != nil)
	check("vision", d.Vision != nil)
	check("classifier", d.Classifier != nil)
	check("bars", d.Bars != nil)
	check("executor", d.Executor != nil)
	check("recovery", d.Recovery != nil)
	check("workflow", d.Workflow != nil)
	check("engine", d.Engine != nil)
	check("queue", d.Queue != nil)
	check("snapshot", d.Snapshot != nil)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingDependency, missing)
	}
	return nil
}

// RunID identifies this run in the journal.
func (a *Agent) RunID() string { return a.runID }

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

// Run loops until ctx is cancelled, loop.max_iterations is reached, the
// device disconnects or too many recent iterations fault. A device
// disconnect is returned unchanged so callers can reconnect and resume
// with the persisted snapshot.
func (a *Agent) Run(ctx context.Context) error {
	loop := a.cfg.Loop()
	maxFaults := loop.MaxFaults
	if maxFaults <= 0 {
		maxFaults = 5
	}
	faults := newFaultWindow(max(loop.FaultWindow, maxFaults))
	a.logger.Info("Agent starting",
		zap.Duration("interval", loop.Interval),
		zap.Int("max_iterations", loop.MaxIterations),
		zap.Bool("reasoning", a.reasoner != nil))

	if a.workflow.Restore() {
		_, target := a.snap.Workflow()
		a.logger.Info("Resuming persisted quest", zap.String("target", target))
	}

	for i := 0; loop.MaxIterations <= 0 || i < loop.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := a.Iterate(ctx)
		switch {
		case err == nil:
			faults.record(false)
		case errors.Is(err, device.ErrDisconnected):
			a.logger.Error("Device disconnected, stopping loop", zap.Error(err))
			a.persist()
			return err
		case ctx.Err() != nil:
			a.persist()
			return ctx.Err()
		default:
			n := faults.record(true)
			a.logger.Error("Loop iteration faulted",
				zap.Error(err),
				zap.Int("recent_faults", n),
				zap.Int("fault_window", len(faults.outcomes)),
				zap.Int("max_faults", maxFaults))
			if n >= maxFaults {
				a.persist()
				return fmt.Errorf("%w (%d of the last %d iterations): %w", ErrTooManyFaults, n, len(faults.outcomes), err)
			}
		}
		a.persist()

		if err := a.sleep(ctx, loop.Interval); err != nil {
			return err
		}
	}
	a.logger.Info("Iteration limit reached", zap.Int("iterations", loop.MaxIterations))
	return nil
}

// faultWindow remembers which of the last len(outcomes) iterations faulted.
type faultWindow struct {
	outcomes []bool
	next     int
	count    int
}

func newFaultWindow(size int) *faultWindow {
	return &faultWindow{outcomes: make([]bool, size)}
}

// record stores one iteration's outcome and returns the faults now in the window.
func (w *faultWindow) record(faulted bool) int {
	if w.outcomes[w.next] {
		w.count--
	}
	w.outcomes[w.next] = faulted
	if faulted {
		w.count++
	}
	w.next = (w.next + 1) % len(w.outcomes)
	return w.count
}

// frame is everything the strategies see for one iteration.
type frame struct {
	iteration int
	capture   *device.Capture
	scene     scene.Result
	bar       *vision.QuestBar
	task      *tasks.Task
}

// Iterate runs one observe-decide-act pass. Errors are faults except
// device.ErrDisconnected and context cancellation, which the caller treats
// as terminal.
func (a *Agent) Iterate(ctx context.Context) (err error) {
	n := a.snap.IncLoop()

	capture, err := a.dev.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}

	res := a.classifier.Classify(ctx, capture.Image)
	a.snap.SetScene(res.Scene)
	f := &frame{iteration: n, capture: capture, scene: res}
	if res.Scene == scene.MainHub {
		bar := a.bars.Detect(ctx, capture.Image)
		f.bar = &bar
		a.snap.SetQuestBar(state.QuestBarMirror{
			Visible:          bar.Visible,
			Label:            bar.Label,
			HasPendingReward: bar.HasPendingReward,
			Completable:      bar.Completable,
			PointerVisible:   bar.PointerVisible,
		})
	}
	a.recovery.Observe(res.Scene)

	branch, batch, err := a.arbitrate(ctx, f)
	if err != nil {
		a.journalIteration(ctx, f, branch, nil)
		return err
	}
	a.logger.Debug("Iteration decided",
		zap.Int("iteration", n),
		zap.String("scene", res.String()),
		zap.String("branch", branch),
		zap.Int("actions", len(batch)))

	var results []executor.Result
	if len(batch) > 0 {
		results, err = a.exec.Run(ctx, batch, capture, res.Scene)
	}
	a.settleTask(f.task, results, err)
	a.snap.SetRecoveries(a.recovery.Total())
	a.journalIteration(ctx, f, branch, results)
	return err
}

// arbitrate walks the strategies in order; the first non-nil batch wins.
func (a *Agent) arbitrate(ctx context.Context, f *frame) (string, []action.Action, error) {
	for _, s := range a.strategies {
		batch, err := a.runStrategy(ctx, s, f)
		if err != nil {
			return s.name, nil, err
		}
		if batch != nil {
			return s.name, batch, nil
		}
	}
	return "none", nil, nil
}

func (a *Agent) runStrategy(ctx context.Context, s strategy, f *frame) (batch []action.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from strategy panic",
				zap.String("strategy", s.name),
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())))
			batch, err = nil, fmt.Errorf("%w in %s: %v", ErrStrategyPanic, s.name, r)
		}
	}()
	return s.run(a, ctx, f)
}

// settleTask closes out a rule-engine task: any executed action counts as
// done, otherwise the task is retried.
func (a *Agent) settleTask(t *tasks.Task, results []executor.Result, runErr error) {
	if t == nil {
		return
	}
	for _, r := range results {
		if r.Status == executor.StatusSuccess {
			a.queue.MarkDone(t)
			a.logger.Info("Task done", zap.String("task", t.Name))
			return
		}
	}
	a.queue.MarkFailed(t)
	a.logger.Warn("Task failed",
		zap.String("task", t.Name),
		zap.Int("retry_count", t.RetryCount),
		zap.String("status", string(t.Status)),
		zap.NamedError("run_error", runErr))
}

// persist writes the snapshot and the task queue. Failures are logged and
// never stop the loop.
func (a *Agent) persist() {
	paths := a.cfg.State()
	if paths.Path != "" {
		if err := a.snap.Save(paths.Path); err != nil {
			a.logger.Warn("Failed to save state", zap.String("path", paths.Path), zap.Error(err))
		}
	}
	if paths.TasksPath != "" {
		a.queue.ClearCompleted()
		if err := a.queue.Save(paths.TasksPath); err != nil {
			a.logger.Warn("Failed to save task queue", zap.String("path", paths.TasksPath), zap.Error(err))
		}
	}
}

func (a *Agent) journalIteration(ctx context.Context, f *frame, branch string, results []executor.Result) {
	if a.journal == nil {
		return
	}
	snapshot, err := a.snap.MarshalJSON()
	if err != nil {
		a.logger.Warn("Failed to encode snapshot for journal", zap.Error(err))
	}
	entries := make([]store.ActionEntry, 0, len(results))
	now := a.now()
	for _, r := range results {
		entries = append(entries, store.ActionEntry{
			Kind:        string(r.Action.Kind()),
			Description: action.Describe(r.Action),
			Reason:      r.Action.Base().Reason,
			Status:      string(r.Status),
			ErrorCode:   string(r.ErrorCode),
			Verified:    r.Verified,
			Duration:    r.Duration,
			ExecutedAt:  now,
		})
	}
	it := store.Iteration{
		RunID:    a.runID,
		Number:   f.iteration,
		Scene:    string(f.scene.Scene),
		Branch:   branch,
		Snapshot: snapshot,
		Actions:  entries,
	}
	if err := a.journal.RecordIteration(ctx, it); err != nil {
		a.logger.Warn("Failed to journal iteration", zap.Int("iteration", f.iteration), zap.Error(err))
	}
}
