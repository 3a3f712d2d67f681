package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/tasks"
)

// strategy is one arbiter branch. A nil batch passes to the next branch;
// a non-nil batch, even an empty one, claims the iteration.
type strategy struct {
	name string
	run  func(a *Agent, ctx context.Context, f *frame) ([]action.Action, error)
}

// Branch names, in arbitration order.
const (
	BranchAutoHandler   = "auto_handler"
	BranchRecovery      = "stuck_recovery"
	BranchWorkflow      = "quest_workflow"
	BranchRuleEngine    = "rule_engine"
	BranchReasoning     = "reasoning_consult"
	BranchOpportunistic = "opportunistic"
	BranchAutoStart     = "workflow_auto_start"
)

func defaultStrategies() []strategy {
	return []strategy{
		{BranchAutoHandler, (*Agent).dismissOverlay},
		{BranchRecovery, (*Agent).recoverStuck},
		{BranchWorkflow, (*Agent).stepWorkflow},
		{BranchRuleEngine, (*Agent).runTask},
		{BranchReasoning, (*Agent).consult},
		{BranchOpportunistic, (*Agent).opportunistic},
		{BranchAutoStart, (*Agent).autoStart},
	}
}

// dismissOverlay stays out of the way while a quest runs; the workflow
// handles its own popups.
func (a *Agent) dismissOverlay(ctx context.Context, f *frame) ([]action.Action, error) {
	if a.workflow.Active() {
		return nil, nil
	}
	return a.auto.Dismiss(ctx, f.capture, f.scene.Scene), nil
}

func (a *Agent) recoverStuck(ctx context.Context, f *frame) ([]action.Action, error) {
	if !a.recovery.Stuck() {
		return nil, nil
	}
	batch, err := a.recovery.Recover(ctx, f.capture)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		batch = []action.Action{}
	}
	return batch, nil
}

func (a *Agent) stepWorkflow(ctx context.Context, f *frame) ([]action.Action, error) {
	if !a.workflow.Active() {
		return nil, nil
	}
	return a.step(ctx, f)
}

// step advances the workflow once. An active workflow always claims the
// iteration, even when it has nothing to tap this pass.
func (a *Agent) step(ctx context.Context, f *frame) ([]action.Action, error) {
	batch := a.workflow.Step(ctx, f.capture, f.scene.Scene)
	if err := a.workflow.LastFault(); err != nil {
		return nil, err
	}
	if batch == nil {
		batch = []action.Action{}
	}
	return batch, nil
}

// runTask plans the highest-priority pending task. Tasks the engine cannot
// plan, or whose plan is empty on this frame, are settled here and the
// iteration falls through.
func (a *Agent) runTask(ctx context.Context, f *frame) ([]action.Action, error) {
	t := a.queue.Next()
	if t == nil {
		return nil, nil
	}
	if !a.engine.CanHandle(t) {
		a.logger.Warn("No rule for task, dropping", zap.String("task", t.Name))
		t.RetryCount = t.MaxRetries
		a.queue.MarkFailed(t)
		return nil, nil
	}
	batch, err := a.engine.Plan(ctx, t, f.capture.Image, f.scene.Scene)
	if err != nil {
		a.logger.Warn("Task planning failed", zap.String("task", t.Name), zap.Error(err))
		if len(batch) == 0 {
			a.queue.MarkFailed(t)
			return nil, nil
		}
	}
	if len(batch) == 0 {
		a.logger.Info("Task has nothing to do on this screen", zap.String("task", t.Name))
		a.queue.MarkDone(t)
		return nil, nil
	}
	f.task = t
	return batch, nil
}

// consult asks the reasoning service for a plan when nothing else is
// running and the cooldown has elapsed. Returned tasks are queued; inline
// action batches are executed right away.
func (a *Agent) consult(ctx context.Context, f *frame) ([]action.Action, error) {
	if a.reasoner == nil || a.workflow.Active() || a.queue.Active() {
		return nil, nil
	}
	now := a.now()
	if last := a.snap.LastConsult(); !last.IsZero() && now.Sub(last) < a.cfg.Loop().ConsultCooldown {
		return nil, nil
	}
	a.snap.MarkConsulted(now)

	planned, err := a.reasoner.Consult(ctx, f.capture.Image, a.snap.Summary(a.pendingTaskNames()))
	if err != nil {
		if errors.Is(err, device.ErrDisconnected) || ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn("Reasoning consult failed", zap.Error(err))
		return nil, nil
	}

	var inline []action.Action
	for _, t := range planned {
		if len(t.Actions) > 0 {
			actions, err := t.Inline()
			if err != nil {
				a.logger.Warn("Dropping invalid inline actions", zap.String("task", t.Name), zap.Error(err))
			}
			inline = append(inline, actions...)
			continue
		}
		if t.Name == tasks.TaskCustom {
			continue
		}
		a.queue.Add(t)
	}
	a.logger.Info("Reasoning consult complete",
		zap.Int("tasks", len(planned)),
		zap.Int("queued", a.queue.PendingCount()),
		zap.Int("inline_actions", len(inline)))
	if len(inline) == 0 {
		return nil, nil
	}
	return inline, nil
}

func (a *Agent) pendingTaskNames() []string {
	var names []string
	for _, t := range a.queue.Snapshot() {
		if t.Status == tasks.StatusPending || t.Status == tasks.StatusRunning {
			names = append(names, t.Name)
		}
	}
	return names
}

func (a *Agent) opportunistic(ctx context.Context, f *frame) ([]action.Action, error) {
	if batch := a.auto.ClaimRewards(ctx, f.capture); batch != nil {
		return batch, nil
	}
	if batch := a.auto.KnownPopup(ctx, f.capture); batch != nil {
		return batch, nil
	}
	return a.auto.SkipLoading(f.capture, f.scene.Scene), nil
}

// autoStart begins a quest from the hub's quest bar and steps it in the
// same iteration.
func (a *Agent) autoStart(ctx context.Context, f *frame) ([]action.Action, error) {
	if !a.cfg.Quest().AutoStart || f.scene.Scene != scene.MainHub || f.bar == nil || !f.bar.Visible {
		return nil, nil
	}
	if !f.bar.HasPendingReward {
		if f.bar.Label == "" || a.workflow.InCooldown(f.bar.Label) {
			return nil, nil
		}
	}
	if !a.workflow.Start() {
		return nil, nil
	}
	a.logger.Info("Starting quest workflow", zap.String("label", f.bar.Label))
	return a.step(ctx, f)
}
