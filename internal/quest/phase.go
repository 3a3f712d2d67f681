package quest

import (
	"context"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
)

// Phase is a workflow state.
type Phase string

const (
	PhaseIdle            Phase = state.Idle
	PhaseEnsureHub       Phase = "ensure_hub"
	PhaseReadQuest       Phase = "read_quest"
	PhaseClickQuest      Phase = "click_quest"
	PhaseExecuteQuest    Phase = "execute_quest"
	PhaseReturnToHub     Phase = "return_to_hub"
	PhaseCheckCompletion Phase = "check_completion"
	PhaseClaimReward     Phase = "claim_reward"
	PhaseVerify          Phase = "verify"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{
	PhaseIdle, PhaseEnsureHub, PhaseReadQuest, PhaseClickQuest, PhaseExecuteQuest,
	PhaseReturnToHub, PhaseCheckCompletion, PhaseClaimReward, PhaseVerify,
}

// ParsePhase maps a persisted phase name back to a Phase.
func ParsePhase(s string) (Phase, bool) {
	for _, p := range Phases {
		if string(p) == s {
			return p, true
		}
	}
	return PhaseIdle, false
}

// frame is what a phase handler sees of the current iteration.
type frame struct {
	capture *device.Capture
	scene   scene.Tag
}

type phaseHandler func(w *Workflow, ctx context.Context, f frame) []action.Action

// phases is the dispatch table. Idle has no handler; Step is a no-op there.
var phases = map[Phase]phaseHandler{
	PhaseEnsureHub:       (*Workflow).ensureHub,
	PhaseReadQuest:       (*Workflow).readQuest,
	PhaseClickQuest:      (*Workflow).clickQuest,
	PhaseExecuteQuest:    (*Workflow).executeQuest,
	PhaseReturnToHub:     (*Workflow).returnToHub,
	PhaseCheckCompletion: (*Workflow).checkCompletion,
	PhaseClaimReward:     (*Workflow).claimReward,
	PhaseVerify:          (*Workflow).verify,
}
