// File: internal/quest/workflow.go
// Package quest drives one quest from the hub's quest bar to a claimed
// reward through a persistent phase machine.
package quest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/profile"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// ErrPhasePanic wraps a panic recovered from a phase handler.
var ErrPhasePanic = errors.New("quest phase panicked")

// LandmarkPrimaryButton is the generic colored call-to-action button.
const LandmarkPrimaryButton = "buttons/primary_generic"

// Per-transition delays.
const (
	delayNavigate = time.Second
	delayClick    = 1500 * time.Millisecond
	delayDismiss  = 1500 * time.Millisecond
	delayClaim    = 2 * time.Second
	delayButton   = time.Second
	delayRapidTap = 300 * time.Millisecond
	verifyWait    = 1500 * time.Millisecond
)

// Popup escalation: BACK up to popupBackUntil, center taps up to
// popupTapUntil, then the heavy fallback.
const (
	popupBackUntil = 2
	popupTapUntil  = 4
)

// BarReader reads the hub's quest bar.
type BarReader interface {
	Detect(ctx context.Context, img image.Image) vision.QuestBar
	DetectPointer(ctx context.Context, img image.Image) *vision.Pointer
}

// Reasoner is the slice of the reasoning service the workflow falls back to.
type Reasoner interface {
	AnalyzeQuestExecution(ctx context.Context, img image.Image, label string) ([]action.Action, error)
	AnalyzeUnknownScene(ctx context.Context, img image.Image) ([]action.Action, error)
}

// Option customizes a Workflow.
type Option func(*Workflow)

// WithReasoner enables reasoning-service fallbacks.
func WithReasoner(r Reasoner) Option {
	return func(w *Workflow) { w.reasoner = r }
}

// WithScripts installs quest scripts and the corner anchor they use.
func WithScripts(scripts []*Script, anchor Anchor) Option {
	return func(w *Workflow) {
		w.scripts = scripts
		w.anchor = anchor
	}
}

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// Workflow is the quest phase machine. It is owned by the main loop and
// not safe for concurrent use; its phase and target are mirrored into the
// snapshot after every step.
type Workflow struct {
	svc      vision.Service
	bars     BarReader
	snap     *state.Snapshot
	prof     *profile.Profile
	cfg      config.QuestConfig
	reasoner Reasoner
	scripts  []*Script
	anchor   Anchor
	logger   *zap.Logger
	now      func() time.Time

	phase  Phase
	target string

	executeIter int
	// checks survives the click/execute cycle; starting or reading a quest resets it.
	checks      int
	verifies    int
	popupCount  int
	runner      *Runner

	// Button exhaustion: strikes per candidate, counted while the scene
	// stays the same after tapping it.
	strikes     map[string]int
	lastButton  string
	lastBtnSeen scene.Tag

	faults    int
	lastFault error
}

// New builds an idle workflow.
func New(svc vision.Service, bars BarReader, snap *state.Snapshot, prof *profile.Profile, cfg config.QuestConfig, logger *zap.Logger, opts ...Option) *Workflow {
	if prof == nil {
		prof = profile.Default()
	}
	w := &Workflow{
		svc:     svc,
		bars:    bars,
		snap:    snap,
		prof:    prof,
		cfg:     cfg,
		logger:  logger.Named("quest_workflow"),
		now:     time.Now,
		phase:   PhaseIdle,
		strikes: map[string]int{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Phase is the current phase.
func (w *Workflow) Phase() Phase { return w.phase }

// Target is the quest label being worked on, empty before ReadQuest.
func (w *Workflow) Target() string { return w.target }

// Active reports whether a quest is in progress.
func (w *Workflow) Active() bool { return w.phase != PhaseIdle }

// Faults counts recovered phase panics.
func (w *Workflow) Faults() int { return w.faults }

// LastFault is the panic recovered during the most recent Step, if any.
func (w *Workflow) LastFault() error { return w.lastFault }

// InCooldown reports whether label was aborted recently.
func (w *Workflow) InCooldown(label string) bool {
	return w.snap.InCooldown(label, w.now())
}

// Start begins a quest from the hub. It reports false if one is already
// running.
func (w *Workflow) Start() bool {
	if w.Active() {
		return false
	}
	w.reset()
	w.transition(PhaseEnsureHub, "start")
	return true
}

// Restore resumes a quest persisted in the snapshot. Whatever phase was
// saved, the quest restarts from EnsureHub since the screen has moved on.
func (w *Workflow) Restore() bool {
	name, target := w.snap.Workflow()
	if p, _ := ParsePhase(name); p == PhaseIdle {
		return false
	}
	w.reset()
	w.target = target
	w.transition(PhaseEnsureHub, "restore")
	return true
}

// Abort gives up on the current quest and puts its label in cooldown.
func (w *Workflow) Abort(reason string) {
	if !w.Active() {
		return
	}
	if w.target != "" && w.cfg.AbortCooldown > 0 {
		w.snap.SetCooldown(w.target, w.now().Add(w.cfg.AbortCooldown))
	}
	w.logger.Warn("Quest aborted",
		zap.String("target", w.target),
		zap.String("phase", string(w.phase)),
		zap.String("reason", reason))
	w.transition(PhaseIdle, "abort: "+reason)
	w.reset()
	w.sync()
}

func (w *Workflow) reset() {
	w.target = ""
	w.executeIter, w.checks, w.verifies, w.popupCount = 0, 0, 0, 0
	w.runner = nil
	w.resetButtons()
}

func (w *Workflow) resetButtons() {
	w.strikes = map[string]int{}
	w.lastButton = ""
	w.lastBtnSeen = ""
}

func (w *Workflow) transition(to Phase, why string) {
	if to == w.phase {
		return
	}
	w.logger.Info("Phase transition",
		zap.String("from", string(w.phase)),
		zap.String("to", string(to)),
		zap.String("target", w.target),
		zap.String("why", why))
	w.phase = to
	w.sync()
}

func (w *Workflow) sync() {
	w.snap.SetWorkflow(string(w.phase), w.target)
}

// Step advances the machine by one phase against the current capture and
// returns the actions for this iteration. It never returns an error; a
// panicking handler is recovered and reported through LastFault.
func (w *Workflow) Step(ctx context.Context, c *device.Capture, tag scene.Tag) (batch []action.Action) {
	w.lastFault = nil
	if !w.Active() {
		return nil
	}
	h, ok := phases[w.phase]
	if !ok {
		w.Abort(fmt.Sprintf("no handler for phase %q", w.phase))
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			w.faults++
			w.lastFault = fmt.Errorf("%w in %s: %v", ErrPhasePanic, w.phase, r)
			w.logger.Error("Recovered from phase panic",
				zap.String("phase", string(w.phase)),
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())))
			batch = nil
		}
		w.sync()
	}()

	w.snap.PruneCooldowns(w.now())
	return h(w, ctx, frame{capture: c, scene: tag})
}

// --- Phases ---

func (w *Workflow) ensureHub(ctx context.Context, f frame) []action.Action {
	if f.scene == scene.MainHub {
		w.transition(PhaseReadQuest, "at hub")
		return nil
	}
	return w.headHome(ctx, f.capture, "quest_workflow:ensure_hub")
}

// headHome emits one action that moves toward the hub: an exit landmark,
// then a hub navigation text, then BACK.
func (w *Workflow) headHome(ctx context.Context, c *device.Capture, prefix string) []action.Action {
	for _, lm := range []string{LandmarkBackArrow, LandmarkCloseX} {
		if m := w.match(ctx, c.Image, lm); m != nil {
			return tap(m.Center, delayNavigate, prefix+":"+lm)
		}
	}
	for _, t := range w.prof.HubTexts {
		if m := w.findText(ctx, c.Image, t); m != nil {
			return tap(m.Center, delayNavigate, "quest_workflow:navigate_main_hub:"+t)
		}
	}
	return back(prefix + ":back")
}

func (w *Workflow) readQuest(ctx context.Context, f frame) []action.Action {
	bar := w.bars.Detect(ctx, f.capture.Image)
	switch {
	case !bar.Visible:
		w.Abort("quest bar not visible")
		return nil
	case bar.HasPendingReward:
		w.target = bar.Label
		w.transition(PhaseClaimReward, "pending reward")
		return nil
	case bar.Label == "":
		w.Abort("quest label unreadable")
		return nil
	}
	w.target = bar.Label
	w.checks = 0
	if bar.Completable {
		w.transition(PhaseCheckCompletion, "already completable")
		return nil
	}
	w.transition(PhaseClickQuest, "quest read")
	return nil
}

func (w *Workflow) clickQuest(ctx context.Context, f frame) []action.Action {
	bar := w.bars.Detect(ctx, f.capture.Image)
	if !bar.Visible {
		w.Abort("quest bar not visible")
		return nil
	}
	w.executeIter = 0
	w.popupCount = 0
	w.resetButtons()
	w.transition(PhaseExecuteQuest, "quest clicked")
	return tap(bar.LabelBBox.Center(), delayClick, "quest_workflow:click_quest:"+w.target)
}

func (w *Workflow) executeQuest(ctx context.Context, f frame) []action.Action {
	w.executeIter++
	if limit := w.cfg.ExecuteMax; limit > 0 && w.executeIter > limit {
		w.logger.Warn("Execute budget exhausted", zap.Int("iterations", w.executeIter-1))
		w.transition(PhaseReturnToHub, "execute budget exhausted")
		return nil
	}
	c := f.capture
	w.settleButtons(f.scene)

	// 1. Tutorial pointer.
	if p := w.bars.DetectPointer(ctx, c.Image); p != nil {
		w.logger.Info("Following tutorial pointer",
			zap.Int("x", p.Tip.X), zap.Int("y", p.Tip.Y),
			zap.Bool("mirrored", p.Mirrored), zap.Float64("confidence", p.Confidence))
		return tap(p.Tip, delayButton, "quest_workflow:follow_tutorial_pointer")
	}

	// 2. Popup.
	if f.scene == scene.Popup {
		return w.dismissPopup(ctx, c, true)
	}

	// 3. Dialogue.
	if f.scene == scene.Dialogue {
		for _, t := range w.prof.SkipTexts {
			if m := w.findText(ctx, c.Image, t); m != nil {
				return tap(m.Center, delayButton, "quest_workflow:dialogue_skip:"+t)
			}
		}
		if m := w.match(ctx, c.Image, scene.LandmarkChevron); m != nil {
			return tap(m.Center, delayButton, "quest_workflow:dialogue_advance")
		}
	}

	// 4. Back on the hub without a pointer.
	if f.scene == scene.MainHub {
		w.transition(PhaseCheckCompletion, "hub without pointer")
		return nil
	}

	// 5. Quest script.
	if r := w.scriptRunner(); r != nil && !r.Done() {
		batch, waiting := r.ExecuteOne(ctx, c)
		if aborted, why := r.Aborted(); aborted {
			w.logger.Warn("Quest script aborted", zap.String("reason", why))
			w.transition(PhaseReturnToHub, "script aborted")
			return nil
		}
		if waiting {
			return nil
		}
		if len(batch) > 0 {
			return batch
		}
		if !r.Done() {
			return nil
		}
	}

	// 6-7. Action buttons, then the primary button.
	candidates := w.buttonCandidates(ctx, c)
	if m := w.match(ctx, c.Image, LandmarkPrimaryButton); m != nil {
		candidates = append(candidates, button{key: "primary", label: "primary", at: m.Center})
	}
	for _, b := range candidates {
		if w.exhausted(b.key) {
			continue
		}
		w.lastButton, w.lastBtnSeen = b.key, f.scene
		return w.tapButton(b)
	}

	// 8. Everything seen is exhausted.
	if len(candidates) > 0 {
		w.transition(PhaseReturnToHub, "all buttons exhausted")
		return nil
	}

	// 9. Reasoning, then a center tap.
	if w.reasoner != nil {
		batch, err := w.reasoner.AnalyzeQuestExecution(ctx, c.Image, w.target)
		if err != nil {
			w.logger.Warn("Quest execution analysis failed", zap.Error(err))
		} else if len(batch) > 0 {
			w.logger.Info("Reasoning service suggested actions", zap.Int("count", len(batch)))
			return batch
		}
	}
	return w.centerTap(c, "quest_workflow:center_tap")
}

func (w *Workflow) returnToHub(ctx context.Context, f frame) []action.Action {
	switch f.scene {
	case scene.MainHub:
		w.transition(PhaseCheckCompletion, "back at hub")
		return nil
	case scene.Popup:
		return w.dismissPopup(ctx, f.capture, false)
	}
	return w.headHome(ctx, f.capture, "quest_workflow:return_to_hub")
}

func (w *Workflow) checkCompletion(ctx context.Context, f frame) []action.Action {
	bar := w.bars.Detect(ctx, f.capture.Image)
	if !bar.Visible {
		w.Abort("quest bar not visible")
		return nil
	}
	if bar.Completable {
		w.transition(PhaseClaimReward, "completable")
		return nil
	}
	w.checks++
	if w.checks > w.cfg.CheckMax {
		w.Abort(fmt.Sprintf("not completable after %d checks", w.cfg.CheckMax))
		return nil
	}
	w.transition(PhaseClickQuest, "not yet completable")
	return nil
}

func (w *Workflow) claimReward(ctx context.Context, f frame) []action.Action {
	bar := w.bars.Detect(ctx, f.capture.Image)
	if !bar.Visible {
		w.Abort("quest bar not visible")
		return nil
	}
	if w.target == "" {
		w.target = bar.Label
	}
	w.verifies = 0
	w.transition(PhaseVerify, "reward tapped")
	return tap(bar.LabelBBox.Center(), delayClaim, "quest_workflow:claim_reward:"+w.target)
}

func (w *Workflow) verify(ctx context.Context, f frame) []action.Action {
	c := f.capture
	bar := w.bars.Detect(ctx, c.Image)
	if bar.Visible && bar.Label != "" && bar.Label != w.target {
		w.logger.Info("Quest completed", zap.String("quest", w.target), zap.String("next", bar.Label))
		w.transition(PhaseIdle, "label changed")
		w.reset()
		return nil
	}

	w.verifies++
	if w.verifies > w.cfg.VerifyMax {
		w.Abort(fmt.Sprintf("label unchanged after %d checks", w.cfg.VerifyMax))
		return nil
	}
	if !bar.Visible {
		// A reward dialog is probably covering the bar.
		for _, t := range w.prof.VerifyClaimTexts {
			if m := w.findShortText(ctx, c.Image, t); m != nil {
				return tap(m.Center, delayDismiss, "quest_workflow:verify_claim:"+t)
			}
		}
		return back("quest_workflow:verify_back")
	}
	return []action.Action{action.WaitSeconds{Meta: action.Because("quest_workflow:verify_wait"), Duration: verifyWait}}
}

// --- Popups ---

// dismissPopup tries dismiss texts, then a close landmark in the top-right
// region, then escalates. escalate selects the reasoning call as the last
// rung; otherwise the counter resets with a BACK.
func (w *Workflow) dismissPopup(ctx context.Context, c *device.Capture, escalate bool) []action.Action {
	for _, t := range w.prof.PopupCloseTexts {
		if m := w.findText(ctx, c.Image, t); m != nil {
			w.popupCount = 0
			return tap(m.Center, delayDismiss, "quest_workflow:dismiss_popup:"+t)
		}
	}
	for _, lm := range w.prof.PopupCloseLandmarks {
		m := w.match(ctx, c.Image, lm)
		if m == nil {
			continue
		}
		if !InCloseCorner(m.Center, c.Width(), c.Height()) {
			w.logger.Debug("Ignoring close landmark outside the top-right region",
				zap.String("landmark", lm), zap.Int("x", m.Center.X), zap.Int("y", m.Center.Y))
			continue
		}
		return tap(m.Center, delayButton, "quest_workflow:dismiss_popup:"+lm)
	}

	w.popupCount++
	switch {
	case w.popupCount <= popupBackUntil:
		return back(fmt.Sprintf("quest_workflow:dismiss_popup:back_%d", w.popupCount))
	case w.popupCount <= popupTapUntil:
		return w.centerTap(c, fmt.Sprintf("quest_workflow:dismiss_popup:center_%d", w.popupCount))
	}
	w.popupCount = 0
	if !escalate {
		return back("quest_workflow:dismiss_popup:back_reset")
	}
	if w.reasoner != nil {
		batch, err := w.reasoner.AnalyzeUnknownScene(ctx, c.Image)
		if err != nil {
			w.logger.Warn("Unknown scene analysis failed", zap.Error(err))
		} else if len(batch) > 0 {
			return batch
		}
	}
	return w.centerTap(c, "quest_workflow:dismiss_popup:final_center_tap")
}

// InCloseCorner reports whether p lies where popup close buttons sit:
// y <= 0.35h and x >= 0.45w.
func InCloseCorner(p vision.Point, width, height int) bool {
	return float64(p.Y) <= 0.35*float64(height) && float64(p.X) >= 0.45*float64(width)
}

// --- Buttons ---

type button struct {
	key   string
	label string
	at    vision.Point
}

// buttonCandidates ranks catalog landmarks first, then catalog texts. A
// text span only counts when it is at most two runes longer than the
// button text, which keeps long quest descriptions from matching.
func (w *Workflow) buttonCandidates(ctx context.Context, c *device.Capture) []button {
	var out []button
	for _, lm := range w.prof.ActionButtonLandmarks {
		if m := w.match(ctx, c.Image, lm); m != nil {
			out = append(out, button{key: "landmark:" + lm, label: lm, at: m.Center})
		}
	}
	spans, err := w.svc.FindAllText(ctx, c.Image)
	if err != nil {
		w.logger.Warn("Text recognition failed", zap.Error(err))
		return out
	}
	for _, t := range w.prof.ActionButtonTexts {
		if m := topmostShort(spans, t); m != nil {
			out = append(out, button{key: "text:" + t, label: t, at: m.Center})
		}
	}
	return out
}

func topmostShort(spans []vision.TextMatch, btn string) *vision.TextMatch {
	var best *vision.TextMatch
	limit := utf8.RuneCountInString(btn) + 2
	needle := strings.ToLower(btn)
	for i := range spans {
		s := &spans[i]
		if utf8.RuneCountInString(s.Text) > limit || !strings.Contains(strings.ToLower(s.Text), needle) {
			continue
		}
		if best == nil || s.Center.Y < best.Center.Y {
			best = s
		}
	}
	return best
}

// settleButtons charges the last tapped button a strike when the scene did
// not change since it was tapped. A scene change clears every strike.
func (w *Workflow) settleButtons(now scene.Tag) {
	if w.lastButton == "" {
		return
	}
	if now != w.lastBtnSeen {
		w.strikes = map[string]int{}
	} else {
		w.strikes[w.lastButton]++
		if w.exhausted(w.lastButton) {
			w.logger.Info("Button exhausted", zap.String("button", w.lastButton), zap.Int("strikes", w.strikes[w.lastButton]))
		}
	}
	w.lastButton = ""
}

func (w *Workflow) exhausted(key string) bool {
	threshold := w.cfg.ButtonExhaustionThreshold
	if threshold <= 0 {
		threshold = 2
	}
	return w.strikes[key] >= threshold
}

func (w *Workflow) tapButton(b button) []action.Action {
	reason := "quest_workflow:action_button:" + b.label
	if w.isRapid(b.label) {
		n := w.cfg.RapidTapCount
		if n <= 0 {
			n = 15
		}
		w.logger.Info("Rapid-tapping button", zap.String("button", b.label), zap.Int("taps", n))
		out := make([]action.Action, n)
		for i := range out {
			out[i] = action.Tap{Meta: action.Delayed(delayRapidTap, reason), X: b.at.X, Y: b.at.Y}
		}
		return out
	}
	w.logger.Info("Tapping action button", zap.String("button", b.label), zap.Int("x", b.at.X), zap.Int("y", b.at.Y))
	return tap(b.at, delayButton, reason)
}

func (w *Workflow) isRapid(label string) bool {
	for _, t := range w.prof.RapidTapTexts {
		if t == label {
			return true
		}
	}
	return false
}

// --- Scripts ---

func (w *Workflow) scriptRunner() *Runner {
	if w.runner != nil {
		return w.runner
	}
	if w.target == "" || w.anchor == nil {
		return nil
	}
	for _, s := range w.scripts {
		if s.Matches(w.target) {
			w.logger.Info("Quest script loaded",
				zap.String("pattern", s.Pattern.String()), zap.Int("steps", len(s.Steps)))
			w.runner = NewRunner(s, w.svc, w.anchor, w.logger)
			return w.runner
		}
	}
	return nil
}

// --- Helpers ---

func (w *Workflow) match(ctx context.Context, img image.Image, name string) *vision.LandmarkMatch {
	m, err := w.svc.MatchLandmark(ctx, img, name)
	if err != nil {
		w.logger.Debug("Landmark match failed", zap.String("landmark", name), zap.Error(err))
		return nil
	}
	return m
}

func (w *Workflow) findText(ctx context.Context, img image.Image, text string) *vision.TextMatch {
	hits, err := vision.FindAllContaining(ctx, w.svc, img, text)
	if err != nil || len(hits) == 0 {
		return nil
	}
	return &hits[0]
}

func (w *Workflow) findShortText(ctx context.Context, img image.Image, text string) *vision.TextMatch {
	spans, err := w.svc.FindAllText(ctx, img)
	if err != nil {
		return nil
	}
	return topmostShort(spans, text)
}

func (w *Workflow) centerTap(c *device.Capture, reason string) []action.Action {
	x, y := c.Center()
	return []action.Action{action.Tap{Meta: action.Delayed(delayButton, reason), X: x, Y: y}}
}

func tap(p vision.Point, delay time.Duration, reason string) []action.Action {
	return []action.Action{action.Tap{Meta: action.Delayed(delay, reason), X: p.X, Y: p.Y}}
}

func back(reason string) []action.Action {
	return []action.Action{action.KeyEvent{Meta: action.Because(reason), Code: device.KeyBack}}
}
