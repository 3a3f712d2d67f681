package quest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/executor"
	"github.com/xkilldash9x/questpilot/internal/profile"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// Script verbs.
const (
	VerbTapXY        = "tap_xy"
	VerbTapText      = "tap_text"
	VerbTapLandmark  = "tap_landmark"
	VerbTapIcon      = "tap_icon"
	VerbSwipe        = "swipe"
	VerbWaitText     = "wait_text"
	VerbEnsureHub    = "ensure_hub"
	VerbEnsureWorld  = "ensure_world"
	VerbReadText     = "read_text"
	VerbEval         = "eval"
	VerbFindBuilding = "find_building"
)

var verbs = []string{
	VerbTapXY, VerbTapText, VerbTapLandmark, VerbTapIcon, VerbSwipe, VerbWaitText,
	VerbEnsureHub, VerbEnsureWorld, VerbReadText, VerbEval, VerbFindBuilding,
}

const (
	defaultStepDelay     = time.Second
	defaultEnsureRetries = 10
	// Misses after which ensure_* taps a blank area instead of pressing BACK.
	ensureBlankAfter = 5
)

// Landmarks the ensure verbs use.
const (
	LandmarkBackArrow = "buttons/back_arrow"
	LandmarkCloseX    = "buttons/close_x"
	LandmarkNavHome   = "nav_bar/home"
	LandmarkNavWorld  = "nav_bar/world"
)

var blankArea = vision.Point{X: 500, Y: 600}

var varRef = regexp.MustCompile(`\{(\w+)\}`)

// Step is one parsed script record.
type Step struct {
	Verb        string
	Args        []any
	Delay       time.Duration
	Repeat      int
	Optional    bool
	Description string
	Region      *vision.Rect
	OffsetX     int
	OffsetY     int
}

// Script is an ordered list of steps bound to the quest labels its pattern
// matches.
type Script struct {
	Pattern     *regexp.Regexp
	Description string
	Steps       []Step
}

// Matches reports whether the script applies to a quest label.
func (s *Script) Matches(label string) bool {
	return s.Pattern.MatchString(label)
}

// ParseScripts turns profile records into scripts. A step with no known
// verb is kept; the runner skips it.
func ParseScripts(specs []profile.ScriptSpec) ([]*Script, error) {
	var (
		out  []*Script
		errs []error
	)
	for i, spec := range specs {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("script %d: bad pattern %q: %w", i, spec.Pattern, err))
			continue
		}
		s := &Script{Pattern: re, Description: spec.Description}
		for j, raw := range spec.Steps {
			step, err := ParseStep(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("script %d step %d: %w", i, j, err))
				continue
			}
			s.Steps = append(s.Steps, step)
		}
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}

// ParseStep decodes one step record.
func ParseStep(raw map[string]any) (Step, error) {
	st := Step{Delay: defaultStepDelay, Repeat: 1}
	for _, v := range verbs {
		if args, ok := raw[v]; ok {
			st.Verb = v
			st.Args = asList(args)
			break
		}
	}
	if d, ok := raw["delay"]; ok {
		secs, ok := toFloat(d)
		if !ok || secs < 0 {
			return st, fmt.Errorf("delay must be a non-negative number, got %v", d)
		}
		st.Delay = time.Duration(secs * float64(time.Second))
	}
	if r, ok := raw["repeat"]; ok {
		n, ok := toInt(r)
		if !ok || n < 1 {
			return st, fmt.Errorf("repeat must be a positive integer, got %v", r)
		}
		st.Repeat = n
	}
	if o, ok := raw["optional"].(bool); ok {
		st.Optional = o
	}
	if d, ok := raw["description"].(string); ok {
		st.Description = d
	}
	if r, ok := raw["region"]; ok {
		vals := asList(r)
		if len(vals) != 4 {
			return st, fmt.Errorf("region needs four coordinates, got %v", r)
		}
		var c [4]int
		for i, v := range vals {
			n, ok := toInt(v)
			if !ok {
				return st, fmt.Errorf("region coordinate %v is not a number", v)
			}
			c[i] = n
		}
		st.Region = &vision.Rect{X1: c[0], Y1: c[1], X2: c[2], Y2: c[3]}
	}
	st.OffsetX, _ = toInt(raw["offset_x"])
	st.OffsetY, _ = toInt(raw["offset_y"])
	return st, nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	}
	return []any{v}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func argInt(args []any, i, def int) int {
	if i >= len(args) {
		return def
	}
	if n, ok := toInt(args[i]); ok {
		return n
	}
	return def
}

func argString(args []any, i int) string {
	if i >= len(args) || args[i] == nil {
		return ""
	}
	return fmt.Sprint(args[i])
}

// Anchor answers which corner scene a frame shows.
type Anchor interface {
	Anchored(ctx context.Context, img image.Image) scene.Tag
}

// Runner executes a script one step per call against the current capture.
// It is owned by the workflow and not safe for concurrent use.
type Runner struct {
	script *Script
	svc    vision.Service
	anchor Anchor
	logger *zap.Logger

	index           int
	repeatLeft      int
	vars            map[string]string
	aborted         bool
	abortReason     string
	suppressAdvance bool
	ensureRetries   int
}

// NewRunner starts a script from its first step.
func NewRunner(s *Script, svc vision.Service, anchor Anchor, logger *zap.Logger) *Runner {
	return &Runner{
		script: s,
		svc:    svc,
		anchor: anchor,
		logger: logger.Named("quest_script"),
		vars:   map[string]string{},
	}
}

// Script returns the script being run.
func (r *Runner) Script() *Script { return r.script }

// Done reports whether every step has completed.
func (r *Runner) Done() bool { return r.index >= len(r.script.Steps) }

// Aborted reports whether a step gave up, and why.
func (r *Runner) Aborted() (bool, string) { return r.aborted, r.abortReason }

// Index is the current step position.
func (r *Runner) Index() int { return r.index }

// Var returns a script variable.
func (r *Runner) Var(name string) string { return r.vars[name] }

func (r *Runner) subst(s string) string {
	return varRef.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := r.vars[name]; ok {
			return v
		}
		return m
	})
}

// ExecuteOne runs the current step. waiting is true when the step could not
// act on this capture (its target is not visible yet) and should be retried
// on the next one; the batch is empty then. A nil batch with waiting false
// means the step completed without input.
func (r *Runner) ExecuteOne(ctx context.Context, c *device.Capture) (batch []action.Action, waiting bool) {
	if r.Done() || r.aborted {
		return nil, false
	}
	step := r.script.Steps[r.index]
	if r.repeatLeft <= 0 {
		r.repeatLeft = step.Repeat
	}
	log := r.logger.With(zap.Int("step", r.index), zap.String("verb", step.Verb))

	var ok bool
	switch step.Verb {
	case VerbTapXY:
		batch, ok = r.tapXY(step), true
	case VerbTapText:
		batch, ok = r.tapText(ctx, step, c)
	case VerbTapLandmark, VerbTapIcon:
		batch, ok = r.tapLandmark(ctx, step, c)
	case VerbSwipe:
		batch, ok = r.swipe(step), true
	case VerbWaitText:
		ok = r.waitText(ctx, step, c)
	case VerbEnsureHub:
		batch, ok = r.ensure(ctx, step, c, scene.MainHub)
	case VerbEnsureWorld:
		batch, ok = r.ensure(ctx, step, c, scene.WorldView)
	case VerbReadText:
		r.readText(ctx, step, c)
		ok = true
	case VerbEval:
		r.eval(step)
		ok = true
	case VerbFindBuilding:
		batch, ok = r.findBuilding(step), true
	default:
		log.Warn("Unknown script verb, skipping")
		ok = true
	}

	if r.aborted {
		return nil, false
	}
	if !ok {
		if step.Optional {
			log.Info("Optional step skipped", zap.String("description", step.Description))
			r.repeatLeft = 0
			r.index++
			return nil, false
		}
		return nil, true
	}

	if r.suppressAdvance {
		r.suppressAdvance = false
		return batch, false
	}

	r.repeatLeft--
	if r.repeatLeft <= 0 {
		r.repeatLeft = 0
		r.index++
	}
	log.Info("Script step executed",
		zap.Int("total", len(r.script.Steps)),
		zap.Int("repeats_left", r.repeatLeft),
		zap.String("description", step.Description))
	return batch, false
}

func meta(step Step, verb, detail string) action.Meta {
	return action.Delayed(step.Delay, fmt.Sprintf("quest_script:%s:%s:%s", verb, detail, step.Description))
}

func (r *Runner) tapXY(step Step) []action.Action {
	x, y := argInt(step.Args, 0, 0), argInt(step.Args, 1, 0)
	return []action.Action{action.Tap{Meta: meta(step, VerbTapXY, fmt.Sprintf("%d,%d", x, y)), X: x, Y: y}}
}

func (r *Runner) tapText(ctx context.Context, step Step, c *device.Capture) ([]action.Action, bool) {
	text := r.subst(argString(step.Args, 0))
	nth := argInt(step.Args, 1, 1)

	img := c.Image
	var dx, dy int
	if step.Region != nil {
		rect := clampRect(*step.Region, c.Width(), c.Height())
		img = vision.SubImage(c.Image, rect)
		dx, dy = rect.X1, rect.Y1
	}
	hits, err := vision.FindAllContaining(ctx, r.svc, img, text)
	if err != nil {
		r.logger.Warn("Text recognition failed", zap.String("text", text), zap.Error(err))
		return nil, false
	}
	hits = vision.ShiftText(hits, dx, dy)
	m, found := vision.Nth(hits, nth)
	if !found {
		r.logger.Debug("Script text not visible", zap.String("text", text), zap.Int("nth", nth), zap.Int("hits", len(hits)))
		return nil, false
	}
	x, y := m.Center.X+step.OffsetX, m.Center.Y+step.OffsetY
	return []action.Action{action.Tap{Meta: meta(step, VerbTapText, text), X: x, Y: y}}, true
}

func (r *Runner) tapLandmark(ctx context.Context, step Step, c *device.Capture) ([]action.Action, bool) {
	name := r.subst(argString(step.Args, 0))
	nth := argInt(step.Args, 1, 1)
	all, err := executor.MatchesOf(ctx, r.svc, c.Image, name)
	if err != nil {
		r.logger.Warn("Landmark match failed", zap.String("landmark", name), zap.Error(err))
		return nil, false
	}
	m, found := vision.Nth(all, nth)
	if !found {
		return nil, false
	}
	return []action.Action{action.Tap{Meta: meta(step, VerbTapLandmark, name), X: m.Center.X, Y: m.Center.Y}}, true
}

func (r *Runner) swipe(step Step) []action.Action {
	a := step.Args
	ms := argInt(a, 4, 300)
	return []action.Action{action.Swipe{
		Meta:     meta(step, VerbSwipe, ""),
		X1:       argInt(a, 0, 0),
		Y1:       argInt(a, 1, 0),
		X2:       argInt(a, 2, 0),
		Y2:       argInt(a, 3, 0),
		Duration: time.Duration(ms) * time.Millisecond,
	}}
}

func (r *Runner) waitText(ctx context.Context, step Step, c *device.Capture) bool {
	text := r.subst(argString(step.Args, 0))
	hits, err := vision.FindAllContaining(ctx, r.svc, c.Image, text)
	if err != nil || len(hits) == 0 {
		return false
	}
	r.logger.Info("Awaited text appeared", zap.String("text", text))
	return true
}

func (r *Runner) readText(ctx context.Context, step Step, c *device.Capture) {
	x, y := argInt(step.Args, 0, 0), argInt(step.Args, 1, 0)
	name := argString(step.Args, 2)
	w, h := argInt(step.Args, 3, 200), argInt(step.Args, 4, 80)

	x1, y1 := max(0, x-w/2), max(0, y-h/2)
	rect := vision.Rect{X1: x1, Y1: y1, X2: min(c.Width(), x1+w), Y2: min(c.Height(), y1+h)}
	spans, err := r.svc.FindAllText(ctx, vision.SubImage(c.Image, rect))
	if err != nil {
		r.logger.Warn("Text recognition failed", zap.String("var", name), zap.Error(err))
	}
	vision.SortReadingOrder(spans)
	var sb strings.Builder
	for _, s := range spans {
		sb.WriteString(s.Text)
	}
	r.vars[name] = sb.String()
	r.logger.Info("Read text into variable", zap.String("var", name), zap.String("value", r.vars[name]))
}

func (r *Runner) eval(step Step) {
	name := argString(step.Args, 0)
	expr := r.subst(argString(step.Args, 1))
	v, err := Eval(expr, r.vars)
	if err != nil {
		r.logger.Warn("Expression failed", zap.String("expr", expr), zap.Error(err))
		r.vars[name] = ""
		return
	}
	r.vars[name] = v.String()
}

func (r *Runner) findBuilding(step Step) []action.Action {
	name := r.subst(argString(step.Args, 0))
	scroll, attempts := true, 3
	if len(step.Args) > 1 {
		if opts, ok := step.Args[1].(map[string]any); ok {
			if s, ok := opts["scroll"].(bool); ok {
				scroll = s
			}
			if n, ok := toInt(opts["max_attempts"]); ok && n > 0 {
				attempts = n
			}
		}
	}
	return []action.Action{action.FindAndTap{
		Meta:          meta(step, VerbFindBuilding, name),
		Name:          name,
		ScrollAllowed: scroll,
		MaxAttempts:   attempts,
	}}
}

// ensure steers toward the hub or the world view. It holds the step until
// the corner anchor confirms arrival and aborts the script after too many
// misses.
func (r *Runner) ensure(ctx context.Context, step Step, c *device.Capture, want scene.Tag) ([]action.Action, bool) {
	verb, shortcut, other := VerbEnsureHub, LandmarkNavHome, scene.WorldView
	if want == scene.WorldView {
		verb, shortcut, other = VerbEnsureWorld, LandmarkNavWorld, scene.MainHub
	}

	at := r.anchor.Anchored(ctx, c.Image)
	if at == want {
		r.ensureRetries = 0
		return nil, true
	}

	limit := argInt(step.Args, 0, defaultEnsureRetries)
	r.ensureRetries++
	if r.ensureRetries > limit {
		r.aborted = true
		r.abortReason = fmt.Sprintf("%s failed after %d retries", verb, limit)
		r.logger.Warn("Script aborted", zap.String("reason", r.abortReason))
		return nil, true
	}
	r.suppressAdvance = true
	log := r.logger.With(zap.String("verb", verb), zap.Int("attempt", r.ensureRetries))
	reason := func(what string) action.Meta {
		return action.Delayed(step.Delay, fmt.Sprintf("quest_script:%s:%s", verb, what))
	}

	if at == other {
		if m := r.match(ctx, c.Image, shortcut); m != nil {
			log.Info("Tapping navigation shortcut", zap.String("landmark", shortcut))
			return []action.Action{action.Tap{Meta: reason("shortcut"), X: m.Center.X, Y: m.Center.Y}}, true
		}
	}
	for _, lm := range []struct{ name, what string }{
		{LandmarkBackArrow, "back_arrow"},
		{LandmarkCloseX, "close_x"},
	} {
		if m := r.match(ctx, c.Image, lm.name); m != nil {
			log.Info("Tapping exit landmark", zap.String("landmark", lm.name))
			return []action.Action{action.Tap{Meta: reason(lm.what), X: m.Center.X, Y: m.Center.Y}}, true
		}
	}
	if r.ensureRetries >= ensureBlankAfter {
		log.Info("Tapping blank area")
		return []action.Action{action.Tap{Meta: reason("tap_blank"), X: blankArea.X, Y: blankArea.Y}}, true
	}
	log.Info("Pressing back")
	return []action.Action{action.KeyEvent{Meta: reason("back_key"), Code: device.KeyBack}}, true
}

func (r *Runner) match(ctx context.Context, img image.Image, name string) *vision.LandmarkMatch {
	m, err := r.svc.MatchLandmark(ctx, img, name)
	if err != nil {
		r.logger.Debug("Landmark match failed", zap.String("landmark", name), zap.Error(err))
		return nil
	}
	return m
}

func clampRect(r vision.Rect, w, h int) vision.Rect {
	return vision.Rect{
		X1: max(0, min(w, r.X1)),
		Y1: max(0, min(h, r.Y1)),
		X2: max(0, min(w, r.X2)),
		Y2: max(0, min(h, r.Y2)),
	}
}
