package tasks

import (
	"context"
	"fmt"
	"image"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// Task names the rule engine plans without the reasoning service.
const (
	TaskCollectResources   = "collect_resources"
	TaskUpgradeBuilding    = "upgrade_building"
	TaskTrainTroops        = "train_troops"
	TaskClaimRewards       = "claim_rewards"
	TaskNavigateMainHub    = "navigate_main_hub"
	TaskNavigateWorldView  = "navigate_world_view"
	TaskClosePopup         = "close_popup"
	TaskCheckMail          = "check_mail"
	TaskCollectDaily       = "collect_daily"
	TaskCustom             = "custom"
	legacyNavigateMainCity = "navigate_main_city"
	legacyNavigateWorldMap = "navigate_world_map"
)

// planner expands one task against the current frame.
type planner func(e *Engine, ctx context.Context, t *Task, img image.Image, current scene.Tag) []action.Action

var planners = map[string]planner{
	TaskCollectResources:   (*Engine).planCollectResources,
	TaskUpgradeBuilding:    (*Engine).planUpgradeBuilding,
	TaskTrainTroops:        (*Engine).planTrainTroops,
	TaskClaimRewards:       (*Engine).planClaimRewards,
	TaskNavigateMainHub:    (*Engine).planNavigateMainHub,
	TaskNavigateWorldView:  (*Engine).planNavigateWorldView,
	TaskClosePopup:         (*Engine).planClosePopup,
	TaskCheckMail:          (*Engine).planCheckMail,
	TaskCollectDaily:       (*Engine).planCollectDaily,
	legacyNavigateMainCity: (*Engine).planNavigateMainHub,
	legacyNavigateWorldMap: (*Engine).planNavigateWorldView,
}

// KnownTasks lists the task names the engine can plan, sorted.
func KnownTasks() []string {
	names := make([]string, 0, len(planners)+1)
	for name := range planners {
		names = append(names, name)
	}
	names = append(names, TaskCustom)
	sort.Strings(names)
	return names
}

// Engine maps task names to deterministic action plans.
type Engine struct {
	svc      vision.Service
	navPaths map[string][]action.Action
	logger   *zap.Logger
}

// NewEngine builds a rule engine. navPaths may be nil.
func NewEngine(svc vision.Service, navPaths map[string][]action.Action, logger *zap.Logger) *Engine {
	if navPaths == nil {
		navPaths = map[string][]action.Action{}
	}
	return &Engine{svc: svc, navPaths: navPaths, logger: logger.Named("rule_engine")}
}

// CanHandle reports whether t has a rule, or carries its own actions.
func (e *Engine) CanHandle(t *Task) bool {
	if t.Name == TaskCustom || len(t.Actions) > 0 {
		return true
	}
	_, ok := planners[t.Name]
	return ok
}

// NavPath returns a configured navigation path.
func (e *Engine) NavPath(name string) ([]action.Action, bool) {
	p, ok := e.navPaths[name]
	return p, ok
}

// Plan expands t into actions. An empty plan means the rule found nothing
// to do on this frame.
func (e *Engine) Plan(ctx context.Context, t *Task, img image.Image, current scene.Tag) ([]action.Action, error) {
	if len(t.Actions) > 0 {
		actions, err := t.Inline()
		if err != nil {
			return actions, fmt.Errorf("task %q carries invalid actions: %w", t.Name, err)
		}
		return actions, nil
	}
	plan, ok := planners[t.Name]
	if !ok {
		return nil, fmt.Errorf("no rule for task %q", t.Name)
	}
	actions := plan(e, ctx, t, img, current)
	e.logger.Info("Planned task",
		zap.String("task", t.Name),
		zap.Int("actions", len(actions)))
	return actions, nil
}

func (e *Engine) landmark(ctx context.Context, img image.Image, name string) *vision.LandmarkMatch {
	m, err := e.svc.MatchLandmark(ctx, img, name)
	if err != nil {
		e.logger.Debug("Landmark lookup failed", zap.String("landmark", name), zap.Error(err))
		return nil
	}
	return m
}

// text returns the first of the candidates found on the frame.
func (e *Engine) text(ctx context.Context, img image.Image, candidates ...string) (*vision.TextMatch, string) {
	for _, c := range candidates {
		m, err := e.svc.FindText(ctx, img, c)
		if err != nil {
			e.logger.Debug("Text lookup failed", zap.String("text", c), zap.Error(err))
			continue
		}
		if m != nil {
			return m, c
		}
	}
	return nil, ""
}

func tapAt(p vision.Point, delay time.Duration, reason string) action.Action {
	return action.Tap{Meta: action.Delayed(delay, reason), X: p.X, Y: p.Y}
}

func (e *Engine) appendPath(actions []action.Action, name string) []action.Action {
	if path, ok := e.navPaths[name]; ok {
		actions = append(actions, path...)
	}
	return actions
}

func (e *Engine) planCollectResources(ctx context.Context, _ *Task, img image.Image, _ scene.Tag) []action.Action {
	var actions []action.Action
	for _, res := range []string{"food", "wood", "stone", "gold"} {
		if m := e.landmark(ctx, img, "resources/"+res); m != nil {
			actions = append(actions, tapAt(m.Center, 300*time.Millisecond, "collect_"+res))
		}
	}
	if len(actions) == 0 {
		actions = e.appendPath(actions, TaskCollectResources)
	}
	return actions
}

func (e *Engine) planUpgradeBuilding(ctx context.Context, t *Task, img image.Image, _ scene.Tag) []action.Action {
	var actions []action.Action
	if name := t.Param("building_name"); name != "" {
		actions = e.appendPath(actions, "building_"+name)
		if m, _ := e.text(ctx, img, name); m != nil {
			actions = append(actions, tapAt(m.Center, time.Second, "select_building:"+name))
		}
	}
	if m, _ := e.text(ctx, img, "升级", "upgrade"); m != nil {
		actions = append(actions,
			tapAt(m.Center, time.Second, "tap_upgrade_button"),
			action.WaitSeconds{Duration: 500 * time.Millisecond},
		)
	}
	return actions
}

func (e *Engine) planTrainTroops(ctx context.Context, _ *Task, img image.Image, _ scene.Tag) []action.Action {
	actions := e.appendPath(nil, "barracks")
	if m, _ := e.text(ctx, img, "训练", "train"); m != nil {
		actions = append(actions, tapAt(m.Center, time.Second, "tap_train_button"))
	}
	return actions
}

func (e *Engine) planClaimRewards(ctx context.Context, _ *Task, img image.Image, _ scene.Tag) []action.Action {
	if m, text := e.text(ctx, img, "领取", "claim", "collect", "收集"); m != nil {
		return []action.Action{tapAt(m.Center, 500*time.Millisecond, "claim_reward:"+text)}
	}
	return nil
}

func (e *Engine) planNavigateMainHub(ctx context.Context, _ *Task, img image.Image, current scene.Tag) []action.Action {
	if current == scene.MainHub {
		return nil
	}
	if m, _ := e.text(ctx, img, "城池", "home"); m != nil {
		return []action.Action{tapAt(m.Center, time.Second, "navigate_to_hub")}
	}
	return []action.Action{action.KeyEvent{Meta: action.Delayed(time.Second, "press_back_to_hub"), Code: device.KeyBack}}
}

func (e *Engine) planNavigateWorldView(ctx context.Context, _ *Task, img image.Image, current scene.Tag) []action.Action {
	if current == scene.WorldView {
		return nil
	}
	if m, _ := e.text(ctx, img, "世界", "world"); m != nil {
		return []action.Action{tapAt(m.Center, 1500*time.Millisecond, "navigate_to_world_view")}
	}
	return nil
}

// planClosePopup tries close landmarks, then multi-character close texts,
// then BACK. Single-character glyphs are left out of the text stage since
// they misfire on unrelated labels.
func (e *Engine) planClosePopup(ctx context.Context, _ *Task, img image.Image, _ scene.Tag) []action.Action {
	for _, name := range []string{"buttons/close", "buttons/close_x", "buttons/x", "buttons/cancel", "buttons/confirm", "buttons/ok"} {
		if m := e.landmark(ctx, img, name); m != nil {
			return []action.Action{tapAt(m.Center, 500*time.Millisecond, "close_popup:landmark:"+name)}
		}
	}
	if m, text := e.text(ctx, img, "关闭", "close", "确定", "取消", "cancel"); m != nil {
		return []action.Action{tapAt(m.Center, 500*time.Millisecond, "close_popup:text:"+text)}
	}
	e.logger.Info("No close control found, falling back to BACK")
	return []action.Action{action.KeyEvent{Meta: action.Delayed(500*time.Millisecond, "close_popup:back"), Code: device.KeyBack}}
}

func (e *Engine) planCheckMail(ctx context.Context, _ *Task, img image.Image, _ scene.Tag) []action.Action {
	if path, ok := e.navPaths["mail"]; ok {
		return append([]action.Action(nil), path...)
	}
	if m, _ := e.text(ctx, img, "邮件", "mail"); m != nil {
		return []action.Action{tapAt(m.Center, time.Second, "open_mail")}
	}
	return nil
}

func (e *Engine) planCollectDaily(ctx context.Context, _ *Task, img image.Image, _ scene.Tag) []action.Action {
	if m, text := e.text(ctx, img, "每日", "daily", "签到", "check-in"); m != nil {
		return []action.Action{tapAt(m.Center, time.Second, "collect_daily:"+text)}
	}
	return nil
}
