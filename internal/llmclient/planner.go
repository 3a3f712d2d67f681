package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/tasks"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxImageSide bounds the long side of captures sent to the model.
const maxImageSide = 1024

// maxPlanTasks caps how many tasks one consult may enqueue.
const maxPlanTasks = 10

// PlannerOption customizes a Planner.
type PlannerOption func(*Planner)

// WithSummary attaches a state summary to the scene analysis prompts.
func WithSummary(summary func() string) PlannerOption {
	return func(p *Planner) { p.summary = summary }
}

// WithGame prefixes every system prompt with a description of the game.
func WithGame(description string) PlannerOption {
	return func(p *Planner) { p.game = strings.TrimSpace(description) }
}

// Planner turns captures into task plans and action suggestions.
type Planner struct {
	gen     Generator
	summary func() string
	game    string
	logger  *zap.Logger
}

// NewPlanner wraps a Generator.
func NewPlanner(gen Generator, logger *zap.Logger, opts ...PlannerOption) *Planner {
	p := &Planner{gen: gen, logger: logger.Named("llm_planner")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type planReply struct {
	Reasoning string `json:"reasoning"`
	Tasks     []struct {
		Name     string              `json:"name"`
		Priority *int                `json:"priority"`
		Params   map[string]any      `json:"params"`
		Actions  jsoniter.RawMessage `json:"actions"`
	} `json:"tasks"`
}

type sceneReply struct {
	SceneDescription string              `json:"scene_description"`
	QuestStatus      string              `json:"quest_status"`
	Actions          jsoniter.RawMessage `json:"actions"`
}

// Consult asks for a strategic plan given the current capture and a state
// summary. Tasks without a priority are ranked by position.
func (p *Planner) Consult(ctx context.Context, img image.Image, summary string) ([]tasks.Task, error) {
	user := fmt.Sprintf("Current game state:\n%s\n\nAnalyze the screenshot and produce a task plan.", summary)
	raw, err := p.ask(ctx, "consult", strategicPrompt(), user, img)
	if err != nil {
		return nil, err
	}
	var reply planReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if reply.Reasoning != "" {
		p.logger.Info("Model reasoning", zap.String("reasoning", reply.Reasoning))
	}

	out := make([]tasks.Task, 0, len(reply.Tasks))
	for i, t := range reply.Tasks {
		if i == maxPlanTasks {
			p.logger.Warn("Plan truncated", zap.Int("proposed", len(reply.Tasks)))
			break
		}
		name := t.Name
		if name == "" {
			name = tasks.TaskCustom
		}
		priority := 5 - i
		if t.Priority != nil {
			priority = *t.Priority
		}
		task := tasks.Task{Name: name, Priority: priority, Params: t.Params}
		if len(t.Actions) > 0 && string(t.Actions) != "null" {
			task.Actions = t.Actions
		}
		out = append(out, task)
	}
	p.logger.Info("Plan received", zap.Int("tasks", len(out)))
	return out, nil
}

// AnalyzeQuestExecution asks for actions that progress the named quest.
func (p *Planner) AnalyzeQuestExecution(ctx context.Context, img image.Image, label string) ([]action.Action, error) {
	user := fmt.Sprintf("%sI am executing the quest %q. What should I tap to progress or complete it?", p.stateBlock(), label)
	return p.sceneActions(ctx, "quest_execution", questPrompt(label), user, img)
}

// AnalyzeUnknownScene asks for actions that lead back to a known screen.
func (p *Planner) AnalyzeUnknownScene(ctx context.Context, img image.Image) ([]action.Action, error) {
	user := p.stateBlock() + "This screen was not recognized. What do you see and how should I leave it?"
	return p.sceneActions(ctx, "unknown_scene", unknownScenePrompt(), user, img)
}

func (p *Planner) stateBlock() string {
	if p.summary == nil {
		return ""
	}
	return "Current game state:\n" + p.summary() + "\n\n"
}

func (p *Planner) sceneActions(ctx context.Context, kind, system, user string, img image.Image) ([]action.Action, error) {
	raw, err := p.ask(ctx, kind, system, user, img)
	if err != nil {
		return nil, err
	}
	var reply sceneReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode %s reply: %w", kind, err)
	}
	if reply.SceneDescription != "" {
		p.logger.Info("Model scene description",
			zap.String("kind", kind),
			zap.String("description", reply.SceneDescription),
			zap.String("quest_status", reply.QuestStatus))
	}
	if len(reply.Actions) == 0 || string(reply.Actions) == "null" {
		return nil, nil
	}
	actions, err := action.UnmarshalList(reply.Actions)
	if err != nil {
		// Keep whatever decoded.
		p.logger.Warn("Dropped malformed suggested actions", zap.String("kind", kind), zap.Error(err))
	}
	return actions, nil
}

func (p *Planner) ask(ctx context.Context, kind, system, user string, img image.Image) ([]byte, error) {
	var shot []byte
	if img != nil {
		var err error
		if shot, err = EncodeImage(img); err != nil {
			return nil, err
		}
	}
	if p.game != "" {
		system = "Game: " + p.game + "\n\n" + system
	}
	start := time.Now()
	text, err := p.gen.Generate(ctx, Request{SystemPrompt: system, UserPrompt: user, Image: shot, JSON: true})
	if err != nil {
		p.logger.Error("Reasoning request failed", zap.String("kind", kind), zap.Error(err))
		return nil, fmt.Errorf("%s request failed: %w", kind, err)
	}
	p.logger.Debug("Reasoning reply",
		zap.String("kind", kind),
		zap.Duration("duration", time.Since(start)),
		zap.String("reply", truncate(text, 500)))
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%s reply: %w", kind, err)
	}
	return raw, nil
}

// ExtractJSON recovers a JSON object from a model reply: the whole text,
// then any fenced block, then the outermost braces.
func ExtractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) {
		return []byte(text), nil
	}
	if strings.Contains(text, "```") {
		for _, part := range strings.Split(text, "```") {
			part = strings.TrimSpace(part)
			part = strings.TrimSpace(strings.TrimPrefix(part, "json"))
			if part != "" && json.Valid([]byte(part)) {
				return []byte(part), nil
			}
		}
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start != -1 && end > start {
		if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	return nil, ErrInvalidJSON
}

// EncodeImage downscales img so its long side is at most 1024 px and
// encodes it as PNG.
func EncodeImage(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, downscale(img, maxImageSide)); err != nil {
		return nil, fmt.Errorf("failed to encode capture: %w", err)
	}
	return buf.Bytes(), nil
}

// downscale resizes with nearest-neighbor sampling.
func downscale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	long := max(w, h)
	if long <= maxSide {
		return img
	}
	nw, nh := w*maxSide/long, h*maxSide/long
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		sy := b.Min.Y + y*h/nh
		for x := 0; x < nw; x++ {
			dst.Set(x, y, img.At(b.Min.X+x*w/nw, sy))
		}
	}
	return dst
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
