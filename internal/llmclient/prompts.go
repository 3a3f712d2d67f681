package llmclient

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/questpilot/internal/tasks"
)

const actionFormat = `Actions are flat JSON objects with a "type" field:
  {"type": "tap", "x": 540, "y": 960}
  {"type": "tap", "target_text": "Upgrade"}
  {"type": "tap_landmark", "name": "buttons/close_x"}
  {"type": "swipe", "x1": 540, "y1": 1400, "x2": 540, "y2": 600, "duration_ms": 300}
  {"type": "wait", "seconds": 1}
  {"type": "key_event", "keycode": 4}
  {"type": "find_building", "building_name": "Barracks"}
Any action may carry "delay" (seconds) and "reason".`

func strategicPrompt() string {
	return fmt.Sprintf(`You advise a bot playing a mobile strategy game.
You receive a screenshot of the game and a summary of the bot's state.
Produce a prioritized task plan.

Rules:
- Output ONLY valid JSON with no markdown fences and no text outside the JSON.
- Each task name must be one of: %s.
- A "custom" task carries an "actions" array.
- Prefer immediate rewards, then building upgrades, then troop training, then exploration.
- Produce at most %d tasks.

%s

Output format:
{
  "reasoning": "short explanation",
  "tasks": [
    {"name": "claim_rewards", "priority": 10, "params": {}},
    {"name": "upgrade_building", "priority": 8, "params": {"building_name": "Barracks"}},
    {"name": "custom", "priority": 5, "params": {}, "actions": [{"type": "tap", "target_text": "Upgrade"}]}
  ]
}`, strings.Join(tasks.KnownTasks(), ", "), maxPlanTasks, actionFormat)
}

func unknownScenePrompt() string {
	return `You advise a bot playing a mobile strategy game.
The screenshot shows a screen the bot did not recognize.
Suggest 1 to 5 actions that lead back to a known screen.

Rules:
- Output ONLY valid JSON with no markdown fences.
- Prefer safe actions: close buttons, back buttons, confirm buttons.

` + actionFormat + `

Output format:
{
  "scene_description": "what is on screen",
  "actions": [{"type": "tap", "target_text": "Close"}]
}`
}

func questPrompt(label string) string {
	return fmt.Sprintf(`You advise a bot playing a mobile strategy game.
The bot is working on the quest %q.
Suggest 1 to 5 actions that progress or complete it.

Rules:
- Output ONLY valid JSON with no markdown fences and no text outside the JSON.
- If the quest looks complete, suggest actions that return to the home screen.
- Prefer minimal actions: visible buttons and on-screen prompts.

%s

Output format:
{
  "scene_description": "what is on screen",
  "quest_status": "in_progress | completed | unclear",
  "actions": [{"type": "tap", "target_text": "Go"}, {"type": "key_event", "keycode": 4}]
}`, label, actionFormat)
}
