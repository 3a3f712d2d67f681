// Package state holds the single mutable record the agent carries between
// iterations. Every field has exactly one writer; the comment on each
// setter names it.
package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/questpilot/internal/scene"
)

// HistoryLimit bounds the recent-action ring.
const HistoryLimit = 20

// Idle is the workflow phase name meaning no workflow is running.
const Idle = "idle"

// ActionRecord is one executed action in the history.
type ActionRecord struct {
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail"`
	Status  string    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
	Changed bool      `json:"scene_changed"`
}

// QuestBarMirror is the last quest bar reading taken on the hub.
type QuestBarMirror struct {
	Visible          bool   `json:"visible"`
	Label            string `json:"label"`
	HasPendingReward bool   `json:"has_pending_reward"`
	Completable      bool   `json:"completable"`
	PointerVisible   bool   `json:"pointer_visible"`
}

// data is the persisted shape: flat and JSON-friendly.
type data struct {
	Scene          scene.Tag            `json:"scene"`
	Resources      map[string]int       `json:"resources"`
	Buildings      map[string]int       `json:"buildings"`
	WorkflowPhase  string               `json:"workflow_phase"`
	WorkflowTarget string               `json:"workflow_target"`
	Cooldowns      map[string]time.Time `json:"cooldowns"`
	QuestBar       QuestBarMirror       `json:"quest_bar"`
	LoopCount      int                  `json:"loop_count"`
	LastConsult    time.Time            `json:"last_consult"`
	Recoveries     int                  `json:"recoveries"`
	RecentActions  []ActionRecord       `json:"recent_actions"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Snapshot is passed explicitly to every component. The loop goroutine is
// the only mutator; the mutex covers readers such as persistence.
type Snapshot struct {
	mu sync.RWMutex
	d  data
}

// New returns an idle snapshot seeded with default resources.
func New(defaultResources map[string]int) *Snapshot {
	s := &Snapshot{d: data{
		Scene:         scene.Unknown,
		Resources:     make(map[string]int, len(defaultResources)),
		Buildings:     map[string]int{},
		WorkflowPhase: Idle,
		Cooldowns:     map[string]time.Time{},
	}}
	for k, v := range defaultResources {
		s.d.Resources[k] = v
	}
	return s
}

// --- Readers ---

func (s *Snapshot) Scene() scene.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Scene
}

func (s *Snapshot) Workflow() (phase, target string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.WorkflowPhase, s.d.WorkflowTarget
}

// WorkflowActive reports whether a workflow phase other than idle is set.
func (s *Snapshot) WorkflowActive() bool {
	phase, _ := s.Workflow()
	return phase != "" && phase != Idle
}

func (s *Snapshot) QuestBar() QuestBarMirror {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.QuestBar
}

func (s *Snapshot) LoopCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.LoopCount
}

func (s *Snapshot) LastConsult() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.LastConsult
}

func (s *Snapshot) Recoveries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Recoveries
}

func (s *Snapshot) Resource(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Resources[name]
}

func (s *Snapshot) BuildingLevel(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Buildings[name]
}

// InCooldown reports whether label was aborted recently.
func (s *Snapshot) InCooldown(label string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.d.Cooldowns[label]
	return ok && now.Before(until)
}

// RecentActions returns the history, oldest first.
func (s *Snapshot) RecentActions() []ActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ActionRecord(nil), s.d.RecentActions...)
}

// --- Writers ---

// SetScene is written by the main loop after classification.
func (s *Snapshot) SetScene(t scene.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Scene = t
	s.d.UpdatedAt = time.Now()
}

// SetWorkflow is written by the quest workflow only.
func (s *Snapshot) SetWorkflow(phase, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.WorkflowPhase = phase
	s.d.WorkflowTarget = target
}

// SetCooldown is written by the quest workflow on abort.
func (s *Snapshot) SetCooldown(label string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Cooldowns[label] = until
}

// PruneCooldowns drops expired entries. Written by the quest workflow.
func (s *Snapshot) PruneCooldowns(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, until := range s.d.Cooldowns {
		if !now.Before(until) {
			delete(s.d.Cooldowns, k)
		}
	}
}

// SetQuestBar is written by the main loop while on the hub.
func (s *Snapshot) SetQuestBar(q QuestBarMirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.QuestBar = q
}

// IncLoop is written by the main loop once per iteration.
func (s *Snapshot) IncLoop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.LoopCount++
	return s.d.LoopCount
}

// MarkConsulted is written by the arbiter's reasoning branch.
func (s *Snapshot) MarkConsulted(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.LastConsult = at
}

// SetRecoveries is written by the main loop from the recovery tracker.
func (s *Snapshot) SetRecoveries(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Recoveries = n
}

// SetResource is written by the reasoning-derived task handlers.
func (s *Snapshot) SetResource(name string, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Resources[name] = amount
}

// SetBuildingLevel is written by the reasoning-derived task handlers.
func (s *Snapshot) SetBuildingLevel(name string, level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Buildings[name] = level
}

// RecordAction is written by the action pipeline.
func (s *Snapshot) RecordAction(r ActionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.RecentActions = append(s.d.RecentActions, r)
	if over := len(s.d.RecentActions) - HistoryLimit; over > 0 {
		s.d.RecentActions = append([]ActionRecord(nil), s.d.RecentActions[over:]...)
	}
}

// Summary renders the snapshot for the reasoning service.
func (s *Snapshot) Summary(pendingTasks []string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Scene: %s\n", s.d.Scene)
	fmt.Fprintf(&b, "Resources: %s\n", formatCounts(s.d.Resources))
	fmt.Fprintf(&b, "Buildings: %s\n", formatCounts(s.d.Buildings))
	q := s.d.QuestBar
	if q.Visible {
		fmt.Fprintf(&b, "Quest bar: %q (reward=%t, completable=%t)\n", q.Label, q.HasPendingReward, q.Completable)
	} else {
		b.WriteString("Quest bar: not visible\n")
	}
	if s.d.WorkflowPhase != "" && s.d.WorkflowPhase != Idle {
		fmt.Fprintf(&b, "Workflow: %s -> %q\n", s.d.WorkflowPhase, s.d.WorkflowTarget)
	}
	if len(pendingTasks) > 0 {
		fmt.Fprintf(&b, "Pending tasks: %s\n", strings.Join(pendingTasks, ", "))
	} else {
		b.WriteString("Pending tasks: none\n")
	}
	if n := len(s.d.RecentActions); n > 0 {
		start := max(0, n-5)
		details := make([]string, 0, n-start)
		for _, r := range s.d.RecentActions[start:] {
			details = append(details, fmt.Sprintf("%s[%s]", r.Detail, r.Status))
		}
		fmt.Fprintf(&b, "Recent actions: %s\n", strings.Join(details, ", "))
	}
	fmt.Fprintf(&b, "Loop: %d", s.d.LoopCount)
	return b.String()
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "unknown"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ", ")
}
