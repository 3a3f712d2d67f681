// Package profile loads the per-game description the agent runs against:
// landmark catalogs, text patterns, quest scripts, navigation paths and the
// city layout.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/questpilot/internal/action"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PopupPair identifies a dismissible popup by a content landmark and names
// the landmark that closes it.
type PopupPair struct {
	Identifier string `yaml:"identifier" json:"identifier"`
	Close      string `yaml:"close" json:"close"`
}

// ScriptSpec is a quest script as written in the profile. Steps stay
// untyped here; the quest package parses them.
type ScriptSpec struct {
	Pattern     string           `yaml:"pattern" json:"pattern"`
	Description string           `yaml:"description" json:"description"`
	Steps       []map[string]any `yaml:"steps" json:"steps"`
}

// LayoutSpec locates the city grid. Table holds an inline markdown grid;
// File points at one on disk. Table wins when both are set.
type LayoutSpec struct {
	ReferenceBuilding string `yaml:"reference_building" json:"reference_building"`
	PixelsPerUnit     int    `yaml:"pixels_per_unit" json:"pixels_per_unit"`
	Table             string `yaml:"table" json:"table"`
	File              string `yaml:"file" json:"file"`
}

// Profile is everything game-specific.
type Profile struct {
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Package     string `yaml:"package" json:"package"`

	DefaultResources map[string]int      `yaml:"default_resources" json:"default_resources"`
	ResourceKeywords map[string][]string `yaml:"resource_keywords" json:"resource_keywords"`

	// Scenes lists domain scene tags beyond the built-in ones.
	Scenes []string `yaml:"scenes" json:"scenes"`
	// OverlayLandmarks maps a modal landmark to the scene it declares.
	OverlayLandmarks map[string]string `yaml:"overlay_landmarks" json:"overlay_landmarks"`
	KnownTasks       []string          `yaml:"known_tasks" json:"known_tasks"`

	ReasoningDescription string `yaml:"llm_game_description" json:"llm_game_description"`
	ReasoningTaskTypes   string `yaml:"llm_task_types" json:"llm_task_types"`

	KnownPopups     []PopupPair `yaml:"known_popups" json:"known_popups"`
	RewardLandmarks []string    `yaml:"reward_templates" json:"reward_templates"`
	CloseTexts      []string    `yaml:"close_text_patterns" json:"close_text_patterns"`
	ClaimTexts      []string    `yaml:"claim_text_patterns" json:"claim_text_patterns"`

	ActionButtonLandmarks []string `yaml:"action_button_templates" json:"action_button_templates"`
	ActionButtonTexts     []string `yaml:"action_button_texts" json:"action_button_texts"`
	RapidTapTexts         []string `yaml:"rapid_tap_texts" json:"rapid_tap_texts"`

	PopupCloseLandmarks []string `yaml:"popup_close_templates" json:"popup_close_templates"`
	PopupCloseTexts     []string `yaml:"popup_close_texts" json:"popup_close_texts"`
	HubTexts            []string `yaml:"hub_texts" json:"hub_texts"`
	SkipTexts           []string `yaml:"skip_texts" json:"skip_texts"`
	VerifyClaimTexts    []string `yaml:"verify_claim_texts" json:"verify_claim_texts"`

	// PointerConfidence overrides quest.pointer_confidence when positive.
	PointerConfidence float64           `yaml:"finger_ncc_threshold" json:"finger_ncc_threshold"`
	TextCorrections   map[string]string `yaml:"ocr_corrections" json:"ocr_corrections"`

	QuestScripts []ScriptSpec                `yaml:"quest_scripts" json:"quest_scripts"`
	NavPaths     map[string][]map[string]any `yaml:"navigation_paths" json:"navigation_paths"`
	CityLayout   LayoutSpec                  `yaml:"city_layout" json:"city_layout"`

	dir string
}

// Default returns the built-in profile used when no file is configured.
func Default() *Profile {
	p := &Profile{Name: "default"}
	p.applyDefaults()
	return p
}

// Load reads a YAML (or JSON) profile. Empty catalogs fall back to the
// built-in defaults.
func Load(path string) (*Profile, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand profile path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", expanded, err)
	}
	p.dir = filepath.Dir(expanded)
	return p, nil
}

// Parse decodes profile bytes.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.applyDefaults()
	return &p, nil
}

// Validate rejects profiles the agent cannot run with.
func (p *Profile) Validate() error {
	var errs []error
	for i, s := range p.QuestScripts {
		if s.Pattern == "" {
			errs = append(errs, fmt.Errorf("quest_scripts[%d]: pattern is required", i))
		}
		if len(s.Steps) == 0 {
			errs = append(errs, fmt.Errorf("quest_scripts[%d]: at least one step is required", i))
		}
	}
	for i, pp := range p.KnownPopups {
		if pp.Identifier == "" || pp.Close == "" {
			errs = append(errs, fmt.Errorf("known_popups[%d]: identifier and close are required", i))
		}
	}
	if p.PointerConfidence < 0 || p.PointerConfidence > 1 {
		errs = append(errs, errors.New("finger_ncc_threshold must be between 0.0 and 1.0"))
	}
	return errors.Join(errs...)
}

// LayoutPath resolves the layout file relative to the profile directory.
func (p *Profile) LayoutPath() string {
	f := p.CityLayout.File
	if f == "" || filepath.IsAbs(f) || p.dir == "" {
		return f
	}
	return filepath.Join(p.dir, f)
}

// NavigationPaths decodes the configured paths into actions.
func (p *Profile) NavigationPaths() (map[string][]action.Action, error) {
	out := make(map[string][]action.Action, len(p.NavPaths))
	var errs []error
	for name, steps := range p.NavPaths {
		raw, err := json.Marshal(steps)
		if err != nil {
			errs = append(errs, fmt.Errorf("navigation path %q: %w", name, err))
			continue
		}
		actions, err := action.UnmarshalList(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("navigation path %q: %w", name, err))
		}
		out[name] = actions
	}
	return out, errors.Join(errs...)
}

// SceneTags returns the profile's domain scenes plus those declared by
// overlay landmarks.
func (p *Profile) SceneTags() []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	for _, s := range p.Scenes {
		add(s)
	}
	for _, s := range p.OverlayLandmarks {
		add(s)
	}
	return tags
}
