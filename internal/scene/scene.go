// Package scene turns a raw capture into a scene tag through a fixed,
// priority-ordered battery of tests.
package scene

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/vision"
)

// Tag names a scene.
type Tag string

const (
	MainHub   Tag = "main_hub"
	WorldView Tag = "world_view"
	Popup     Tag = "popup"
	Loading   Tag = "loading"
	Dialogue  Tag = "dialogue"
	Battle    Tag = "battle"
	Unknown   Tag = "unknown"
)

// BuiltinTags is every tag the classifier knows without a profile.
var BuiltinTags = []Tag{MainHub, WorldView, Popup, Loading, Dialogue, Battle, Unknown}

// Landmarks the waterfall looks for.
const (
	LandmarkHub      = "scenes/main_hub"
	LandmarkWorld    = "scenes/world_view"
	LandmarkChevron  = "icons/dialogue_chevron"
	CategoryScenes   = "scenes"
	CategoryButtons  = "buttons"
	DefaultDecisive  = 0.8
	anchorConfidence = 0.5
)

// Result is one classification. Confidence always has an entry for every
// known tag.
type Result struct {
	Scene      Tag
	Confidence map[Tag]float64
}

func (r Result) String() string {
	return fmt.Sprintf("%s(%.2f)", r.Scene, r.Confidence[r.Scene])
}

// Classifier runs the waterfall. It never touches the device.
type Classifier struct {
	svc      vision.Service
	decisive float64
	tags     []Tag
	overlays []overlay
	logger   *zap.Logger
}

type overlay struct {
	landmark string
	tag      Tag
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithDecisive sets the confidence floor for landmark tests.
func WithDecisive(v float64) Option {
	return func(c *Classifier) {
		if v > 0 {
			c.decisive = v
		}
	}
}

// WithOverlays registers modal landmarks that declare their own scene.
func WithOverlays(m map[string]string) Option {
	return func(c *Classifier) {
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.overlays = append(c.overlays, overlay{landmark: name, tag: Tag(m[name])})
			c.addTag(Tag(m[name]))
		}
	}
}

// WithTags adds domain scene tags so they appear in every confidence map.
func WithTags(tags ...string) Option {
	return func(c *Classifier) {
		for _, t := range tags {
			c.addTag(Tag(t))
		}
	}
}

// NewClassifier builds a classifier over svc.
func NewClassifier(svc vision.Service, logger *zap.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		svc:      svc,
		decisive: DefaultDecisive,
		tags:     append([]Tag(nil), BuiltinTags...),
		logger:   logger.Named("scene"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) addTag(t Tag) {
	if t == "" {
		return
	}
	for _, existing := range c.tags {
		if existing == t {
			return
		}
	}
	c.tags = append(c.tags, t)
}

// Tags returns the known tags.
func (c *Classifier) Tags() []Tag { return append([]Tag(nil), c.tags...) }

// Classify assigns exactly one tag to img. The first decisive test wins.
func (c *Classifier) Classify(ctx context.Context, img image.Image) Result {
	scores := make(map[Tag]float64, len(c.tags))
	for _, t := range c.tags {
		scores[t] = 0
	}
	tag := c.waterfall(ctx, img, scores)
	res := Result{Scene: tag, Confidence: scores}
	c.logger.Debug("Scene classified", zap.String("scene", string(tag)), zap.Float64("confidence", scores[tag]))
	return res
}

func (c *Classifier) waterfall(ctx context.Context, img image.Image, scores map[Tag]float64) Tag {
	// 1. Overlay: bright center framed by a darkened border.
	center := vision.Luminance(img, vision.CenterRect(img)).Mean
	border := vision.BorderLuminance(img, 0.10)
	if center > 50 && border < 0.5*center {
		if m := c.closeLandmark(ctx, img); m != nil {
			scores[Popup] = max(0.9, m.Confidence)
			return Popup
		}
		scores[Popup] = 0.7
	}

	// 2. Modal landmarks.
	for _, o := range c.overlays {
		m := c.match(ctx, img, o.landmark)
		if m != nil && m.Confidence >= c.decisive {
			scores[o.tag] = max(scores[o.tag], m.Confidence)
			return o.tag
		}
	}

	// 3. Uniformity.
	stats := vision.Luminance(img, img.Bounds())
	if stats.StdDev < 20 {
		scores[Loading] = 0.8
		return Loading
	}
	if stats.Mean < 30 || stats.Mean > 240 {
		scores[Loading] = 0.6
		return Loading
	}

	// 4. Narrative chevron.
	if m := c.match(ctx, img, LandmarkChevron); m != nil && m.Confidence >= c.decisive {
		scores[Dialogue] = m.Confidence
		return Dialogue
	}

	// 5. Anchored corner.
	if tag, conf := c.anchored(ctx, img); tag != "" {
		scores[tag] = conf
		return tag
	}

	// 6. Full-frame sweep.
	if tag := c.sweep(ctx, img, scores); tag != "" {
		return tag
	}

	return Unknown
}

func (c *Classifier) match(ctx context.Context, img image.Image, name string) *vision.LandmarkMatch {
	m, err := c.svc.MatchLandmark(ctx, img, name)
	if err != nil {
		c.logger.Debug("Landmark match failed", zap.String("landmark", name), zap.Error(err))
		return nil
	}
	return m
}

func (c *Classifier) closeLandmark(ctx context.Context, img image.Image) *vision.LandmarkMatch {
	all, err := c.svc.MatchAllLandmarks(ctx, img, CategoryButtons)
	if err != nil {
		c.logger.Debug("Button sweep failed", zap.Error(err))
		return nil
	}
	var closers []vision.LandmarkMatch
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Name), "close") {
			closers = append(closers, m)
		}
	}
	return vision.Best(closers)
}

// anchorRegion is the bottom-right corner carrying the hub/world toggle.
func anchorRegion(img image.Image) vision.Rect {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	return vision.Rect{X1: int(w * 0.78), Y1: int(h * 0.85), X2: b.Dx(), Y2: b.Dy()}
}

func (c *Classifier) anchored(ctx context.Context, img image.Image) (Tag, float64) {
	crop := vision.SubImage(img, anchorRegion(img))
	for _, candidate := range []struct {
		landmark string
		tag      Tag
	}{{LandmarkHub, MainHub}, {LandmarkWorld, WorldView}} {
		m := c.match(ctx, crop, candidate.landmark)
		if m != nil && m.Confidence >= anchorConfidence {
			return candidate.tag, m.Confidence
		}
	}
	return "", 0
}

// Anchored runs only the corner test. Scripts use it to confirm where they
// are without paying for the full waterfall.
func (c *Classifier) Anchored(ctx context.Context, img image.Image) Tag {
	tag, _ := c.anchored(ctx, img)
	if tag == "" {
		return Unknown
	}
	return tag
}

func (c *Classifier) sweep(ctx context.Context, img image.Image, scores map[Tag]float64) Tag {
	all, err := c.svc.MatchAllLandmarks(ctx, img, CategoryScenes)
	if err != nil {
		c.logger.Debug("Scene sweep failed", zap.Error(err))
		return ""
	}
	for _, m := range all {
		for _, t := range c.tags {
			if t == Unknown {
				continue
			}
			if strings.Contains(m.Name, string(t)) {
				scores[t] = max(scores[t], m.Confidence)
			}
		}
	}
	var (
		best      Tag
		bestScore float64
	)
	for _, t := range c.tags {
		if scores[t] > bestScore {
			best, bestScore = t, scores[t]
		}
	}
	if bestScore >= c.decisive {
		return best
	}
	return ""
}
