// File: internal/vision/questbar.go
package vision

import (
	"context"
	"image"
	"image/draw"
	"strings"

	"go.uber.org/zap"
)

// Landmark names the quest bar detector relies on.
const (
	LandmarkQuestScroll   = "icons/task_scroll"
	LandmarkPointer       = "icons/tutorial_finger"
	LandmarkPointerMirror = "icons/tutorial_finger_flip"
)

const (
	scrollYMin     = 0.82
	scrollYMax     = 0.92
	badgeMinPixels = 50
	checkMinPixels = 50
)

// Fingertip offset from the pointer template center. Mirrored pointers flip dx.
const (
	pointerTipDX = -65
	pointerTipDY = 100
)

// QuestBar is the per-frame reading of the hub's quest bar.
type QuestBar struct {
	Visible          bool
	ScrollIcon       Rect
	HasPendingReward bool
	Label            string
	LabelBBox        Rect
	Completable      bool

	PointerVisible    bool
	PointerTip        Point
	PointerMirrored   bool
	PointerConfidence float64
}

// QuestBarDetector reads the quest bar from a capture.
type QuestBarDetector struct {
	svc                  Service
	pointerMinConfidence float64
	logger               *zap.Logger
}

// NewQuestBarDetector builds a detector. Pointer matches below minConfidence
// are ignored.
func NewQuestBarDetector(svc Service, minConfidence float64, logger *zap.Logger) *QuestBarDetector {
	return &QuestBarDetector{svc: svc, pointerMinConfidence: minConfidence, logger: logger.Named("quest_bar")}
}

// Detect locates the scroll icon, reads the label to its right and checks
// the badge and completion markers. Recognition errors degrade to an
// invisible bar.
func (d *QuestBarDetector) Detect(ctx context.Context, img image.Image) QuestBar {
	var bar QuestBar
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scroll, err := d.svc.MatchLandmark(ctx, img, LandmarkQuestScroll)
	if err != nil || scroll == nil {
		return bar
	}
	yFrac := float64(scroll.Center.Y) / float64(h)
	if yFrac < scrollYMin || yFrac > scrollYMax {
		d.logger.Debug("Scroll icon outside quest bar band", zap.Float64("y_frac", yFrac))
		return bar
	}
	bar.Visible = true
	bar.ScrollIcon = scroll.BBox

	// Upper-right quadrant of the scroll icon.
	sb := scroll.BBox
	mid := sb.Center()
	badge := image.Rect(mid.X, sb.Y1, sb.X2, mid.Y).Add(b.Min)
	bar.HasPendingReward = CountHSV(img, badge, RedLow, RedHigh) >= badgeMinPixels

	d.readLabel(ctx, img, &bar)

	if bar.Label != "" {
		lb := bar.LabelBBox
		check := image.Rect(lb.X2, lb.Y1, min(lb.X2+lb.Height()*2, w), lb.Y2).Add(b.Min)
		bar.Completable = CountHSV(img, check, Green) >= checkMinPixels
	}

	if p := d.DetectPointer(ctx, img); p != nil {
		bar.PointerVisible = true
		bar.PointerTip = p.Tip
		bar.PointerMirrored = p.Mirrored
		bar.PointerConfidence = p.Confidence
	}
	return bar
}

func (d *QuestBarDetector) readLabel(ctx context.Context, img image.Image, bar *QuestBar) {
	b := img.Bounds()
	sb := bar.ScrollIcon
	pad := sb.Height() / 4
	region := Rect{
		X1: sb.X2,
		Y1: max(0, sb.Y1-pad),
		X2: int(float64(b.Dx()) * 0.90),
		Y2: min(b.Dy(), sb.Y2+pad),
	}
	if region.X2 <= region.X1 || region.Y2 <= region.Y1 {
		return
	}

	crop := SubImage(img, region)
	spans, err := d.svc.FindAllText(ctx, crop)
	if err != nil {
		d.logger.Warn("Quest bar OCR failed", zap.Error(err))
		return
	}
	if len(spans) == 0 {
		return
	}
	best := spans[0]
	for _, s := range spans[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	bar.Label = strings.TrimSpace(best.Text)
	bar.LabelBBox = best.BBox.Offset(region.X1, region.Y1)
}

// Pointer is a detected tutorial finger.
type Pointer struct {
	Tip        Point
	Mirrored   bool
	Confidence float64
}

// DetectPointer looks for the tutorial finger in either orientation and
// returns the more confident one, or nil.
func (d *QuestBarDetector) DetectPointer(ctx context.Context, img image.Image) *Pointer {
	var best *LandmarkMatch
	mirrored := false
	for _, name := range []string{LandmarkPointer, LandmarkPointerMirror} {
		m, err := d.svc.MatchLandmark(ctx, img, name)
		if err != nil || m == nil || m.Confidence < d.pointerMinConfidence {
			continue
		}
		if best == nil || m.Confidence > best.Confidence {
			best = m
			mirrored = name == LandmarkPointerMirror
		}
	}
	if best == nil {
		return nil
	}
	return &Pointer{Tip: PointerTip(best.Center, mirrored), Mirrored: mirrored, Confidence: best.Confidence}
}

// PointerTip converts a pointer template center to the fingertip.
func PointerTip(center Point, mirrored bool) Point {
	dx := pointerTipDX
	if mirrored {
		dx = -dx
	}
	return Point{X: center.X + dx, Y: center.Y + pointerTipDY}
}

// SubImage crops in screen coordinates. The result keeps the original
// coordinate space, so Bounds().Min is the crop origin.
func SubImage(img image.Image, r Rect) image.Image {
	rect := r.Image().Add(img.Bounds().Min).Intersect(img.Bounds())
	if si, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return si.SubImage(rect)
	}
	dst := image.NewRGBA(rect)
	draw.Draw(dst, rect, img, rect.Min, draw.Src)
	return dst
}
