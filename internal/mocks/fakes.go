package mocks

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// -- Static Vision --

// StaticVision answers recognition queries from a fixed table instead of
// pixels. Queries against a crop only see entries whose center falls inside
// the crop, reported relative to its top-left corner like a real engine.
type StaticVision struct {
	mu        sync.Mutex
	landmarks map[string]vision.LandmarkMatch
	texts     []vision.TextMatch
	calls     []string
}

var _ vision.Service = (*StaticVision)(nil)

func NewStaticVision() *StaticVision {
	return &StaticVision{landmarks: make(map[string]vision.LandmarkMatch)}
}

// SetLandmark places a 60x60 landmark centered at (x, y).
func (s *StaticVision) SetLandmark(name string, confidence float64, x, y int) *StaticVision {
	return s.SetLandmarkBox(name, confidence, vision.Rect{X1: x - 30, Y1: y - 30, X2: x + 30, Y2: y + 30})
}

// SetLandmarkBox places a landmark with an explicit bounding box.
func (s *StaticVision) SetLandmarkBox(name string, confidence float64, box vision.Rect) *StaticVision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.landmarks[name] = vision.LandmarkMatch{Name: name, Confidence: confidence, Center: box.Center(), BBox: box}
	return s
}

// RemoveLandmark drops a landmark.
func (s *StaticVision) RemoveLandmark(name string) *StaticVision {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.landmarks, name)
	return s
}

// AddText places a text span centered at (x, y), 40 px tall and 30 px per rune wide.
func (s *StaticVision) AddText(text string, x, y int) *StaticVision {
	half := len([]rune(text)) * 15
	return s.AddTextBox(text, 0.95, vision.Rect{X1: x - half, Y1: y - 20, X2: x + half, Y2: y + 20})
}

// AddTextBox places a text span with an explicit box and confidence.
func (s *StaticVision) AddTextBox(text string, confidence float64, box vision.Rect) *StaticVision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, vision.TextMatch{Text: text, Confidence: confidence, BBox: box, Center: box.Center()})
	return s
}

// RemoveText drops every span with exactly this text.
func (s *StaticVision) RemoveText(text string) *StaticVision {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.texts[:0]
	for _, t := range s.texts {
		if t.Text != text {
			kept = append(kept, t)
		}
	}
	s.texts = kept
	return s
}

// ClearTexts drops every span.
func (s *StaticVision) ClearTexts() *StaticVision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = nil
	return s
}

// Calls returns the queries seen so far as "op:query" strings.
func (s *StaticVision) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *StaticVision) record(op, query string) {
	s.calls = append(s.calls, fmt.Sprintf("%s:%s", op, query))
}

func visible(img image.Image, p vision.Point) bool {
	return image.Pt(p.X, p.Y).In(img.Bounds())
}

func relLandmark(img image.Image, m vision.LandmarkMatch) vision.LandmarkMatch {
	origin := img.Bounds().Min
	m.BBox = m.BBox.Offset(-origin.X, -origin.Y)
	m.Center = vision.Point{X: m.Center.X - origin.X, Y: m.Center.Y - origin.Y}
	return m
}

func (s *StaticVision) MatchLandmark(_ context.Context, img image.Image, name string) (*vision.LandmarkMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("landmark", name)
	m, ok := s.landmarks[name]
	if !ok || !visible(img, m.Center) {
		return nil, nil
	}
	rel := relLandmark(img, m)
	return &rel, nil
}

func (s *StaticVision) MatchAllLandmarks(_ context.Context, img image.Image, category string) ([]vision.LandmarkMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("landmarks", category)
	var out []vision.LandmarkMatch
	for name, m := range s.landmarks {
		if strings.HasPrefix(name, category+"/") && visible(img, m.Center) {
			out = append(out, relLandmark(img, m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *StaticVision) visibleTexts(img image.Image) []vision.TextMatch {
	origin := img.Bounds().Min
	var out []vision.TextMatch
	for _, t := range s.texts {
		if visible(img, t.Center) {
			out = append(out, t)
		}
	}
	return vision.ShiftText(out, -origin.X, -origin.Y)
}

func (s *StaticVision) FindText(_ context.Context, img image.Image, text string) (*vision.TextMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("text", text)
	hits := s.visibleTexts(img)
	vision.SortReadingOrder(hits)
	needle := strings.ToLower(text)
	for _, t := range hits {
		if strings.Contains(strings.ToLower(t.Text), needle) {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

func (s *StaticVision) FindAllText(_ context.Context, img image.Image) ([]vision.TextMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ocr", "")
	return s.visibleTexts(img), nil
}

// -- Frames --

// Frame returns a textured frame that passes the overlay and uniformity
// tests, so classification falls through to landmarks.
func Frame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(60)
			if (x/8)%2 == 0 {
				v = 200
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// DimmedFrame returns a frame with a bright center and a darkened border,
// the signature of a modal overlay.
func DimmedFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	center := image.Rect(w/4, h/4, w*3/4, h*3/4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(20)
			if image.Pt(x, y).In(center) {
				v = 120
				if (x/8)%2 == 0 {
					v = 200
				}
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// UniformFrame returns a single-color frame.
func UniformFrame(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

// -- Recording Device --

// RecordingDevice returns the same frame for every capture and records
// every input as a string such as "tap 10 20".
type RecordingDevice struct {
	mu      sync.Mutex
	frame   image.Image
	events  []string
	OnInput func(event string)
	// Err, when set, is returned from every call.
	Err error
}

var _ device.Device = (*RecordingDevice)(nil)

func NewRecordingDevice(frame image.Image) *RecordingDevice {
	return &RecordingDevice{frame: frame}
}

// SetFrame swaps the frame later captures return.
func (d *RecordingDevice) SetFrame(img image.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame = img
}

// Events returns the recorded inputs.
func (d *RecordingDevice) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *RecordingDevice) input(event string) error {
	d.mu.Lock()
	if d.Err != nil {
		d.mu.Unlock()
		return d.Err
	}
	d.events = append(d.events, event)
	hook := d.OnInput
	d.mu.Unlock()
	if hook != nil {
		hook(event)
	}
	return nil
}

func (d *RecordingDevice) Capture(context.Context) (*device.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	return device.NewCapture(d.frame), nil
}

func (d *RecordingDevice) Tap(_ context.Context, x, y int) error {
	return d.input(fmt.Sprintf("tap %d %d", x, y))
}

func (d *RecordingDevice) Swipe(_ context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return d.input(fmt.Sprintf("swipe %d %d %d %d %d", x1, y1, x2, y2, dur.Milliseconds()))
}

func (d *RecordingDevice) KeyEvent(_ context.Context, code int) error {
	return d.input(fmt.Sprintf("key %d", code))
}

func (d *RecordingDevice) Restart(_ context.Context, pkg string) error {
	return d.input("restart " + pkg)
}
