// Package vision defines the recognition boundary: landmark (template)
// matching and text recognition over a capture.
package vision

import (
	"context"
	"image"
	"sort"
	"strings"
)

// Point is a screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is an axis-aligned box in screen coordinates, X2/Y2 exclusive.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (r Rect) Center() Point {
	return Point{X: (r.X1 + r.X2) / 2, Y: (r.Y1 + r.Y2) / 2}
}

func (r Rect) Width() int  { return r.X2 - r.X1 }
func (r Rect) Height() int { return r.Y2 - r.Y1 }

func (r Rect) Contains(p Point) bool {
	return p.X >= r.X1 && p.X <= r.X2 && p.Y >= r.Y1 && p.Y <= r.Y2
}

// Offset translates the rect by (dx, dy).
func (r Rect) Offset(dx, dy int) Rect {
	return Rect{X1: r.X1 + dx, Y1: r.Y1 + dy, X2: r.X2 + dx, Y2: r.Y2 + dy}
}

func (r Rect) Image() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

// LandmarkMatch is one template hit.
type LandmarkMatch struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Center     Point   `json:"center"`
	BBox       Rect    `json:"bbox"`
}

// TextMatch is one recognized text span.
type TextMatch struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	BBox       Rect    `json:"bbox"`
	Center     Point   `json:"center"`
}

// Service is the opaque recognition engine. Implementations are pure with
// respect to (image, query); a nil match with a nil error is a miss.
type Service interface {
	MatchLandmark(ctx context.Context, img image.Image, name string) (*LandmarkMatch, error)
	MatchAllLandmarks(ctx context.Context, img image.Image, category string) ([]LandmarkMatch, error)
	FindText(ctx context.Context, img image.Image, text string) (*TextMatch, error)
	FindAllText(ctx context.Context, img image.Image) ([]TextMatch, error)
}

// FindAllContaining returns every span whose text contains needle, ignoring
// case, in reading order (top to bottom, then left to right).
func FindAllContaining(ctx context.Context, svc Service, img image.Image, needle string) ([]TextMatch, error) {
	all, err := svc.FindAllText(ctx, img)
	if err != nil {
		return nil, err
	}
	needle = strings.ToLower(needle)
	var hits []TextMatch
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Text), needle) {
			hits = append(hits, m)
		}
	}
	SortReadingOrder(hits)
	return hits, nil
}

// SortReadingOrder orders spans by row then column. Spans whose centers are
// within half a line height are treated as the same row.
func SortReadingOrder(matches []TextMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		return readingBefore(matches[i].Center, matches[j].Center, matches[i].BBox.Height())
	})
}

// SortLandmarks orders landmark matches the same way as text.
func SortLandmarks(matches []LandmarkMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		return readingBefore(matches[i].Center, matches[j].Center, matches[i].BBox.Height())
	})
}

func readingBefore(a, b Point, height int) bool {
	tol := max(height/2, 8)
	if abs(a.Y-b.Y) > tol {
		return a.Y < b.Y
	}
	return a.X < b.X
}

// Nth picks the nth (1-based) element; -1 selects the last. Out of range
// returns false.
func Nth[T any](items []T, nth int) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	if nth == -1 {
		return items[len(items)-1], true
	}
	if nth < 1 {
		nth = 1
	}
	if nth > len(items) {
		return zero, false
	}
	return items[nth-1], true
}

// Best returns the highest-confidence landmark, or nil.
func Best(matches []LandmarkMatch) *LandmarkMatch {
	var best *LandmarkMatch
	for i := range matches {
		if best == nil || matches[i].Confidence > best.Confidence {
			best = &matches[i]
		}
	}
	return best
}

// ShiftText maps spans found on a crop back to full-frame coordinates.
func ShiftText(matches []TextMatch, dx, dy int) []TextMatch {
	out := make([]TextMatch, len(matches))
	for i, m := range matches {
		m.BBox = m.BBox.Offset(dx, dy)
		m.Center = Point{X: m.Center.X + dx, Y: m.Center.Y + dy}
		out[i] = m
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
