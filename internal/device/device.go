// Package device is the boundary to the touchscreen being driven.
package device

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"time"
)

// ErrDisconnected marks failures that mean the device is gone, not that a
// single command misbehaved. It propagates to the main loop unchanged.
var ErrDisconnected = errors.New("device disconnected")

// Android key codes used by the agent.
const (
	KeyHome = 3
	KeyBack = 4
)

// Device is the minimal I/O surface the agent needs.
type Device interface {
	Capture(ctx context.Context) (*Capture, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	KeyEvent(ctx context.Context, code int) error
	// Restart force-stops and relaunches the named package.
	Restart(ctx context.Context, pkg string) error
}

// Capture is an immutable screen grab.
type Capture struct {
	Image   image.Image
	TakenAt time.Time
}

// NewCapture wraps an image taken now.
func NewCapture(img image.Image) *Capture {
	return &Capture{Image: img, TakenAt: time.Now()}
}

func (c *Capture) Width() int  { return c.Image.Bounds().Dx() }
func (c *Capture) Height() int { return c.Image.Bounds().Dy() }

// Center returns the midpoint of the capture.
func (c *Capture) Center() (int, int) {
	return c.Width() / 2, c.Height() / 2
}

// Contains reports whether (x, y) lies on the capture.
func (c *Capture) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < c.Width() && y < c.Height()
}

// Crop returns the part of the capture inside r, clipped to the bounds.
// Vision results on a crop are relative to its top-left corner; callers add
// r.Min to map them back.
func (c *Capture) Crop(r image.Rectangle) image.Image {
	return Crop(c.Image, r)
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the portion of img inside r.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Add(img.Bounds().Min).Intersect(img.Bounds())
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	dst := image.NewRGBA(r)
	draw.Draw(dst, r, img, r.Min, draw.Src)
	return dst
}
