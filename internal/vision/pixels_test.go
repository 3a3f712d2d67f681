package vision

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fill(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func TestLuminance(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	fill(img, img.Bounds(), color.Gray{Y: 100})

	stats := Luminance(img, img.Bounds())
	assert.InDelta(t, 100, stats.Mean, 0.01)
	assert.InDelta(t, 0, stats.StdDev, 0.01)

	fill(img, image.Rect(0, 0, 5, 10), color.Gray{Y: 0})
	fill(img, image.Rect(5, 0, 10, 10), color.Gray{Y: 200})
	stats = Luminance(img, img.Bounds())
	assert.InDelta(t, 100, stats.Mean, 0.01)
	assert.InDelta(t, 100, stats.StdDev, 0.01)

	assert.Equal(t, GrayStats{}, Luminance(img, image.Rect(20, 20, 30, 30)), "outside the image")
}

func TestBorderLuminance(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	fill(img, img.Bounds(), color.Gray{Y: 20})
	fill(img, CenterRect(img), color.Gray{Y: 200})

	assert.InDelta(t, 20, BorderLuminance(img, 0.1), 0.01)
	assert.InDelta(t, 200, Luminance(img, CenterRect(img)).Mean, 0.01)
	assert.Equal(t, image.Rect(25, 25, 75, 75), CenterRect(img))
}

func TestToHSV(t *testing.T) {
	tests := []struct {
		name    string
		c       color.Color
		h, s, v float64
	}{
		{"red", color.RGBA{R: 255, A: 255}, 0, 255, 255},
		{"green", color.RGBA{G: 200, A: 255}, 60, 255, 200},
		{"blue", color.RGBA{B: 255, A: 255}, 120, 255, 255},
		{"gray", color.RGBA{R: 128, G: 128, B: 128, A: 255}, 0, 0, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s, v := toHSV(tt.c)
			assert.InDelta(t, tt.h, h, 0.5)
			assert.InDelta(t, tt.s, s, 0.5)
			assert.InDelta(t, tt.v, v, 0.5)
		})
	}
}

func TestCountHSV(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	fill(img, img.Bounds(), color.Gray{Y: 128})
	fill(img, image.Rect(0, 0, 10, 10), color.RGBA{R: 220, A: 255})
	fill(img, image.Rect(10, 10, 20, 20), color.RGBA{G: 200, A: 255})

	assert.Equal(t, 100, CountHSV(img, img.Bounds(), RedLow, RedHigh))
	assert.Equal(t, 100, CountHSV(img, img.Bounds(), Green))
	assert.Equal(t, 0, CountHSV(img, image.Rect(10, 0, 20, 10), RedLow, RedHigh, Green))
}
