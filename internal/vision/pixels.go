package vision

import (
	"image"
	"image/color"
	"math"
)

// GrayStats holds luminance statistics for a region.
type GrayStats struct {
	Mean   float64
	StdDev float64
}

// Luminance computes mean and standard deviation of gray levels (0-255)
// over r, clipped to the image. Every pixel is sampled.
func Luminance(img image.Image, r image.Rectangle) GrayStats {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return GrayStats{}
	}
	var sum, sumSq float64
	n := float64(r.Dx() * r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			g := float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
			sum += g
			sumSq += g * g
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return GrayStats{Mean: mean, StdDev: math.Sqrt(variance)}
}

// BorderLuminance is the mean over the four edge strips, each frac of the
// corresponding dimension.
func BorderLuminance(img image.Image, frac float64) float64 {
	b := img.Bounds()
	bw := int(float64(b.Dx()) * frac)
	bh := int(float64(b.Dy()) * frac)
	strips := []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+bh),
		image.Rect(b.Min.X, b.Max.Y-bh, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, b.Min.Y, b.Min.X+bw, b.Max.Y),
		image.Rect(b.Max.X-bw, b.Min.Y, b.Max.X, b.Max.Y),
	}
	var total float64
	for _, s := range strips {
		total += Luminance(img, s).Mean
	}
	return total / float64(len(strips))
}

// CenterRect returns the middle half of the image in each dimension.
func CenterRect(img image.Image) image.Rectangle {
	b := img.Bounds()
	return image.Rect(
		b.Min.X+b.Dx()/4, b.Min.Y+b.Dy()/4,
		b.Min.X+b.Dx()*3/4, b.Min.Y+b.Dy()*3/4,
	)
}

// HSVRange selects pixels by hue (0-180, OpenCV scale) with minimum
// saturation and value (0-255).
type HSVRange struct {
	HMin, HMax float64
	SMin, VMin float64
}

// Red hue wraps around zero.
var (
	RedLow  = HSVRange{HMin: 0, HMax: 10, SMin: 120, VMin: 150}
	RedHigh = HSVRange{HMin: 170, HMax: 180, SMin: 120, VMin: 150}
	Green   = HSVRange{HMin: 50, HMax: 85, SMin: 100, VMin: 100}
)

// CountHSV counts pixels in r falling in any of the ranges.
func CountHSV(img image.Image, r image.Rectangle, ranges ...HSVRange) int {
	r = r.Intersect(img.Bounds())
	count := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			h, s, v := toHSV(img.At(x, y))
			for _, rg := range ranges {
				if h >= rg.HMin && h <= rg.HMax && s >= rg.SMin && v >= rg.VMin {
					count++
					break
				}
			}
		}
	}
	return count
}

// toHSV converts to hue in [0,180], saturation and value in [0,255].
func toHSV(c color.Color) (h, s, v float64) {
	r16, g16, b16, _ := c.RGBA()
	r, g, b := float64(r16>>8), float64(g16>>8), float64(b16>>8)
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	delta := maxC - minC

	v = maxC
	if maxC > 0 {
		s = delta / maxC * 255
	}
	if delta == 0 {
		return 0, s, v
	}
	switch maxC {
	case r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h / 2, s, v
}
