package hotspot

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// HeatmapOptions sizes the raster heatmap
type HeatmapOptions struct {
	Width  int
	Height int
	Radius int // kernel radius in pixels
	Legend bool
}

func DefaultHeatmapOptions() HeatmapOptions {
	return HeatmapOptions{Width: 800, Height: 600, Radius: 18, Legend: true}
}

// RenderHeatmap rasterises weighted incident density. Each point adds a
// quadratic falloff kernel scaled by its intensity.
func RenderHeatmap(points [][3]float64, opts HeatmapOptions) *image.RGBA {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts = DefaultHeatmapOptions()
	}
	if opts.Radius <= 0 {
		opts.Radius = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	fillRect(img, img.Bounds(), color.RGBA{255, 255, 255, 255})

	if len(points) > 0 {
		density := accumulate(points, opts)
		peak := 0.0
		for _, d := range density {
			peak = math.Max(peak, d)
		}
		if peak > 0 {
			for y := 0; y < opts.Height; y++ {
				for x := 0; x < opts.Width; x++ {
					v := density[y*opts.Width+x] / peak
					if v <= 0.01 {
						continue
					}
					img.SetRGBA(x, y, heatColor(v))
				}
			}
		}
	}

	if opts.Legend {
		drawText(img, 8, 16, fmt.Sprintf("%d incidents", len(points)), color.RGBA{0, 0, 0, 255})
		drawLegend(img)
	}
	return img
}

// WriteHeatmapPNG renders and encodes the heatmap
func WriteHeatmapPNG(w io.Writer, points [][3]float64, opts HeatmapOptions) error {
	return png.Encode(w, RenderHeatmap(points, opts))
}

func accumulate(points [][3]float64, opts HeatmapOptions) []float64 {
	minLat, minLon := math.Inf(1), math.Inf(1)
	maxLat, maxLon := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minLat, maxLat = math.Min(minLat, p[0]), math.Max(maxLat, p[0])
		minLon, maxLon = math.Min(minLon, p[1]), math.Max(maxLon, p[1])
	}
	spanLat := math.Max(maxLat-minLat, 1e-6)
	spanLon := math.Max(maxLon-minLon, 1e-6)

	margin := float64(opts.Radius)
	innerW := math.Max(float64(opts.Width)-2*margin, 1)
	innerH := math.Max(float64(opts.Height)-2*margin, 1)

	density := make([]float64, opts.Width*opts.Height)
	r := opts.Radius
	r2 := float64(r * r)
	for _, p := range points {
		cx := int(margin + (p[1]-minLon)/spanLon*innerW)
		cy := int(margin + (maxLat-p[0])/spanLat*innerH)
		for dy := -r; dy <= r; dy++ {
			y := cy + dy
			if y < 0 || y >= opts.Height {
				continue
			}
			for dx := -r; dx <= r; dx++ {
				x := cx + dx
				if x < 0 || x >= opts.Width {
					continue
				}
				d2 := float64(dx*dx + dy*dy)
				if d2 > r2 {
					continue
				}
				falloff := 1 - d2/r2
				density[y*opts.Width+x] += p[2] * falloff * falloff
			}
		}
	}
	return density
}

// heatColor maps 0..1 onto a blue-green-yellow-red ramp
func heatColor(v float64) color.RGBA {
	v = math.Min(math.Max(v, 0), 1)
	stops := []color.RGBA{
		{59, 130, 246, 255},
		{34, 197, 94, 255},
		{234, 179, 8, 255},
		{220, 38, 38, 255},
	}
	pos := v * float64(len(stops)-1)
	i := int(pos)
	if i >= len(stops)-1 {
		return stops[len(stops)-1]
	}
	t := pos - float64(i)
	a, b := stops[i], stops[i+1]
	lerp := func(x, y uint8) uint8 { return uint8(float64(x) + (float64(y)-float64(x))*t) }
	return color.RGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 255}
}

func drawLegend(img *image.RGBA) {
	b := img.Bounds()
	x0 := b.Max.X - 130
	y0 := b.Max.Y - 24
	if x0 < 0 || y0 < 0 {
		return
	}
	for i := 0; i < 100; i++ {
		fillRect(img, image.Rect(x0+i, y0, x0+i+1, y0+8), heatColor(float64(i)/99))
	}
	black := color.RGBA{0, 0, 0, 255}
	drawText(img, x0, y0+20, "low", black)
	drawText(img, x0+100-len("high")*7, y0+20, "high", black)
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// drawText draws text at the given position using a basic font
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
