package hotspot

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts non-premultiplied color to the premultiplied form
// canvas expects
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// SeverityColors maps severity labels to their display colour
func SeverityColors() map[string]color.NRGBA {
	return map[string]color.NRGBA{
		SeverityCritical: {220, 38, 38, 255},
		SeverityHigh:     {234, 88, 12, 255},
		SeverityMedium:   {234, 179, 8, 255},
		SeverityModerate: {132, 204, 22, 255},
		SeverityLow:      {34, 197, 94, 255},
	}
}

// HotspotRenderer draws a report as hull polygons, centroid markers and
// outlier dots on an equirectangular projection
type HotspotRenderer struct {
	Width        float64           // canvas width in mm; height follows the data aspect
	Padding      float64           // margin in mm
	Resolution   canvas.Resolution // PNG resolution (default 300 DPI)
	Palette      map[string]color.NRGBA
	ShowOutliers bool
}

func NewHotspotRenderer() *HotspotRenderer {
	return &HotspotRenderer{
		Width:        200,
		Padding:      8,
		Resolution:   canvas.DPI(300),
		Palette:      SeverityColors(),
		ShowOutliers: true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// projection maps (lon, lat) to canvas mm with north up
type projection struct {
	minLon, minLat float64
	scaleX, scaleY float64
	padding        float64
	width, height  float64
}

func (p projection) point(lat, lon float64) (float64, float64) {
	return p.padding + (lon-p.minLon)*p.scaleX, p.padding + (lat-p.minLat)*p.scaleY
}

func (r *HotspotRenderer) project(rep *Report) projection {
	minLat, minLon := math.Inf(1), math.Inf(1)
	maxLat, maxLon := math.Inf(-1), math.Inf(-1)
	extend := func(lat, lon float64) {
		minLat, maxLat = math.Min(minLat, lat), math.Max(maxLat, lat)
		minLon, maxLon = math.Min(minLon, lon), math.Max(maxLon, lon)
	}
	for _, c := range rep.Clusters {
		extend(c.Centroid.Lat, c.Centroid.Lon)
		for _, v := range c.Polygon {
			extend(v[0], v[1])
		}
	}
	if r.ShowOutliers {
		for _, o := range rep.Outliers {
			extend(o.Lat, o.Lon)
		}
	}
	if math.IsInf(minLat, 1) {
		minLat, maxLat, minLon, maxLon = -0.5, 0.5, -0.5, 0.5
	}

	const minSpan = 0.001
	if maxLat-minLat < minSpan {
		mid := (minLat + maxLat) / 2
		minLat, maxLat = mid-minSpan/2, mid+minSpan/2
	}
	if maxLon-minLon < minSpan {
		mid := (minLon + maxLon) / 2
		minLon, maxLon = mid-minSpan/2, mid+minSpan/2
	}

	// Shrink longitude by cos(lat) so distances look right at the data's latitude.
	kx := math.Cos((minLat + maxLat) / 2 * degToRad)
	spanX := (maxLon - minLon) * kx
	spanY := maxLat - minLat

	inner := r.Width - 2*r.Padding
	scale := inner / spanX
	height := spanY*scale + 2*r.Padding
	return projection{
		minLon:  minLon,
		minLat:  minLat,
		scaleX:  scale * kx,
		scaleY:  scale,
		padding: r.Padding,
		width:   r.Width,
		height:  height,
	}
}

// RenderToSVG writes the report as SVG
func (r *HotspotRenderer) RenderToSVG(w io.Writer, rep *Report) error {
	proj := r.project(rep)
	svgRenderer := svg.New(w, proj.width, proj.height, nil)
	r.renderToCanvas(svgRenderer, rep, proj)
	return svgRenderer.Close()
}

// RenderToPNG writes the report as PNG at r.Resolution
func (r *HotspotRenderer) RenderToPNG(w io.Writer, rep *Report) error {
	proj := r.project(rep)
	rast := rasterizer.New(proj.width, proj.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, rep, proj)
	return png.Encode(w, rast)
}

func (r *HotspotRenderer) colorFor(label string) color.NRGBA {
	if c, ok := r.Palette[label]; ok {
		return c
	}
	return color.NRGBA{100, 116, 139, 255}
}

func (r *HotspotRenderer) renderToCanvas(renderer canvasRenderer, rep *Report, proj projection) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(proj.width, proj.height), bgStyle, canvas.Identity)

	if r.ShowOutliers {
		outlierStyle := canvas.DefaultStyle
		outlierStyle.Fill = canvas.Paint{Color: canvas.Gray}
		outlierStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, o := range rep.Outliers {
			x, y := proj.point(o.Lat, o.Lon)
			renderer.RenderPath(canvas.Circle(0.6).Translate(x, y), outlierStyle, canvas.Identity)
		}
	}

	// Lowest severity first so critical hulls end up on top.
	for i := len(rep.Clusters) - 1; i >= 0; i-- {
		c := rep.Clusters[i]
		base := r.colorFor(c.SeverityLabel)

		if len(c.Polygon) > 0 {
			hullStyle := canvas.DefaultStyle
			fill := base
			fill.A = 90
			hullStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(fill)}
			hullStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(base)}
			hullStyle.StrokeWidth = 0.4

			hull := &canvas.Path{}
			for k, v := range c.Polygon {
				x, y := proj.point(v[0], v[1])
				if k == 0 {
					hull.MoveTo(x, y)
				} else {
					hull.LineTo(x, y)
				}
			}
			hull.Close()
			renderer.RenderPath(hull, hullStyle, canvas.Identity)
		}

		markerStyle := canvas.DefaultStyle
		markerStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(base)}
		markerStyle.Stroke = canvas.Paint{Color: canvas.Black}
		markerStyle.StrokeWidth = 0.2

		radius := 1.0 + math.Sqrt(float64(c.CallCount))*0.3
		x, y := proj.point(c.Centroid.Lat, c.Centroid.Lon)
		renderer.RenderPath(canvas.Circle(radius).Translate(x, y), markerStyle, canvas.Identity)
	}
}
