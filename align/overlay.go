package align

import (
	"errors"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/kwv/rayalign/raycloud"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/spatial/r3"
)

// OverlayLayer is one point set drawn on the overlay.
type OverlayLayer struct {
	Name   string
	Points []r3.Vec
	Color  color.NRGBA
}

// Overlay colours: target grey, source before alignment red, after blue.
var (
	targetColor  = color.NRGBA{R: 90, G: 90, B: 90, A: 255}
	sourceColor  = color.NRGBA{R: 220, G: 60, B: 40, A: 160}
	alignedColor = color.NRGBA{R: 30, G: 100, B: 230, A: 200}
	gridColor    = color.RGBA{R: 210, G: 210, B: 210, A: 255}
)

// nrgbaToRGBA premultiplies alpha; canvas paints take premultiplied colours.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

// OverlayRenderer draws a top-down (XY) view of clouds as vector graphics.
type OverlayRenderer struct {
	Layers      []OverlayLayer
	Scale       float64           // Canvas millimetres per cloud unit
	Padding     float64           // Padding in cloud units
	PointRadius float64           // Dot radius in canvas millimetres
	MaxPoints   int               // Per layer; larger layers are decimated
	GridSpacing float64           // Grid line spacing in cloud units; 0 disables
	Resolution  canvas.Resolution // Resolution for PNG output
}

// NewOverlayRenderer creates a renderer with default settings.
func NewOverlayRenderer(layers ...OverlayLayer) *OverlayRenderer {
	return &OverlayRenderer{
		Layers:      layers,
		Scale:       100.0,
		Padding:     0.5,
		PointRadius: 2.0,
		MaxPoints:   20000,
		GridSpacing: 1.0,
		Resolution:  canvas.DPI(96),
	}
}

// AlignmentOverlay builds the standard three-layer overlay: the target, the
// source as loaded and the source after applying the estimated transform.
func AlignmentOverlay(source, target *raycloud.Cloud, tr raycloud.RigidTransform) *OverlayRenderer {
	aligned := make([]r3.Vec, source.Len())
	copy(aligned, source.Ends)
	tr.ApplyAll(aligned)

	return NewOverlayRenderer(
		OverlayLayer{Name: "target", Points: target.Ends, Color: targetColor},
		OverlayLayer{Name: "source", Points: source.Ends, Color: sourceColor},
		OverlayLayer{Name: "aligned", Points: aligned, Color: alignedColor},
	)
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	box, err := r.bounds()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(box)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, box, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the overlay as a PNG to the provided writer
func (r *OverlayRenderer) RenderToPNG(w io.Writer) error {
	box, err := r.bounds()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(box)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, box, width, height)
	return png.Encode(w, rast)
}

func (r *OverlayRenderer) bounds() (raycloud.BoundingBox, error) {
	var box raycloud.BoundingBox
	found := false
	for _, layer := range r.Layers {
		b, err := raycloud.Bounds(layer.Points)
		if err != nil {
			continue
		}
		if !found {
			box, found = b, true
		} else {
			box = box.Union(b)
		}
	}
	if !found {
		return box, errors.New("overlay has no points to render")
	}
	return box, nil
}

func (r *OverlayRenderer) canvasSize(box raycloud.BoundingBox) (float64, float64) {
	e := box.Extent()
	return (e.X + 2*r.Padding) * r.Scale, (e.Y + 2*r.Padding) * r.Scale
}

func (r *OverlayRenderer) renderToCanvas(renderer canvasRenderer, box raycloud.BoundingBox, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x - box.Min.X + r.Padding) * r.Scale, (y - box.Min.Y + r.Padding) * r.Scale
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: gridColor}
		gridStyle.StrokeWidth = 0.5
		gridStyle.Dashes = []float64{4.0, 4.0}

		for x := math.Floor(box.Min.X/r.GridSpacing) * r.GridSpacing; x <= box.Max.X; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(x, box.Min.Y))
			gridPath.LineTo(toCanvas(x, box.Max.Y))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(box.Min.Y/r.GridSpacing) * r.GridSpacing; y <= box.Max.Y; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(box.Min.X, y))
			gridPath.LineTo(toCanvas(box.Max.X, y))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// One path per layer keeps the SVG small.
	for _, layer := range r.Layers {
		if len(layer.Points) == 0 {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(layer.Color)}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}

		dot := canvas.Circle(r.PointRadius)
		p := &canvas.Path{}
		for _, idx := range decimate(len(layer.Points), r.MaxPoints) {
			pt := layer.Points[idx]
			p = p.Append(dot.Translate(toCanvas(pt.X, pt.Y)))
		}
		renderer.RenderPath(p, style, canvas.Identity)
	}

	r.renderLegend(renderer, height)
}

// renderLegend draws one colour swatch per layer in the top-left corner.
// Text needs a loaded font face, so layers are identified by order only.
func (r *OverlayRenderer) renderLegend(renderer canvasRenderer, height float64) {
	const swatch = 6.0
	for i, layer := range r.Layers {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(layer.Color)}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.5

		rect := canvas.Rectangle(swatch, swatch).Translate(swatch, height-float64(i+2)*swatch*1.5)
		renderer.RenderPath(rect, style, canvas.Identity)
	}
}

// decimate returns at most max evenly spaced indices in [0, n).
func decimate(n, max int) []int {
	if max <= 0 || n <= max {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, max)
	step := float64(n) / float64(max)
	for i := range out {
		out[i] = int(float64(i) * step)
	}
	return out
}
