package fire

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// FireRenderer draws one fire: the true perimeter outline, detections
// coloured by observation window and the reconstructed polygons.
type FireRenderer struct {
	Perimeter  *Perimeter
	Detections []Detection
	Results    []Result
	Size       float64           // longer side of the drawing in millimetres
	Padding    float64           // margin as a fraction of the longer world side
	Resolution canvas.Resolution // PNG resolution
	DotRadius  float64           // detection marker radius in millimetres
	Caption    string            // drawn on PNG output only
}

// NewFireRenderer creates a renderer with default settings.
func NewFireRenderer(p *Perimeter, dets []Detection, results []Result) *FireRenderer {
	caption := ""
	if p != nil {
		caption = fmt.Sprintf("%s  %.1f km²  %d detections", p.FireID, p.AreaKm2(), len(dets))
	}
	return &FireRenderer{
		Perimeter:  p,
		Detections: dets,
		Results:    results,
		Size:       300,
		Padding:    0.05,
		Resolution: canvas.DPMM(4),
		DotRadius:  0.6,
		Caption:    caption,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame maps world metres to canvas millimetres.
type frame struct {
	min    orb.Point
	scale  float64
	pad    float64
	width  float64
	height float64
}

func (f frame) point(p orb.Point) (float64, float64) {
	return f.pad + (p[0]-f.min[0])*f.scale, f.pad + (p[1]-f.min[1])*f.scale
}

func (r *FireRenderer) bounds() (orb.Bound, bool) {
	var b orb.Bound
	ok := false
	extend := func(other orb.Bound) {
		if !ok {
			b, ok = other, true
			return
		}
		b = b.Union(other)
	}
	if r.Perimeter != nil && len(r.Perimeter.Geometry) > 0 {
		extend(r.Perimeter.Geometry.Bound())
	}
	for _, d := range r.Detections {
		extend(orb.Bound{Min: d.Location, Max: d.Location})
	}
	for _, res := range r.Results {
		if !res.IsNull() {
			extend(res.Geometry.Bound())
		}
	}
	return b, ok
}

func (r *FireRenderer) frame() (frame, error) {
	b, ok := r.bounds()
	if !ok {
		return frame{}, fmt.Errorf("nothing to render")
	}
	w, h := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	span := math.Max(math.Max(w, h), 1)
	inner := r.Size / (1 + 2*r.Padding)
	scale := inner / span
	pad := r.Padding * inner
	return frame{
		min:    b.Min,
		scale:  scale,
		pad:    pad,
		width:  w*scale + 2*pad,
		height: h*scale + 2*pad,
	}, nil
}

// RenderToSVG writes the fire as an SVG.
func (r *FireRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the fire as a PNG with the caption in the top-left
// corner.
func (r *FireRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)
	if r.Caption != "" {
		drawText(rast, 6, 16, r.Caption, color.RGBA{0, 0, 0, 255})
	}
	return png.Encode(w, rast)
}

func (r *FireRenderer) renderToCanvas(renderer canvasRenderer, f frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	// Reconstructions first so the truth outline stays visible on top.
	for i, res := range r.Results {
		if res.IsNull() {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: windowColor(i, len(r.Results), 70)}
		style.Stroke = canvas.Paint{Color: windowColor(i, len(r.Results), 255)}
		style.StrokeWidth = 0.3
		style.FillRule = canvas.EvenOdd
		for _, poly := range flattenPolygons(res.Geometry) {
			renderer.RenderPath(polygonPath(poly, f), style, canvas.Identity)
		}
	}

	if len(r.Detections) > 0 {
		lo, hi := detectionWindowRange(r.Detections)
		for _, d := range r.Detections {
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: windowColor(d.WindowID-lo, hi-lo+1, 255)}
			style.Stroke = canvas.Paint{Color: canvas.Transparent}
			x, y := f.point(d.Location)
			renderer.RenderPath(canvas.Circle(r.DotRadius).Translate(x, y), style, canvas.Identity)
		}
	}

	if r.Perimeter != nil {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.5
		style.Dashes = []float64{2, 1}
		for _, poly := range r.Perimeter.Geometry {
			renderer.RenderPath(polygonPath(poly, f), style, canvas.Identity)
		}
	}
}

func polygonPath(poly orb.Polygon, f frame) *canvas.Path {
	p := &canvas.Path{}
	for _, ring := range poly {
		for i, pt := range ring {
			x, y := f.point(pt)
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		p.Close()
	}
	return p
}

func detectionWindowRange(dets []Detection) (int, int) {
	lo, hi := dets[0].WindowID, dets[0].WindowID
	for _, d := range dets[1:] {
		lo = min(lo, d.WindowID)
		hi = max(hi, d.WindowID)
	}
	return lo, hi
}

// windowColor ramps from yellow (first window) to dark red (last).
func windowColor(i, n int, alpha uint8) color.RGBA {
	t := 0.0
	if n > 1 {
		t = float64(i) / float64(n-1)
	}
	c := color.NRGBA{
		R: uint8(255 - 100*t),
		G: uint8(220 * (1 - t)),
		B: 0,
		A: alpha,
	}
	return premultiply(c)
}

// premultiply converts straight alpha to the premultiplied form canvas
// expects.
func premultiply(c color.NRGBA) color.RGBA {
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

func drawText(img *rasterizer.Rasterizer, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
