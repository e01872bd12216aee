package report

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/tudoalign/icp"
)

// nrgbaToRGBA premultiplies alpha; canvas paints expect premultiplied RGBA.
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

// VectorRenderer draws labelled clouds as SVG or PNG through tdewolff/canvas.
type VectorRenderer struct {
	Clouds      []icp.LabeledCloud
	Colors      map[string]CloudColor
	Projection  Projection
	Scale       float64 // canvas millimetres per cloud unit
	Padding     float64 // in cloud units
	PointRadius float64 // in millimetres
	NormalScale float64 // normal tick length in cloud units; 0 hides normals
	GridSpacing float64 // in cloud units; 0 hides the grid
	Resolution  canvas.Resolution
}

// NewVectorRenderer creates a renderer with default settings.
func NewVectorRenderer(clouds []icp.LabeledCloud) *VectorRenderer {
	return &VectorRenderer{
		Clouds:      clouds,
		Colors:      DefaultColors(),
		Projection:  DefaultProjection(),
		Scale:       20,
		Padding:     1,
		PointRadius: 1.2,
		NormalScale: 0,
		GridSpacing: 1,
		Resolution:  canvas.DPI(300),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame converts projected points into canvas coordinates.
type frame struct {
	bound   orb.Bound
	scale   float64
	padding float64
}

func (f frame) size() (float64, float64) {
	w := (f.bound.Right()-f.bound.Left())*f.scale + 2*f.padding*f.scale
	h := (f.bound.Top()-f.bound.Bottom())*f.scale + 2*f.padding*f.scale
	return w, h
}

func (f frame) toCanvas(p orb.Point) (float64, float64) {
	return (p.X()-f.bound.Left()+f.padding)*f.scale, (p.Y()-f.bound.Bottom()+f.padding)*f.scale
}

func (r *VectorRenderer) frame() (frame, error) {
	bound, ok := r.Projection.Bounds(r.Clouds)
	if !ok {
		return frame{}, fmt.Errorf("no points to render")
	}
	scale := r.Scale
	if scale <= 0 {
		scale = 20
	}
	return frame{bound: bound, scale: scale, padding: r.Padding}, nil
}

// RenderToSVG writes the clouds as SVG.
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	width, height := f.size()

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, f, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the clouds as PNG at r.Resolution.
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	width, height := f.size()

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f, width, height)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, f frame, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		b := f.bound
		for x := math.Floor(b.Left()/r.GridSpacing) * r.GridSpacing; x <= b.Right(); x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := f.toCanvas(orb.Point{x, b.Bottom()})
			x2, y2 := f.toCanvas(orb.Point{x, b.Top()})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(b.Bottom()/r.GridSpacing) * r.GridSpacing; y <= b.Top(); y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := f.toCanvas(orb.Point{b.Left(), y})
			x2, y2 := f.toCanvas(orb.Point{b.Right(), y})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	for _, lc := range r.Clouds {
		if lc.Cloud == nil {
			continue
		}
		cc := colorFor(r.Colors, lc.Label)

		pointStyle := canvas.DefaultStyle
		pointStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(cc.Point)}
		pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		for _, p := range lc.Cloud.Points {
			cx, cy := f.toCanvas(r.Projection.Project(p))
			renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(cx, cy), pointStyle, canvas.Identity)
		}

		if r.NormalScale > 0 && lc.Cloud.HasNormals() {
			normalStyle := canvas.DefaultStyle
			normalStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			normalStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(cc.Normal)}
			normalStyle.StrokeWidth = 0.3

			for i, p := range lc.Cloud.Points {
				tip := r3.Add(p, r3.Scale(r.NormalScale, lc.Cloud.Normals[i]))
				x1, y1 := f.toCanvas(r.Projection.Project(p))
				x2, y2 := f.toCanvas(r.Projection.Project(tip))
				tick := &canvas.Path{}
				tick.MoveTo(x1, y1)
				tick.LineTo(x2, y2)
				renderer.RenderPath(tick, normalStyle, canvas.Identity)
			}
		}
	}
}
