package report

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kwv/tudoalign/icp"
)

// PreviewRenderer rasterises labelled clouds into a fixed-size image with a
// text legend and an optional caption line.
type PreviewRenderer struct {
	Clouds     []icp.LabeledCloud
	Colors     map[string]CloudColor
	Projection Projection
	Width      int
	Height     int
	Padding    int
	Radius     int
	Caption    string
}

// NewPreviewRenderer creates an 800×600 preview.
func NewPreviewRenderer(clouds []icp.LabeledCloud) *PreviewRenderer {
	return &PreviewRenderer{
		Clouds:     clouds,
		Colors:     DefaultColors(),
		Projection: DefaultProjection(),
		Width:      800,
		Height:     600,
		Padding:    40,
		Radius:     2,
	}
}

// Caption summarises a result on one line.
func Caption(res *icp.Result) string {
	return fmt.Sprintf("%s/%s  %s after %d iter  residual %.3g  %s",
		res.Algorithm, res.Correspondence, res.Status, res.Iterations, res.Residual, res.Elapsed.Round(time.Microsecond))
}

// Render draws the preview.
func (r *PreviewRenderer) Render() *image.RGBA {
	width, height := r.Width, r.Height
	if width <= 0 {
		width = 800
	}
	if height <= 0 {
		height = 600
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	bound, ok := r.Projection.Bounds(r.Clouds)
	if ok {
		spanX := math.Max(bound.Right()-bound.Left(), 1e-9)
		spanY := math.Max(bound.Top()-bound.Bottom(), 1e-9)
		scale := math.Min(
			float64(width-2*r.Padding)/spanX,
			float64(height-2*r.Padding)/spanY,
		)

		// image y grows downwards
		toImage := func(x, y float64) (int, int) {
			ix := int((x-bound.Left())*scale) + r.Padding
			iy := height - (int((y-bound.Bottom())*scale) + r.Padding)
			return ix, iy
		}

		for _, lc := range r.Clouds {
			if lc.Cloud == nil {
				continue
			}
			c := colorFor(r.Colors, lc.Label).Point
			for _, p := range lc.Cloud.Points {
				pt := r.Projection.Project(p)
				ix, iy := toImage(pt.X(), pt.Y())
				drawCircle(img, ix, iy, r.Radius, c)
			}
		}
	}

	r.drawLegend(img)
	if r.Caption != "" {
		drawText(img, 10, height-10, r.Caption, color.RGBA{0, 0, 0, 255})
	}
	return img
}

// WritePNG renders and encodes the preview.
func (r *PreviewRenderer) WritePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// drawCircle alpha-blends a filled circle onto img.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.NRGBA) {
	b := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			x, y := cx+dx, cy+dy
			if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
				img.Set(x, y, blendColors(img.RGBAAt(x, y), c))
			}
		}
	}
}

func blendColors(bg color.RGBA, fg color.NRGBA) color.RGBA {
	alpha := float64(fg.A) / 255
	inv := 1 - alpha
	return color.RGBA{
		R: uint8(float64(fg.R)*alpha + float64(bg.R)*inv),
		G: uint8(float64(fg.G)*alpha + float64(bg.G)*inv),
		B: uint8(float64(fg.B)*alpha + float64(bg.B)*inv),
		A: 255,
	}
}

// drawLegend lists the clouds top-left with a colour swatch each.
func (r *PreviewRenderer) drawLegend(img *image.RGBA) {
	y := 15
	for _, lc := range r.Clouds {
		c := colorFor(r.Colors, lc.Label).Point
		swatch := color.RGBA{c.R, c.G, c.B, 255}
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, swatch)
			}
		}
		drawText(img, 28, y, fmt.Sprintf("%s (%d)", lc.Label, lc.Cloud.Len()), color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
