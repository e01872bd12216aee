package report

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/kwv/tudoalign/icp"
)

// residualFloor keeps exact zeros plottable on a log axis.
const residualFloor = 1e-16

// ResidualSeries returns the initial residual followed by the residual after
// every iteration, floored at residualFloor.
func ResidualSeries(res *icp.Result) []float64 {
	series := make([]float64, 0, len(res.Residuals)+1)
	series = append(series, res.InitialResidual)
	series = append(series, res.Residuals...)
	for i, v := range series {
		if !(v > residualFloor) {
			series[i] = residualFloor
		}
	}
	return series
}

// ResidualPlot builds a log-scale plot of the residual per iteration with
// the convergence tolerance drawn as a reference line.
func ResidualPlot(res *icp.Result, tolerance float64) (*plot.Plot, error) {
	series := ResidualSeries(res)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("ICP residual (%s, %s)", res.Algorithm, res.Status)
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Mean residual"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}

	pts := make(plotter.XYs, len(series))
	for i, v := range series {
		pts[i] = plotter.XY{X: float64(i), Y: v}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = color.RGBA{46, 139, 87, 255}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("residual", line)

	marks, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	marks.Color = line.Color
	p.Add(marks)

	if tolerance > 0 {
		tol := math.Max(tolerance, residualFloor)
		tolPts := plotter.XYs{{X: 0, Y: tol}, {X: math.Max(float64(len(series)-1), 1), Y: tol}}
		tolLine, err := plotter.NewLine(tolPts)
		if err != nil {
			return nil, err
		}
		tolLine.Color = color.RGBA{220, 20, 60, 255}
		tolLine.Width = vg.Points(1)
		tolLine.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		p.Add(tolLine)
		p.Legend.Add("tolerance", tolLine)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WriteResidualPNG renders the residual plot as an 8×4 inch PNG.
func WriteResidualPNG(w io.Writer, res *icp.Result, tolerance float64) error {
	p, err := ResidualPlot(res, tolerance)
	if err != nil {
		return fmt.Errorf("building residual plot: %w", err)
	}
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("rendering residual plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
