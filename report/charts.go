package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"

	"github.com/kwv/tudoalign/icp"
)

// maxChartPoints is the series length above which the residual curve is
// simplified before charting.
const maxChartPoints = 200

// chartSeries returns the iteration indices and residuals to chart. Long
// series are thinned with Douglas-Peucker in (iteration, log10 residual)
// space, which keeps the first, last and every visible bend.
func chartSeries(series []float64) ([]int, []float64) {
	if len(series) <= maxChartPoints {
		idx := make([]int, len(series))
		for i := range idx {
			idx[i] = i
		}
		return idx, series
	}

	ls := make(orb.LineString, len(series))
	for i, v := range series {
		ls[i] = orb.Point{float64(i), math.Log10(v)}
	}
	thinned := simplify.DouglasPeucker(0.01).Simplify(ls).(orb.LineString)

	idx := make([]int, len(thinned))
	vals := make([]float64, len(thinned))
	for i, p := range thinned {
		idx[i] = int(p.X())
		vals[i] = series[idx[i]]
	}
	return idx, vals
}

// ResidualChart builds an interactive line chart of the residual history.
func ResidualChart(res *icp.Result, tolerance float64) *charts.Line {
	idx, vals := chartSeries(ResidualSeries(res))

	x := make([]int, len(idx))
	data := make([]opts.LineData, len(vals))
	tol := make([]opts.LineData, len(vals))
	for i := range vals {
		x[i] = idx[i]
		data[i] = opts.LineData{Value: vals[i]}
		tol[i] = opts.LineData{Value: math.Max(tolerance, residualFloor)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "ICP Residual", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "ICP Residual",
			Subtitle: fmt.Sprintf("%s/%s %s iterations=%d", res.Algorithm, res.Correspondence, res.Status, res.Iterations),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "log", Name: "Mean residual", NameLocation: "middle", NameGap: 50}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x).
		AddSeries("residual", data).
		AddSeries("tolerance", tol, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
	return line
}

// WriteResidualHTML renders the residual chart as a standalone page.
func WriteResidualHTML(w io.Writer, res *icp.Result, tolerance float64) error {
	page := components.NewPage()
	page.AddCharts(ResidualChart(res, tolerance))
	return page.Render(w)
}
