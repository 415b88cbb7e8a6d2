// Package plots renders the training history of a ledger and the output
// distributions of a prediction container.
package plots

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
	"github.com/orcanet/orcanet/internal/monitoring"
	"github.com/orcanet/orcanet/internal/trainlog"
)

var logf = monitoring.Component("Plots")

// PlotsDir holds the rendered files inside a training folder.
const PlotsDir = "plots"

var (
	trainColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	valColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// missingValue marks a gap in an echarts series.
const missingValue = "-"

// points returns the finite (epoch, value) pairs of a ledger column.
func points(l *trainlog.Ledger, column string) plotter.XYs {
	epochs, values := l.Series(column)
	pts := make(plotter.XYs, 0, len(epochs))
	for i, y := range values {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: epochs[i], Y: y})
	}
	return pts
}

// HistoryPNG draws the train and val curves of one metric against the
// epoch and saves them as a PNG.
func HistoryPNG(l *trainlog.Ledger, metric, path string) error {
	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = metric

	if train := points(l, "train_"+metric); len(train) > 0 {
		line, err := plotter.NewLine(train)
		if err != nil {
			return fmt.Errorf("train curve of %s: %w", metric, err)
		}
		line.Color = trainColor
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("train", line)
	}
	// Validation rows are sparse, so they are drawn with markers.
	if val := points(l, "val_"+metric); len(val) > 0 {
		line, scatter, err := plotter.NewLinePoints(val)
		if err != nil {
			return fmt.Errorf("val curve of %s: %w", metric, err)
		}
		line.Color = valColor
		scatter.Color = valColor
		p.Add(line, scatter)
		p.Legend.Add("val", line, scatter)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.IOf("create %s: %v", filepath.Dir(path), err)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errs.IOf("save %s: %v", path, err)
	}
	return nil
}

// HistoryPNGs writes one PNG per ledger metric into dir and returns their
// paths.
func HistoryPNGs(l *trainlog.Ledger, dir string) ([]string, error) {
	if len(l.Rows) == 0 {
		return nil, errs.Lookupf("ledger has no rows to plot")
	}
	var out []string
	for _, m := range l.Metrics() {
		path := filepath.Join(dir, "history_"+m+".png")
		if err := HistoryPNG(l, m, path); err != nil {
			return out, err
		}
		out = append(out, path)
	}
	logf("Wrote %d history plots to %s", len(out), dir)
	return out, nil
}

func lineData(values []float64) []opts.LineData {
	out := make([]opts.LineData, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[i] = opts.LineData{Value: missingValue}
			continue
		}
		out[i] = opts.LineData{Value: v}
	}
	return out
}

// HistoryHTML writes an interactive page with one chart per ledger metric.
// The page replaces path atomically.
func HistoryHTML(fsys fsutil.FileSystem, l *trainlog.Ledger, title, path string) error {
	if len(l.Rows) == 0 {
		return errs.Lookupf("ledger has no rows to plot")
	}
	epochs, _ := l.Series("LR")
	x := make([]string, len(epochs))
	for i, e := range epochs {
		x[i] = fmt.Sprintf("%.4g", e)
	}

	page := components.NewPage()
	page.PageTitle = title
	for _, m := range l.Metrics() {
		_, train := l.Series("train_" + m)
		_, val := l.Series("val_" + m)

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px"}),
			charts.WithTitleOpts(opts.Title{Title: m, Subtitle: title}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "Epoch", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: m, Scale: opts.Bool(true)}),
		)
		line.SetXAxis(x).
			AddSeries("train", lineData(train)).
			AddSeries("val", lineData(val),
				charts.WithLineChartOpts(opts.LineChart{ConnectNulls: opts.Bool(true), ShowSymbol: opts.Bool(true)}),
			)
		page.AddCharts(line)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("failed to render history page: %w", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.IOf("create %s: %v", filepath.Dir(path), err)
	}
	if err := fsutil.AtomicWriteFile(fsys, path, buf.Bytes(), 0644); err != nil {
		return errs.IOf("write %s: %v", path, err)
	}
	return nil
}
