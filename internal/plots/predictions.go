package plots

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/orcanet/orcanet/internal/errs"
	sqlitestore "github.com/orcanet/orcanet/internal/storage/sqlite"
)

const predictionBins = 40

var classColors = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 160},
	color.RGBA{R: 255, G: 127, B: 14, A: 160},
	color.RGBA{R: 44, G: 160, B: 44, A: 160},
	color.RGBA{R: 214, G: 39, B: 40, A: 160},
}

// ClassScoreHistogram draws, for a classification head, the predicted
// score of class 0 split by the true class of each event.
func ClassScoreHistogram(preds, labels [][]float64, head, path string) error {
	if len(preds) == 0 || len(preds) != len(labels) {
		return errs.Consistencyf("head %s: %d predictions for %d labels", head, len(preds), len(labels))
	}
	width := len(preds[0])
	byClass := make([]plotter.Values, width)
	for i, p := range preds {
		c := floats.MaxIdx(labels[i])
		byClass[c] = append(byClass[c], p[0])
	}

	p := plot.New()
	p.Title.Text = head
	p.X.Label.Text = "score of class 0"
	p.Y.Label.Text = "events"
	for c, vals := range byClass {
		if len(vals) == 0 {
			continue
		}
		h, err := plotter.NewHist(vals, predictionBins)
		if err != nil {
			return fmt.Errorf("histogram of class %d: %w", c, err)
		}
		h.FillColor = classColors[c%len(classColors)]
		h.LineStyle.Width = vg.Points(0.5)
		p.Add(h)
		p.Legend.Add(fmt.Sprintf("true class %d", c), h)
	}
	p.Legend.Top = true

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.IOf("create %s: %v", filepath.Dir(path), err)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errs.IOf("save %s: %v", path, err)
	}
	return nil
}

// ResidualHistogram draws prediction minus truth of every component of a
// regression head.
func ResidualHistogram(preds, labels [][]float64, head, path string) error {
	if len(preds) == 0 || len(preds) != len(labels) {
		return errs.Consistencyf("head %s: %d predictions for %d labels", head, len(preds), len(labels))
	}
	p := plot.New()
	p.Title.Text = head
	p.X.Label.Text = "prediction - truth"
	p.Y.Label.Text = "events"
	for c := range preds[0] {
		res := make(plotter.Values, len(preds))
		for i := range preds {
			res[i] = preds[i][c] - labels[i][c]
		}
		h, err := plotter.NewHist(res, predictionBins)
		if err != nil {
			return fmt.Errorf("residuals of component %d: %w", c, err)
		}
		h.FillColor = classColors[c%len(classColors)]
		p.Add(h)
		p.Legend.Add(fmt.Sprintf("component %d", c), h)
	}
	p.Legend.Top = true

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.IOf("create %s: %v", filepath.Dir(path), err)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errs.IOf("save %s: %v", path, err)
	}
	return nil
}

// PredictionPNGs plots every head of a predictions container into dir.
// Heads whose predictions sum to one per event are treated as classifiers.
func PredictionPNGs(containerPath, dir string) ([]string, error) {
	r, err := sqlitestore.OpenPredictionReader(containerPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []string
	for _, head := range r.Heads() {
		preds, err := r.Predictions(head)
		if err != nil {
			return out, err
		}
		labels, err := r.Labels(head)
		if err != nil {
			return out, err
		}
		path := filepath.Join(dir, "pred_"+head+".png")
		if isClassifier(preds) {
			err = ClassScoreHistogram(preds, labels, head, path)
		} else {
			err = ResidualHistogram(preds, labels, head, path)
		}
		if err != nil {
			return out, err
		}
		out = append(out, path)
	}
	logf("Wrote %d prediction plots to %s", len(out), dir)
	return out, nil
}

func isClassifier(preds [][]float64) bool {
	if len(preds) == 0 || len(preds[0]) < 2 {
		return false
	}
	for _, p := range preds {
		if !scalar.EqualWithinAbs(floats.Sum(p), 1, 1e-6) {
			return false
		}
	}
	return true
}
