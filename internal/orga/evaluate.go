package orga

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/orcanet/orcanet/internal/dataset"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/model"
	sqlitestore "github.com/orcanet/orcanet/internal/storage/sqlite"
)

// Validate evaluates m on every validation file without updating it. A nil
// m loads the checkpoint of the latest ledger row. Metrics are averaged
// over events within a file and then over files.
func (o *Organizer) Validate(ctx context.Context, m model.Model) (map[string]float64, error) {
	if err := o.begin(StatusValidating); err != nil {
		return nil, err
	}
	defer o.setStatus(StatusIdle)

	if m == nil {
		last, ok, err := o.Latest()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Lookupf("no trained model in %s", o.dir)
		}
		if m, err = o.LoadModel(last); err != nil {
			return nil, err
		}
	}
	return o.validate(ctx, m)
}

func (o *Organizer) validate(ctx context.Context, m model.Model) (map[string]float64, error) {
	nFiles := o.manifest.NumValidationFiles()
	if nFiles == 0 {
		return nil, errs.Configf("list file %s has no validation files", o.manifest.Path())
	}
	names := m.MetricNames()
	perFile := make([][]float64, len(names))
	for f := 1; f <= nFiles; f++ {
		files, err := o.manifest.ValidationFile(f)
		if err != nil {
			return nil, err
		}
		acc := newMeanAccumulator(names)
		err = o.eachBatch(ctx, files, false, 0, func(_ int, b dataset.Batch) error {
			values, err := m.TestOnBatch(b)
			if err != nil {
				return err
			}
			acc.add(values, float64(b.Len()))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("validation file %d: %w", f, err)
		}
		means := acc.means()
		for i, n := range names {
			perFile[i] = append(perFile[i], means[n])
		}
	}

	out := make(map[string]float64, len(names))
	for i, n := range names {
		out[n] = stat.Mean(perFile[i], nil)
	}
	logf("Validation over %d files: %v", nFiles, out)
	return out, nil
}

// Predict runs the checkpoint of (epoch, fileNo) over every validation
// file and writes predictions, true labels and event metadata into one
// container, whose path is returned. epoch 0 selects the latest ledger
// row and then fileNo must be 0; fileNo 0 selects the last training file of
// epoch.
func (o *Organizer) Predict(ctx context.Context, epoch, fileNo int) (string, error) {
	if epoch == 0 && fileNo != 0 {
		return "", errs.Configf("file number %d given without an epoch", fileNo)
	}
	if epoch < 0 || fileNo < 0 {
		return "", errs.Configf("invalid checkpoint epoch %d file %d", epoch, fileNo)
	}
	if err := o.begin(StatusPredicting); err != nil {
		return "", err
	}
	defer o.setStatus(StatusIdle)

	ep := Epoch{Epoch: epoch, File: fileNo}
	if epoch == 0 {
		last, ok, err := o.Latest()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errs.Lookupf("no trained model in %s", o.dir)
		}
		ep = last
	} else if fileNo == 0 {
		ep.File = o.manifest.NumTrainFiles()
	}
	if o.manifest.NumValidationFiles() == 0 {
		return "", errs.Configf("list file %s has no validation files", o.manifest.Path())
	}

	m, err := o.LoadModel(ep)
	if err != nil {
		return "", err
	}
	widths := make(map[string]int)
	for _, h := range m.Spec().Heads {
		widths[h.Name] = h.Width
	}

	path := PredictionPath(o.dir, ep)
	w, err := sqlitestore.NewPredictionWriter(path, widths)
	if err != nil {
		return "", err
	}
	for f := 1; f <= o.manifest.NumValidationFiles(); f++ {
		files, err := o.manifest.ValidationFile(f)
		if err != nil {
			w.Abort()
			return "", err
		}
		err = o.eachBatch(ctx, files, false, 0, func(_ int, b dataset.Batch) error {
			return predictBatch(w, m, b)
		})
		if err != nil {
			w.Abort()
			return "", fmt.Errorf("prediction on validation file %d: %w", f, err)
		}
	}
	rows := w.Len()
	if err := w.Commit(); err != nil {
		return "", err
	}
	logf("Wrote %d predictions of %s to %s", rows, ep, path)
	return path, nil
}

func predictBatch(w *sqlitestore.PredictionWriter, m model.Model, b dataset.Batch) error {
	out, err := m.Predict(b.Inputs)
	if err != nil {
		return err
	}
	for r := 0; r < b.Len(); r++ {
		pred := make(map[string][]float64, len(out))
		label := make(map[string][]float64, len(out))
		for h, p := range out {
			y, ok := b.Labels[h]
			if !ok {
				return errs.Consistencyf("batch has no labels for head %s", h)
			}
			pred[h] = mat.Row(nil, r, p)
			label[h] = mat.Row(nil, r, y)
		}
		if err := w.Append(pred, label, b.Tracks[r]); err != nil {
			return err
		}
	}
	return nil
}
