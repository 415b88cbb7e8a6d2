package orga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/orcanet/orcanet/internal/dataset"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/model"
	"github.com/orcanet/orcanet/internal/trainlog"
	"github.com/orcanet/orcanet/internal/version"
)

var checkpointName = regexp.MustCompile(`^model_epoch_\d+_file_\d+\.ckpt$`)

// Train trains from the step after the latest ledger row until the end of
// epoch start+epochs-1, counting a partly trained epoch as one. epochs <= 0
// falls back to epochs_to_train, and 0 there trains until ctx is
// cancelled.
//
// A nil model resumes from the checkpoint of the latest ledger row, or
// builds a fresh model in an empty folder. The config is sealed for the
// rest of the Organizer's life. The trained model is returned even when an
// error stops the loop.
func (o *Organizer) Train(ctx context.Context, m model.Model, epochs int) (model.Model, error) {
	if err := o.begin(StatusTraining); err != nil {
		return m, err
	}
	defer o.setStatus(StatusIdle)

	o.cfg.Seal()
	next, err := o.NextEpoch()
	if err != nil {
		return m, err
	}
	if m == nil {
		if m, err = o.resume(); err != nil {
			return nil, err
		}
	}
	if epochs <= 0 {
		epochs = o.cfg.GetEpochsToTrain()
	}
	last := next.Epoch + epochs - 1

	runID := uuid.NewString()
	if err := o.runLog.TrainingStart(runID, version.String(), o.manifest, o.cfg); err != nil {
		return m, err
	}
	summary, err := trainlog.NewSummaryLogger(o.fsys, o.dir, m.MetricNames())
	if err != nil {
		return m, err
	}
	if err := o.validatePending(ctx, m, summary); err != nil {
		return m, err
	}
	logf("Run %s: training from %s", runID, next)

	for ep := next; epochs == 0 || ep.Epoch <= last; ep = o.advance(ep) {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		if err := o.step(ctx, m, summary, runID, ep); err != nil {
			return m, fmt.Errorf("%s: %w", ep, err)
		}
	}
	logf("Run %s: finished training at epoch %d", runID, last)
	return m, nil
}

// resume loads the model of the latest ledger row, or builds a new one
// when the folder holds no training yet.
func (o *Organizer) resume() (model.Model, error) {
	last, ok, err := o.Latest()
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.BuildModel()
	}
	m, err := o.LoadModel(last)
	if err != nil {
		return nil, err
	}
	o.cfg.ScaleBatchSize(m.Spec().Shards)
	return m, nil
}

// validatePending validates the model of the latest ledger row when that
// file was due for validation and the row holds no val values, which
// happens when a run stops between training and validating a file. m must
// be the model saved after that row.
func (o *Organizer) validatePending(ctx context.Context, m model.Model, summary *trainlog.SummaryLogger) error {
	l, err := summary.Ledger()
	if err != nil {
		return err
	}
	row, ok := l.Latest()
	if !ok {
		return nil
	}
	n := o.manifest.NumTrainFiles()
	e, f := trainlog.EpochFile(row.Epoch, n)
	if f < 1 || !o.shouldValidate(f) {
		return nil
	}
	for _, name := range m.MetricNames() {
		if v, ok := row.Values["val_"+name]; ok && !math.IsNaN(v) {
			return nil
		}
	}

	ep := Epoch{Epoch: e, File: f}
	logf("Validating %s, which an earlier run left unvalidated", ep)
	if err := o.runLog.ValidationStart(e, f, o.manifest.NumValidationFiles()); err != nil {
		return err
	}
	o.setStatus(StatusValidating)
	val, err := o.validate(ctx, m)
	o.setStatus(StatusTraining)
	if err != nil {
		return fmt.Errorf("%s: validation failed: %w", ep, err)
	}
	if err := summary.WriteLine(trainlog.EpochFloat(e, f, n), row.LR, nil, val); err != nil {
		return err
	}
	return o.runLog.Result("Validation", m.MetricNames(), val)
}

// step trains one file. The checkpoint is written before the ledger row,
// so every ledger row has a checkpoint.
func (o *Organizer) step(ctx context.Context, m model.Model, summary *trainlog.SummaryLogger, runID string, ep Epoch) error {
	n := o.manifest.NumTrainFiles()
	lr := model.DecayedLearningRate(o.cfg.GetLearningRate(), o.cfg.GetLRDecay(), (ep.Epoch-1)*n+ep.File-1)
	m.SetLearningRate(lr)

	files, err := o.manifest.TrainFile(ep.File)
	if err != nil {
		return err
	}
	if err := o.runLog.EpochStart(ep.Epoch, ep.File, files, lr); err != nil {
		return err
	}
	for _, obs := range o.observers {
		obs.OnEpochStart(ep, lr)
	}
	logf("Training %s with learning rate %g", ep, lr)

	start := o.clock.Now()
	train, err := o.trainFile(ctx, m, ep, files)
	if err != nil {
		return err
	}
	// A file only counts as trained after a full pass.
	if err := ctx.Err(); err != nil {
		return err
	}
	logf("Trained %s in %s: %v", ep, o.clock.Since(start).Round(time.Millisecond), train)

	st := m.State()
	st.Epoch, st.File, st.RunID = ep.Epoch, ep.File, runID
	st.Saved = o.clock.Now().UTC()
	if err := model.SaveCheckpoint(o.fsys, CheckpointPath(o.dir, ep), st); err != nil {
		return err
	}
	if o.cfg.GetCleanupModels() {
		if err := o.cleanupModels(ep); err != nil {
			return err
		}
	}

	epochFloat := trainlog.EpochFloat(ep.Epoch, ep.File, n)
	if err := summary.WriteLine(epochFloat, lr, train, nil); err != nil {
		return err
	}
	if err := o.runLog.Result("Training", m.MetricNames(), train); err != nil {
		return err
	}

	var val map[string]float64
	if o.shouldValidate(ep.File) {
		if err := o.runLog.ValidationStart(ep.Epoch, ep.File, o.manifest.NumValidationFiles()); err != nil {
			return err
		}
		o.setStatus(StatusValidating)
		val, err = o.validate(ctx, m)
		o.setStatus(StatusTraining)
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		if err := summary.WriteLine(epochFloat, lr, nil, val); err != nil {
			return err
		}
		if err := o.runLog.Result("Validation", m.MetricNames(), val); err != nil {
			return err
		}
	}
	for _, obs := range o.observers {
		obs.OnEpochEnd(ep, train, val)
	}
	return nil
}

// shouldValidate reports whether validation follows training file f.
func (o *Organizer) shouldValidate(f int) bool {
	if o.manifest.NumValidationFiles() == 0 {
		return false
	}
	interval := o.cfg.GetValidateInterval()
	return (interval > 0 && f%interval == 0) || f == o.manifest.NumTrainFiles()
}

// trainFile makes one pass over a training file and returns the metrics
// averaged over its events.
func (o *Organizer) trainFile(ctx context.Context, m model.Model, ep Epoch, files map[string]string) (result map[string]float64, err error) {
	counts, err := o.trainBatches()
	if err != nil {
		return nil, err
	}
	win := trainlog.BatchWindow{Epoch: ep.Epoch, File: ep.File}
	for f := 1; f < len(counts); f++ {
		if f < ep.File {
			win.PrevBatches += counts[f]
		}
		win.TotalBatches += counts[f]
	}

	names := m.MetricNames()
	bl, err := trainlog.NewBatchLogger(o.dir, win, names,
		o.cfg.GetTrainLoggerDisplay(), o.cfg.GetTrainLoggerFlush())
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := bl.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	acc := newMeanAccumulator(names)
	seed := dataset.ShuffleSeed(o.cfg.GetShuffleSeed(), ep.Epoch, ep.File)
	err = o.eachBatch(ctx, files, o.cfg.GetShuffleTrain(), seed, func(i int, b dataset.Batch) error {
		values, err := m.TrainOnBatch(b)
		if err != nil {
			return err
		}
		if err := bl.Add(values); err != nil {
			return err
		}
		acc.add(values, float64(b.Len()))
		for _, obs := range o.observers {
			obs.OnBatchEnd(ep, i+1, named(names, values))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc.means(), nil
}

// eachBatch feeds the batches of one file number to fn in order, loading
// ahead on a background goroutine.
func (o *Organizer) eachBatch(ctx context.Context, files map[string]string, shuffle bool, seed int64, fn func(i int, b dataset.Batch) error) error {
	fr, loader, err := o.openLoader(files)
	if err != nil {
		return err
	}
	defer fr.Close()

	order := dataset.Order(o.eventCount(fr.Len()), shuffle, seed)
	p := dataset.NewPrefetcher(ctx, loader, dataset.Split(order, o.cfg.GetBatchSize()), o.cfg.GetMaxQueueSize())
	defer p.Close()

	for i := 0; ; i++ {
		b, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(i, b); err != nil {
			return err
		}
	}
}

// cleanupModels removes every checkpoint except the one of keep.
func (o *Organizer) cleanupModels(keep Epoch) error {
	dir := filepath.Join(o.dir, SavedModelsDir)
	names, err := o.fsys.ReadDir(dir)
	if err != nil {
		return errs.IOf("list %s: %v", dir, err)
	}
	kept := filepath.Base(CheckpointPath(o.dir, keep))
	for _, name := range names {
		if name == kept || !checkpointName.MatchString(name) {
			continue
		}
		if err := o.fsys.Remove(filepath.Join(dir, name)); err != nil {
			return errs.IOf("remove old checkpoint %s: %v", name, err)
		}
		logf("Removed old checkpoint %s", name)
	}
	return nil
}

// meanAccumulator averages metric vectors, weighting each by its event
// count.
type meanAccumulator struct {
	names   []string
	values  [][]float64
	weights []float64
}

func newMeanAccumulator(names []string) *meanAccumulator {
	return &meanAccumulator{names: names, values: make([][]float64, len(names))}
}

func (a *meanAccumulator) add(values []float64, weight float64) {
	for i, v := range values {
		a.values[i] = append(a.values[i], v)
	}
	a.weights = append(a.weights, weight)
}

func (a *meanAccumulator) means() map[string]float64 {
	out := make(map[string]float64, len(a.names))
	for i, n := range a.names {
		out[n] = stat.Mean(a.values[i], a.weights)
	}
	return out
}

func named(names []string, values []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, n := range names {
		out[n] = values[i]
	}
	return out
}
