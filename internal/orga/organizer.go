// Package orga runs training, validation and prediction inside a training
// folder.
//
// A training folder holds:
//
//	summary.txt                          ledger, one row per trained file
//	log.txt                              human-readable run history
//	train_log/log_epoch_E_file_F.txt     batch metrics of one trained file
//	saved_models/model_epoch_E_file_F.ckpt
//	predictions/pred_model_epoch_E_file_F.h5db
//
// A run resumes from the ledger and the checkpoint names alone. Concurrent
// Organizers on one folder are not supported; nothing is locked.
package orga

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/dataset"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
	"github.com/orcanet/orcanet/internal/model"
	"github.com/orcanet/orcanet/internal/monitoring"
	sqlitestore "github.com/orcanet/orcanet/internal/storage/sqlite"
	"github.com/orcanet/orcanet/internal/timeutil"
	"github.com/orcanet/orcanet/internal/trainlog"
)

var logf = monitoring.Component("Organizer")

// Folder layout.
const (
	SavedModelsDir = "saved_models"
	PredictionsDir = "predictions"
)

// Status is the activity of an Organizer.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusTraining   Status = "training_epoch"
	StatusValidating Status = "validating_epoch"
	StatusPredicting Status = "predicting"
)

// Epoch names one training step: a 1-based epoch and a 1-based file
// number within it.
type Epoch struct {
	Epoch int
	File  int
}

func (e Epoch) String() string { return fmt.Sprintf("epoch %d file %d", e.Epoch, e.File) }

// CheckpointPath returns dir/saved_models/model_epoch_E_file_F.ckpt.
func CheckpointPath(dir string, ep Epoch) string {
	return filepath.Join(dir, SavedModelsDir, fmt.Sprintf("model_epoch_%d_file_%d.ckpt", ep.Epoch, ep.File))
}

// PredictionPath returns the predictions container written for the
// checkpoint of ep.
func PredictionPath(dir string, ep Epoch) string {
	return filepath.Join(dir, PredictionsDir,
		fmt.Sprintf("pred_model_epoch_%d_file_%d%s", ep.Epoch, ep.File, sqlitestore.ContainerExt))
}

// Option configures an Organizer.
type Option func(*Organizer)

// WithBackend selects the model backend. The default is the linear
// reference backend.
func WithBackend(b model.Backend) Option {
	return func(o *Organizer) { o.backend = b }
}

// WithObserver registers an observer of the training loop.
func WithObserver(obs Observer) Option {
	return func(o *Organizer) { o.observers = append(o.observers, obs) }
}

// WithClock sets the clock used for run log timestamps and step timing.
func WithClock(c timeutil.Clock) Option {
	return func(o *Organizer) { o.clock = c }
}

// Organizer owns one training folder.
type Organizer struct {
	dir       string
	manifest  *config.Manifest
	cfg       *config.RunConfig
	modelFile *config.ModelFile
	backend   model.Backend
	builder   *model.Builder
	observers []Observer
	fsys      fsutil.FileSystem
	clock     timeutil.Clock

	sample dataset.SampleModifier
	label  dataset.LabelModifier

	runLog *trainlog.RunLog

	mu     sync.RWMutex
	status Status

	// cached event counts of the training files, by 1-based number
	trainSizes []int
}

// New returns an Organizer for the training folder dir. The model file's
// modifiers are copied into cfg, which must not be sealed yet.
func New(dir string, m *config.Manifest, cfg *config.RunConfig, mf *config.ModelFile, opts ...Option) (*Organizer, error) {
	if m == nil || cfg == nil || mf == nil {
		return nil, errs.Configf("organizer needs a list file, a run config and a model file")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := mf.ApplyModifiers(cfg); err != nil {
		return nil, err
	}
	o := &Organizer{
		dir:       dir,
		manifest:  m,
		cfg:       cfg,
		modelFile: mf,
		backend:   model.LinearBackend{},
		fsys:      fsutil.OSFileSystem{},
		clock:     timeutil.RealClock{},
		status:    StatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.builder = model.NewBuilder(mf, o.backend)

	var err error
	if o.sample, err = dataset.LookupSampleModifier(cfg.GetSampleModifier()); err != nil {
		return nil, err
	}
	if o.label, err = dataset.LookupLabelModifier(cfg.GetLabelModifier()); err != nil {
		return nil, err
	}
	if err := o.fsys.MkdirAll(dir, 0755); err != nil {
		return nil, errs.IOf("create training folder %s: %v", dir, err)
	}
	o.runLog = trainlog.NewRunLog(o.fsys, dir)
	o.runLog.SetClock(o.clock)
	return o, nil
}

// Dir returns the training folder.
func (o *Organizer) Dir() string { return o.dir }

// Status returns the current activity.
func (o *Organizer) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Organizer) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

// begin moves from idle to s. It fails when another operation is running.
func (o *Organizer) begin(s Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusIdle {
		return errs.Consistencyf("organizer is busy (%s)", o.status)
	}
	o.status = s
	return nil
}

func (o *Organizer) ledger() (*trainlog.Ledger, error) {
	return trainlog.ReadLedger(o.fsys, filepath.Join(o.dir, trainlog.SummaryFile))
}

// Latest returns the step of the last ledger row, false when nothing was
// trained yet.
func (o *Organizer) Latest() (Epoch, bool, error) {
	l, err := o.ledger()
	if err != nil {
		return Epoch{}, false, err
	}
	row, ok := l.Latest()
	if !ok {
		return Epoch{}, false, nil
	}
	e, f := trainlog.EpochFile(row.Epoch, o.manifest.NumTrainFiles())
	if f < 1 {
		return Epoch{}, false, nil
	}
	return Epoch{Epoch: e, File: f}, true, nil
}

// NextEpoch returns the step after the latest ledger row, (1, 1) for a
// fresh folder.
func (o *Organizer) NextEpoch() (Epoch, error) {
	last, ok, err := o.Latest()
	if err != nil || !ok {
		return Epoch{Epoch: 1, File: 1}, err
	}
	return o.advance(last), nil
}

func (o *Organizer) advance(ep Epoch) Epoch {
	if ep.File >= o.manifest.NumTrainFiles() {
		return Epoch{Epoch: ep.Epoch + 1, File: 1}
	}
	return Epoch{Epoch: ep.Epoch, File: ep.File + 1}
}

// BuildModel compiles a fresh model for the manifest's input shapes.
func (o *Organizer) BuildModel() (model.Model, error) {
	files, err := o.manifest.TrainFile(1)
	if err != nil {
		return nil, err
	}
	fr, err := dataset.OpenFiles(files)
	if err != nil {
		return nil, err
	}
	defer fr.Close()
	shapes, err := o.sample.Shapes(fr.Shapes())
	if err != nil {
		return nil, err
	}
	return o.builder.Build(shapes, o.cfg)
}

// LoadModel restores the checkpoint saved after ep. A missing checkpoint
// is a lookup error.
func (o *Organizer) LoadModel(ep Epoch) (model.Model, error) {
	st, err := model.LoadCheckpoint(o.fsys, CheckpointPath(o.dir, ep))
	if err != nil {
		return nil, err
	}
	m, err := o.backend.Restore(st)
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", ep, err)
	}
	logf("Loaded model of %s (run %s)", ep, st.RunID)
	return m, nil
}

func (o *Organizer) openLoader(files map[string]string) (*dataset.FileReader, *dataset.Loader, error) {
	fr, err := dataset.OpenFiles(files)
	if err != nil {
		return nil, nil, err
	}
	return fr, dataset.NewLoader(fr, o.sample, o.label), nil
}

// eventCount applies the n_events cap to a file of n events.
func (o *Organizer) eventCount(n int) int {
	if capped := o.cfg.GetNEvents(); capped > 0 && capped < n {
		return capped
	}
	return n
}

// trainBatches returns the batch count of every training file, 1-based.
func (o *Organizer) trainBatches() ([]int, error) {
	if o.trainSizes == nil {
		sizes := make([]int, o.manifest.NumTrainFiles()+1)
		for f := 1; f < len(sizes); f++ {
			files, err := o.manifest.TrainFile(f)
			if err != nil {
				return nil, err
			}
			fr, err := dataset.OpenFiles(files)
			if err != nil {
				return nil, err
			}
			sizes[f] = o.eventCount(fr.Len())
			fr.Close()
		}
		o.trainSizes = sizes
	}
	bs := o.cfg.GetBatchSize()
	out := make([]int, len(o.trainSizes))
	for f, n := range o.trainSizes {
		out[f] = (n + bs - 1) / bs
	}
	return out, nil
}
