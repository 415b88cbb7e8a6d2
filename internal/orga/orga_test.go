package orga

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/dataset"
	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
	"github.com/orcanet/orcanet/internal/histogram"
	"github.com/orcanet/orcanet/internal/model"
	"github.com/orcanet/orcanet/internal/monitoring"
	"github.com/orcanet/orcanet/internal/pipeline"
	sqlitestore "github.com/orcanet/orcanet/internal/storage/sqlite"
	"github.com/orcanet/orcanet/internal/timeutil"
	"github.com/orcanet/orcanet/internal/trainlog"
)

func init() {
	monitoring.SetLogger(nil)
}

const (
	trainEvents = 20
	valEvents   = 12
	nTrain      = 3
)

type fixture struct {
	manifest  *config.Manifest
	valTracks []detector.Track
}

// newFixture bins synthetic events into nTrain training containers and one
// validation container.
func newFixture(t *testing.T) fixture {
	t.Helper()
	geo, err := pipeline.SyntheticGeometry(9, 18, 10)
	require.NoError(t, err)
	limits, err := geo.Limits()
	require.NoError(t, err)

	cfg := config.EmptyRunConfig()
	cfg.NBins = []int{5, 5, 6, 10}
	cfg.Projections = []string{string(histogram.XYZ)}
	conv, err := pipeline.NewConverter(geo, limits, cfg, t.TempDir())
	require.NoError(t, err)

	convert := func(stem string, seed int64, n int) (string, []detector.Event) {
		events := pipeline.NewEventGenerator(geo, seed, 30, 1500).Generate(n)
		paths, err := conv.Convert(context.Background(), stem, events)
		require.NoError(t, err)
		return paths[histogram.XYZ], events
	}

	in := config.InputFiles{}
	for i := 1; i <= nTrain; i++ {
		p, _ := convert(fmt.Sprintf("train_%d", i), int64(i), trainEvents)
		in.TrainFiles = append(in.TrainFiles, p)
	}
	p, events := convert("val_1", 100, valEvents)
	in.ValidationFiles = []string{p}

	f := fixture{manifest: &config.Manifest{Inputs: map[string]config.InputFiles{"xyz": in}}}
	for _, ev := range events {
		f.valTracks = append(f.valTracks, ev.Track)
	}
	return f
}

func testModelFile() *config.ModelFile {
	return &config.ModelFile{
		Model: config.ModelSection{
			NNArch:          "DENSE",
			Hyperparameters: map[string]any{"n_units": []any{8.0}},
			CompileOpt: map[string]config.HeadOptions{
				dataset.HeadTrackShower: {Function: "categorical_crossentropy", Metrics: []string{"acc"}},
			},
		},
		Modifiers: config.ModifierSection{LabelModifier: "ts_classifier"},
	}
}

func testConfig() *config.RunConfig {
	cfg := config.EmptyRunConfig()
	bs, display := 8, 2
	cfg.BatchSize = &bs
	cfg.TrainLoggerDisplay = &display
	return cfg
}

func newOrganizer(t *testing.T, dir string, m *config.Manifest, cfg *config.RunConfig, opts ...Option) *Organizer {
	t.Helper()
	o, err := New(dir, m, cfg, testModelFile(), opts...)
	require.NoError(t, err)
	return o
}

func readLedger(t *testing.T, dir string) *trainlog.Ledger {
	t.Helper()
	l, err := trainlog.ReadLedger(fsutil.OSFileSystem{}, filepath.Join(dir, trainlog.SummaryFile))
	require.NoError(t, err)
	return l
}

func TestNextEpoch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		nFiles int
		rows   []Epoch
		want   Epoch
	}{
		{"fresh folder", 4, nil, Epoch{1, 1}},
		{"within epoch", 4, []Epoch{{1, 1}, {2, 3}}, Epoch{2, 4}},
		{"after last file", 3, []Epoch{{1, 3}, {2, 3}}, Epoch{3, 1}},
		{"single file", 1, []Epoch{{5, 1}}, Epoch{6, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			in := config.InputFiles{}
			for i := 0; i < tt.nFiles; i++ {
				in.TrainFiles = append(in.TrainFiles, fmt.Sprintf("train_%d.h5db", i))
			}
			o := newOrganizer(t, dir, &config.Manifest{Inputs: map[string]config.InputFiles{"xyz": in}}, testConfig())

			s, err := trainlog.NewSummaryLogger(fsutil.OSFileSystem{}, dir, []string{"loss"})
			require.NoError(t, err)
			for _, r := range tt.rows {
				require.NoError(t, s.WriteLine(trainlog.EpochFloat(r.Epoch, r.File, tt.nFiles), 0.001, map[string]float64{"loss": 1}, nil))
			}

			got, err := o.NextEpoch()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()
	m := &config.Manifest{Inputs: map[string]config.InputFiles{"xyz": {TrainFiles: []string{"a.h5db"}}}}

	_, err := New(t.TempDir(), &config.Manifest{}, testConfig(), testModelFile())
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	mf := testModelFile()
	mf.Modifiers.LabelModifier = "no_such_modifier"
	_, err = New(t.TempDir(), m, testConfig(), mf)
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	cfg := testConfig()
	cfg.Seal()
	_, err = New(t.TempDir(), m, cfg, testModelFile())
	assert.ErrorIs(t, err, errs.ErrConfiguration, "modifiers cannot be applied to a sealed config")
}

func TestTrainFreshFolder(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	dir := t.TempDir()
	cfg := testConfig()
	o := newOrganizer(t, dir, fx.manifest, cfg)

	m, err := o.Train(context.Background(), nil, 1)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, StatusIdle, o.Status())

	l := readLedger(t, dir)
	assert.Equal(t, []string{"loss", "acc"}, l.Metrics())
	require.Len(t, l.Rows, nTrain)
	for i, row := range l.Rows {
		assert.InDelta(t, float64(i+1)/nTrain, row.Epoch, 1e-6)
		assert.False(t, math.IsNaN(row.Values["train_loss"]), "row %d", i)
		last := i == nTrain-1
		assert.Equal(t, !last, math.IsNaN(row.Values["val_loss"]), "row %d validated", i)
		assert.True(t, fsutil.OSFileSystem{}.Exists(CheckpointPath(dir, Epoch{1, i + 1})))
		assert.True(t, fsutil.OSFileSystem{}.Exists(trainlog.BatchLogPath(dir, 1, i+1)))
	}
	assert.True(t, fsutil.OSFileSystem{}.Exists(filepath.Join(dir, trainlog.RunLogFile)))

	next, err := o.NextEpoch()
	require.NoError(t, err)
	assert.Equal(t, Epoch{2, 1}, next)

	assert.ErrorIs(t, cfg.SetBatchSize(4), errs.ErrConfiguration, "training seals the config")
}

func TestTrainResumeMatchesUninterrupted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	shuffle := true
	decay := 0.1
	mkcfg := func() *config.RunConfig {
		cfg := testConfig()
		cfg.ShuffleTrain = &shuffle
		cfg.LRDecay = &decay
		return cfg
	}

	straight := t.TempDir()
	_, err := newOrganizer(t, straight, fx.manifest, mkcfg()).Train(context.Background(), nil, 2)
	require.NoError(t, err)

	resumed := t.TempDir()
	_, err = newOrganizer(t, resumed, fx.manifest, mkcfg()).Train(context.Background(), nil, 1)
	require.NoError(t, err)
	_, err = newOrganizer(t, resumed, fx.manifest, mkcfg()).Train(context.Background(), nil, 1)
	require.NoError(t, err)

	last := Epoch{2, nTrain}
	a, err := model.LoadCheckpoint(fsutil.OSFileSystem{}, CheckpointPath(straight, last))
	require.NoError(t, err)
	b, err := model.LoadCheckpoint(fsutil.OSFileSystem{}, CheckpointPath(resumed, last))
	require.NoError(t, err)
	if diff := cmp.Diff(a.Params, b.Params); diff != "" {
		t.Fatalf("resumed parameters differ (-straight +resumed):\n%s", diff)
	}
	assert.Equal(t, a.LearningRate, b.LearningRate)
	assert.InDelta(t, 0.001*math.Pow(0.9, 5), b.LearningRate, 1e-12)

	la, lb := readLedger(t, straight), readLedger(t, resumed)
	if diff := cmp.Diff(la.Rows, lb.Rows, cmpopts.EquateNaNs()); diff != "" {
		t.Fatalf("ledgers differ (-straight +resumed):\n%s", diff)
	}
}

func TestTrainCleanupModels(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	dir := t.TempDir()
	cfg := testConfig()
	cleanup := true
	cfg.CleanupModels = &cleanup

	_, err := newOrganizer(t, dir, fx.manifest, cfg).Train(context.Background(), nil, 1)
	require.NoError(t, err)

	names, err := fsutil.OSFileSystem{}.ReadDir(filepath.Join(dir, SavedModelsDir))
	require.NoError(t, err)
	assert.Equal(t, []string{"model_epoch_1_file_3.ckpt"}, names)
}

func TestTrainValidateInterval(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	dir := t.TempDir()
	cfg := testConfig()
	interval := 1
	cfg.ValidateInterval = &interval

	_, err := newOrganizer(t, dir, fx.manifest, cfg).Train(context.Background(), nil, 1)
	require.NoError(t, err)
	for i, row := range readLedger(t, dir).Rows {
		assert.False(t, math.IsNaN(row.Values["val_acc"]), "row %d", i)
	}
}

func TestTrainObserver(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	var o *Organizer
	var starts, batches, validated int
	obs := ObserverFuncs{
		EpochStart: func(Epoch, float64) { starts++ },
		BatchEnd: func(_ Epoch, _ int, metrics map[string]float64) {
			batches++
			assert.Contains(t, metrics, "loss")
			assert.Equal(t, StatusTraining, o.Status())
		},
		EpochEnd: func(ep Epoch, train, val map[string]float64) {
			assert.Contains(t, train, "acc")
			if val != nil {
				validated++
				assert.Equal(t, nTrain, ep.File)
			}
		},
	}
	o = newOrganizer(t, t.TempDir(), fx.manifest, testConfig(), WithObserver(obs))

	_, err := o.Train(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, nTrain, starts)
	assert.Equal(t, nTrain*3, batches, "20 events in batches of 8")
	assert.Equal(t, 1, validated)
}

func TestTrainCancelled(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := ObserverFuncs{BatchEnd: func(ep Epoch, batch int, _ map[string]float64) {
		if ep.File == 2 && batch == 1 {
			cancel()
		}
	}}

	_, err := newOrganizer(t, dir, fx.manifest, testConfig(), WithObserver(obs)).Train(ctx, nil, 1)
	assert.ErrorIs(t, err, context.Canceled)

	l := readLedger(t, dir)
	require.Len(t, l.Rows, 1, "an interrupted file leaves no ledger row")
	assert.False(t, fsutil.OSFileSystem{}.Exists(CheckpointPath(dir, Epoch{1, 2})))

	next, err := newOrganizer(t, dir, fx.manifest, testConfig()).NextEpoch()
	require.NoError(t, err)
	assert.Equal(t, Epoch{1, 2}, next)
}

func TestPredict(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	dir := t.TempDir()
	_, err := newOrganizer(t, dir, fx.manifest, testConfig()).Train(context.Background(), nil, 1)
	require.NoError(t, err)

	o := newOrganizer(t, dir, fx.manifest, testConfig())
	path, err := o.Predict(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, PredictionPath(dir, Epoch{1, nTrain}), path)

	r, err := sqlitestore.OpenPredictionReader(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, valEvents, r.Len())
	assert.Equal(t, []string{dataset.HeadTrackShower}, r.Heads())

	preds, err := r.Predictions(dataset.HeadTrackShower)
	require.NoError(t, err)
	for i, p := range preds {
		require.Len(t, p, 2)
		assert.InDelta(t, 1.0, p[0]+p[1], 1e-9, "softmax row %d", i)
	}
	tracks, err := r.Tracks()
	require.NoError(t, err)
	if diff := cmp.Diff(fx.valTracks, tracks); diff != "" {
		t.Fatalf("prediction tracks mismatch (-want +got):\n%s", diff)
	}

	path, err = o.Predict(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, PredictionPath(dir, Epoch{1, 2}), path)

	_, err = o.Predict(context.Background(), 4, 1)
	assert.ErrorIs(t, err, errs.ErrLookup)

	_, err = o.Predict(context.Background(), 0, 2)
	assert.ErrorIs(t, err, errs.ErrConfiguration, "a file number needs an epoch")
	assert.Equal(t, StatusIdle, o.Status())
}

func TestValidateAndPredictNeedModel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	o := newOrganizer(t, t.TempDir(), fx.manifest, testConfig())

	_, err := o.Validate(context.Background(), nil)
	assert.ErrorIs(t, err, errs.ErrLookup)
	_, err = o.Predict(context.Background(), 0, 0)
	assert.ErrorIs(t, err, errs.ErrLookup)
	assert.Equal(t, StatusIdle, o.Status())
}

func TestValidateFreshModel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	o := newOrganizer(t, t.TempDir(), fx.manifest, testConfig())
	m, err := o.BuildModel()
	require.NoError(t, err)

	val, err := o.Validate(context.Background(), m)
	require.NoError(t, err)
	assert.Len(t, val, 2)
	assert.Greater(t, val["loss"], 0.0)
	assert.GreaterOrEqual(t, val["acc"], 0.0)
	assert.LessOrEqual(t, val["acc"], 1.0)
}

func TestTrainRunLogUsesClock(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	dir := t.TempDir()
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	o := newOrganizer(t, dir, fx.manifest, testConfig(), WithClock(clock))

	_, err := o.Train(context.Background(), nil, 1)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, trainlog.RunLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "2024-03-01 09:30:00  Training run")
	assert.Contains(t, string(data), "Training epoch 1 file 3")

	st, err := model.LoadCheckpoint(fsutil.OSFileSystem{}, CheckpointPath(dir, Epoch{1, nTrain}))
	require.NoError(t, err)
	assert.True(t, st.Saved.Equal(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)), "checkpoint stamped %v", st.Saved)
}

func TestTrainResumeValidatesPendingFile(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	dir := t.TempDir()
	_, err := newOrganizer(t, dir, fx.manifest, testConfig()).Train(context.Background(), nil, 1)
	require.NoError(t, err)

	// Rewrite the ledger as a run stopped after training the last file of
	// epoch 1 but before validating it.
	before := readLedger(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, trainlog.SummaryFile)))
	s, err := trainlog.NewSummaryLogger(fsutil.OSFileSystem{}, dir, before.Metrics())
	require.NoError(t, err)
	for _, row := range before.Rows {
		train := make(map[string]float64)
		for _, m := range before.Metrics() {
			train[m] = row.Values["train_"+m]
		}
		require.NoError(t, s.WriteLine(row.Epoch, row.LR, train, nil))
	}
	require.True(t, math.IsNaN(readLedger(t, dir).Rows[nTrain-1].Values["val_loss"]))

	o := newOrganizer(t, dir, fx.manifest, testConfig())
	m, err := o.LoadModel(Epoch{1, nTrain})
	require.NoError(t, err)
	want, err := o.Validate(context.Background(), m)
	require.NoError(t, err)

	_, err = o.Train(context.Background(), nil, 1)
	require.NoError(t, err)

	l := readLedger(t, dir)
	require.Len(t, l.Rows, 2*nTrain)
	row := l.Rows[nTrain-1]
	assert.InDelta(t, 1.0, row.Epoch, 1e-6)
	assert.InEpsilon(t, want["loss"], row.Values["val_loss"], 1e-3, "epoch 1 file %d validated on resume", nTrain)
	assert.InDelta(t, before.Rows[nTrain-1].Values["val_loss"], row.Values["val_loss"], 1e-3)
	assert.False(t, math.IsNaN(l.Rows[2*nTrain-1].Values["val_loss"]))
}

func TestTrainTwiceDoesNotCompoundBatchSize(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	cfg := testConfig()
	gpus := 2
	cfg.NGPU = &gpus
	o := newOrganizer(t, t.TempDir(), fx.manifest, cfg)

	m, err := o.Train(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Spec().Shards)
	assert.Equal(t, 16, cfg.GetBatchSize())

	_, err = o.Train(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.GetBatchSize(), "resuming rescales from the configured batchsize")
}
