package config

import (
	"fmt"
	"strings"

	"github.com/orcanet/orcanet/internal/errs"
)

// RunConfig holds every recognised option of a binning or training run.
// The schema is flat; omitted fields fall back to the defaults reported by
// the Get* methods, so partial configs are safe.
//
// A RunConfig is loaded once and passed by pointer to each component.
// Mutations go through the Set* methods, which refuse to run once the
// Organizer has sealed the config at the start of training. The only change
// permitted after sealing is ScaleBatchSize, used when a model is replicated
// over several devices.
type RunConfig struct {
	// Binning
	NBins       []int     `json:"n_bins,omitempty"`
	TimeRange   []float64 `json:"time_range,omitempty"` // [t_min, t_max] in ns
	DoMCHits    *bool     `json:"do_mc_hits,omitempty"`
	Projections []string  `json:"projections,omitempty"`

	// Data feeding
	BatchSize    *int `json:"batchsize,omitempty"`
	NEvents      *int `json:"n_events,omitempty"` // cap per file, 0 = all
	MaxQueueSize *int `json:"max_queue_size,omitempty"`
	ShuffleTrain *bool  `json:"shuffle_train,omitempty"`
	ShuffleSeed  *int64 `json:"shuffle_seed,omitempty"`

	// Devices
	NGPU         *int    `json:"n_gpu,omitempty"`
	MultiGPUMode *string `json:"multi_gpu_mode,omitempty"`

	// Optimisation
	Optimizer    *string  `json:"optimizer,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	LRDecay      *float64 `json:"lr_decay,omitempty"`

	// Schedule
	EpochsToTrain    *int `json:"epochs_to_train,omitempty"` // 0 = until cancelled
	ValidateInterval *int `json:"validate_interval,omitempty"`
	CleanupModels    *bool `json:"cleanup_models,omitempty"`

	// Batch logger
	TrainLoggerDisplay *int `json:"train_logger_display,omitempty"`
	TrainLoggerFlush   *int `json:"train_logger_flush,omitempty"`

	// Modifier references, resolved by the dataset package
	SampleModifier *string `json:"sample_modifier,omitempty"`
	LabelModifier  *string `json:"label_modifier,omitempty"`

	sealed bool
	// devices multiplies batchsize when a model is replicated
	devices int
}

// Defaults for omitted options.
const (
	DefaultBatchSize          = 64
	DefaultMaxQueueSize       = 10
	DefaultShuffleSeed        = 42
	DefaultNGPU               = 1
	DefaultMultiGPUMode       = "avolkov"
	DefaultOptimizer          = "adam"
	DefaultLearningRate       = 0.001
	DefaultTrainLoggerDisplay = 100
	DefaultTrainLoggerFlush   = -1
	DefaultTimeMin            = 0.0
	DefaultTimeMax            = 1500.0
)

// DefaultNBins is the binning used when n_bins is omitted.
var DefaultNBins = []int{11, 13, 18, 50}

// DefaultProjections lists the 3D projections written when none are named.
var DefaultProjections = []string{"xyz", "xyt", "xzt", "yzt", "rzt"}

// EmptyRunConfig returns a RunConfig with all fields unset.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// LoadRunConfig loads and validates a RunConfig from a settings file.
func LoadRunConfig(path string) (*RunConfig, error) {
	cfg := EmptyRunConfig()
	if err := decodeDocument(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *RunConfig) Validate() error {
	if c.NBins != nil {
		if len(c.NBins) != 3 && len(c.NBins) != 4 {
			return errs.Configf("n_bins must have 3 or 4 entries, got %d", len(c.NBins))
		}
		for i, n := range c.NBins {
			if n < 1 {
				return errs.Configf("n_bins[%d] must be >= 1, got %d", i, n)
			}
		}
	}
	if c.TimeRange != nil {
		if len(c.TimeRange) != 2 || !(c.TimeRange[0] < c.TimeRange[1]) {
			return errs.Configf("time_range must be [t_min, t_max] with t_min < t_max, got %v", c.TimeRange)
		}
	}
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return errs.Configf("batchsize must be positive, got %d", *c.BatchSize)
	}
	if c.NEvents != nil && *c.NEvents < 0 {
		return errs.Configf("n_events must be non-negative, got %d", *c.NEvents)
	}
	if c.MaxQueueSize != nil && *c.MaxQueueSize < 1 {
		return errs.Configf("max_queue_size must be positive, got %d", *c.MaxQueueSize)
	}
	if c.NGPU != nil && *c.NGPU < 1 {
		return errs.Configf("n_gpu must be >= 1, got %d", *c.NGPU)
	}
	if c.LearningRate != nil && *c.LearningRate <= 0 {
		return errs.Configf("learning_rate must be positive, got %g", *c.LearningRate)
	}
	if c.LRDecay != nil && (*c.LRDecay < 0 || *c.LRDecay >= 1) {
		return errs.Configf("lr_decay must be in [0, 1), got %g", *c.LRDecay)
	}
	if c.EpochsToTrain != nil && *c.EpochsToTrain < 0 {
		return errs.Configf("epochs_to_train must be non-negative, got %d", *c.EpochsToTrain)
	}
	if c.ValidateInterval != nil && *c.ValidateInterval < 0 {
		return errs.Configf("validate_interval must be non-negative, got %d", *c.ValidateInterval)
	}
	if c.TrainLoggerDisplay != nil && *c.TrainLoggerDisplay < 1 {
		return errs.Configf("train_logger_display must be positive, got %d", *c.TrainLoggerDisplay)
	}
	if c.TrainLoggerFlush != nil && *c.TrainLoggerFlush != -1 && *c.TrainLoggerFlush < 1 {
		return errs.Configf("train_logger_flush must be -1 or positive, got %d", *c.TrainLoggerFlush)
	}
	return nil
}

// Seal freezes the config. Called by the Organizer before its run loop.
func (c *RunConfig) Seal() { c.sealed = true }

// Sealed reports whether Seal has been called.
func (c *RunConfig) Sealed() bool { return c.sealed }

func (c *RunConfig) checkMutable(option string) error {
	if c.sealed {
		return errs.Configf("cannot set %s: configuration is sealed once training has started", option)
	}
	return nil
}

// SetBatchSize sets batchsize before training starts.
func (c *RunConfig) SetBatchSize(n int) error {
	if err := c.checkMutable("batchsize"); err != nil {
		return err
	}
	if n < 1 {
		return errs.Configf("batchsize must be positive, got %d", n)
	}
	c.BatchSize = &n
	return nil
}

// SetSampleModifier names the sample modifier. It may only be set once.
func (c *RunConfig) SetSampleModifier(name string) error {
	if err := c.checkMutable("sample_modifier"); err != nil {
		return err
	}
	if c.SampleModifier != nil && *c.SampleModifier != name {
		return errs.Configf("cannot set sample modifier %q: has already been set to %q", name, *c.SampleModifier)
	}
	c.SampleModifier = &name
	return nil
}

// SetLabelModifier names the label modifier. It may only be set once.
func (c *RunConfig) SetLabelModifier(name string) error {
	if err := c.checkMutable("label_modifier"); err != nil {
		return err
	}
	if c.LabelModifier != nil && *c.LabelModifier != name {
		return errs.Configf("cannot set label modifier %q: has already been set to %q", name, *c.LabelModifier)
	}
	c.LabelModifier = &name
	return nil
}

// SetLearningRate sets the initial learning rate before training starts.
func (c *RunConfig) SetLearningRate(lr float64) error {
	if err := c.checkMutable("learning_rate"); err != nil {
		return err
	}
	if lr <= 0 {
		return errs.Configf("learning_rate must be positive, got %g", lr)
	}
	c.LearningRate = &lr
	return nil
}

// ScaleBatchSize sets the effective batch size to the configured batchsize
// times factor. It is the one mutation allowed on a sealed config:
// replicating a model over n devices scales the effective batch size by n.
// Repeated calls do not compound; a factor below 2 restores batchsize.
func (c *RunConfig) ScaleBatchSize(factor int) {
	c.devices = max(factor, 1)
}

// GetNBins returns n_bins or the default.
func (c *RunConfig) GetNBins() []int {
	if len(c.NBins) == 0 {
		return append([]int(nil), DefaultNBins...)
	}
	return append([]int(nil), c.NBins...)
}

// GetTimeRange returns the time window binned on the t axis.
func (c *RunConfig) GetTimeRange() (float64, float64) {
	if len(c.TimeRange) != 2 {
		return DefaultTimeMin, DefaultTimeMax
	}
	return c.TimeRange[0], c.TimeRange[1]
}

// GetDoMCHits reports whether MC-truth hits are binned instead of all hits.
func (c *RunConfig) GetDoMCHits() bool {
	if c.DoMCHits == nil {
		return false
	}
	return *c.DoMCHits
}

// GetProjections returns the projection names to write.
func (c *RunConfig) GetProjections() []string {
	if len(c.Projections) == 0 {
		return append([]string(nil), DefaultProjections...)
	}
	return append([]string(nil), c.Projections...)
}

// GetBatchSize returns the effective batch size: batchsize or the default,
// times the device factor set by ScaleBatchSize.
func (c *RunConfig) GetBatchSize() int {
	n := DefaultBatchSize
	if c.BatchSize != nil {
		n = *c.BatchSize
	}
	return n * max(c.devices, 1)
}

// GetNEvents returns the per-file event cap, 0 meaning no cap.
func (c *RunConfig) GetNEvents() int {
	if c.NEvents == nil {
		return 0
	}
	return *c.NEvents
}

// GetMaxQueueSize returns how many batches the background loader may hold.
func (c *RunConfig) GetMaxQueueSize() int {
	if c.MaxQueueSize == nil {
		return DefaultMaxQueueSize
	}
	return *c.MaxQueueSize
}

// GetShuffleTrain reports whether training files are shuffled internally.
func (c *RunConfig) GetShuffleTrain() bool {
	if c.ShuffleTrain == nil {
		return false
	}
	return *c.ShuffleTrain
}

// GetShuffleSeed returns the base seed for per-file shuffles.
func (c *RunConfig) GetShuffleSeed() int64 {
	if c.ShuffleSeed == nil {
		return DefaultShuffleSeed
	}
	return *c.ShuffleSeed
}

// GetNGPU returns the number of devices to replicate the model over.
func (c *RunConfig) GetNGPU() int {
	if c.NGPU == nil {
		return DefaultNGPU
	}
	return *c.NGPU
}

// GetMultiGPUMode returns the replication mode.
func (c *RunConfig) GetMultiGPUMode() string {
	if c.MultiGPUMode == nil || *c.MultiGPUMode == "" {
		return DefaultMultiGPUMode
	}
	return *c.MultiGPUMode
}

// GetOptimizer returns the lower-cased optimizer name.
func (c *RunConfig) GetOptimizer() string {
	if c.Optimizer == nil || *c.Optimizer == "" {
		return DefaultOptimizer
	}
	return strings.ToLower(*c.Optimizer)
}

// GetLearningRate returns the initial learning rate.
func (c *RunConfig) GetLearningRate() float64 {
	if c.LearningRate == nil {
		return DefaultLearningRate
	}
	return *c.LearningRate
}

// GetLRDecay returns the per-file multiplicative decay.
func (c *RunConfig) GetLRDecay() float64 {
	if c.LRDecay == nil {
		return 0
	}
	return *c.LRDecay
}

// GetEpochsToTrain returns how many epochs a train call runs, 0 meaning
// until the context is cancelled.
func (c *RunConfig) GetEpochsToTrain() int {
	if c.EpochsToTrain == nil {
		return 0
	}
	return *c.EpochsToTrain
}

// GetValidateInterval returns the file cadence of validation. 0 validates
// only after the last file of each epoch.
func (c *RunConfig) GetValidateInterval() int {
	if c.ValidateInterval == nil {
		return 0
	}
	return *c.ValidateInterval
}

// GetCleanupModels reports whether older checkpoints are deleted.
func (c *RunConfig) GetCleanupModels() bool {
	if c.CleanupModels == nil {
		return false
	}
	return *c.CleanupModels
}

// GetTrainLoggerDisplay returns how many batches are averaged per log row.
func (c *RunConfig) GetTrainLoggerDisplay() int {
	if c.TrainLoggerDisplay == nil {
		return DefaultTrainLoggerDisplay
	}
	return *c.TrainLoggerDisplay
}

// GetTrainLoggerFlush returns how many rows are written between fsyncs,
// -1 disabling explicit syncs.
func (c *RunConfig) GetTrainLoggerFlush() int {
	if c.TrainLoggerFlush == nil {
		return DefaultTrainLoggerFlush
	}
	return *c.TrainLoggerFlush
}

// GetSampleModifier returns the sample modifier name, "" for identity.
func (c *RunConfig) GetSampleModifier() string {
	if c.SampleModifier == nil {
		return ""
	}
	return *c.SampleModifier
}

// GetLabelModifier returns the label modifier name.
func (c *RunConfig) GetLabelModifier() string {
	if c.LabelModifier == nil {
		return ""
	}
	return *c.LabelModifier
}

// Setting is one option as it will be used by the run.
type Setting struct {
	Key       string
	Value     string
	IsDefault bool
}

// Settings lists every option with its effective value, in schema order.
func (c *RunConfig) Settings() []Setting {
	tmin, tmax := c.GetTimeRange()
	s := []Setting{
		{"n_bins", fmt.Sprint(c.GetNBins()), len(c.NBins) == 0},
		{"time_range", fmt.Sprintf("[%g %g]", tmin, tmax), len(c.TimeRange) == 0},
		{"do_mc_hits", fmt.Sprint(c.GetDoMCHits()), c.DoMCHits == nil},
		{"projections", fmt.Sprint(c.GetProjections()), len(c.Projections) == 0},
		{"batchsize", fmt.Sprint(c.GetBatchSize()), c.BatchSize == nil},
		{"n_events", fmt.Sprint(c.GetNEvents()), c.NEvents == nil},
		{"max_queue_size", fmt.Sprint(c.GetMaxQueueSize()), c.MaxQueueSize == nil},
		{"shuffle_train", fmt.Sprint(c.GetShuffleTrain()), c.ShuffleTrain == nil},
		{"shuffle_seed", fmt.Sprint(c.GetShuffleSeed()), c.ShuffleSeed == nil},
		{"n_gpu", fmt.Sprint(c.GetNGPU()), c.NGPU == nil},
		{"multi_gpu_mode", c.GetMultiGPUMode(), c.MultiGPUMode == nil},
		{"optimizer", c.GetOptimizer(), c.Optimizer == nil},
		{"learning_rate", fmt.Sprint(c.GetLearningRate()), c.LearningRate == nil},
		{"lr_decay", fmt.Sprint(c.GetLRDecay()), c.LRDecay == nil},
		{"epochs_to_train", fmt.Sprint(c.GetEpochsToTrain()), c.EpochsToTrain == nil},
		{"validate_interval", fmt.Sprint(c.GetValidateInterval()), c.ValidateInterval == nil},
		{"cleanup_models", fmt.Sprint(c.GetCleanupModels()), c.CleanupModels == nil},
		{"train_logger_display", fmt.Sprint(c.GetTrainLoggerDisplay()), c.TrainLoggerDisplay == nil},
		{"train_logger_flush", fmt.Sprint(c.GetTrainLoggerFlush()), c.TrainLoggerFlush == nil},
		{"sample_modifier", c.GetSampleModifier(), c.SampleModifier == nil},
		{"label_modifier", c.GetLabelModifier(), c.LabelModifier == nil},
	}
	return s
}
