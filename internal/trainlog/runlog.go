package trainlog

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
	"github.com/orcanet/orcanet/internal/timeutil"
)

// RunLogFile is the human-readable history inside a training folder.
const RunLogFile = "log.txt"

// RunLog appends sections to log.txt. It is never read back.
type RunLog struct {
	fsys  fsutil.FileSystem
	path  string
	clock timeutil.Clock
}

// NewRunLog returns the run log of dir.
func NewRunLog(fsys fsutil.FileSystem, dir string) *RunLog {
	return &RunLog{fsys: fsys, path: filepath.Join(dir, RunLogFile), clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used for timestamps.
func (r *RunLog) SetClock(c timeutil.Clock) { r.clock = c }

func (r *RunLog) stamp() string { return r.clock.Now().Format(time.DateTime) }

// Path returns the log path.
func (r *RunLog) Path() string { return r.path }

func (r *RunLog) append(lines ...string) error {
	if err := r.fsys.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return errs.IOf("create %s: %v", filepath.Dir(r.path), err)
	}
	text := strings.Join(lines, "\n") + "\n"
	if err := r.fsys.AppendFile(r.path, []byte(text), 0644); err != nil {
		return errs.IOf("append to %s: %v", r.path, err)
	}
	return nil
}

// TrainingStart writes the banner of a training run: its id, the program
// version, the manifest files and every non-default setting.
func (r *RunLog) TrainingStart(runID, version string, m *config.Manifest, cfg *config.RunConfig) error {
	lines := []string{
		"",
		strings.Repeat("-", 64),
		fmt.Sprintf("%s  Training run %s (version %s)", r.stamp(), runID, version),
		strings.Repeat("-", 64),
		"List file: " + m.Path(),
	}
	for _, name := range m.InputNames() {
		in := m.Inputs[name]
		lines = append(lines, fmt.Sprintf("Input %s:", name))
		for _, f := range in.TrainFiles {
			lines = append(lines, "  train "+f)
		}
		for _, f := range in.ValidationFiles {
			lines = append(lines, "  val   "+f)
		}
	}
	lines = append(lines, "Non-default settings:")
	n := 0
	for _, s := range cfg.Settings() {
		if !s.IsDefault {
			lines = append(lines, fmt.Sprintf("  %s = %s", s.Key, s.Value))
			n++
		}
	}
	if n == 0 {
		lines = append(lines, "  (none)")
	}
	return r.append(lines...)
}

// EpochStart notes the start of training on one file.
func (r *RunLog) EpochStart(epoch, file int, files map[string]string, lr float64) error {
	lines := []string{fmt.Sprintf("%s  Training epoch %d file %d, learning rate %g", r.stamp(), epoch, file, lr)}
	return r.append(append(lines, fileLines(files)...)...)
}

// ValidationStart notes a validation pass over nFiles files.
func (r *RunLog) ValidationStart(epoch, file, nFiles int) error {
	return r.append(fmt.Sprintf("%s  Validating after epoch %d file %d on %d files", r.stamp(), epoch, file, nFiles))
}

// Result records metric values under a title.
func (r *RunLog) Result(title string, names []string, values map[string]float64) error {
	lines := []string{"  " + title + ":"}
	for _, n := range names {
		lines = append(lines, fmt.Sprintf("    %s: %.4g", n, values[n]))
	}
	return r.append(lines...)
}

func fileLines(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("  %s: %s", n, files[n])
	}
	return out
}
