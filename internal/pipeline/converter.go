// Package pipeline chains calibration, binning and storage over whole event
// files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/histogram"
	"github.com/orcanet/orcanet/internal/monitoring"
	sqlitestore "github.com/orcanet/orcanet/internal/storage/sqlite"
)

var logf = monitoring.Component("Converter")

// progressEvery is how often, in events, progress is logged.
const progressEvery = 1000

// Converter turns event files into one histogram container per projection.
type Converter struct {
	projector *detector.Projector
	builder   *histogram.Builder
	outDir    string
	nEvents   int
}

// NewConverter derives the bin edges once from limits and the run
// configuration and prepares the projections to write under outDir.
func NewConverter(geo *detector.Geometry, limits detector.GeoLimits, cfg *config.RunConfig, outDir string) (*Converter, error) {
	projections, err := histogram.ParseProjections(cfg.GetProjections())
	if err != nil {
		return nil, err
	}
	tmin, tmax := cfg.GetTimeRange()
	edges, err := histogram.CalculateBinEdges(cfg.GetNBins(), limits, histogram.TimeRange{Min: tmin, Max: tmax})
	if err != nil {
		return nil, err
	}
	builder, err := histogram.NewBuilder(edges, projections)
	if err != nil {
		return nil, err
	}
	return &Converter{
		projector: detector.NewProjector(geo, cfg.GetDoMCHits()),
		builder:   builder,
		outDir:    outDir,
		nEvents:   cfg.GetNEvents(),
	}, nil
}

// Builder exposes the histogram builder, mainly for its shapes.
func (c *Converter) Builder() *histogram.Builder { return c.builder }

// Stem derives the output stem of an input file: its base name without
// extension, with dots replaced by underscores.
func Stem(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(base, ".", "_")
}

// ConvertFile reads every event of an event file and writes the
// projection containers. It returns the written paths by projection.
func (c *Converter) ConvertFile(ctx context.Context, eventPath string) (map[histogram.Projection]string, error) {
	r, err := sqlitestore.OpenEventReader(eventPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	logf("Generating %v histograms for %d events from %s", c.builder.Projections(), r.Len(), eventPath)
	return c.convert(ctx, Stem(eventPath), func(ctx context.Context, emit func(detector.Event) error) error {
		return r.Each(ctx, func(i int, ev detector.Event) error {
			if c.nEvents > 0 && i >= c.nEvents {
				return errStop
			}
			return emit(ev)
		})
	})
}

// Convert writes the projection containers for events already in memory.
func (c *Converter) Convert(ctx context.Context, stem string, events []detector.Event) (map[histogram.Projection]string, error) {
	return c.convert(ctx, stem, func(ctx context.Context, emit func(detector.Event) error) error {
		for i, ev := range events {
			if c.nEvents > 0 && i >= c.nEvents {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// errStop ends a source early without failing the conversion.
var errStop = errors.New("stop reading events")

type binned struct {
	hist  *histogram.Histogram
	track detector.Track
}

// convert runs one producer that calibrates and bins events, and one
// writer goroutine per projection. Events reach every writer in source
// order, so the containers stay index-aligned.
func (c *Converter) convert(ctx context.Context, stem string, source func(context.Context, func(detector.Event) error) error) (map[histogram.Projection]string, error) {
	projections := c.builder.Projections()
	paths := make(map[histogram.Projection]string, len(projections))
	writers := make(map[histogram.Projection]*sqlitestore.HistogramWriter, len(projections))
	abortAll := func() {
		for _, w := range writers {
			w.Abort()
		}
	}
	for _, p := range projections {
		path := sqlitestore.ContainerPath(c.outDir, stem, p)
		w, err := sqlitestore.NewHistogramWriter(path, string(p), c.builder.Shape(p))
		if err != nil {
			abortAll()
			return nil, err
		}
		paths[p] = path
		writers[p] = w
	}

	g, gctx := errgroup.WithContext(ctx)
	queues := make(map[histogram.Projection]chan binned, len(projections))
	for _, p := range projections {
		q := make(chan binned, 64)
		queues[p] = q
		w := writers[p]
		g.Go(func() error {
			for b := range q {
				if err := w.Append(b.hist, b.track); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		n := 0
		err := source(gctx, func(ev detector.Event) error {
			hits, err := c.projector.Project(ev)
			if err != nil {
				return err
			}
			hists, err := c.builder.Build(hits)
			if err != nil {
				return err
			}
			track := ev.Track
			track.EventID = ev.EventID
			for p, q := range queues {
				select {
				case q <- binned{hist: hists[p], track: track}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			n++
			if n%progressEvery == 0 {
				logf("Event No. %d", n)
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		abortAll()
		return nil, fmt.Errorf("convert %s: %w", stem, err)
	}
	for i, p := range projections {
		if err := writers[p].Commit(); err != nil {
			for _, rest := range projections[i+1:] {
				writers[rest].Abort()
			}
			return nil, err
		}
	}
	logf("Wrote %d events to %d containers under %s", writers[projections[0]].Len(), len(projections), c.outDir)
	return paths, nil
}
