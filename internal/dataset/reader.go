package dataset

import (
	"fmt"
	"sort"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/histogram"
	sqlitestore "github.com/orcanet/orcanet/internal/storage/sqlite"
)

// FileReader reads one file number of a manifest: a container per input
// branch, all with the same event count.
type FileReader struct {
	branches []string
	readers  map[string]*sqlitestore.HistogramReader
	rows     int
}

// OpenFiles opens the containers of files, keyed by branch name. Differing
// event counts are a consistency error.
func OpenFiles(files map[string]string) (*FileReader, error) {
	if len(files) == 0 {
		return nil, errs.Configf("no input files given")
	}
	fr := &FileReader{readers: make(map[string]*sqlitestore.HistogramReader, len(files))}
	for b := range files {
		fr.branches = append(fr.branches, b)
	}
	sort.Strings(fr.branches)

	for i, b := range fr.branches {
		r, err := sqlitestore.OpenHistogramReader(files[b])
		if err != nil {
			fr.Close()
			return nil, fmt.Errorf("failed to open input %s: %w", b, err)
		}
		fr.readers[b] = r
		if i == 0 {
			fr.rows = r.Len()
			continue
		}
		if r.Len() != fr.rows {
			fr.Close()
			return nil, errs.Consistencyf("input %s has %d events but %s has %d (%s)",
				b, r.Len(), fr.branches[0], fr.rows, files[b])
		}
	}
	return fr, nil
}

// Close releases every container.
func (fr *FileReader) Close() error {
	var first error
	for _, r := range fr.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Len is the number of events in the file.
func (fr *FileReader) Len() int { return fr.rows }

// Branches returns the input branch names in sorted order.
func (fr *FileReader) Branches() []string { return fr.branches }

// Shapes returns the histogram shape of every branch.
func (fr *FileReader) Shapes() map[string][]int {
	out := make(map[string][]int, len(fr.readers))
	for b, r := range fr.readers {
		out[b] = r.Shape()
	}
	return out
}

// Read returns the histograms of every branch and the event metadata at
// indices. Tracks come from the first branch.
func (fr *FileReader) Read(indices []int) (map[string][]*histogram.Histogram, []detector.Track, error) {
	hists := make(map[string][]*histogram.Histogram, len(fr.readers))
	for _, b := range fr.branches {
		hs, err := fr.readers[b].ReadIndices(indices)
		if err != nil {
			return nil, nil, err
		}
		hists[b] = hs
	}
	tracks, err := fr.readers[fr.branches[0]].TracksAt(indices)
	if err != nil {
		return nil, nil, err
	}
	return hists, tracks, nil
}

// Tracks returns the metadata of every event.
func (fr *FileReader) Tracks() ([]detector.Track, error) {
	return fr.readers[fr.branches[0]].Tracks()
}
