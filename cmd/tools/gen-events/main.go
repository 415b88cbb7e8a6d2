// Command gen-events writes a synthetic detector geometry and event files
// for trying out the binning and training tools.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/orcanet/orcanet/internal/pipeline"
)

func main() {
	var (
		outDir   = flag.String("o", ".", "output directory")
		files    = flag.Int("files", 4, "number of event files")
		events   = flag.Int("n", 1000, "events per file")
		seed     = flag.Int64("seed", 1, "random seed of the first file")
		nStrings = flag.Int("strings", 9, "detector strings")
		floors   = flag.Int("floors", 18, "modules per string")
		spacing  = flag.Float64("spacing", 10, "string spacing in metres")
		maxHits  = flag.Int("max-hits", 50, "maximum hits per event")
	)
	flag.Parse()

	geo, err := pipeline.SyntheticGeometry(*nStrings, *floors, *spacing)
	if err != nil {
		log.Fatalf("geometry: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("create %s: %v", *outDir, err)
	}
	geoPath := filepath.Join(*outDir, "geometry.txt")
	f, err := os.Create(geoPath)
	if err != nil {
		log.Fatalf("create geometry: %v", err)
	}
	if _, err := geo.WriteTo(f); err != nil {
		log.Fatalf("write geometry: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("close geometry: %v", err)
	}
	log.Printf("Wrote %s with %d modules", geoPath, geo.Len())

	for i := 0; i < *files; i++ {
		gen := pipeline.NewEventGenerator(geo, *seed+int64(i), *maxHits, 1500)
		path := filepath.Join(*outDir, fmt.Sprintf("synthetic_%d.evt", i+1))
		if err := pipeline.WriteEventFile(path, gen.Generate(*events)); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		log.Printf("Wrote %d events to %s", *events, path)
	}
}
