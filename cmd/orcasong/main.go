// Command orcasong bins the hits of event files into projection histogram
// containers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/histogram"
	"github.com/orcanet/orcanet/internal/pipeline"
)

func main() {
	var (
		geoPath    = flag.String("geometry", "", "detector geometry table (required)")
		limitsPath = flag.String("limits", "", "geometry limits file; defaults to the bounding box of the geometry")
		cfgPath    = flag.String("config", "", "run config with the binning options (.json, .jsonc or .hujson)")
		outDir     = flag.String("o", ".", "output directory; one subdirectory per projection")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -geometry FILE [flags] EVENT_FILE...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *geoPath == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.EmptyRunConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadRunConfig(*cfgPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	geo, err := detector.LoadGeometry(*geoPath)
	if err != nil {
		log.Fatalf("load geometry: %v", err)
	}
	var limits detector.GeoLimits
	if *limitsPath != "" {
		limits, err = detector.LoadGeoLimits(*limitsPath)
	} else {
		limits, err = geo.Limits()
	}
	if err != nil {
		log.Fatalf("geometry limits: %v", err)
	}

	conv, err := pipeline.NewConverter(geo, limits, cfg, *outDir)
	if err != nil {
		log.Fatalf("converter: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, path := range flag.Args() {
		written, err := conv.ConvertFile(ctx, path)
		if err != nil {
			log.Fatalf("convert %s: %v", path, err)
		}
		projs := make([]string, 0, len(written))
		for p := range written {
			projs = append(projs, string(p))
		}
		sort.Strings(projs)
		for _, p := range projs {
			fmt.Println(written[histogram.Projection(p)])
		}
	}
}
