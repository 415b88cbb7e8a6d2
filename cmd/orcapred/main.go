// Command orcapred runs a trained checkpoint over the validation files and
// writes a predictions container.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/fsutil"
	"github.com/orcanet/orcanet/internal/orga"
	"github.com/orcanet/orcanet/internal/plots"
	"github.com/orcanet/orcanet/internal/trainlog"
)

func main() {
	var (
		epoch  = flag.Int("epoch", 0, "epoch of the checkpoint; 0 selects the latest summary row")
		fileNo = flag.Int("fileno", 0, "file number of the checkpoint, used with -epoch; 0 selects the last training file")
		plot   = flag.Bool("plots", false, "render prediction and history plots")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FOLDER LIST CONFIG MODEL\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 4 {
		flag.Usage()
		os.Exit(2)
	}
	folder := flag.Arg(0)

	manifest, err := config.LoadManifest(flag.Arg(1))
	if err != nil {
		log.Fatalf("load list file: %v", err)
	}
	cfg, err := config.LoadRunConfig(flag.Arg(2))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	mf, err := config.LoadModelFile(flag.Arg(3))
	if err != nil {
		log.Fatalf("load model file: %v", err)
	}

	o, err := orga.New(folder, manifest, cfg, mf)
	if err != nil {
		log.Fatalf("organizer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path, err := o.Predict(ctx, *epoch, *fileNo)
	if err != nil {
		log.Fatalf("prediction failed: %v", err)
	}
	fmt.Println(path)

	if *plot {
		dir := filepath.Join(folder, plots.PlotsDir)
		if _, err := plots.PredictionPNGs(path, dir); err != nil {
			log.Fatalf("plot predictions: %v", err)
		}
		fsys := fsutil.OSFileSystem{}
		ledger, err := trainlog.ReadLedger(fsys, filepath.Join(folder, trainlog.SummaryFile))
		if err != nil {
			log.Fatalf("read summary: %v", err)
		}
		if _, err := plots.HistoryPNGs(ledger, dir); err != nil {
			log.Fatalf("plot history: %v", err)
		}
	}
}
