// Command orcatrain trains a model inside a training folder, resuming
// after the latest file recorded in the folder's summary.
package main

import (
	"context"
	"errors"
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
	"github.com/orcanet/orcanet/internal/version"
)

func main() {
	var (
		epochs      = flag.Int("epochs", 0, "epochs to train; 0 uses epochs_to_train from the config")
		plot        = flag.Bool("plots", false, "render the training history when done")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FOLDER LIST CONFIG MODEL\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
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

	_, err = o.Train(ctx, nil, *epochs)
	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("Training interrupted; the next run resumes after the last completed file")
	case err != nil:
		log.Fatalf("training failed: %v", err)
	}

	if *plot {
		fsys := fsutil.OSFileSystem{}
		ledger, err := trainlog.ReadLedger(fsys, filepath.Join(folder, trainlog.SummaryFile))
		if err != nil {
			log.Fatalf("read summary: %v", err)
		}
		dir := filepath.Join(folder, plots.PlotsDir)
		if _, err := plots.HistoryPNGs(ledger, dir); err != nil {
			log.Fatalf("plot history: %v", err)
		}
		if err := plots.HistoryHTML(fsys, ledger, filepath.Base(folder), filepath.Join(dir, "history.html")); err != nil {
			log.Fatalf("plot history: %v", err)
		}
	}
}
