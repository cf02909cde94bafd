package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/zsdqui/btrack/btrack"
)

var (
	configPath     = flag.String("config", "", "Tracker configuration (.json). Empty uses the default constant velocity model")
	detectionsPath = flag.String("detections", "", "Detections CSV: t,x,y,z[,label]")
	lbepPath       = flag.String("lbep", "", "Write the LBEP table to this CSV file")
	tracksPath     = flag.String("tracks", "", "Write the flattened tracks to this CSV file")
	plotPath       = flag.String("plot", "", "Save an XY plot of the tracks (.png, .svg, .pdf)")
	dbPath         = flag.String("db", "", "Store LBEP and tracks in this SQLite database")
	optimise       = flag.Bool("optimise", false, "Run the global optimiser after tracking")
	stepSize       = flag.Int("step", 100, "Frames per tracking step")
	workers        = flag.Int("workers", 0, "Worker goroutines, 0 uses GOMAXPROCS")
	verbose        = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()
	if *detectionsPath == "" {
		log.Fatalln("-detections is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := btrack.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = btrack.LoadConfig(*configPath)
		if err != nil {
			log.Fatalln(err)
		}
	}

	file, err := os.Open(*detectionsPath)
	if err != nil {
		log.Fatalln(err)
	}
	objects, err := btrack.ReadObjectsCSV(file)
	file.Close()
	if err != nil {
		log.Fatalln(err)
	}

	engine := btrack.New(btrack.WithLogger(logger), btrack.WithWorkers(*workers))
	if err := engine.Configure(cfg); err != nil {
		log.Fatalln(err)
	}
	if _, err := engine.Append(objects); err != nil {
		log.Fatalln(err)
	}

	for {
		status, stats, err := engine.Step(ctx, *stepSize)
		if err != nil {
			log.Fatalln(err)
		}
		logger.Info("tracking", slog.Int("frames", stats.FramesProcessed), slog.Duration("elapsed", stats.Elapsed))
		if status == btrack.StepComplete {
			break
		}
	}

	if *optimise {
		if _, err := engine.Optimise(ctx, nil); err != nil {
			log.Fatalln(err)
		}
	}

	if err := export(ctx, engine); err != nil {
		log.Fatalln(err)
	}
	logger.Info("done", slog.Int("tracks", engine.NTracks()), slog.Int("dummies", engine.NDummies()), slog.Int("lineage_edges", len(engine.Graph())))
}

func export(ctx context.Context, engine *btrack.Engine) error {
	if *lbepPath != "" {
		if err := writeFile(*lbepPath, func(f *os.File) error { return btrack.WriteLBEP(f, engine.LBEP()) }); err != nil {
			return err
		}
	}
	if *tracksPath != "" {
		if err := writeFile(*tracksPath, func(f *os.File) error { return btrack.WriteTracksCSV(f, engine.Flatten()) }); err != nil {
			return err
		}
	}
	if *plotPath != "" {
		if err := btrack.SaveTrackPlot(engine.Flatten(), "tracks", *plotPath); err != nil {
			return err
		}
	}
	if *dbPath != "" {
		db, err := sql.Open("sqlite", *dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := btrack.SaveTracksSQL(ctx, db, engine.Session().String(), engine.LBEP(), engine.Flatten()); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
