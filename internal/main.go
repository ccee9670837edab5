package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/config"
	"github.com/SkylerRankin/speedtest_gui/internal/console"
	"github.com/SkylerRankin/speedtest_gui/internal/constants"
	"github.com/SkylerRankin/speedtest_gui/internal/database"
	"github.com/SkylerRankin/speedtest_gui/internal/dispatch"
	"github.com/SkylerRankin/speedtest_gui/internal/jobs"
	"github.com/SkylerRankin/speedtest_gui/internal/runner"
	"github.com/SkylerRankin/speedtest_gui/internal/server"
	websocket_client "github.com/SkylerRankin/speedtest_gui/internal/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := kingpin.New("speedtest_gui", "Front-end for the Ookla speedtest CLI.")
	app.Version(constants.Commit)

	serveCmd := app.Command("serve", "Serve the browser UI.")
	assetsArg := serveCmd.Arg("assets", "Directory holding templates/ and static/.").Required().ExistingDir()

	runCmd := app.Command("run", "Run one measurement in the terminal.")

	historyCmd := app.Command("history", "Show recorded measurements.")
	limitFlag := historyCmd.Flag("limit", "Number of results to show.").Default("20").Int()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case serveCmd.FullCommand():
		log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		err = serve(ctx, log, cfg, *assetsArg)
	case runCmd.FullCommand():
		// Logs go to stderr so they do not interleave with the spinner.
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: max(level, slog.LevelWarn)}))
		err = runOnce(ctx, log, cfg)
	case historyCmd.FullCommand():
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		err = history(ctx, log, cfg, *limitFlag)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunner(log *slog.Logger, cfg *config.Config, emitter runner.Emitter) runner.Runner {
	return runner.NewRunner(log, emitter, runner.Options{
		Resolver: runner.Resolver{
			Primary:   cfg.BinaryPath,
			Fallbacks: cfg.BinaryFallbacks,
			Command:   cfg.BinaryCommand,
		},
		ProbeTimeout:    cfg.ProbeTimeout,
		StderrTailLines: cfg.StderrTailLines,
	})
}

func openDatabase(ctx context.Context, cfg *config.Config, fallbackDir string) (database.Database, error) {
	dir := cfg.DatabaseDir
	if dir == "" {
		dir = fallbackDir
	}
	db, err := database.NewDatabase(ctx, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database in %s", dir)
	}
	return db, nil
}

func serve(ctx context.Context, log *slog.Logger, cfg *config.Config, assets string) error {
	assetsPath, err := filepath.Abs(assets)
	if err != nil {
		return errors.Wrap(err, "failed to get assets absolute path")
	}

	cfg.Log(log)

	db, err := openDatabase(ctx, cfg, assetsPath)
	if err != nil {
		return err
	}
	defer db.Close()

	dispatcher := dispatch.NewDispatcher(log)
	websocketClient := websocket_client.NewWebsocketClient(log)
	recorder := database.NewRecorder(log, db)
	dispatcher.Subscribe(websocketClient)
	dispatcher.Subscribe(recorder)

	measurements := newRunner(log, cfg, dispatcher)

	var scheduler jobs.Scheduler
	if cfg.RunInterval > 0 {
		scheduler, err = jobs.NewScheduler(log, cfg.RunInterval, jobs.NewMeasurementJob(log, measurements))
		if err != nil {
			return err
		}
	}

	httpServer := server.NewServer(log, cfg.HTTPAddr, assetsPath, measurements, db, websocketClient)

	log.Info("starting speedtest gui", "assets_path", assetsPath, "commit", constants.Commit)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Listen(gctx)
		return nil
	})
	g.Go(func() error {
		websocketClient.Listen(gctx)
		return nil
	})
	g.Go(func() error {
		recorder.Listen(gctx)
		return nil
	})
	g.Go(httpServer.Listen)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// Cancel first so no event of the run in flight outlives the hub.
		measurements.Cancel()
		if scheduler != nil {
			if err := scheduler.Shutdown(); err != nil {
				log.Error("failed to stop scheduler", "err", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if scheduler != nil {
		scheduler.Start()
	}

	err = g.Wait()
	log.Info("exiting speedtest gui")
	return err
}

func runOnce(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg, ".")
	if err != nil {
		return err
	}
	defer db.Close()

	dispatcher := dispatch.NewDispatcher(log)
	ui := console.NewConsole(log, os.Stdout, console.IsInteractive(os.Stdout))
	recorder := database.NewRecorder(log, db)
	dispatcher.Subscribe(ui)
	dispatcher.Subscribe(recorder)

	measurements := newRunner(log, cfg, dispatcher)

	listenCtx, stopListening := context.WithCancel(context.Background())
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		dispatcher.Listen(listenCtx)
	}()

	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Listen(recorderCtx)
	}()

	measurements.Start()
	err = ui.Wait(ctx)
	if ctx.Err() != nil {
		measurements.Cancel()
		err = errors.New("measurement cancelled")
	}

	// The dispatcher flushes into the recorder, so it stops first.
	stopListening()
	<-listenDone
	stopRecorder()
	<-recorderDone

	return err
}

func history(ctx context.Context, log *slog.Logger, cfg *config.Config, limit int) error {
	db, err := openDatabase(ctx, cfg, ".")
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.GetRecentResults(ctx, limit)
	if err != nil {
		return err
	}
	log.Debug("loaded history", "count", len(results))

	console.WriteHistory(os.Stdout, results, time.Now())
	return nil
}
