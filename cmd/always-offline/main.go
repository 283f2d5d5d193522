package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/config"
	"github.com/always-cache/always-offline/connectivity"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	versionTagFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

const shutdownTimeout = 10 * time.Second

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to serve offline (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config, default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, use 'memory' for in-memory db (overrides config)")
	flag.StringVar(&versionTagFlag, "version-tag", "", "Version tag of the precached assets (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func applyFlags(cfg *config.Config) {
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if dbFilenameFlag != "" {
		cfg.DB = dbFilenameFlag
	}
	if versionTagFlag != "" {
		cfg.Version = versionTagFlag
	}
}

func run(cfg config.Config) error {
	originURL, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	probeURL, err := cfg.ProbeURL()
	if err != nil {
		return err
	}

	// set up sqlite storage, in memory if requested
	dbFilename := cfg.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename, cfg.MemoSize)
	if err != nil {
		return err
	}
	defer storage.Close()

	worker, err := alwaysoffline.CreateWorker(alwaysoffline.Config{
		Storage:          storage,
		Origin:           *originURL,
		Manifest:         cfg.PrecacheManifest(),
		Bypass:           cfg.BypassTable(),
		FallbackDocument: cfg.FallbackDocument,
		Logger:           &log.Logger,
	})
	if err != nil {
		return err
	}

	// the probe talks to the network directly, a cached answer would prove nothing
	monitor, err := connectivity.NewMonitor(connectivity.Config{
		Prober: connectivity.HTTPProber{
			Client:  &http.Client{},
			URL:     probeURL,
			Timeout: cfg.ProbeTimeout,
		},
		Interval: cfg.ProbeInterval,
		Logger:   &log.Logger,
	})
	if err != nil {
		return err
	}
	unsubscribe := monitor.Subscribe(func(status connectivity.Status) {
		evt := log.Info()
		if status.State == connectivity.Offline {
			evt = log.Warn()
		}
		evt.Str("message", status.Message).Time("changedAt", status.ChangedAt).Msg("Connectivity status")
	})
	defer unsubscribe()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: newRouter(worker, monitor, log.Logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		installed, activated, err := worker.Start(gctx)
		if err != nil {
			return err
		}
		log.Info().
			Strs("skipped", installed.Skipped()).
			Strs("deleted", activated.Deleted).
			Msgf("Serving generation %s", worker.Generation())
		return nil
	})
	g.Go(func() error {
		if err := monitor.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := monitor.Watch(gctx, cfg.SignalInterval); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Msgf("Serving %s offline on port %d", originURL.String(), cfg.Port)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
