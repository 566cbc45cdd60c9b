package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/hootmeow/bf1942-ingest/internal/config"
	"github.com/hootmeow/bf1942-ingest/internal/exclusions"
	"github.com/hootmeow/bf1942-ingest/internal/gamespy"
	"github.com/hootmeow/bf1942-ingest/internal/masterlist"
	"github.com/hootmeow/bf1942-ingest/internal/metrics"
	"github.com/hootmeow/bf1942-ingest/internal/querier"
	"github.com/hootmeow/bf1942-ingest/internal/scheduler"
	"github.com/hootmeow/bf1942-ingest/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	metricsAddrFlag := flag.String("metrics-addr", ":8080", "address to listen on for prometheus metrics (empty to disable)")
	masterListURLFlag := flag.String("master-list-url", masterlist.DefaultURL, "master server list endpoint")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	// Load .env file if it exists.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	st, err := store.New(ctx, log, cfg.PostgresDSN, cfg.OfflineFailureThreshold)
	if err != nil {
		log.Error("could not connect to postgres", "error", err)
		return err
	}
	defer st.Close()

	gs := gamespy.NewClient(log)
	sched, err := scheduler.New(log, &scheduler.Config{
		Clock:      clockwork.NewRealClock(),
		Store:      st,
		Querier:    querier.New(log, gs, cfg.ServerQueryTimeout),
		MasterList: masterlist.NewClient(log, *masterListURLFlag),
		Exclusions: exclusions.NewCache(),

		WorkerCount: cfg.WorkerCount,

		MasterListPollInterval: cfg.MasterListPollInterval,
		MasterListMaxBackoff:   cfg.MasterListMaxBackoff,

		PollIntervalActive:  cfg.PollIntervalActive,
		PollIntervalEmpty:   cfg.PollIntervalEmpty,
		PollIntervalOffline: cfg.PollIntervalOffline,
	})
	if err != nil {
		log.Error("failed to create scheduler", "error", err)
		return err
	}

	errCh := sched.Start(ctx)
	select {
	case err := <-errCh:
		if err != nil {
			log.Error("scheduler error", "error", err)
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown requested, stopping")
		<-errCh
	}

	log.Info("application shutdown complete")
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.RFC3339,
	}))
}
