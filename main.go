package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/festion/audit-stream/pkg/api"
	"github.com/festion/audit-stream/pkg/broadcast"
	"github.com/festion/audit-stream/pkg/config"
	"github.com/festion/audit-stream/pkg/ratelimit"
	"github.com/festion/audit-stream/pkg/source"
	"github.com/festion/audit-stream/pkg/system"
	"github.com/festion/audit-stream/pkg/telemetry"
	"github.com/festion/audit-stream/pkg/version"
)

func main() {
	var (
		debug      bool
		configPath string
	)
	flag.BoolVar(&debug, "debug", false, "enables debug mode")
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.Parse()

	zlog := system.NewLogger(debug)
	defer func() { _ = zlog.Sync() }()
	log := zlog.Sugar()
	log.With("version", version.Version).Info("Starting audit stream server")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading audit-stream config: %v", err)
	}
	if debug {
		log.Infof("%#v", cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, zlog)
	if err != nil {
		log.Fatalf("Error initializing tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("Tracing shutdown failed", "error", err)
		}
	}()

	fileSource := source.NewFileSource(cfg.Source.Path)
	registry := broadcast.NewRegistry(cfg.Stream, zlog)
	broadcaster := broadcast.NewBroadcaster(registry, fileSource.Load, cfg.Stream.DebounceDelay(), zlog)
	heartbeat := broadcast.NewHeartbeatMonitor(registry, cfg.Stream.HeartbeatInterval(), zlog)

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	defer limiter.Stop()

	server := api.NewServer(zlog, cfg, debug)
	err = server.RegisterAll([]api.APIController{
		broadcast.NewController(cfg.Stream, registry, broadcaster, fileSource.Load, limiter.Middleware(), zlog),
	})
	if err != nil {
		log.Fatalf("Error registering stream controller: %v", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		heartbeat.Run(groupCtx)
		return nil
	})

	watcher := source.NewWatcher(cfg.Source.Path, broadcaster.Notify, zlog)
	group.Go(func() error {
		return watcher.Run(groupCtx)
	})

	if cfg.Source.Kafka.Enabled() {
		notifier, err := source.NewKafkaNotifier(cfg.Source.Kafka, broadcaster.Notify, zlog)
		if err != nil {
			log.Fatalf("Error creating Kafka change feed: %v", err)
		}
		defer func() { _ = notifier.Close() }()
		group.Go(func() error {
			return notifier.Run(groupCtx)
		})
	}

	group.Go(func() error {
		return server.Run(groupCtx)
	})

	if err := group.Wait(); err != nil {
		log.Errorw("Audit stream terminated with error", "error", err)
	}

	registry.CloseAll()
	log.Info("Audit stream server stopped")
}
