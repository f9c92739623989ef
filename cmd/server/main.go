package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hlsgrab/internal/api"
	"hlsgrab/internal/config"
	"hlsgrab/internal/database"
	"hlsgrab/internal/downloader"
	"hlsgrab/internal/fetch"
	"hlsgrab/internal/log"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/segment"
	"hlsgrab/internal/task"
	"hlsgrab/internal/transcode"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("hlsgrab", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "hlsgrab:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Configure(log.Config{Level: cfg.LogLevel})
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Str("config", configPath).Msg("starting")

	for _, dir := range []string{cfg.DataDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repo, err := task.NewRepository(db)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}

	store, err := segment.Open(cfg.SegmentStore, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open segment store: %w", err)
	}
	defer store.Close()

	fc := fetch.NewHTTPClient(cfg.UserAgent, cfg.ExtraHeaders)
	resolver := manifest.NewResolver(fc, cfg.MaxManifestDepth)

	orch := downloader.NewOrchestrator(store, fc, resolver)
	orch.Workers = cfg.Workers
	orch.SegmentTimeout = cfg.SegmentTimeout()
	orch.MaxAttempts = cfg.MaxAttempts
	orch.BackoffBase = cfg.BackoffBase()
	orch.ProgressInterval = cfg.ProgressInterval()

	var jobs transcode.Client
	if cfg.TranscodeRPCURL != "" {
		jobs = transcode.NewRPCClient(cfg.TranscodeRPCURL, cfg.TranscodeSecret)
		logger.Info().Str("rpc_url", cfg.TranscodeRPCURL).Msg("external transcode channel enabled")
	}

	mgr := task.NewManager(task.ManagerDeps{
		Repo:      repo,
		Store:     store,
		Resolver:  resolver,
		Orch:      orch,
		Merger:    downloader.NewMerger(store, cfg.OutputDir),
		Jobs:      jobs,
		OutputDir: cfg.OutputDir,
		PollEvery: cfg.TranscodePoll(),
	})
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Restore(ctx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}

	if err := api.NewServer(cfg.ListenAddr, mgr).Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
