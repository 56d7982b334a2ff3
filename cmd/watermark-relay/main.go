// Copyright 2024-2026 Aiku AI

// Command watermark-relay watches a chat for photos, paints out a fixed
// watermark region with IOPaint and posts the cleaned photo to a target chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/watermark-relay/pkg/acquire"
	"github.com/aiku/watermark-relay/pkg/config"
	"github.com/aiku/watermark-relay/pkg/dispatcher"
	"github.com/aiku/watermark-relay/pkg/inpaint"
	"github.com/aiku/watermark-relay/pkg/metrics"
	"github.com/aiku/watermark-relay/pkg/pipeline"
	"github.com/aiku/watermark-relay/pkg/telemetry"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	name    = "watermark-relay"
	version = "0.1.0"

	// drainTimeout bounds how long shutdown waits for in-flight runs.
	drainTimeout = 30 * time.Second
)

var (
	configPath    = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExample  = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	checkHealth   = flag.MakeFull("", "check", "Probe the running relay's health endpoint and exit.", "false").Bool()
	showVersion   = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _   = flag.MakeHelpFlag()
	dotenvPath    = flag.MakeFull("", "env-file", "Optional dotenv file to load before reading the config.", ".env").String()
	noSaveUpgrade = flag.MakeFull("n", "no-update", "Don't save the upgraded config to disk.", "false").Bool()
)

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - Removes watermarks from chat photos.", name),
		fmt.Sprintf("%s [-hvn] [-c <path>] [-e] [--check]", name),
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(10)
	}
	switch {
	case *wantHelp:
		flag.PrintHelp()
		os.Exit(0)
	case *showVersion:
		fmt.Printf("%s %s (%s, commit %s, built %s)\n", name, version, Tag, Commit, BuildTime)
		os.Exit(0)
	case *writeExample:
		if err := config.WriteExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(11)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	if err := godotenv.Load(*dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load env file:", err)
		os.Exit(11)
	}

	cfg, err := loadConfig(*configPath, !*noSaveUpgrade, os.LookupEnv)
	if errors.Is(err, os.ErrNotExist) {
		if werr := config.WriteExample(*configPath); werr != nil {
			_, _ = fmt.Fprintln(os.Stderr, werr)
			os.Exit(11)
		}
		_, _ = fmt.Fprintf(os.Stderr, "No config found, wrote example to %s. Edit it and restart.\n", *configPath)
		os.Exit(12)
	} else if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(12)
	}

	if *checkHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Check(ctx, cfg.MetricsAddr); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	zerolog.DefaultContextLogger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *logger); err != nil {
		logger.Fatal().Err(err).Msg("Relay stopped with error")
	}
	logger.Info().Msg("Relay stopped")
}

// loadConfig reads, upgrades, overrides and validates the config file.
func loadConfig(path string, save bool, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg, err := config.Load(path, save)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(lookup)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", version).
		Str("network", cfg.Network).
		Str("source", cfg.SourceChatID).
		Str("target", cfg.TargetChatID).
		Msg("Starting relay")

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	if cfg.Tracing {
		shutdown, err := telemetry.InitTracer(name, version, os.Stdout, log)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	var health *metrics.Server
	if cfg.MetricsAddr != "" {
		health = metrics.NewServer(cfg.MetricsAddr, log)
	}

	network, err := connectNetwork(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer network.Close()

	policy := cfg.RetryPolicy()
	tool := &inpaint.IOPaint{
		Command:        cfg.Inpaint.Command,
		Model:          cfg.Inpaint.Model,
		Device:         cfg.Inpaint.Device,
		FatalExitCodes: cfg.Inpaint.FatalExitCodes,
	}
	pipe := pipeline.New(
		acquire.New(cfg.InputDir, policy, log),
		inpaint.NewService(tool, cfg.OutputDir, cfg.InpaintTimeout(), policy, log),
		network,
		pipeline.Config{
			Region:           cfg.Region(),
			MaskDir:          cfg.MaskDir,
			TargetChatID:     cfg.TargetChatID,
			CleanupArtifacts: cfg.CleanupArtifacts,
		},
		log,
	)
	disp := dispatcher.New(network, pipe, dispatcher.Config{
		AllowedChats:      cfg.AllowedChats,
		PingCommand:       cfg.PingCommand,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return disp.Run(gctx)
	})
	if health != nil {
		g.Go(func() error {
			return health.Run(gctx)
		})
		health.SetReady(true)
	}
	log.Info().Strs("allowed_chats", cfg.AllowedChats).Msg("Relay is running")

	err = g.Wait()
	if health != nil {
		health.SetReady(false)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := disp.Wait(drainCtx); werr != nil {
		log.Warn().Err(werr).Msg("In-flight runs did not finish before shutdown")
	}
	return err
}
