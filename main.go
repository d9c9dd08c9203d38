package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spaceforge/orbitalfab/config"
	"github.com/spaceforge/orbitalfab/power"
	"github.com/spaceforge/orbitalfab/sim"
	"github.com/spaceforge/orbitalfab/stage"
	"github.com/spaceforge/orbitalfab/telemetry"
	"github.com/spaceforge/orbitalfab/wafer"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	manifestPath := flag.String("manifest", "", "CSV wafer manifest (empty = generate -wafers wafers)")
	waferCount := flag.Int("wafers", 3, "Number of wafers to generate when no manifest is given")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	seed := flag.Int64("seed", 0, "RNG seed for defect rolls (0 = time-based)")
	duration := flag.Int("duration", 0, "Override simulated minutes (0 = use config)")
	tickDelay := flag.Int("tick-delay", -1, "Override per-tick pacing delay in ms (-1 = use config)")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Initialize config before anything else
	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	if *duration > 0 {
		cfg.Sim.Duration = *duration
	}
	if *tickDelay >= 0 {
		cfg.Sim.TickDelayMs = *tickDelay
	}
	if *outputDir != "" {
		cfg.Telemetry.OutputDir = *outputDir
	}

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}

	wafers, err := loadWafers(*manifestPath, *waferCount, cfg)
	if err != nil {
		slog.Error("failed to load wafers", "error", err)
		os.Exit(1)
	}

	registry := wafer.NewRegistry()
	for _, w := range wafers {
		registry.Add(w)
	}

	out, err := telemetry.NewOutputManager(cfg.Telemetry.OutputDir)
	if err != nil {
		slog.Error("failed to create output manager", "error", err)
		os.Exit(1)
	}
	defer out.Close()
	if err := out.WriteConfig(cfg); err != nil {
		slog.Error("failed to write config snapshot", "error", err)
	}

	finalStage := cfg.Stages[len(cfg.Stages)-1].Name
	collector := telemetry.NewCollector(finalStage)
	sink := telemetry.Fanout{collector, out}

	ledger := power.New(cfg.Power)
	defects := stage.NewRandDefectSource(rngSeed)

	workers := make([]*stage.Worker, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		wc := stage.FromStageConfig(i, sc, cfg.Sim.StallAdvancesElapsed)
		workers[i] = stage.NewWorker(wc, registry, ledger, sink, defects)
	}

	coord := sim.New(cfg, registry, ledger, workers, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting fabrication run",
		"seed", rngSeed,
		"wafers", registry.Len(),
		"stages", len(cfg.Stages),
		"duration", cfg.Sim.Duration,
		"output_dir", out.Dir(),
	)

	start := time.Now()
	if err := coord.Run(ctx); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	summary := coord.Summary()
	slog.Info("run complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"ticks", coord.ProcessedTicks(),
		"completed", len(coord.Completed()),
		"summary", summary,
	)

	if err := out.WriteSummary(summary); err != nil {
		slog.Error("failed to write summary", "error", err)
	}
}

// loadWafers reads the manifest when one is given, otherwise generates
// sequential lot ids.
func loadWafers(manifest string, count int, cfg *config.Config) ([]wafer.Wafer, error) {
	if manifest != "" {
		return wafer.LoadManifest(manifest, cfg.Stages)
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("W-%03d", i+1)
	}
	return wafer.FromIDs(ids, cfg.Stages)
}
