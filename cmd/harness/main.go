package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loyaltysim/harness/internal/config"
	"github.com/loyaltysim/harness/internal/control"
	"github.com/loyaltysim/harness/internal/datagen"
	"github.com/loyaltysim/harness/internal/executor"
	"github.com/loyaltysim/harness/internal/gateway"
	"github.com/loyaltysim/harness/internal/pkg/database"
	"github.com/loyaltysim/harness/internal/verify"
	"github.com/loyaltysim/harness/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogger(cfg)

	log.Info().
		Str("target", cfg.TargetBaseURL).
		Int("concurrency", cfg.Concurrency).
		Bool("continuous", cfg.Continuous).
		Msg("Starting loyalty load harness")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	gwCfg := gateway.Config{
		BaseURL: cfg.TargetBaseURL,
		Timeout: cfg.HTTPTimeout,
	}
	if pacer := executor.NewPacer(cfg.StepRate); pacer != nil {
		gwCfg.Pacer = pacer
	}
	gw := gateway.NewClient(gwCfg, log.Logger)

	var verifier *verify.Verifier
	if rdb != nil || db != nil {
		var cache verify.SessionReader
		if rdb != nil {
			cache = rdb
		}
		verifier = verify.New(cache, db, log.Logger)
	}

	api := workflow.NewAPI(gw, cfg.CustomerUnauthorizedAsConflict, log.Logger)

	registry := prometheus.NewRegistry()
	metrics := executor.NewMetrics(registry)

	sequencer := workflow.NewSequencer(api, verifier, metrics.ObserveStep, log.Logger)
	fanCfg := workflow.DefaultFanOutConfig()
	fanCfg.Merchants = cfg.FanOutMerchants
	fanOut := workflow.NewFanOut(api, fanCfg, metrics.ObserveStep, log.Logger)

	weighted, err := buildScenarios(cfg, sequencer, fanOut)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scenario weights")
	}
	exec := executor.New(weighted, metrics, log.Logger)

	ctrl := control.NewServer(cfg.ControlPort, func() executor.Snapshot {
		return exec.Summary().Snapshot()
	}, registry, log.Logger)
	go func() {
		if err := ctrl.Start(); err != nil {
			log.Error().Err(err).Msg("Control server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan executor.Snapshot, 1)
	go func() {
		if cfg.Continuous {
			done <- exec.RunContinuous(ctx, cfg.Concurrency)
		} else {
			done <- exec.RunBatch(ctx, cfg.TotalSessions, cfg.Concurrency)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var summary executor.Snapshot
	select {
	case summary = <-done:
	case <-quit:
		log.Info().Msg("Shutting down harness...")
		cancel()
		// In-flight sessions run to their timeout or response.
		summary = <-done
	}

	log.Info().
		Int("started", summary.Started).
		Int("passed", summary.Passed).
		Int("failed", summary.Failed).
		Int("incomplete", summary.Incomplete).
		Msg("Run finished")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Control server forced to shutdown")
	}
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}

func buildScenarios(cfg *config.Config, seq *workflow.Sequencer, fan *workflow.FanOut) ([]executor.Weighted, error) {
	names := make([]string, 0, len(cfg.ScenarioWeights))
	for name := range cfg.ScenarioWeights {
		names = append(names, name)
	}
	sort.Strings(names)

	var weighted []executor.Weighted
	for _, name := range names {
		weight := cfg.ScenarioWeights[name]
		switch name {
		case "journey":
			weighted = append(weighted, executor.Weighted{
				Scenario: &journeyScenario{seq: seq, verifyStores: cfg.VerifyStores},
				Weight:   weight,
			})
		case "fanout":
			weighted = append(weighted, executor.Weighted{
				Scenario: &fanOutScenario{fan: fan},
				Weight:   weight,
			})
		default:
			return nil, errUnknownScenario(name)
		}
	}
	return weighted, nil
}

type errUnknownScenario string

func (e errUnknownScenario) Error() string {
	return "unknown scenario type: " + string(e)
}

// Adapters binding the workflow types to the executor's Scenario interface.

type journeyScenario struct {
	seq          *workflow.Sequencer
	verifyStores bool
}

func (s *journeyScenario) Name() string { return "journey" }

func (s *journeyScenario) Run(ctx context.Context, sessionID string, gen *datagen.Generator) executor.SessionResult {
	res := s.seq.Run(ctx, gen, workflow.JourneyConfig{
		SessionID:    sessionID,
		VerifyStores: s.verifyStores,
	})
	return executor.SessionResult{
		Scenario:  s.Name(),
		SessionID: sessionID,
		Passed:    res.Passed(),
		Err:       res.Err(),
	}
}

type fanOutScenario struct {
	fan *workflow.FanOut
}

func (s *fanOutScenario) Name() string { return "fanout" }

func (s *fanOutScenario) Run(ctx context.Context, sessionID string, gen *datagen.Generator) executor.SessionResult {
	_, err := s.fan.Run(ctx, sessionID, gen, workflow.NewUser{})
	return executor.SessionResult{
		Scenario:  s.Name(),
		SessionID: sessionID,
		Passed:    err == nil,
		Err:       err,
	}
}
