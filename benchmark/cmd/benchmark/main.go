package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/nvr-ai/go-yolo/benchmark"
	"github.com/nvr-ai/go-yolo/config"
	"github.com/nvr-ai/go-yolo/models/model"
	"go.uber.org/zap"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to the detector configuration file")
		outputDir   = flag.String("output", "./benchmark_results", "Output directory for results")
		quick       = flag.Bool("quick", false, "Run one quick scenario per gorgonia network")
		resolutions = flag.Bool("resolutions", false, "Compare the common input resolutions")
		iterations  = flag.Int("iterations", 20, "Measured iterations per scenario")
		batchSize   = flag.Int("batch", 1, "Images per iteration")
		timeout     = flag.Duration("timeout", 30*time.Minute, "Benchmark timeout duration")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	logger, err := cfg.Logging.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	suite := benchmark.NewSuite(benchmark.NewSuiteArgs{
		Factory:     benchmark.RegistryFactory(cfg.Model),
		Postprocess: cfg.Postprocess,
		OutputDir:   *outputDir,
		Logger:      logger,
	})

	var scenarios []benchmark.Scenario
	switch {
	case *quick:
		scenarios = benchmark.QuickScenarios(
			model.ModelNameYOLOv4Tiny, model.ModelNameYOLOv4, model.ModelNameYOLOv5, model.ModelNameYOLOX,
		)
	case *resolutions:
		scenarios = benchmark.ResolutionScenarios(cfg.Model.Name, *iterations)
	default:
		scenarios = []benchmark.Scenario{
			benchmark.NewScenarioBuilder(string(cfg.Model.Name)).
				WithNetwork(cfg.Model.Name).
				WithResolution(cfg.InputSize.Width, cfg.InputSize.Height).
				WithIterations(*iterations).
				Build(),
		}
	}
	for _, s := range scenarios {
		s.BatchSize = *batchSize
		suite.AddScenario(s)
	}
	logger.Info("running benchmarks",
		zap.Int("scenarios", len(scenarios)),
		zap.Strings("networks", networkNames(scenarios)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := suite.RunAll(ctx); err != nil {
		logger.Error("benchmark failed", zap.Error(err))
	}
	for _, r := range suite.Results() {
		logger.Info("result",
			zap.String("scenario", r.Scenario.Name),
			zap.Float64("fps", r.FramesPerSecond),
			zap.Duration("forward_mean", r.Forward.Mean),
			zap.Duration("postprocess_mean", r.Postprocess.Mean),
		)
	}
}

func networkNames(scenarios []benchmark.Scenario) []string {
	seen := make(map[model.Name]bool)
	var names []string
	for _, s := range scenarios {
		if !seen[s.Network] {
			seen[s.Network] = true
			names = append(names, string(s.Network))
		}
	}
	return names
}
