// Package benchmark - Latency benchmarks of detection networks.
package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/nvr-ai/go-yolo/detector"
	"github.com/nvr-ai/go-yolo/models"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/nvr-ai/go-yolo/profiler"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Resolution represents the network input size of a scenario.
type Resolution struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name"`
}

// CommonResolutions are the input sizes compared by ResolutionScenarios.
var CommonResolutions = []Resolution{
	{Width: 320, Height: 320, Name: "320x320"},
	{Width: 416, Height: 416, Name: "416x416"},
	{Width: 512, Height: 512, Name: "512x512"},
	{Width: 640, Height: 640, Name: "640x640"},
}

// Scenario defines one benchmark run.
type Scenario struct {
	Name       string     `json:"name"`
	Network    model.Name `json:"network"`
	Resolution Resolution `json:"resolution"`
	BatchSize  int        `json:"batch_size"`
	Iterations int        `json:"iterations"`
	WarmupRuns int        `json:"warmup_runs"`
}

// Validate checks the scenario.
func (s Scenario) Validate() error {
	if s.Resolution.Width < 1 || s.Resolution.Height < 1 {
		return errors.Errorf("scenario %s: resolution must be positive", s.Name)
	}
	if s.BatchSize < 1 || s.Iterations < 1 || s.WarmupRuns < 0 {
		return errors.Errorf("scenario %s: batch size and iterations must be positive", s.Name)
	}
	return nil
}

// PerformanceMetrics captures the results of a scenario.
type PerformanceMetrics struct {
	Scenario        Scenario                `json:"scenario"`
	Timestamp       time.Time               `json:"timestamp"`
	TotalDuration   time.Duration           `json:"total_duration"`
	Forward         profiler.OperationStats `json:"forward"`
	Postprocess     profiler.OperationStats `json:"postprocess"`
	FramesPerSecond float64                 `json:"frames_per_second"`
	Memory          profiler.MemoryStats    `json:"memory"`
	NumCPU          int                     `json:"num_cpu"`
	DetectionCount  int                     `json:"detection_count"`
	ErrorRate       float64                 `json:"error_rate"`
}

// NetworkFactory creates the network of a scenario.
type NetworkFactory func(Scenario) (model.Network, error)

// RegistryFactory creates the networks of scenarios through the registry,
// with args for everything but the architecture.
func RegistryFactory(args models.NewNetworkArgs) NetworkFactory {
	return func(s Scenario) (model.Network, error) {
		a := args
		if s.Network != "" {
			a.Name = s.Network
		}
		return models.NewNetwork(a)
	}
}

// NewSuiteArgs configures a Suite.
type NewSuiteArgs struct {
	// Factory creates the network of every scenario.
	Factory NetworkFactory
	// Postprocess filters the detections of every iteration.
	Postprocess postprocess.Config
	// OutputDir receives the results. Empty disables SaveResults.
	OutputDir string
	// Logger receives progress logs. Nil disables logging.
	Logger *zap.Logger
}

// Suite manages and executes benchmark scenarios.
type Suite struct {
	args   NewSuiteArgs
	logger *zap.Logger

	mu        sync.Mutex
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a benchmark suite.
func NewSuite(args NewSuiteArgs) *Suite {
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suite{args: args, logger: logger.Named("benchmark")}
}

// AddScenario adds a scenario to the suite.
func (s *Suite) AddScenario(scenario Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, scenario)
}

// Scenarios returns the scenarios of the suite.
func (s *Suite) Scenarios() []Scenario {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Scenario(nil), s.scenarios...)
}

// RunScenario runs the network of a scenario on a synthetic image batch and
// measures the forward pass and the postprocessing separately.
//
// Arguments:
//   - ctx: Stops the run between iterations.
//   - scenario: The scenario.
//
// Returns:
//   - *PerformanceMetrics: The measurements.
//   - error: An error if the scenario is invalid or the network cannot be
//     created.
func (s *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	net, err := s.args.Factory(scenario)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s", scenario.Name)
	}
	defer net.Close()

	prof := profiler.New(profiler.Options{MaxSamples: scenario.Iterations}, nil)
	yolo := detector.New(net, detector.WithPostprocess(s.args.Postprocess))
	batch := syntheticBatch(scenario)

	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, err := yolo.Forward(batch, nil); err != nil {
			s.logger.Debug("warmup failed", zap.String("scenario", scenario.Name), zap.Error(err))
		}
	}

	runtime.GC()
	startMem := profiler.ReadMemory()
	metrics := &PerformanceMetrics{Scenario: scenario, Timestamp: time.Now(), NumCPU: runtime.NumCPU()}
	failures := 0
	start := time.Now()
	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stop := prof.StartOperation(profiler.OperationForward)
		out, err := yolo.Forward(batch, nil)
		stop()
		if err != nil {
			failures++
			continue
		}
		stop = prof.StartOperation(profiler.OperationPostprocess)
		detections, err := yolo.ProcessDetections(out.Detections)
		stop()
		if err != nil {
			failures++
			continue
		}
		for _, d := range detections {
			metrics.DetectionCount += d.Len()
		}
	}
	metrics.TotalDuration = time.Since(start)

	endMem := profiler.ReadMemory()
	metrics.Memory = endMem
	metrics.Memory.TotalAlloc = endMem.TotalAlloc - startMem.TotalAlloc
	metrics.Memory.NumGC = endMem.NumGC - startMem.NumGC

	metrics.Forward, _ = prof.Operation(profiler.OperationForward)
	metrics.Postprocess, _ = prof.Operation(profiler.OperationPostprocess)
	metrics.ErrorRate = float64(failures) / float64(scenario.Iterations)
	if seconds := metrics.TotalDuration.Seconds(); seconds > 0 {
		frames := (scenario.Iterations - failures) * scenario.BatchSize
		metrics.FramesPerSecond = float64(frames) / seconds
	}
	return metrics, nil
}

// syntheticBatch is a mid-gray image batch of the scenario resolution.
func syntheticBatch(scenario Scenario) *tensor.Dense {
	w, h := scenario.Resolution.Width, scenario.Resolution.Height
	data := make([]float32, scenario.BatchSize*3*h*w)
	for i := range data {
		data[i] = 0.5
	}
	return tensor.New(tensor.WithShape(scenario.BatchSize, 3, h, w), tensor.WithBacking(data))
}

// RunAll runs every scenario, then saves the results when the suite has an
// output directory. A failing scenario does not stop the others.
func (s *Suite) RunAll(ctx context.Context) error {
	var errs error
	for _, scenario := range s.Scenarios() {
		metrics, err := s.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return multierr.Append(errs, err)
			}
			s.logger.Warn("scenario failed", zap.String("scenario", scenario.Name), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		s.mu.Lock()
		s.results = append(s.results, *metrics)
		s.mu.Unlock()

		s.logger.Info("scenario completed",
			zap.String("scenario", scenario.Name),
			zap.Float64("fps", metrics.FramesPerSecond),
			zap.Duration("forward_p50", metrics.Forward.P50),
			zap.Duration("postprocess_p50", metrics.Postprocess.P50),
		)
	}
	if s.args.OutputDir != "" {
		if _, err := s.SaveResults(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Results returns the metrics of every completed scenario.
func (s *Suite) Results() []PerformanceMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PerformanceMetrics(nil), s.results...)
}

// SaveResults writes the results as JSON and a CSV summary to the output
// directory.
//
// Returns:
//   - string: The path of the JSON file.
//   - error: An error if the files cannot be written.
func (s *Suite) SaveResults() (string, error) {
	if s.args.OutputDir == "" {
		return "", errors.New("benchmark suite has no output directory")
	}
	results := s.Results()
	if err := os.MkdirAll(s.args.OutputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create output directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(s.args.OutputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal results")
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write results file")
	}

	summaryFile := filepath.Join(s.args.OutputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return "", errors.Wrap(err, "failed to save summary CSV")
	}
	s.logger.Info("results saved", zap.String("results", resultsFile), zap.String("summary", summaryFile))
	return resultsFile, nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, file.Close()) }()

	w := csv.NewWriter(file)
	if err := w.Write([]string{
		"scenario", "network", "resolution", "batch_size", "fps",
		"forward_p50_ms", "forward_p95_ms", "postprocess_p50_ms", "detections", "error_rate",
	}); err != nil {
		return err
	}
	ms := func(d time.Duration) string {
		return strconv.FormatFloat(float64(d.Nanoseconds())/1e6, 'f', 3, 64)
	}
	for _, r := range results {
		if err := w.Write([]string{
			r.Scenario.Name,
			string(r.Scenario.Network),
			r.Scenario.Resolution.Name,
			strconv.Itoa(r.Scenario.BatchSize),
			strconv.FormatFloat(r.FramesPerSecond, 'f', 2, 64),
			ms(r.Forward.P50),
			ms(r.Forward.P95),
			ms(r.Postprocess.P50),
			strconv.Itoa(r.DetectionCount),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
