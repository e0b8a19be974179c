package providers

import (
	"runtime"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ShapeProfile defines min, max, and optimal input shapes for dynamic models.
type ShapeProfile struct {
	// InputName is the name of the input tensor
	InputName string `json:"input_name" yaml:"input_name"`

	// MinShape defines the minimum dimensions [batch, channels, height, width]
	MinShape []int64 `json:"min_shape" yaml:"min_shape"`

	// MaxShape defines the maximum dimensions [batch, channels, height, width]
	MaxShape []int64 `json:"max_shape" yaml:"max_shape"`

	// OptimalShape defines the most common dimensions for optimization
	OptimalShape []int64 `json:"optimal_shape" yaml:"optimal_shape"`
}

// Contains reports whether shape lies within the bounds of the profile.
func (p ShapeProfile) Contains(shape []int64) bool {
	return shapeWithinBounds(shape, p.MinShape, p.MaxShape)
}

// OptimizationConfig contains the ONNX Runtime session settings.
//
// This configuration enables fine-tuning of ONNX Runtime behavior for
// different hardware configurations and model types.
type OptimizationConfig struct {
	// GraphOptimizationLevel controls the level of graph optimization
	GraphOptimizationLevel ort.GraphOptimizationLevel `json:"graph_optimization_level" yaml:"graph_optimization_level"`

	// ExecutionMode controls sequential vs parallel execution
	ExecutionMode ort.ExecutionMode `json:"execution_mode" yaml:"execution_mode"`

	// IntraOpNumThreads sets threads for parallelizing ops
	IntraOpNumThreads int `json:"intra_op_num_threads" yaml:"intra_op_num_threads"`

	// InterOpNumThreads sets threads for parallelizing independent ops
	InterOpNumThreads int `json:"inter_op_num_threads" yaml:"inter_op_num_threads"`

	// ShapeProfiles defines input shape ranges for dynamic models
	ShapeProfiles []ShapeProfile `json:"shape_profiles" yaml:"shape_profiles"`

	// ExecutionProviders configures available execution providers
	ExecutionProviders []ExecutionProviderConfig `json:"execution_providers" yaml:"execution_providers"`
}

// DefaultOptimizationConfig returns the default session configuration.
// Accelerators are listed for the platform but only the CPU provider is
// enabled.
func DefaultOptimizationConfig() OptimizationConfig {
	numCPU := runtime.NumCPU()

	return OptimizationConfig{
		GraphOptimizationLevel: ort.GraphOptimizationLevelEnableExtended,
		ExecutionMode:          ort.ExecutionModeSequential,
		IntraOpNumThreads:      max(1, numCPU/2),
		InterOpNumThreads:      max(1, numCPU/4),
		ExecutionProviders:     getDefaultExecutionProviders(),
		ShapeProfiles: []ShapeProfile{
			{
				InputName:    "images",
				MinShape:     []int64{1, 3, 320, 320},
				MaxShape:     []int64{16, 3, 1024, 1024},
				OptimalShape: []int64{1, 3, 640, 640},
			},
		},
	}
}

// getDefaultExecutionProviders returns platform-appropriate execution providers
func getDefaultExecutionProviders() []ExecutionProviderConfig {
	providers := []ExecutionProviderConfig{
		{
			Provider: CPUExecutionProvider,
			Options:  map[string]string{},
			Priority: 1,
			Enabled:  true,
		},
	}

	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			providers = append(providers, ExecutionProviderConfig{
				Provider: CoreMLExecutionProvider,
				Options:  map[string]string{},
				Priority: 10,
			})
		}
	case "linux", "windows":
		providers = append(providers, ExecutionProviderConfig{
			Provider: CUDAExecutionProvider,
			Options: map[string]string{
				"device_id":              "0",
				"arena_extend_strategy":  "kSameAsRequested",
				"cudnn_conv_algo_search": "HEURISTIC",
			},
			Priority: 20,
		}, ExecutionProviderConfig{
			Provider: TensorRTExecutionProvider,
			Options: map[string]string{
				"device_id":       "0",
				"trt_fp16_enable": "1",
			},
			Priority: 30,
		})
	}

	return providers
}

// OptimizedSessionOptions creates session options from config. Providers
// that fail to load are logged and skipped, so the session falls back to the
// next provider and finally the CPU.
//
// Arguments:
//   - config: Optimization configuration to apply
//   - logger: Receives a warning for every provider that could not be enabled
//
// Returns:
//   - *ort.SessionOptions: Configured session options, destroyed by the caller
//   - error: Configuration error if any
func OptimizedSessionOptions(config OptimizationConfig, logger *zap.Logger) (*ort.SessionOptions, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}

	if err := applySettings(options, config); err != nil {
		options.Destroy()
		return nil, err
	}
	if err := applyExecutionProviders(options, config.ExecutionProviders, logger); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "failed to configure execution providers")
	}
	return options, nil
}

func applySettings(options *ort.SessionOptions, config OptimizationConfig) error {
	if err := options.SetGraphOptimizationLevel(config.GraphOptimizationLevel); err != nil {
		return errors.Wrap(err, "graph optimization level")
	}
	if err := options.SetExecutionMode(config.ExecutionMode); err != nil {
		return errors.Wrap(err, "execution mode")
	}
	if config.IntraOpNumThreads > 0 {
		if err := options.SetIntraOpNumThreads(config.IntraOpNumThreads); err != nil {
			return errors.Wrap(err, "intra op threads")
		}
	}
	if config.InterOpNumThreads > 0 {
		if err := options.SetInterOpNumThreads(config.InterOpNumThreads); err != nil {
			return errors.Wrap(err, "inter op threads")
		}
	}
	return nil
}

// applyExecutionProviders appends the enabled providers, highest priority
// first.
func applyExecutionProviders(options *ort.SessionOptions, providers []ExecutionProviderConfig, logger *zap.Logger) error {
	for _, provider := range EnabledProviders(providers) {
		var err error
		switch provider.Provider {
		case CPUExecutionProvider:
			// Always available, no explicit configuration needed.
			continue
		case CUDAExecutionProvider:
			err = appendCUDA(options, provider.Options)
		case TensorRTExecutionProvider:
			err = appendTensorRT(options, provider.Options)
		case CoreMLExecutionProvider:
			var flags uint64
			if v, ok := provider.Options["flags"]; ok {
				if flags, err = strconv.ParseUint(v, 10, 32); err != nil {
					return errors.Wrap(err, "coreml flags")
				}
			}
			err = options.AppendExecutionProviderCoreML(uint32(flags))
		case OpenVINOExecutionProvider:
			var ovOptions map[string]string
			if ovOptions, err = openVINOOptions(provider.Options); err != nil {
				return errors.Wrap(err, "openvino")
			}
			err = options.AppendExecutionProviderOpenVINO(ovOptions)
		default:
			return errors.Errorf("unsupported execution provider: %s", provider.Provider)
		}
		if err != nil {
			logger.Warn("failed to enable execution provider",
				zap.String("provider", string(provider.Provider)),
				zap.Error(err),
			)
			continue
		}
		logger.Debug("enabled execution provider", zap.String("provider", string(provider.Provider)))
	}
	return nil
}

// ShapeObserver records the input shapes a session runs with and how many
// of them fall within the configured shape profiles.
type ShapeObserver struct {
	profiles []ShapeProfile

	mu       sync.RWMutex
	observed map[string][]ShapeObservation
	hits     int64
	total    int64
}

// ShapeObservation records information about observed input shapes
type ShapeObservation struct {
	Shape     []int64 `json:"shape"`
	Count     int64   `json:"count"`
	AvgTimeMs float64 `json:"avg_time_ms"`
}

// ShapeStats summarizes the observations of a ShapeObserver.
type ShapeStats struct {
	Inferences   int64                         `json:"inferences"`
	ProfileHits  int64                         `json:"profile_hits"`
	HitRate      float64                       `json:"hit_rate"`
	Observations map[string][]ShapeObservation `json:"observations"`
}

// NewShapeObserver creates a new shape observer with the given profiles.
func NewShapeObserver(profiles []ShapeProfile) *ShapeObserver {
	return &ShapeObserver{
		profiles: profiles,
		observed: make(map[string][]ShapeObservation),
	}
}

// Observe records a run of inputName with the given shape.
//
// Arguments:
//   - inputName: Name of the input tensor
//   - shape: Observed shape dimensions
//   - inferenceTimeMs: Time taken for inference with this shape
//
// Returns:
//   - bool: Whether the shape lies within a profile of the input.
func (o *ShapeObserver) Observe(inputName string, shape []int64, inferenceTimeMs float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.total++

	observations := o.observed[inputName]
	found := false
	for i := range observations {
		obs := &observations[i]
		if shapeEqual(obs.Shape, shape) {
			obs.Count++
			obs.AvgTimeMs += (inferenceTimeMs - obs.AvgTimeMs) / float64(obs.Count)
			found = true
			break
		}
	}
	if !found {
		observations = append(observations, ShapeObservation{
			Shape:     append([]int64(nil), shape...),
			Count:     1,
			AvgTimeMs: inferenceTimeMs,
		})
	}
	o.observed[inputName] = observations

	for _, profile := range o.profiles {
		if profile.InputName == inputName && profile.Contains(shape) {
			o.hits++
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the observations.
func (o *ShapeObserver) Stats() ShapeStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := ShapeStats{
		Inferences:   o.total,
		ProfileHits:  o.hits,
		Observations: make(map[string][]ShapeObservation, len(o.observed)),
	}
	if o.total > 0 {
		stats.HitRate = float64(o.hits) / float64(o.total)
	}
	for name, observations := range o.observed {
		stats.Observations[name] = append([]ShapeObservation(nil), observations...)
	}
	return stats
}

// shapeEqual compares two shape slices for equality
func shapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

// shapeWithinBounds checks if a shape falls within the specified bounds
func shapeWithinBounds(shape, minShape, maxShape []int64) bool {
	if len(shape) != len(minShape) || len(shape) != len(maxShape) {
		return false
	}
	for i, dim := range shape {
		if dim < minShape[i] || dim > maxShape[i] {
			return false
		}
	}
	return true
}
