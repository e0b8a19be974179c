// Package inference - ONNX Runtime sessions producing raw detection maps.
package inference

import (
	"sync"
	"time"

	"github.com/nvr-ai/go-yolo/inference/providers"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// ModelPath is the path of the exported ONNX graph.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath is the onnxruntime shared library. Empty selects the
	// platform default.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// InputName is the name of the image input.
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputNames are the raw detection maps, in detection layer order.
	OutputNames []string `json:"output_names" yaml:"output_names"`
	// Optimization configures the runtime session.
	Optimization providers.OptimizationConfig `json:"optimization" yaml:"optimization"`
}

// DefaultSessionConfig returns the configuration of a graph exported with
// one image input and three detection map outputs.
func DefaultSessionConfig(modelPath string) SessionConfig {
	return SessionConfig{
		ModelPath:    modelPath,
		InputName:    "images",
		OutputNames:  []string{"output3", "output4", "output5"},
		Optimization: providers.DefaultOptimizationConfig(),
	}
}

// Validate checks the configuration.
func (c SessionConfig) Validate() error {
	if c.ModelPath == "" {
		return errors.New("session requires a model path")
	}
	if c.InputName == "" {
		return errors.New("session requires an input name")
	}
	if len(c.OutputNames) == 0 {
		return errors.New("session requires output names")
	}
	return nil
}

var environment sync.Mutex

// initialize loads the shared library once per process.
func initialize(libraryPath string) error {
	environment.Lock()
	defer environment.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath == "" {
		var err error
		if libraryPath, err = providers.SharedLibPath(); err != nil {
			return err
		}
	}
	ort.SetSharedLibraryPath(libraryPath)
	return errors.Wrapf(ort.InitializeEnvironment(), "could not initialize onnxruntime from %s", libraryPath)
}

// Session runs an exported network that emits the raw
// [batch, anchors*(5+num_classes), height, width] map of every detection
// layer. Input shapes may vary between calls.
type Session struct {
	config   SessionConfig
	logger   *zap.Logger
	observer *providers.ShapeObserver

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewSession creates a new ONNX Runtime session.
//
// Order of operations:
//  1. Environment setup: loads the shared library once per process.
//  2. Session options: threading, optimization level and execution providers.
//  3. Session creation: loads the model with dynamic input and output shapes.
//
// Arguments:
//   - config: The session configuration.
//   - logger: The logger of the session. Nil disables logging.
//
// Returns:
//   - *Session: The session, released with Close.
//   - error: An error if the session creation fails.
func NewSession(config SessionConfig, logger *zap.Logger) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("inference")

	if err := initialize(config.LibraryPath); err != nil {
		return nil, err
	}

	options, err := providers.OptimizedSessionOptions(config.Optimization, logger)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		config.OutputNames,
		options,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create session for %s", config.ModelPath)
	}

	logger.Info("created onnxruntime session",
		zap.String("model", config.ModelPath),
		zap.Strings("outputs", config.OutputNames),
	)
	return &Session{
		config:   config,
		logger:   logger,
		observer: providers.NewShapeObserver(config.Optimization.ShapeProfiles),
		session:  session,
	}, nil
}

// Run evaluates the network on a [batch, 3, height, width] float32 image
// batch and returns one map per output name.
func (s *Session) Run(images *tensor.Dense) ([]*tensor.Dense, error) {
	if images == nil || images.Dims() != 4 {
		return nil, errors.New("session input must be a [batch, channels, height, width] tensor")
	}
	data, ok := images.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("session input must be float32, got %v", images.Dtype())
	}

	shape := make([]int64, images.Dims())
	for i, d := range images.Shape() {
		shape[i] = int64(d)
	}
	input, err := ort.NewTensor(ort.NewShape(shape...), data)
	if err != nil {
		return nil, errors.Wrap(err, "could not create input tensor")
	}
	defer input.Destroy()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.New("session is closed")
	}

	outputs := make([]ort.Value, len(s.config.OutputNames))
	start := time.Now()
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "could not run session")
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	if !s.observer.Observe(s.config.InputName, shape, elapsed) {
		s.logger.Debug("input shape outside of the shape profiles", zap.Int64s("shape", shape))
	}

	maps := make([]*tensor.Dense, len(outputs))
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Errorf("output %s is not a float32 tensor", s.config.OutputNames[i])
		}
		if maps[i], err = toDense(t.GetShape(), t.GetData()); err != nil {
			return nil, errors.Wrapf(err, "output %s", s.config.OutputNames[i])
		}
	}
	return maps, nil
}

// Stats returns the input shapes the session has run with.
func (s *Session) Stats() providers.ShapeStats {
	return s.observer.Stats()
}

// Close releases the native session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return errors.Wrap(err, "error destroying ORT session")
}

// toDense copies an output into a tensor that outlives the native value.
func toDense(shape ort.Shape, data []float32) (*tensor.Dense, error) {
	dims := make([]int, len(shape))
	size := 1
	for i, d := range shape {
		dims[i] = int(d)
		size *= dims[i]
	}
	if len(dims) != 4 {
		return nil, errors.Errorf("expected a [batch, channels, height, width] map, got %v", dims)
	}
	if size != len(data) {
		return nil, errors.Errorf("shape %v does not match %d values", dims, len(data))
	}
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing)), nil
}
