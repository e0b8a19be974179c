// Package config - YAML configuration of the detector and its network.
package config

import (
	"bytes"
	"image/color"
	"io"
	"os"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/detector"
	"github.com/nvr-ai/go-yolo/inference"
	"github.com/nvr-ai/go-yolo/models"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a detector.
type Config struct {
	// Model selects and configures the network.
	Model models.NewNetworkArgs `json:"model" yaml:"model"`
	// Postprocess configures how detections are filtered.
	Postprocess postprocess.Config `json:"postprocess" yaml:"postprocess"`
	// InputSize is the size images are resized to before inference.
	InputSize common.ImageSize `json:"input_size" yaml:"input_size"`
	// Letterbox keeps the aspect ratio of resized images and pads them with
	// gray.
	Letterbox bool `json:"letterbox" yaml:"letterbox"`
	// Workers is the number of images resized at once. Zero uses every CPU.
	Workers int `json:"workers" yaml:"workers"`
	// Classes names the labels of the network.
	Classes models.ClassSet `json:"classes" yaml:"classes"`
	// Logging configures the logger.
	Logging Logging `json:"logging" yaml:"logging"`
}

// Logging configures the zap logger.
type Logging struct {
	// Level is the minimum level that is logged.
	Level string `json:"level" yaml:"level"`
	// Development selects the human readable development encoder.
	Development bool `json:"development" yaml:"development"`
	// OutputPaths are the log sinks. Empty logs to stderr.
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
}

// Default returns a YOLOv5 detector for the COCO classes.
func Default() Config {
	return Config{
		Model: models.NewNetworkArgs{
			Name:    model.ModelNameYOLOv5,
			Options: model.DefaultOptions(80),
			Session: inference.DefaultSessionConfig(""),
		},
		Postprocess: postprocess.DefaultConfig(),
		InputSize:   detector.DefaultInputSize,
		Classes:     models.ClassSetCOCO,
		Logging:     Logging{Level: "info"},
	}
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "could not read config %s", path)
	}
	cfg, err := Parse(data)
	return cfg, errors.Wrapf(err, "config %s", path)
}

// Parse decodes a YAML document over the defaults. Unknown fields are
// rejected.
//
// Arguments:
//   - data: The YAML document. An empty document yields the defaults.
//
// Returns:
//   - Config: The validated configuration.
//   - error: An error if the document is malformed or invalid.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "could not decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	known := false
	for _, name := range models.Names() {
		known = known || name == c.Model.Name
	}
	if !known {
		return errors.Errorf("unsupported network name: %s", c.Model.Name)
	}
	if err := c.Model.Options.Validate(); err != nil {
		return err
	}
	layer := c.Model.Options.Detection
	layer.NumClasses = c.Model.Options.NumClasses
	if err := layer.Validate(); err != nil {
		return errors.Wrap(err, "detection")
	}
	if c.Model.Name == model.ModelNameONNX {
		if err := c.Model.Session.Validate(); err != nil {
			return err
		}
	}
	if err := c.Postprocess.Validate(); err != nil {
		return err
	}
	if c.InputSize.Width < 1 || c.InputSize.Height < 1 {
		return errors.Errorf("input_size must be positive, got %dx%d", c.InputSize.Width, c.InputSize.Height)
	}
	if c.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Classes != "" {
		names, err := models.ClassNames(c.Classes)
		if err != nil {
			return err
		}
		if len(names) != c.Model.Options.NumClasses {
			return errors.Errorf("%s has %d classes, the network predicts %d", c.Classes, len(names), c.Model.Options.NumClasses)
		}
	}
	_, err := zapcore.ParseLevel(c.Logging.Level)
	return errors.Wrap(err, "logging")
}

// ClassNames returns the label names, or nil without a class set.
func (c Config) ClassNames() []string {
	if c.Classes == "" {
		return nil
	}
	names, _ := models.ClassNames(c.Classes)
	return names
}

// LetterboxFill is the padding color of letterboxed images.
var LetterboxFill = color.Gray{Y: 114}

// DetectorOptions returns the detector options described by the
// configuration.
func (c Config) DetectorOptions(logger *zap.Logger) []detector.Option {
	opts := []detector.Option{
		detector.WithLogger(logger),
		detector.WithPostprocess(c.Postprocess),
		detector.WithInputSize(c.InputSize),
		detector.WithWorkers(c.Workers),
	}
	if c.Letterbox {
		opts = append(opts, detector.WithLetterbox(LetterboxFill))
	}
	return opts
}

// Build returns the logger described by the configuration.
func (l Logging) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logging")
	}
	cfg := zap.NewProductionConfig()
	if l.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	if len(l.OutputPaths) > 0 {
		cfg.OutputPaths = l.OutputPaths
	}
	logger, err := cfg.Build()
	return logger, errors.Wrap(err, "could not build logger")
}
