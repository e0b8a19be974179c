package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-yolo/matching"
	"github.com/nvr-ai/go-yolo/models"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/overlap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const voc = `
model:
  name: yolox
  options:
    num_classes: 20
    width: 16
    detection:
      matching:
        algorithm: simota
      loss:
        overlap_func: giou
postprocess:
  confidence_threshold: 0.3
input_size:
  width: 416
  height: 416
classes: voc
logging:
  level: debug
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(voc))
	require.NoError(t, err)

	assert.Equal(t, model.ModelNameYOLOX, cfg.Model.Name)
	assert.Equal(t, 20, cfg.Model.Options.NumClasses)
	assert.Equal(t, 16, cfg.Model.Options.Width)
	assert.Equal(t, matching.SimOTA, cfg.Model.Options.Detection.Matching.Algorithm)
	assert.Equal(t, overlap.GIoU, cfg.Model.Options.Detection.Loss.Overlap)
	assert.InDelta(t, 0.3, cfg.Postprocess.ConfidenceThreshold, 1e-6)
	assert.Equal(t, 416, cfg.InputSize.Width)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Len(t, cfg.ClassNames(), 20)

	// Unset fields keep their defaults.
	assert.InDelta(t, 1.0, cfg.Model.Options.Detection.XYScale, 1e-6)
	assert.InDelta(t, 5.0, cfg.Model.Options.Detection.Matching.SpatialRange, 1e-6)
	assert.InDelta(t, 5.0, cfg.Model.Options.Detection.Loss.OverlapMultiplier, 1e-6)
	assert.InDelta(t, 0.45, cfg.Postprocess.NMSThreshold, 1e-6)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "model:\n  nme: yolov5\n"},
		{"unknown network", "model:\n  name: yolov9\n"},
		{"class count", "model:\n  options:\n    num_classes: 3\n"},
		{"unknown class set", "classes: imagenet\n"},
		{"onnx without model", "model:\n  name: onnx\n"},
		{"matching threshold", "model:\n  options:\n    detection:\n      matching:\n        algorithm: size\n"},
		{"confidence threshold", "postprocess:\n  confidence_threshold: 2\n"},
		{"input size", "input_size:\n  width: 0\n"},
		{"workers", "workers: -1\n"},
		{"log level", "logging:\n  level: loud\n"},
		{"malformed", "model: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDetectorOptions(t *testing.T) {
	cfg, err := Parse([]byte("letterbox: true\nworkers: 2\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Letterbox)
	assert.Equal(t, 2, cfg.Workers)
	assert.Len(t, cfg.DetectorOptions(zap.NewNop()), 5)

	cfg.Letterbox = false
	assert.Len(t, cfg.DetectorOptions(zap.NewNop()), 4)
}

func TestParseWithoutClassSet(t *testing.T) {
	cfg, err := Parse([]byte("model:\n  options:\n    num_classes: 3\nclasses: \"\"\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.ClassNames())
}

func TestParseONNX(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  name: onnx
  session:
    model_path: yolov5s.onnx
`))
	require.NoError(t, err)
	assert.Equal(t, "yolov5s.onnx", cfg.Model.Session.ModelPath)
	assert.Equal(t, "images", cfg.Model.Session.InputName)
	assert.Len(t, cfg.Model.Session.OutputNames, 3)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(voc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.ClassSetVOC, cfg.Classes)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoggingBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detector.log")
	logger, err := Logging{Level: "warn", OutputPaths: []string{path}}.Build()
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
	logger.Warn("written")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")

	_, err = Logging{Level: "loud"}.Build()
	assert.Error(t, err)
}
