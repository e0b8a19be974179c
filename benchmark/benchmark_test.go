package benchmark

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-yolo/models"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func tinyFactory() NetworkFactory {
	opts := model.DefaultOptions(2)
	opts.Width = 4
	return RegistryFactory(models.NewNetworkArgs{Name: model.ModelNameYOLOv4Tiny, Options: opts})
}

func tinyScenario(name string) Scenario {
	return NewScenarioBuilder(name).
		WithNetwork(model.ModelNameYOLOv4Tiny).
		WithResolution(32, 32).
		WithIterations(2).
		WithWarmupRuns(1).
		WithBatchSize(2).
		Build()
}

func TestScenarioBuilder(t *testing.T) {
	scenario := NewScenarioBuilder("test_scenario").
		WithNetwork(model.ModelNameYOLOv5).
		WithResolution(416, 320).
		WithIterations(50).
		WithWarmupRuns(5).
		WithBatchSize(2).
		Build()

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, model.ModelNameYOLOv5, scenario.Network)
	assert.Equal(t, Resolution{Width: 416, Height: 320, Name: "416x320"}, scenario.Resolution)
	assert.Equal(t, 50, scenario.Iterations)
	assert.Equal(t, 5, scenario.WarmupRuns)
	assert.Equal(t, 2, scenario.BatchSize)
	assert.NoError(t, scenario.Validate())

	scenario.Iterations = 0
	assert.Error(t, scenario.Validate())
}

func TestPredefinedScenarios(t *testing.T) {
	quick := QuickScenarios(model.ModelNameYOLOv5, model.ModelNameYOLOX)
	require.Len(t, quick, 2)
	assert.Equal(t, "quick_yolox", quick[1].Name)
	assert.Equal(t, 416, quick[1].Resolution.Width)

	res := ResolutionScenarios(model.ModelNameYOLOv4, 5)
	require.Len(t, res, len(CommonResolutions))
	assert.Equal(t, "yolov4_320x320", res[0].Name)
	assert.Equal(t, 5, res[0].Iterations)
}

func TestRunScenario(t *testing.T) {
	suite := NewSuite(NewSuiteArgs{Factory: tinyFactory(), Postprocess: postprocess.DefaultConfig()})

	metrics, err := suite.RunScenario(context.Background(), tinyScenario("tiny"))
	require.NoError(t, err)
	assert.Equal(t, "tiny", metrics.Scenario.Name)
	assert.Equal(t, int64(2), metrics.Forward.Count)
	assert.Equal(t, int64(2), metrics.Postprocess.Count)
	assert.Zero(t, metrics.ErrorRate)
	assert.Positive(t, metrics.FramesPerSecond)
	assert.True(t, metrics.TotalDuration > 0)
}

func TestRunScenarioCanceled(t *testing.T) {
	suite := NewSuite(NewSuiteArgs{Factory: tinyFactory(), Postprocess: postprocess.DefaultConfig()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := suite.RunScenario(ctx, tinyScenario("tiny"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAll(t *testing.T) {
	dir := t.TempDir()
	factory := tinyFactory()
	suite := NewSuite(NewSuiteArgs{
		Factory: func(s Scenario) (model.Network, error) {
			if s.Name == "broken" {
				return nil, errors.New("no network")
			}
			return factory(s)
		},
		Postprocess: postprocess.DefaultConfig(),
		OutputDir:   dir,
	})
	suite.AddScenario(tinyScenario("tiny"))
	suite.AddScenario(tinyScenario("broken"))

	err := suite.RunAll(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	require.Len(t, suite.Results(), 1)

	jsonFiles, err := filepath.Glob(filepath.Join(dir, "benchmark_results_*.json"))
	require.NoError(t, err)
	assert.Len(t, jsonFiles, 1)

	csvFiles, err := filepath.Glob(filepath.Join(dir, "benchmark_summary_*.csv"))
	require.NoError(t, err)
	require.Len(t, csvFiles, 1)
	f, err := os.Open(csvFiles[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "tiny", rows[1][0])
	assert.Equal(t, "yolov4-tiny", rows[1][1])
}

func TestSaveResultsWithoutOutputDir(t *testing.T) {
	_, err := NewSuite(NewSuiteArgs{Factory: tinyFactory()}).SaveResults()
	assert.Error(t, err)
}
