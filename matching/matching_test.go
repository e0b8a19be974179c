package matching

import (
	"testing"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/loss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var imageSize = common.ImageSize{Width: 128, Height: 128}

// farPredictions returns predictions whose boxes overlap nothing in the image.
func farPredictions(grid common.Grid) common.Predictions {
	n := grid.Predictors()
	preds := common.Predictions{
		Grid:        grid,
		Boxes:       make([]common.Box, n),
		Confidences: make([]float32, n),
		ClassProbs:  make([][]float32, n),
	}
	for i := range preds.Boxes {
		preds.Boxes[i] = common.Box{X1: 1000, Y1: 1000, X2: 1010, Y2: 1010}
		preds.Confidences[i] = 0.5
		preds.ClassProbs[i] = []float32{0.5, 0.5}
	}
	return preds
}

func objectsAt(boxes ...common.Box) common.Objects {
	classes := make([][]float32, len(boxes))
	for i := range classes {
		classes[i] = []float32{1, 0}
	}
	return common.Objects{Boxes: boxes, Classes: classes}
}

// boxOfSize returns a box of the given size centered at (cx, cy).
func boxOfSize(cx, cy, w, h float32) common.Box {
	return common.CenterBox{CX: cx, CY: cy, W: w, H: h}.ToCorners()
}

func TestHighestIoUMatching(t *testing.T) {
	grid := common.Grid{Height: 4, Width: 4, Anchors: 3}
	first, err := New(DefaultConfig(), common.DefaultPriorShapes, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	last, err := New(DefaultConfig(), common.DefaultPriorShapes, []int{6, 7, 8}, nil)
	require.NoError(t, err)

	small := boxOfSize(40, 70, 12, 16)
	large := boxOfSize(64, 64, 459, 401)
	objects := objectsAt(small, large)

	assignment, err := first.Match(farPredictions(grid), objects, imageSize)
	require.NoError(t, err)
	assert.Equal(t, []int{grid.Index(2, 1, 0)}, assignment.Predictors)
	assert.Equal(t, []int{0}, assignment.Targets)
	assert.Equal(t, 1, assignment.Hits())
	assert.False(t, assignment.Background[grid.Index(2, 1, 0)])

	assignment, err = last.Match(farPredictions(grid), objects, imageSize)
	require.NoError(t, err)
	assert.Equal(t, []int{grid.Index(2, 2, 2)}, assignment.Predictors)
	assert.Equal(t, []int{1}, assignment.Targets)
}

func TestHighestIoUSelectsExactlyOne(t *testing.T) {
	grid := common.Grid{Height: 4, Width: 4, Anchors: 3}
	total := 0
	for _, idxs := range [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}} {
		m, err := New(DefaultConfig(), common.DefaultPriorShapes, idxs, nil)
		require.NoError(t, err)
		assignment, err := m.Match(farPredictions(grid), objectsAt(boxOfSize(60, 60, 70, 140)), imageSize)
		require.NoError(t, err)
		total += assignment.Hits()
	}
	assert.Equal(t, 1, total)
}

func TestIgnoreBackground(t *testing.T) {
	grid := common.Grid{Height: 4, Width: 4, Anchors: 3}
	m, err := New(DefaultConfig(), common.DefaultPriorShapes, []int{0, 1, 2}, nil)
	require.NoError(t, err)

	target := boxOfSize(40, 70, 12, 16)
	preds := farPredictions(grid)
	preds.Boxes[5] = target

	assignment, err := m.Match(preds, objectsAt(target), imageSize)
	require.NoError(t, err)
	assert.NotContains(t, assignment.Predictors, 5)
	assert.False(t, assignment.Background[5], "overlapping predictor is ignored")
	assert.True(t, assignment.Background[4])

	background := 0
	for _, bg := range assignment.Background {
		if bg {
			background++
		}
	}
	assert.Equal(t, grid.Predictors()-2, background)
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	m, err := New(Config{Algorithm: Size, Threshold: 4}, common.DefaultPriorShapes, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, m.(*shapeMatcher).ignoreBGThreshold, 1e-6)

	// A predictor that barely touches the target stays in the background.
	grid := common.Grid{Height: 4, Width: 4, Anchors: 3}
	target := boxOfSize(40, 70, 12, 16)
	preds := farPredictions(grid)
	preds.Boxes[4] = common.Box{X1: target.X2 - 1, Y1: target.Y1, X2: target.X2 + 11, Y2: target.Y2}
	assignment, err := m.Match(preds, objectsAt(target), imageSize)
	require.NoError(t, err)
	assert.True(t, assignment.Background[4])

	fn, err := loss.New(loss.DefaultConfig())
	require.NoError(t, err)
	m, err = New(Config{Algorithm: SimOTA}, common.DefaultPriorShapes, []int{0, 1, 2}, fn)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, m.(*simOTAMatcher).spatialRange, 1e-6)
}

func TestNoTargets(t *testing.T) {
	grid := common.Grid{Height: 2, Width: 2, Anchors: 3}
	fn, err := loss.New(loss.DefaultConfig())
	require.NoError(t, err)

	for _, cfg := range []Config{DefaultConfig(), {Algorithm: SimOTA, SpatialRange: 5, IgnoreBGThreshold: 0.7}} {
		m, err := New(cfg, common.DefaultPriorShapes, []int{0, 1, 2}, fn)
		require.NoError(t, err)
		assignment, err := m.Match(farPredictions(grid), common.Objects{}, imageSize)
		require.NoError(t, err)
		assert.Equal(t, 0, assignment.Hits())
		assert.Len(t, assignment.Background, 12)
		for _, bg := range assignment.Background {
			assert.True(t, bg)
		}
	}
}

func TestSizeRatioMatching(t *testing.T) {
	grid := common.Grid{Height: 4, Width: 4, Anchors: 3}
	target := boxOfSize(16, 16, 20, 30)

	m, err := New(Config{Algorithm: Size, Threshold: 4, IgnoreBGThreshold: 0.7}, common.DefaultPriorShapes, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	assignment, err := m.Match(farPredictions(grid), objectsAt(target), imageSize)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, assignment.Predictors)
	assert.Equal(t, []int{0, 0, 0}, assignment.Targets)

	m, err = New(Config{Algorithm: Size, Threshold: 1.5, IgnoreBGThreshold: 0.7}, common.DefaultPriorShapes, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	assignment, err = m.Match(farPredictions(grid), objectsAt(target), imageSize)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, assignment.Predictors)
}

func TestIoUThresholdMatching(t *testing.T) {
	grid := common.Grid{Height: 4, Width: 4, Anchors: 3}
	target := boxOfSize(16, 16, 19, 36)

	m, err := New(Config{Algorithm: IoU, Threshold: 0.5, IgnoreBGThreshold: 0.7}, common.DefaultPriorShapes, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	assignment, err := m.Match(farPredictions(grid), objectsAt(target), imageSize)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, assignment.Predictors)

	m, err = New(Config{Algorithm: IoU, Threshold: 0.25, IgnoreBGThreshold: 0.7}, common.DefaultPriorShapes, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	assignment, err = m.Match(farPredictions(grid), objectsAt(target), imageSize)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, assignment.Predictors)
}

func TestSimOTAMatching(t *testing.T) {
	grid := common.Grid{Height: 4, Width: 4, Anchors: 1}
	fn, err := loss.New(loss.DefaultConfig())
	require.NoError(t, err)
	m, err := New(Config{Algorithm: SimOTA, SpatialRange: 5}, common.DefaultYOLOXPriorShapes, []int{0}, fn)
	require.NoError(t, err)

	target := common.Box{X1: 32, Y1: 32, X2: 96, Y2: 96}
	preds := farPredictions(grid)
	inside := []int{grid.Index(1, 1, 0), grid.Index(1, 2, 0), grid.Index(2, 1, 0), grid.Index(2, 2, 0)}
	for _, p := range inside {
		preds.Boxes[p] = target
	}

	assignment, err := m.Match(preds, objectsAt(target), imageSize)
	require.NoError(t, err)
	assert.Equal(t, inside, assignment.Predictors)
	assert.Equal(t, []int{0, 0, 0, 0}, assignment.Targets)
	for p, bg := range assignment.Background {
		assert.Equal(t, !contains(inside, p), bg)
	}
}

func TestSimOTASpatialRange(t *testing.T) {
	grid := common.Grid{Height: 8, Width: 8, Anchors: 1}
	fn, err := loss.New(loss.DefaultConfig())
	require.NoError(t, err)
	m := &simOTAMatcher{loss: fn, spatialRange: 1}

	candidates, _ := m.candidates(grid, objectsAt(boxOfSize(8, 8, 4, 4)), imageSize)
	// Cell size is 16, so only the cell centered at (8, 8) is within one cell.
	assert.Equal(t, []int{0}, candidates)
}

func TestAssignLowestCostConflicts(t *testing.T) {
	costs := [][]float32{{1, 2, 3}, {0.5, 5, 5}}
	ious := [][]float32{{0.5, 0.4, 0}, {0.9, 0, 0}}
	assert.Equal(t, []int{1, -1, -1}, assignLowestCost(costs, ious))

	// Summed IoU of 2.5 lets the first target take two candidates.
	costs = [][]float32{{1, 2, 3}}
	ious = [][]float32{{1, 1, 0.5}}
	assert.Equal(t, []int{0, 0, -1}, assignLowestCost(costs, ious))
}

func TestConfigValidation(t *testing.T) {
	ratio, threshold := float32(4), float32(0.5)

	_, err := FromFlags(true, &ratio, nil)
	assert.ErrorIs(t, err, ErrConflictingAlgorithms)
	_, err = FromFlags(false, &ratio, &threshold)
	assert.ErrorIs(t, err, ErrConflictingAlgorithms)

	cfg, err := FromFlags(false, nil, &threshold)
	require.NoError(t, err)
	assert.Equal(t, IoU, cfg.Algorithm)
	assert.Equal(t, threshold, cfg.Threshold)

	cfg, err = FromFlags(false, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxIoU, cfg.Algorithm)

	assert.ErrorIs(t, Config{Algorithm: Size}.Validate(), ErrMissingThreshold)
	assert.Error(t, Config{Algorithm: "nearest"}.Validate())

	_, err = New(Config{Algorithm: SimOTA, SpatialRange: 5}, common.DefaultYOLOXPriorShapes, []int{0}, nil)
	assert.Error(t, err)
	_, err = New(DefaultConfig(), common.DefaultPriorShapes, []int{9}, nil)
	assert.Error(t, err)
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
