package matching

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/overlap"
)

// selectFunc returns the layer-local anchor indices that a target of the
// given size is matched to.
type selectFunc func(dims common.PriorShape) []int

// shapeMatcher matches targets to the anchors of the cell that contains the
// target center. The anchors are chosen by comparing the target size to the
// prior shapes.
type shapeMatcher struct {
	ignoreBGThreshold float32
	selectAnchors     selectFunc
}

func newHighestIoUMatcher(priorShapes []common.PriorShape, idxs []int, ignoreBGThreshold float32) *shapeMatcher {
	local := make(map[int]int, len(idxs))
	for i, idx := range idxs {
		local[idx] = i
	}
	return &shapeMatcher{
		ignoreBGThreshold: ignoreBGThreshold,
		selectAnchors: func(dims common.PriorShape) []int {
			// The best shape is searched over every layer, so each target
			// is assigned to exactly one layer of the network.
			best := overlap.HighestIoU(dims, priorShapes)
			if anchor, ok := local[best]; ok {
				return []int{anchor}
			}
			return nil
		},
	}
}

func newSizeRatioMatcher(priorShapes []common.PriorShape, idxs []int, threshold, ignoreBGThreshold float32) *shapeMatcher {
	shapes := layerShapes(priorShapes, idxs)
	return &shapeMatcher{
		ignoreBGThreshold: ignoreBGThreshold,
		selectAnchors: func(dims common.PriorShape) []int {
			var anchors []int
			for a, s := range shapes {
				wr := dims.Width / s.Width
				hr := dims.Height / s.Height
				ratio := math32.Max(math32.Max(wr, 1/wr), math32.Max(hr, 1/hr))
				if ratio < threshold {
					anchors = append(anchors, a)
				}
			}
			return anchors
		},
	}
}

func newIoUThresholdMatcher(priorShapes []common.PriorShape, idxs []int, threshold, ignoreBGThreshold float32) *shapeMatcher {
	shapes := layerShapes(priorShapes, idxs)
	return &shapeMatcher{
		ignoreBGThreshold: ignoreBGThreshold,
		selectAnchors: func(dims common.PriorShape) []int {
			var anchors []int
			for a, s := range shapes {
				if overlap.AlignedIoUShape(dims, s) > threshold {
					anchors = append(anchors, a)
				}
			}
			return anchors
		},
	}
}

func layerShapes(priorShapes []common.PriorShape, idxs []int) []common.PriorShape {
	shapes := make([]common.PriorShape, len(idxs))
	for i, idx := range idxs {
		shapes[i] = priorShapes[idx]
	}
	return shapes
}

// Match assigns every target to the selected anchors of the cell that
// contains its center. Unmatched predictors whose box overlaps any target
// by more than the ignore threshold are left out of the background.
func (m *shapeMatcher) Match(preds common.Predictions, objects common.Objects, imageSize common.ImageSize) (*Assignment, error) {
	if err := validatePredictions(preds); err != nil {
		return nil, err
	}
	grid := preds.Grid
	background := allBackground(grid.Predictors())
	if objects.Len() == 0 {
		return &Assignment{Background: background}, nil
	}

	if m.ignoreBGThreshold < 1 {
		for p, box := range preds.Boxes {
			for _, target := range objects.Boxes {
				if overlap.Compute(overlap.IoU, box, target) > m.ignoreBGThreshold {
					background[p] = false
					break
				}
			}
		}
	}

	assignment := &Assignment{Background: background}
	for t, target := range objects.Boxes {
		dims := common.PriorShape{Width: target.X2 - target.X1, Height: target.Y2 - target.Y1}
		anchors := m.selectAnchors(dims)
		if len(anchors) == 0 {
			continue
		}
		row, col := targetCell(target, grid, imageSize)
		for _, a := range anchors {
			p := grid.Index(row, col, a)
			assignment.Predictors = append(assignment.Predictors, p)
			assignment.Targets = append(assignment.Targets, t)
			background[p] = false
		}
	}
	return assignment, nil
}

// targetCell returns the grid cell that contains the center of the box.
func targetCell(box common.Box, grid common.Grid, imageSize common.ImageSize) (int, int) {
	cx, cy := box.Center()
	col := int(math32.Floor(cx * float32(grid.Width) / float32(imageSize.Width)))
	row := int(math32.Floor(cy * float32(grid.Height) / float32(imageSize.Height)))
	return clamp(row, 0, grid.Height-1), clamp(col, 0, grid.Width-1)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
