package matching

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/loss"
)

const (
	// outsidePenalty is added to the cost of a candidate whose cell center is
	// outside the target box.
	outsidePenalty = 100000.0
	// topIoUCount is the number of best IoUs summed to estimate k.
	topIoUCount = 10
)

type simOTAMatcher struct {
	loss         *loss.Function
	spatialRange float32
}

// Match implements SimOTA. Candidates are the predictors of the cells whose
// centers lie within the spatial range of some target center. Each target
// takes its k lowest-cost candidates, with k estimated from the sum of its
// ten highest IoUs. A candidate claimed by several targets keeps only the
// target with the lowest cost.
func (m *simOTAMatcher) Match(preds common.Predictions, objects common.Objects, imageSize common.ImageSize) (*Assignment, error) {
	if err := validatePredictions(preds); err != nil {
		return nil, err
	}
	grid := preds.Grid
	background := allBackground(grid.Predictors())
	if objects.Len() == 0 {
		return &Assignment{Background: background}, nil
	}

	candidates, centers := m.candidates(grid, objects, imageSize)
	if len(candidates) == 0 {
		return &Assignment{Background: background}, nil
	}

	boxes := make([]common.Box, len(candidates))
	confidences := make([]float32, len(candidates))
	classProbs := make([][]float32, len(candidates))
	for i, p := range candidates {
		boxes[i] = preds.Boxes[p]
		confidences[i] = preds.Confidences[p]
		classProbs[i] = preds.ClassProbs[p]
	}
	costs, ious := m.loss.Pairwise(boxes, confidences, classProbs, objects)
	for t, target := range objects.Boxes {
		for i, p := range candidates {
			c := centers[p]
			if !target.Contains(c[0], c[1]) {
				costs[t][i] += outsidePenalty
			}
		}
	}

	owner := assignLowestCost(costs, ious)

	assignment := &Assignment{Background: background}
	for i, p := range candidates {
		if owner[i] < 0 {
			continue
		}
		assignment.Predictors = append(assignment.Predictors, p)
		assignment.Targets = append(assignment.Targets, owner[i])
		background[p] = false
	}
	return assignment, nil
}

// candidates returns the sorted predictor indices whose cell center is within
// the spatial range of a target center, and the cell center of every
// predictor.
func (m *simOTAMatcher) candidates(
	grid common.Grid,
	objects common.Objects,
	imageSize common.ImageSize,
) ([]int, [][2]float32) {
	sx, sy := grid.Stride(imageSize)
	centers := make([][2]float32, grid.Predictors())

	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(grid.Height * grid.Width)
	for row := 0; row < grid.Height; row++ {
		for col := 0; col < grid.Width; col++ {
			cx := (float32(col) + 0.5) * sx
			cy := (float32(row) + 0.5) * sy
			fb.Add(cx, cy, cx, cy)
			for a := 0; a < grid.Anchors; a++ {
				centers[grid.Index(row, col, a)] = [2]float32{cx, cy}
			}
		}
	}
	fb.Finish()

	rx, ry := m.spatialRange*sx, m.spatialRange*sy
	selected := make(map[int]bool)
	var nearby []int
	for _, target := range objects.Boxes {
		tx, ty := target.Center()
		nearby = fb.SearchFast(tx-rx, ty-ry, tx+rx, ty+ry, nearby[:0])
		for _, cell := range nearby {
			row, col := cell/grid.Width, cell%grid.Width
			c := centers[grid.Index(row, col, 0)]
			if math32.Abs(c[0]-tx) >= rx || math32.Abs(c[1]-ty) >= ry {
				continue
			}
			for a := 0; a < grid.Anchors; a++ {
				selected[grid.Index(row, col, a)] = true
			}
		}
	}

	out := make([]int, 0, len(selected))
	for p := range selected {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, centers
}

// assignLowestCost resolves the dynamic top-k matching. costs and ious are
// indexed [target][candidate]. The result holds the target of every
// candidate, or -1 for unmatched candidates.
func assignLowestCost(costs, ious [][]float32) []int {
	numTargets := len(costs)
	numCandidates := len(costs[0])
	matches := make([][]bool, numTargets)

	for t := range costs {
		matches[t] = make([]bool, numCandidates)

		top := append([]float32(nil), ious[t]...)
		sort.Slice(top, func(i, j int) bool { return top[i] > top[j] })
		if len(top) > topIoUCount {
			top = top[:topIoUCount]
		}
		var sum float32
		for _, v := range top {
			sum += v
		}
		k := int(sum)
		if k < 1 {
			k = 1
		}
		if k > numCandidates {
			k = numCandidates
		}

		order := make([]int, numCandidates)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return costs[t][order[i]] < costs[t][order[j]] })
		for _, i := range order[:k] {
			matches[t][i] = true
		}
	}

	owner := make([]int, numCandidates)
	for i := range owner {
		owner[i] = -1
		claims := 0
		for t := range matches {
			if matches[t][i] {
				owner[i] = t
				claims++
			}
		}
		if claims > 1 {
			best := 0
			for t := 1; t < numTargets; t++ {
				if costs[t][i] < costs[best][i] {
					best = t
				}
			}
			owner[i] = best
		}
	}
	return owner
}
