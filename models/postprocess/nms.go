// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/overlap"
)

// BatchedNMS performs greedy Non-Maximum Suppression separately for every
// label. A box is suppressed when its IoU with a higher scoring box of the
// same label exceeds threshold. Boxes of equal score keep their input order.
//
// A spatial index limits the IoU computations to boxes whose rectangles
// intersect.
//
// Arguments:
//   - boxes: The boxes in corner format.
//   - scores: The score of every box.
//   - labels: The label of every box.
//   - threshold: IoU threshold above which overlapping boxes are suppressed.
//
// Returns:
//   - []int: Indices of the kept boxes, sorted by descending score.
func BatchedNMS(boxes []common.Box, scores []float32, labels []int, threshold float32) []int {
	n := len(boxes)
	if n == 0 {
		return []int{}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	rank := make([]int, n)
	for r, i := range order {
		rank[i] = r
	}

	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(n)
	for _, b := range boxes {
		fb.Add(b.X1, b.Y1, b.X2, b.Y2)
	}
	fb.Finish()

	suppressed := make([]bool, n)
	keep := make([]int, 0, n)
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)

		anchor := boxes[i]
		for _, j := range fb.Search(anchor.X1, anchor.Y1, anchor.X2, anchor.Y2) {
			if suppressed[j] || rank[j] <= rank[i] || labels[j] != labels[i] {
				continue
			}
			if overlap.Compute(overlap.IoU, anchor, boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
