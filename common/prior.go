package common

import "github.com/pkg/errors"

// PriorShape is an anchor box template (width, height) in input pixels.
type PriorShape struct {
	Width  float32 `json:"width" yaml:"width"`
	Height float32 `json:"height" yaml:"height"`
}

// DefaultPriorShapes are the nine COCO anchors used by the YOLOv4 and YOLOv5
// networks, sorted from the smallest to the largest.
var DefaultPriorShapes = []PriorShape{
	{12, 16}, {19, 36}, {40, 28},
	{36, 75}, {76, 55}, {72, 146},
	{142, 110}, {192, 243}, {459, 401},
}

// DefaultYOLOXPriorShapes places one anchor per cell on each of the three
// detection layers.
var DefaultYOLOXPriorShapes = []PriorShape{{8, 8}, {16, 16}, {32, 32}}

// ErrPriorShapeCount is returned when prior shapes cannot be split evenly
// between three detection layers.
var ErrPriorShapeCount = errors.New("The number of provided prior shapes needs to be divisible by 3.")

// SplitPriorShapes returns the prior shape indices of each of the three
// detection layers, from the finest to the coarsest.
//
// Arguments:
//   - shapes: All prior shapes of the network.
//
// Returns:
//   - [][]int: Three groups of contiguous indices.
//   - error: ErrPriorShapeCount if the count is not a positive multiple of 3.
func SplitPriorShapes(shapes []PriorShape) ([][]int, error) {
	if len(shapes) == 0 || len(shapes)%3 != 0 {
		return nil, errors.Wrapf(ErrPriorShapeCount, "got %d prior shapes", len(shapes))
	}
	perLayer := len(shapes) / 3
	groups := make([][]int, 3)
	for layer := range groups {
		groups[layer] = make([]int, perLayer)
		for i := range groups[layer] {
			groups[layer][i] = layer*perLayer + i
		}
	}
	return groups, nil
}
