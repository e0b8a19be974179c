package common

// ImageSize is the width and height of the network input in pixels.
type ImageSize struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Grid describes the spatial layout of one detection layer.
type Grid struct {
	Height  int
	Width   int
	Anchors int
}

// Predictors returns the number of predictors in the grid.
func (g Grid) Predictors() int {
	return g.Height * g.Width * g.Anchors
}

// Index returns the flat predictor index of (row, col, anchor). Predictors are
// ordered by row, then column, then anchor.
func (g Grid) Index(row, col, anchor int) int {
	return (row*g.Width+col)*g.Anchors + anchor
}

// Cell returns the (row, col, anchor) triple of a flat predictor index.
func (g Grid) Cell(index int) (int, int, int) {
	anchor := index % g.Anchors
	cell := index / g.Anchors
	return cell / g.Width, cell % g.Width, anchor
}

// Stride returns the size of one grid cell in input pixels.
func (g Grid) Stride(size ImageSize) (float32, float32) {
	return float32(size.Width) / float32(g.Width), float32(size.Height) / float32(g.Height)
}

// Predictions holds the decoded output of one detection layer for one image.
// All slices are indexed by the flat predictor index of Grid.
type Predictions struct {
	Grid        Grid
	Boxes       []Box
	Confidences []float32
	ClassProbs  [][]float32
}
