// Package overlap - IoU and its GIoU, DIoU and CIoU variants between boxes.
package overlap

import (
	"strings"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Kind selects the overlap function.
type Kind string

const (
	// IoU is the intersection area divided by the union area.
	IoU Kind = "iou"
	// GIoU subtracts the share of the enclosing box not covered by the union.
	GIoU Kind = "giou"
	// DIoU subtracts the squared center distance over the squared enclosing diagonal.
	DIoU Kind = "diou"
	// CIoU adds an aspect ratio consistency penalty to DIoU.
	CIoU Kind = "ciou"
)

// eps keeps every denominator away from zero.
const eps = 1e-7

// ParseKind returns the overlap kind with the given name.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(name)); k {
	case IoU, GIoU, DIoU, CIoU:
		return k, nil
	}
	return "", errors.Errorf("unknown overlap function %q, expected one of iou, giou, diou, ciou", name)
}

// Compute returns the overlap of two corner-format boxes.
//
// Arguments:
//   - kind: The overlap function.
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - float32: The overlap. IoU is in [0, 1], GIoU in [-1, 1], DIoU and CIoU
//     are at most IoU.
func Compute(kind Kind, a, b common.Box) float32 {
	inter := a.Intersect(b).Area()
	union := a.Area() + b.Area() - inter
	iou := inter / math32.Max(union, eps)

	switch kind {
	case GIoU:
		enclose := a.Enclose(b).Area()
		return iou - (enclose-union)/math32.Max(enclose, eps)
	case DIoU, CIoU:
		enclose := a.Enclose(b)
		diag := square(enclose.X2-enclose.X1) + square(enclose.Y2-enclose.Y1)
		ax, ay := a.Center()
		bx, by := b.Center()
		dist := square(ax-bx) + square(ay-by)
		diou := iou - dist/math32.Max(diag, eps)
		if kind == DIoU {
			return diou
		}
		v := aspectPenalty(a, b)
		// alpha is a constant weight; it carries no gradient.
		alpha := v / math32.Max(1-iou+v, eps)
		return diou - alpha*v
	default:
		return iou
	}
}

func aspectPenalty(a, b common.Box) float32 {
	wa, ha := a.Width(), math32.Max(a.Height(), eps)
	wb, hb := b.Width(), math32.Max(b.Height(), eps)
	d := math32.Atan(wb/hb) - math32.Atan(wa/ha)
	return 4 / (math32.Pi * math32.Pi) * d * d
}

func square(x float32) float32 {
	return x * x
}

// AlignedIoUShape returns the IoU of two (width, height) shapes when both
// boxes are centered at the same point.
func AlignedIoUShape(a, b common.PriorShape) float32 {
	inter := math32.Min(a.Width, b.Width) * math32.Min(a.Height, b.Height)
	union := a.Width*a.Height + b.Width*b.Height - inter
	return inter / math32.Max(union, eps)
}

// HighestIoU returns the index of the shape that has the highest aligned IoU
// with dims. Ties resolve to the first index.
func HighestIoU(dims common.PriorShape, shapes []common.PriorShape) int {
	best, bestIoU := -1, float32(-1)
	for i, s := range shapes {
		if iou := AlignedIoUShape(dims, s); iou > bestIoU {
			best, bestIoU = i, iou
		}
	}
	return best
}

// PairwiseBoxes returns the [len(a)][len(b)] overlap matrix.
func PairwiseBoxes(kind Kind, a, b []common.Box) [][]float32 {
	out := make([][]float32, len(a))
	for i := range a {
		out[i] = make([]float32, len(b))
		for j := range b {
			out[i][j] = Compute(kind, a[i], b[j])
		}
	}
	return out
}

// ElementwiseBoxes returns the overlap of a[i] and b[i] for every i.
func ElementwiseBoxes(kind Kind, a, b []common.Box) ([]float32, error) {
	if len(a) != len(b) {
		return nil, errors.Errorf("elementwise overlap needs equal box counts, got %d and %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = Compute(kind, a[i], b[i])
	}
	return out, nil
}

// AlignedIoU computes the IoU of every pair of (width, height) rows of dims1
// [N, 2] and dims2 [M, 2], treating all boxes as centered at the origin.
//
// Arguments:
//   - dims1: A [N, 2] float32 tensor of widths and heights.
//   - dims2: A [M, 2] float32 tensor of widths and heights.
//
// Returns:
//   - *tensor.Dense: A [N, M] float32 tensor.
//   - error: An error if the inputs are not [*, 2] float32 tensors.
func AlignedIoU(dims1, dims2 *tensor.Dense) (*tensor.Dense, error) {
	a, err := shapesFromTensor(dims1)
	if err != nil {
		return nil, errors.Wrap(err, "dims1")
	}
	b, err := shapesFromTensor(dims2)
	if err != nil {
		return nil, errors.Wrap(err, "dims2")
	}
	out := make([]float32, 0, len(a)*len(b))
	for _, s1 := range a {
		for _, s2 := range b {
			out = append(out, AlignedIoUShape(s1, s2))
		}
	}
	return tensor.New(tensor.WithShape(len(a), len(b)), tensor.WithBacking(out)), nil
}

// Pairwise computes the overlap of every pair of rows of boxes1 [N, 4] and
// boxes2 [M, 4] and returns a [N, M] tensor.
func Pairwise(kind Kind, boxes1, boxes2 *tensor.Dense) (*tensor.Dense, error) {
	a, err := common.BoxesFromTensor(boxes1)
	if err != nil {
		return nil, errors.Wrap(err, "boxes1")
	}
	b, err := common.BoxesFromTensor(boxes2)
	if err != nil {
		return nil, errors.Wrap(err, "boxes2")
	}
	out := make([]float32, 0, len(a)*len(b))
	for _, row := range PairwiseBoxes(kind, a, b) {
		out = append(out, row...)
	}
	return tensor.New(tensor.WithShape(len(a), len(b)), tensor.WithBacking(out)), nil
}

// Elementwise computes the overlap of matching rows of boxes1 [N, 4] and
// boxes2 [N, 4] and returns a [N] tensor.
func Elementwise(kind Kind, boxes1, boxes2 *tensor.Dense) (*tensor.Dense, error) {
	a, err := common.BoxesFromTensor(boxes1)
	if err != nil {
		return nil, errors.Wrap(err, "boxes1")
	}
	b, err := common.BoxesFromTensor(boxes2)
	if err != nil {
		return nil, errors.Wrap(err, "boxes2")
	}
	out, err := ElementwiseBoxes(kind, a, b)
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(len(out)), tensor.WithBacking(out)), nil
}

// ShapesToTensor packs prior shapes into a [N, 2] float32 tensor.
func ShapesToTensor(shapes []common.PriorShape) *tensor.Dense {
	data := make([]float32, 0, len(shapes)*2)
	for _, s := range shapes {
		data = append(data, s.Width, s.Height)
	}
	return tensor.New(tensor.WithShape(len(shapes), 2), tensor.WithBacking(data))
}

func shapesFromTensor(t *tensor.Dense) ([]common.PriorShape, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 2 {
		return nil, errors.Errorf("expected shapes of shape [N, 2], got %v", []int(shape))
	}
	data, err := common.Float32Data(t)
	if err != nil {
		return nil, err
	}
	out := make([]common.PriorShape, shape[0])
	for i := range out {
		out[i] = common.PriorShape{Width: data[2*i], Height: data[2*i+1]}
	}
	return out, nil
}
