package common

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrInvalidTarget is returned when a target does not hold [N, 4] boxes and
// [N] or [N, num_classes] labels.
var ErrInvalidTarget = errors.New("invalid target")

// Target is the ground truth of one image, as produced by a data loader.
//
// Boxes is a [N, 4] float32 tensor in corner format. Labels is either a [N]
// integer tensor of class ids or a [N, num_classes] multi-hot mask (bool or
// float32).
type Target struct {
	Boxes  *tensor.Dense
	Labels *tensor.Dense
}

// Objects is a validated target with one class row per box. Each row holds a
// one-hot or multi-hot class vector.
type Objects struct {
	Boxes   []Box
	Classes [][]float32
}

// Len returns the number of objects.
func (o Objects) Len() int {
	return len(o.Boxes)
}

// Select returns the objects at the given indices.
func (o Objects) Select(idxs []int) Objects {
	out := Objects{Boxes: make([]Box, len(idxs)), Classes: make([][]float32, len(idxs))}
	for i, idx := range idxs {
		out.Boxes[i] = o.Boxes[idx]
		out.Classes[i] = o.Classes[idx]
	}
	return out
}

// Len returns the number of boxes in the target.
func (t Target) Len() int {
	if t.Boxes == nil || t.Boxes.Dims() == 0 {
		return 0
	}
	return t.Boxes.Shape()[0]
}

// MultiLabel reports whether the labels are a two-dimensional class mask.
func (t Target) MultiLabel() bool {
	return t.Labels != nil && t.Labels.Dims() == 2
}

// Validate checks the element types and shapes of the target tensors.
//
// Returns:
//   - error: An error wrapping ErrInvalidTarget describing the first problem found.
func (t Target) Validate() error {
	if t.Boxes == nil {
		return errors.Wrap(ErrInvalidTarget, "Expected target boxes to be of type Tensor, got nil.")
	}
	shape := t.Boxes.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		return errors.Wrapf(ErrInvalidTarget, "Expected target boxes to be tensors of shape [N, 4], got %v.", []int(shape))
	}
	if t.Boxes.Dtype() != tensor.Float32 {
		return errors.Wrapf(ErrInvalidTarget, "Expected target boxes to be float32, got %v.", t.Boxes.Dtype())
	}

	if t.Labels == nil {
		return errors.Wrap(ErrInvalidTarget, "Expected target labels to be of type Tensor, got nil.")
	}
	labelShape := t.Labels.Shape()
	if len(labelShape) < 1 || len(labelShape) > 2 || labelShape[0] != shape[0] {
		return errors.Wrapf(
			ErrInvalidTarget,
			"Expected target labels to be tensors of shape [N] or [N, num_classes], got %v.",
			[]int(labelShape),
		)
	}
	dt := t.Labels.Dtype()
	if len(labelShape) == 1 && dt != tensor.Int && dt != tensor.Int64 && dt != tensor.Int32 {
		return errors.Wrapf(ErrInvalidTarget, "Expected integer class ids, got %v.", dt)
	}
	if len(labelShape) == 2 && dt != tensor.Bool && dt != tensor.Float32 {
		return errors.Wrapf(ErrInvalidTarget, "Expected a bool or float32 class mask, got %v.", dt)
	}
	return nil
}

// ClassIDs returns the class ids of a single-label target, or, for a
// multi-label target, the (box index, class id) pairs of every set label.
//
// Returns:
//   - []int: Box index of each label.
//   - []int: Class id of each label.
//   - error: An error if the target is invalid.
func (t Target) ClassIDs() ([]int, []int, error) {
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	n := t.Len()
	if n == 0 {
		return []int{}, []int{}, nil
	}
	labels := materialize(t.Labels)

	if !t.MultiLabel() {
		idxs := make([]int, n)
		ids := make([]int, n)
		for i := 0; i < n; i++ {
			idxs[i] = i
		}
		switch data := labels.Data().(type) {
		case []int:
			copy(ids, data)
		case []int64:
			for i, v := range data {
				ids[i] = int(v)
			}
		case []int32:
			for i, v := range data {
				ids[i] = int(v)
			}
		}
		return idxs, ids, nil
	}

	numClasses := labels.Shape()[1]
	var idxs, ids []int
	for i := 0; i < n; i++ {
		for c := 0; c < numClasses; c++ {
			if maskAt(labels, i*numClasses+c) {
				idxs = append(idxs, i)
				ids = append(ids, c)
			}
		}
	}
	return idxs, ids, nil
}

// Objects converts the target into per-box class rows.
//
// Arguments:
//   - numClasses: The number of classes the network predicts.
//
// Returns:
//   - Objects: The boxes and their one-hot or multi-hot class rows.
//   - error: An error if the target is invalid or refers to an unknown class.
func (t Target) Objects(numClasses int) (Objects, error) {
	if err := t.Validate(); err != nil {
		return Objects{}, err
	}
	boxes, err := BoxesFromTensor(t.Boxes)
	if err != nil {
		return Objects{}, errors.Wrap(ErrInvalidTarget, err.Error())
	}
	if t.MultiLabel() && t.Labels.Shape()[1] != numClasses {
		return Objects{}, errors.Wrapf(
			ErrInvalidTarget, "class mask has %d columns, the network predicts %d classes", t.Labels.Shape()[1], numClasses,
		)
	}

	idxs, ids, err := t.ClassIDs()
	if err != nil {
		return Objects{}, err
	}
	classes := make([][]float32, len(boxes))
	for i := range classes {
		classes[i] = make([]float32, numClasses)
	}
	for k, id := range ids {
		if id < 0 || id >= numClasses {
			return Objects{}, errors.Wrapf(ErrInvalidTarget, "class id %d out of range [0, %d)", id, numClasses)
		}
		classes[idxs[k]][id] = 1
	}
	return Objects{Boxes: boxes, Classes: classes}, nil
}

// NewTarget packs boxes and class ids into a single-label target.
func NewTarget(boxes []Box, labels []int) Target {
	ids := make([]int, len(labels))
	copy(ids, labels)
	return Target{
		Boxes:  BoxesToTensor(boxes),
		Labels: tensor.New(tensor.WithShape(len(ids)), tensor.WithBacking(ids)),
	}
}

func materialize(t *tensor.Dense) *tensor.Dense {
	if t.RequiresIterator() {
		return t.Materialize().(*tensor.Dense)
	}
	return t
}

func maskAt(t *tensor.Dense, i int) bool {
	switch data := t.Data().(type) {
	case []bool:
		return data[i]
	case []float32:
		return data[i] > 0.5
	}
	return false
}
