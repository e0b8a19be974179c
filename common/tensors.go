package common

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Float32Data returns the contiguous float32 backing of a tensor, copying
// views that cannot be read directly. Tensors with a zero dimension yield an
// empty slice.
//
// Arguments:
//   - t: A float32 tensor.
//
// Returns:
//   - []float32: The row-major data.
//   - error: An error if the tensor does not hold float32 values.
func Float32Data(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("expected a float32 tensor, got %v", t.Dtype())
	}
	if t.Shape().TotalSize() == 0 {
		return []float32{}, nil
	}
	t = materialize(t)
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case float32:
		return []float32{data}, nil
	}
	return nil, errors.Errorf("unexpected backing for tensor of shape %v", t.Shape())
}
