package overlap

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestAlignedIoU(t *testing.T) {
	dims1 := tensor.New(tensor.WithShape(3, 2), tensor.WithBacking([]float32{1, 1, 10, 1, 100, 10}))
	dims2 := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 10, 2, 20}))

	result, err := AlignedIoU(dims1, dims2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, []int(result.Shape()))

	expected := []float32{1.0 / 10, 1.0 / 40, 1.0 / 19, 2.0 / 48, 10.0 / 1000, 20.0 / 1020}
	got := result.Data().([]float32)
	for i := range expected {
		assert.InDelta(t, expected[i], got[i], 1e-6)
	}

	// Swapping the inputs transposes the result.
	swapped, err := AlignedIoU(dims2, dims1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			a, _ := result.At(i, j)
			b, _ := swapped.At(j, i)
			assert.InDelta(t, a.(float32), b.(float32), 1e-7)
		}
	}
}

func TestHighestIoU(t *testing.T) {
	shapes := []common.PriorShape{{Width: 10, Height: 10}, {Width: 20, Height: 20}, {Width: 20, Height: 20}, {Width: 100, Height: 50}}

	assert.Equal(t, 0, HighestIoU(common.PriorShape{Width: 9, Height: 11}, shapes))
	// Ties resolve to the first shape.
	assert.Equal(t, 1, HighestIoU(common.PriorShape{Width: 20, Height: 20}, shapes))
	assert.Equal(t, 3, HighestIoU(common.PriorShape{Width: 90, Height: 60}, shapes))
}

func TestComputeKnownValues(t *testing.T) {
	a := common.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
	b := common.Box{X1: 50, Y1: 50, X2: 150, Y2: 150}

	iou := Compute(IoU, a, b)
	assert.InDelta(t, 2500.0/17500.0, iou, 1e-6)

	// Enclosing box is 150x150.
	giou := Compute(GIoU, a, b)
	assert.InDelta(t, 2500.0/17500.0-(22500.0-17500.0)/22500.0, giou, 1e-6)

	// Centers are (50, 50) and (100, 100); squared diagonal is 2*150^2.
	diou := Compute(DIoU, a, b)
	assert.InDelta(t, 2500.0/17500.0-5000.0/45000.0, diou, 1e-6)

	// Same aspect ratio, so CIoU equals DIoU.
	assert.InDelta(t, diou, Compute(CIoU, a, b), 1e-6)

	assert.InDelta(t, 1.0, Compute(CIoU, a, a), 1e-6)
}

func TestComputeProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	randomBox := func() common.Box {
		x, y := rng.Float32()*100, rng.Float32()*100
		return common.Box{X1: x, Y1: y, X2: x + rng.Float32()*50, Y2: y + rng.Float32()*50}
	}

	for i := 0; i < 1000; i++ {
		a, b := randomBox(), randomBox()
		iou := Compute(IoU, a, b)
		giou := Compute(GIoU, a, b)
		diou := Compute(DIoU, a, b)
		ciou := Compute(CIoU, a, b)

		assert.GreaterOrEqual(t, iou, float32(0))
		assert.LessOrEqual(t, iou, float32(1)+1e-6)
		assert.GreaterOrEqual(t, giou, float32(-1)-1e-6)
		assert.LessOrEqual(t, giou, iou+1e-6)
		assert.LessOrEqual(t, diou, iou+1e-6)
		assert.LessOrEqual(t, ciou, diou+1e-6)
		assert.InDelta(t, iou, Compute(IoU, b, a), 1e-6)
	}
}

func TestComputeDegenerate(t *testing.T) {
	point := common.Box{X1: 5, Y1: 5, X2: 5, Y2: 5}
	line := common.Box{X1: 0, Y1: 5, X2: 10, Y2: 5}

	for _, kind := range []Kind{IoU, GIoU, DIoU, CIoU} {
		for _, pair := range [][2]common.Box{{point, point}, {point, line}, {line, line}} {
			v := Compute(kind, pair[0], pair[1])
			assert.False(t, math32.IsNaN(v), "%s produced NaN", kind)
			assert.False(t, math32.IsInf(v, 0), "%s produced Inf", kind)
		}
	}
}

func TestPairwiseAndElementwise(t *testing.T) {
	boxes1 := common.BoxesToTensor([]common.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}, {X1: 0, Y1: 0, X2: 20, Y2: 20}})
	boxes2 := common.BoxesToTensor([]common.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}, {X1: 10, Y1: 10, X2: 20, Y2: 20}, {X1: 100, Y1: 100, X2: 110, Y2: 110}})

	pairwise, err := Pairwise(IoU, boxes1, boxes2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, []int(pairwise.Shape()))
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0.25, 0.25, 0}, pairwise.Data().([]float32), 1e-6)

	_, err = Elementwise(IoU, boxes1, boxes2)
	assert.Error(t, err)

	elementwise, err := Elementwise(IoU, boxes1, boxes1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 1}, elementwise.Data().([]float32), 1e-6)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("CIoU")
	require.NoError(t, err)
	assert.Equal(t, CIoU, kind)

	_, err = ParseKind("dice")
	assert.Error(t, err)
}
