package yolov4tiny

import (
	"testing"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestForwardShapes(t *testing.T) {
	opts := model.DefaultOptions(2)
	opts.Width = 4
	net, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer net.Close()

	out, err := net.Forward(tensor.Ones(tensor.Float32, 2, 3, 64, 64), nil)
	require.NoError(t, err)
	require.Len(t, out.Detections, 3)
	assert.Equal(t, tensor.Shape{2, 2 * 2 * 3, 7}, out.Detections[0].Shape())
	assert.Equal(t, tensor.Shape{2, 4 * 4 * 3, 7}, out.Detections[1].Shape())
	assert.Equal(t, tensor.Shape{2, 8 * 8 * 3, 7}, out.Detections[2].Shape())
	assert.Nil(t, out.Losses)
	assert.Equal(t, 2, net.NumClasses())
}

func TestLayerOrder(t *testing.T) {
	opts := model.DefaultOptions(2)
	opts.Width = 4
	net, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer net.Close()

	layers := net.Layers()
	require.Len(t, layers, 3)
	assert.Equal(t, 3, layers[0].Anchors())
	objects := []common.Objects{{
		Boxes:   []common.Box{{X1: 20, Y1: 20, X2: 30, Y2: 34}},
		Classes: [][]float32{{0, 1}},
	}}
	out, err := net.Forward(tensor.Ones(tensor.Float32, 1, 3, 64, 64), objects)
	require.NoError(t, err)
	require.Len(t, out.Hits, 3)
	// The smallest prior shape fits best and belongs to the finest layer,
	// which comes last.
	assert.Equal(t, []int{0, 0, 1}, out.Hits)
}

func TestInvalidPriorShapes(t *testing.T) {
	opts := model.DefaultOptions(2)
	opts.PriorShapes = []common.PriorShape{{Width: 10, Height: 10}, {Width: 20, Height: 20}}
	_, err := New(opts, nil, nil)
	assert.ErrorIs(t, err, common.ErrPriorShapeCount)
}
