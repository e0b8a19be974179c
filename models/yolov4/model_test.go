package yolov4

import (
	"testing"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestForwardShapes(t *testing.T) {
	opts := model.DefaultOptions(3)
	opts.Width = 4
	net, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer net.Close()

	out, err := net.Forward(tensor.Ones(tensor.Float32, 1, 3, 64, 64), nil)
	require.NoError(t, err)
	require.Len(t, out.Detections, 3)
	assert.Equal(t, tensor.Shape{1, 8 * 8 * 3, 8}, out.Detections[0].Shape())
	assert.Equal(t, tensor.Shape{1, 4 * 4 * 3, 8}, out.Detections[1].Shape())
	assert.Equal(t, tensor.Shape{1, 2 * 2 * 3, 8}, out.Detections[2].Shape())
}

func TestForwardWithTargets(t *testing.T) {
	opts := model.DefaultOptions(3)
	opts.Width = 4
	opts.Activation = "mish"
	net, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer net.Close()

	objects := []common.Objects{{
		Boxes:   []common.Box{{X1: 20, Y1: 20, X2: 30, Y2: 34}},
		Classes: [][]float32{{0, 0, 1}},
	}}
	out, err := net.Forward(tensor.Ones(tensor.Float32, 1, 3, 64, 64), objects)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 0}, out.Hits)
	require.Len(t, out.Losses, 3)
	assert.Greater(t, out.Losses[0].Total(), float32(0))
}
