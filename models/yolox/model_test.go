package yolox

import (
	"testing"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestForwardShapes(t *testing.T) {
	opts := model.DefaultOptions(2)
	opts.Width = 4
	opts.Depth = 1
	net, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer net.Close()

	out, err := net.Forward(tensor.Ones(tensor.Float32, 2, 3, 64, 64), nil)
	require.NoError(t, err)
	require.Len(t, out.Detections, 3)
	for i, size := range []int{8, 4, 2} {
		assert.Equal(t, tensor.Shape{2, size * size, 7}, out.Detections[i].Shape(), "layer %d", i)
	}
}

func TestHeadChannels(t *testing.T) {
	head := Head{Width: 8, Anchors: 2, NumClasses: 3, Style: network.Style{Activation: network.ActivationSiLU, Norm: network.NormBatch}}
	net := network.NetFunc(func(b *network.Builder, x *G.Node) ([]*G.Node, error) {
		y, err := head.Forward(b, x)
		return []*G.Node{y}, err
	})
	r := network.NewRunner(net, nil, nil)
	defer r.Close()

	out, err := r.Run(tensor.Ones(tensor.Float32, 1, 16, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2 * (5 + 3), 4, 4}, out[0].Shape())

	_, ok := r.Params().Get("classprob.2.weight")
	assert.True(t, ok)
}

func TestDefaultPriorShapes(t *testing.T) {
	opts := Options(model.DefaultOptions(1))
	assert.Equal(t, common.DefaultYOLOXPriorShapes, opts.PriorShapes)
	assert.Equal(t, 6, opts.Outputs())
}
