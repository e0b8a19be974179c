package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/inference"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestNewNetwork(t *testing.T) {
	for _, name := range []model.Name{
		model.ModelNameYOLOv4Tiny,
		model.ModelNameYOLOv4,
		model.ModelNameYOLOv5,
		model.ModelNameYOLOX,
	} {
		t.Run(string(name), func(t *testing.T) {
			opts := model.DefaultOptions(2)
			opts.Width = 4
			opts.Depth = 1
			net, err := NewNetwork(NewNetworkArgs{Name: name, Options: opts})
			require.NoError(t, err)
			defer net.Close()

			out, err := net.Forward(tensor.Ones(tensor.Float32, 1, 3, 64, 64), nil)
			require.NoError(t, err)
			total := 0
			for _, d := range out.Detections {
				total += d.Shape()[1]
			}
			anchors := 3
			if name == model.ModelNameYOLOX {
				anchors = 1
			}
			assert.Equal(t, (8*8+4*4+2*2)*anchors, total)
		})
	}
}

func TestNewNetworkErrors(t *testing.T) {
	_, err := NewNetwork(NewNetworkArgs{Name: "yolov9", Options: model.DefaultOptions(2)})
	assert.Error(t, err)

	opts := model.DefaultOptions(2)
	opts.PriorShapes = common.DefaultPriorShapes[:4]
	_, err = NewNetwork(NewNetworkArgs{Name: model.ModelNameYOLOv5, Options: opts})
	assert.ErrorIs(t, err, common.ErrPriorShapeCount)

	session := inference.DefaultSessionConfig("yolo.onnx")
	session.OutputNames = session.OutputNames[:2]
	_, err = NewNetwork(NewNetworkArgs{Name: model.ModelNameONNX, Options: model.DefaultOptions(2), Session: session})
	assert.Error(t, err)

	assert.Len(t, Names(), 5)
}

func TestNewNetworkWeights(t *testing.T) {
	opts := model.DefaultOptions(2)
	opts.Width = 4
	params := network.NewParams()
	x := tensor.Ones(tensor.Float32, 1, 3, 32, 32)

	net, err := NewNetwork(NewNetworkArgs{Name: model.ModelNameYOLOv4Tiny, Options: opts, Params: params})
	require.NoError(t, err)
	want, err := net.Forward(x, nil)
	require.NoError(t, err)
	require.NoError(t, net.Close())

	path := filepath.Join(t.TempDir(), "yolov4-tiny.params")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, params.Save(f))
	require.NoError(t, f.Close())

	loaded, err := NewNetwork(NewNetworkArgs{Name: model.ModelNameYOLOv4Tiny, Options: opts, WeightsPath: path})
	require.NoError(t, err)
	defer loaded.Close()
	got, err := loaded.Forward(x, nil)
	require.NoError(t, err)
	for i := range want.Detections {
		assert.InDeltaSlice(t, want.Detections[i].Data(), got.Detections[i].Data(), 1e-5)
	}

	_, err = NewNetwork(NewNetworkArgs{Name: model.ModelNameYOLOv4Tiny, Options: opts, WeightsPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
