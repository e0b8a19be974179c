// Package yolov4tiny - YOLOv4-tiny network.
package yolov4tiny

import (
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/network"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
)

const (
	// DefaultWidth is the channel count of the first convolution.
	DefaultWidth = 32
	// DefaultActivation is the activation of every layer.
	DefaultActivation = network.ActivationLeaky
)

// Options fills the unset options with the YOLOv4-tiny defaults.
func Options(opts model.Options) model.Options {
	return opts.WithDefaults(DefaultWidth, 0, DefaultActivation, common.DefaultPriorShapes)
}

// Net returns the YOLOv4-tiny graph. It produces the raw maps of the
// coarsest detection layer first.
func Net(opts model.Options) network.Net {
	w, s := opts.Width, opts.Style()
	outputs := opts.Outputs()
	conv1x1 := func(out int) network.Module { return s.Conv(out, 1, 1) }
	conv3x3 := func(out int) network.Module { return s.Conv(out, 3, 1) }
	upsample := func(out int) network.Module {
		return network.Sequential{conv1x1(out), network.Upsample{Scale: 2}}
	}
	backbone := network.V4TinyBackbone{Width: w, Style: s}

	return network.NetFunc(func(b *network.Builder, x *G.Node) ([]*G.Node, error) {
		stages, err := backbone.Stages(b.Scope("backbone"), x)
		if err != nil {
			return nil, err
		}
		c3, c4, c5 := stages[2], stages[3], stages[4]

		p5, err := conv1x1(w*8).Forward(b.Scope("fpn5"), c5)
		if err != nil {
			return nil, err
		}
		up, err := upsample(w*4).Forward(b.Scope("upsample5"), p5)
		if err != nil {
			return nil, err
		}
		if x, err = network.Concat(up, c4); err != nil {
			return nil, err
		}
		p4, err := conv3x3(w*8).Forward(b.Scope("fpn4"), x)
		if err != nil {
			return nil, err
		}
		if up, err = upsample(w*2).Forward(b.Scope("upsample4"), p4); err != nil {
			return nil, err
		}
		if x, err = network.Concat(up, c3); err != nil {
			return nil, err
		}
		p3, err := conv3x3(w*4).Forward(b.Scope("fpn3"), x)
		if err != nil {
			return nil, err
		}

		out5, err := network.Sequential{conv3x3(w * 16), network.Linear(outputs)}.Forward(b.Scope("out5"), p5)
		if err != nil {
			return nil, err
		}
		out4, err := network.Linear(outputs).Forward(b.Scope("out4"), p4)
		if err != nil {
			return nil, err
		}
		out3, err := network.Linear(outputs).Forward(b.Scope("out3"), p3)
		if err != nil {
			return nil, err
		}
		return []*G.Node{out5, out4, out3}, nil
	})
}

// New returns a YOLOv4-tiny network evaluated with gorgonia. A nil params
// store starts from freshly initialized weights.
//
// Arguments:
//   - opts: The network options. Unset fields take the YOLOv4-tiny defaults.
//   - params: The weights of the network.
//   - logger: The logger of the graph runner.
//
// Returns:
//   - *model.Heads: The network.
//   - error: An error if the options are invalid.
func New(opts model.Options, params *network.Params, logger *zap.Logger) (*model.Heads, error) {
	opts = Options(opts)
	layers, err := opts.Layers()
	if err != nil {
		return nil, err
	}
	// The graph emits the coarsest map first.
	layers[0], layers[2] = layers[2], layers[0]
	return model.NewHeads(network.NewRunner(Net(opts), params, logger), layers), nil
}
