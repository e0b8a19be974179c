// Package yolov4 - YOLOv4 network.
package yolov4

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
	DefaultActivation = network.ActivationSiLU
	// blockDepth is the number of bottlenecks in each neck block.
	blockDepth = 2
)

// Options fills the unset options with the YOLOv4 defaults.
func Options(opts model.Options) model.Options {
	return opts.WithDefaults(DefaultWidth, 0, DefaultActivation, common.DefaultPriorShapes)
}

// Net returns the YOLOv4 graph: the CSP backbone followed by a path
// aggregation neck. It produces the raw maps from the finest to the
// coarsest detection layer.
func Net(opts model.Options) network.Net {
	w, s := opts.Width, opts.Style()
	outputs := opts.Outputs()
	conv1x1 := func(out int) network.Module { return s.Conv(out, 1, 1) }
	downsample := func(out int) network.Module { return s.Conv(out, 3, 2) }
	upsample := func(out int) network.Module {
		return network.Sequential{conv1x1(out), network.Upsample{Scale: 2}}
	}
	block := func(out int) network.Module {
		return network.CSPBlock{Out: out, Depth: blockDepth, Shortcut: false, Style: s}
	}
	head := func(channels int) network.Module {
		return network.Sequential{s.Conv(channels, 3, 1), network.Linear(outputs)}
	}
	backbone := network.V4Backbone{Width: w, Style: s}

	// merge concatenates the outputs of two branches and runs a block on them.
	merge := func(b *network.Builder, name string, out int, x1, x2 *G.Node) (*G.Node, error) {
		x, err := network.Concat(x1, x2)
		if err != nil {
			return nil, err
		}
		return block(out).Forward(b.Scope(name), x)
	}

	return network.NetFunc(func(b *network.Builder, x *G.Node) ([]*G.Node, error) {
		stages, err := backbone.Stages(b.Scope("backbone"), x)
		if err != nil {
			return nil, err
		}
		c3, c4, c5 := stages[2], stages[3], stages[4]

		pre4, err := conv1x1(w*8).Forward(b.Scope("pre4"), c4)
		if err != nil {
			return nil, err
		}
		up5, err := upsample(w*8).Forward(b.Scope("upsample5"), c5)
		if err != nil {
			return nil, err
		}
		p4, err := merge(b, "fpn4", w*16, pre4, up5)
		if err != nil {
			return nil, err
		}

		pre3, err := conv1x1(w*4).Forward(b.Scope("pre3"), c3)
		if err != nil {
			return nil, err
		}
		up4, err := upsample(w*4).Forward(b.Scope("upsample4"), p4)
		if err != nil {
			return nil, err
		}
		n3, err := merge(b, "fpn3", w*8, pre3, up4)
		if err != nil {
			return nil, err
		}

		down3, err := downsample(w*8).Forward(b.Scope("downsample3"), n3)
		if err != nil {
			return nil, err
		}
		n4, err := merge(b, "pan4", w*16, down3, p4)
		if err != nil {
			return nil, err
		}
		down4, err := downsample(w*16).Forward(b.Scope("downsample4"), n4)
		if err != nil {
			return nil, err
		}
		n5, err := merge(b, "pan5", w*32, down4, c5)
		if err != nil {
			return nil, err
		}

		out3, err := head(w*8).Forward(b.Scope("out3"), n3)
		if err != nil {
			return nil, err
		}
		out4, err := head(w*16).Forward(b.Scope("out4"), n4)
		if err != nil {
			return nil, err
		}
		out5, err := head(w*32).Forward(b.Scope("out5"), n5)
		if err != nil {
			return nil, err
		}
		return []*G.Node{out3, out4, out5}, nil
	})
}

// New returns a YOLOv4 network evaluated with gorgonia. A nil params store
// starts from freshly initialized weights.
//
// Arguments:
//   - opts: The network options. Unset fields take the YOLOv4 defaults.
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
	return model.NewHeads(network.NewRunner(Net(opts), params, logger), layers), nil
}
