// Package yolov5 - YOLOv5 network.
package yolov5

import (
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/network"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
)

const (
	// DefaultWidth is the channel count of the first convolution.
	DefaultWidth = 64
	// DefaultDepth is the number of bottlenecks in the shallowest block.
	DefaultDepth = 3
	// DefaultActivation is the activation of every layer.
	DefaultActivation = network.ActivationSiLU
)

// Options fills the unset options with the YOLOv5 defaults.
func Options(opts model.Options) model.Options {
	return opts.WithDefaults(DefaultWidth, DefaultDepth, DefaultActivation, common.DefaultPriorShapes)
}

// Neck is the YOLOv5 backbone and path aggregation neck. Its three outputs
// have 4, 8 and 16 times Width channels at strides 8, 16 and 32.
type Neck struct {
	Width int
	Depth int
	Style network.Style
}

// Features returns the outputs of the neck, from the finest to the coarsest.
func (n Neck) Features(b *network.Builder, x *G.Node) ([]*G.Node, error) {
	w, s := n.Width, n.Style
	block := func(out int) network.Module {
		return network.CSPBlock{Out: out, Depth: n.Depth, Shortcut: false, Style: s}
	}
	up := network.Upsample{Scale: 2}

	stages, err := network.V5Backbone{Width: w, Depth: n.Depth, Style: s}.Stages(b.Scope("backbone"), x)
	if err != nil {
		return nil, err
	}
	c3, c4, c5 := stages[2], stages[3], stages[4]

	p5, err := s.Conv(w*8, 1, 1).Forward(b.Scope("fpn5"), c5)
	if err != nil {
		return nil, err
	}
	y, err := up.Forward(b, p5)
	if err != nil {
		return nil, err
	}
	if x, err = network.Concat(y, c4); err != nil {
		return nil, err
	}
	p4, err := network.Sequential{block(w * 8), s.Conv(w*4, 1, 1)}.Forward(b.Scope("fpn4"), x)
	if err != nil {
		return nil, err
	}
	if y, err = up.Forward(b, p4); err != nil {
		return nil, err
	}
	if x, err = network.Concat(y, c3); err != nil {
		return nil, err
	}
	n3, err := block(w*4).Forward(b.Scope("pan3"), x)
	if err != nil {
		return nil, err
	}

	if y, err = s.Conv(w*4, 3, 2).Forward(b.Scope("downsample3"), n3); err != nil {
		return nil, err
	}
	if x, err = network.Concat(y, p4); err != nil {
		return nil, err
	}
	n4, err := block(w*8).Forward(b.Scope("pan4"), x)
	if err != nil {
		return nil, err
	}
	if y, err = s.Conv(w*8, 3, 2).Forward(b.Scope("downsample4"), n4); err != nil {
		return nil, err
	}
	if x, err = network.Concat(y, p5); err != nil {
		return nil, err
	}
	n5, err := block(w*16).Forward(b.Scope("pan5"), x)
	if err != nil {
		return nil, err
	}
	return []*G.Node{n3, n4, n5}, nil
}

// Net returns the YOLOv5 graph. It produces the raw maps from the finest to
// the coarsest detection layer.
func Net(opts model.Options) network.Net {
	neck := Neck{Width: opts.Width, Depth: opts.Depth, Style: opts.Style()}
	linear := network.Linear(opts.Outputs())

	return network.NetFunc(func(b *network.Builder, x *G.Node) ([]*G.Node, error) {
		features, err := neck.Features(b, x)
		if err != nil {
			return nil, err
		}
		outputs := make([]*G.Node, len(features))
		for i, f := range features {
			if outputs[i], err = linear.Forward(b.Scope(outName(i)), f); err != nil {
				return nil, err
			}
		}
		return outputs, nil
	})
}

func outName(i int) string {
	return [...]string{"out3", "out4", "out5"}[i]
}

// New returns a YOLOv5 network evaluated with gorgonia. A nil params store
// starts from freshly initialized weights.
func New(opts model.Options, params *network.Params, logger *zap.Logger) (*model.Heads, error) {
	opts = Options(opts)
	layers, err := opts.Layers()
	if err != nil {
		return nil, err
	}
	return model.NewHeads(network.NewRunner(Net(opts), params, logger), layers), nil
}
