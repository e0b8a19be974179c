// Package yolox - YOLOX network.
package yolox

import (
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/yolov5"
	"github.com/nvr-ai/go-yolo/network"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
)

const (
	// DefaultWidth is the channel count of the first convolution.
	DefaultWidth = yolov5.DefaultWidth
	// DefaultDepth is the number of bottlenecks in the shallowest block.
	DefaultDepth = yolov5.DefaultDepth
	// DefaultActivation is the activation of every layer.
	DefaultActivation = network.ActivationSiLU
)

// Options fills the unset options with the YOLOX defaults. Without prior
// shapes there is one anchor per cell, as large as the layer stride.
func Options(opts model.Options) model.Options {
	return opts.WithDefaults(DefaultWidth, DefaultDepth, DefaultActivation, common.DefaultYOLOXPriorShapes)
}

// Head is the decoupled head of one detection layer. Box and confidence
// share one branch, class probabilities have their own.
type Head struct {
	Width      int
	Anchors    int
	NumClasses int
	Style      network.Style
}

// Forward implements network.Module. The output channels are the boxes of
// every anchor, then the confidences, then the class probabilities.
func (h Head) Forward(b *network.Builder, x *G.Node) (*G.Node, error) {
	s := h.Style
	branch := func() network.Sequential {
		return network.Sequential{s.Conv(h.Width, 3, 1), s.Conv(h.Width, 3, 1)}
	}

	stem, err := s.Conv(h.Width, 1, 1).Forward(b.Scope("stem"), x)
	if err != nil {
		return nil, err
	}
	features, err := branch().Forward(b.Scope("feat"), stem)
	if err != nil {
		return nil, err
	}
	box, err := network.Linear(h.Anchors*4).Forward(b.Scope("box"), features)
	if err != nil {
		return nil, err
	}
	confidence, err := network.Linear(h.Anchors).Forward(b.Scope("confidence"), features)
	if err != nil {
		return nil, err
	}
	classprob, err := append(branch(), network.Linear(h.Anchors*h.NumClasses)).Forward(b.Scope("classprob"), stem)
	if err != nil {
		return nil, err
	}
	return network.Concat(box, confidence, classprob)
}

// Net returns the YOLOX graph: the YOLOv5 backbone and neck with decoupled
// heads. It produces the raw maps from the finest to the coarsest detection
// layer.
func Net(opts model.Options) network.Net {
	neck := yolov5.Neck{Width: opts.Width, Depth: opts.Depth, Style: opts.Style()}
	head := Head{
		Width:      opts.Width * 4,
		Anchors:    len(opts.PriorShapes) / 3,
		NumClasses: opts.NumClasses,
		Style:      opts.Style(),
	}
	names := []string{"out3", "out4", "out5"}

	return network.NetFunc(func(b *network.Builder, x *G.Node) ([]*G.Node, error) {
		features, err := neck.Features(b, x)
		if err != nil {
			return nil, err
		}
		outputs := make([]*G.Node, len(features))
		for i, f := range features {
			if outputs[i], err = head.Forward(b.Scope(names[i]), f); err != nil {
				return nil, err
			}
		}
		return outputs, nil
	})
}

// New returns a YOLOX network evaluated with gorgonia. A nil params store
// starts from freshly initialized weights.
func New(opts model.Options, params *network.Params, logger *zap.Logger) (*model.Heads, error) {
	opts = Options(opts)
	layers, err := opts.Layers()
	if err != nil {
		return nil, err
	}
	return model.NewHeads(network.NewRunner(Net(opts), params, logger), layers), nil
}
