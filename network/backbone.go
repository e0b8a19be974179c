package network

import (
	"strconv"

	G "gorgonia.org/gorgonia"
)

// Backbone returns the outputs of its five stages. Stage i has a stride of
// 2^i relative to the input.
type Backbone interface {
	Stages(b *Builder, x *G.Node) ([]*G.Node, error)
}

// V4TinyBackbone is the backbone of YOLOv4-tiny. The last three stages have
// 4, 8 and 16 times Width channels.
type V4TinyBackbone struct {
	Width int
	Style Style
}

// Stages implements Backbone.
func (m V4TinyBackbone) Stages(b *Builder, x *G.Node) ([]*G.Node, error) {
	w, s := m.Width, m.Style
	smooth := func(out int) Module { return s.Conv(out, 3, 1) }
	maxpool := func(out int) Module {
		return Sequential{MaxPool{Kernel: 2, Stride: 2}, smooth(out)}
	}

	c1, err := s.Conv(w, 3, 2).Forward(b.Scope("stage1"), x)
	if err != nil {
		return nil, err
	}
	x, err = Sequential{s.Conv(w*2, 3, 2), smooth(w * 2)}.Forward(b.Scope("downsample2"), c1)
	if err != nil {
		return nil, err
	}
	c2, err := TinyBlock{Style: s}.Forward(b.Scope("stage2"), x)
	if err != nil {
		return nil, err
	}
	if x, err = Concat(x, c2); err != nil {
		return nil, err
	}
	if x, err = maxpool(w*4).Forward(b.Scope("downsample3"), x); err != nil {
		return nil, err
	}
	c3, err := TinyBlock{Style: s}.Forward(b.Scope("stage3"), x)
	if err != nil {
		return nil, err
	}
	if x, err = Concat(x, c3); err != nil {
		return nil, err
	}
	if x, err = maxpool(w*8).Forward(b.Scope("downsample4"), x); err != nil {
		return nil, err
	}
	c4, err := TinyBlock{Style: s}.Forward(b.Scope("stage4"), x)
	if err != nil {
		return nil, err
	}
	if x, err = Concat(x, c4); err != nil {
		return nil, err
	}
	c5, err := maxpool(w*16).Forward(b.Scope("downsample5"), x)
	if err != nil {
		return nil, err
	}
	return []*G.Node{c1, c2, c3, c4, c5}, nil
}

// V4Backbone approximates the cross stage partial backbone of YOLOv4. The
// last three stages have 8, 16 and 32 times Width channels.
type V4Backbone struct {
	Width int
	Style Style
}

// Stages implements Backbone.
func (m V4Backbone) Stages(b *Builder, x *G.Node) ([]*G.Node, error) {
	w, s := m.Width, m.Style
	csp := func(channels, depth int) Module {
		return CSPBlock{Out: channels, Depth: depth, Shortcut: true, Style: s}
	}
	stages := []Sequential{
		{s.Conv(w, 3, 1), s.Conv(w*2, 3, 2), csp(w*2, 1)},
		{s.Conv(w*4, 3, 2), csp(w*4, 2)},
		{s.Conv(w*8, 3, 2), csp(w*8, 8)},
		{s.Conv(w*16, 3, 2), csp(w*16, 8)},
		{s.Conv(w*32, 3, 2), csp(w*32, 4), FastSPP{Out: w * 32, Kernel: 5, Style: s}},
	}
	return runStages(b, x, stages)
}

// V5Backbone is the cross stage partial backbone of YOLOv5. The last three
// stages have 4, 8 and 16 times Width channels.
type V5Backbone struct {
	Width int
	Depth int
	Style Style
}

// Stages implements Backbone.
func (m V5Backbone) Stages(b *Builder, x *G.Node) ([]*G.Node, error) {
	w, d, s := m.Width, m.Depth, m.Style
	csp := func(channels, depth int) Module {
		return CSPBlock{Out: channels, Depth: depth, Shortcut: true, Style: s}
	}
	stages := []Sequential{
		{s.Conv(w, 6, 2)},
		{s.Conv(w*2, 3, 2), csp(w*2, d)},
		{s.Conv(w*4, 3, 2), csp(w*4, d*2)},
		{s.Conv(w*8, 3, 2), csp(w*8, d*3)},
		{s.Conv(w*16, 3, 2), csp(w*16, d), FastSPP{Out: w * 16, Kernel: 5, Style: s}},
	}
	return runStages(b, x, stages)
}

func runStages(b *Builder, x *G.Node, stages []Sequential) ([]*G.Node, error) {
	outputs := make([]*G.Node, len(stages))
	var err error
	for i, stage := range stages {
		if x, err = stage.Forward(b.Scope("stage"+strconv.Itoa(i+1)), x); err != nil {
			return nil, err
		}
		outputs[i] = x
	}
	return outputs, nil
}
