package network

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Style holds the activation and normalization shared by the layers of a
// network.
type Style struct {
	Activation Activation
	Norm       Normalization
}

// Conv returns a convolution in this style.
func (s Style) Conv(out, kernel, stride int) Conv {
	return Conv{Out: out, Kernel: kernel, Stride: stride, Activation: s.Activation, Norm: s.Norm}
}

// Bottleneck is a 1x1 and a 3x3 convolution with an optional residual
// connection. The shortcut is only used when the channel count is kept.
type Bottleneck struct {
	Out      int
	Hidden   int
	Shortcut bool
	Style    Style
}

// Forward implements Module.
func (m Bottleneck) Forward(b *Builder, x *G.Node) (*G.Node, error) {
	hidden := m.Hidden
	if hidden == 0 {
		hidden = m.Out
	}
	y, err := Sequential{m.Style.Conv(hidden, 1, 1), m.Style.Conv(m.Out, 3, 1)}.Forward(b.Scope("convs"), x)
	if err != nil {
		return nil, err
	}
	if !m.Shortcut || x.Shape()[1] != m.Out {
		return y, nil
	}
	return G.Add(x, y)
}

// TinyBlock is one stage of the YOLOv4-tiny backbone. It convolves the
// second half of the input channels twice and mixes both results.
type TinyBlock struct {
	Style Style
}

// Forward implements Module.
func (m TinyBlock) Forward(b *Builder, x *G.Node) (*G.Node, error) {
	channels := x.Shape()[1]
	hidden := channels / 2
	half, err := G.Slice(x, nil, G.S(hidden, channels))
	if err != nil {
		return nil, errors.Wrap(err, "tiny block")
	}
	y1, err := m.Style.Conv(hidden, 3, 1).Forward(b.Scope("conv1"), half)
	if err != nil {
		return nil, err
	}
	y2, err := m.Style.Conv(hidden, 3, 1).Forward(b.Scope("conv2"), y1)
	if err != nil {
		return nil, err
	}
	y, err := Concat(y2, y1)
	if err != nil {
		return nil, err
	}
	return m.Style.Conv(channels, 1, 1).Forward(b.Scope("mix"), y)
}

// CSPBlock is a cross stage partial block. One half of the channels passes
// through Depth bottlenecks, the other half bypasses them.
type CSPBlock struct {
	Out      int
	Depth    int
	Shortcut bool
	Style    Style
}

// Forward implements Module.
func (m CSPBlock) Forward(b *Builder, x *G.Node) (*G.Node, error) {
	hidden := m.Out / 2
	y1, err := m.Style.Conv(hidden, 1, 1).Forward(b.Scope("split1"), x)
	if err != nil {
		return nil, err
	}
	bottlenecks := make(Sequential, m.Depth)
	for i := range bottlenecks {
		bottlenecks[i] = Bottleneck{Out: hidden, Shortcut: m.Shortcut, Style: m.Style}
	}
	if y1, err = bottlenecks.Forward(b.Scope("bottlenecks"), y1); err != nil {
		return nil, err
	}
	y2, err := m.Style.Conv(hidden, 1, 1).Forward(b.Scope("split2"), x)
	if err != nil {
		return nil, err
	}
	y, err := Concat(y1, y2)
	if err != nil {
		return nil, err
	}
	return m.Style.Conv(m.Out, 1, 1).Forward(b.Scope("mix"), y)
}

// FastSPP is spatial pyramid pooling with three chained max pools of the
// same kernel.
type FastSPP struct {
	Out    int
	Kernel int
	Style  Style
}

// Forward implements Module.
func (m FastSPP) Forward(b *Builder, x *G.Node) (*G.Node, error) {
	hidden := x.Shape()[1] / 2
	kernel := m.Kernel
	if kernel == 0 {
		kernel = 5
	}
	pool := MaxPool{Kernel: kernel, Stride: 1}

	ys := make([]*G.Node, 4)
	var err error
	if ys[0], err = m.Style.Conv(hidden, 1, 1).Forward(b.Scope("conv"), x); err != nil {
		return nil, err
	}
	for i := 1; i < len(ys); i++ {
		if ys[i], err = pool.Forward(b, ys[i-1]); err != nil {
			return nil, errors.Wrap(err, "spp")
		}
	}
	y, err := Concat(ys...)
	if err != nil {
		return nil, err
	}
	return m.Style.Conv(m.Out, 1, 1).Forward(b.Scope("mix"), y)
}
