package network

import (
	"strconv"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv is a convolution followed by normalization and activation. The
// padding keeps the spatial size when the stride is one.
type Conv struct {
	Out        int
	Kernel     int
	Stride     int
	Activation Activation
	Norm       Normalization
}

// Forward implements Module.
func (c Conv) Forward(b *Builder, x *G.Node) (*G.Node, error) {
	in := x.Shape()[1]
	stride := c.Stride
	if stride < 1 {
		stride = 1
	}
	pad := (c.Kernel - 1) / 2

	w, err := b.Param("weight", InitGlorot, c.Out, in, c.Kernel, c.Kernel)
	if err != nil {
		return nil, err
	}
	y, err := G.Conv2d(x, w, tensor.Shape{c.Kernel, c.Kernel}, []int{pad, pad}, []int{stride, stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "conv %s", b.Path("weight"))
	}

	if c.Norm == NormNone || c.Norm == "" {
		bias, err := b.Param("bias", InitZeros, 1, c.Out, 1, 1)
		if err != nil {
			return nil, err
		}
		if y, err = G.BroadcastAdd(y, bias, nil, channelAxes); err != nil {
			return nil, errors.Wrapf(err, "conv %s", b.Path("bias"))
		}
	} else if y, err = c.Norm.Apply(b.Scope("norm"), y); err != nil {
		return nil, err
	}
	return c.Activation.Apply(y)
}

// Linear is a 1x1 convolution with a bias and no activation, used for the
// final output of a head.
func Linear(out int) Conv {
	return Conv{Out: out, Kernel: 1, Stride: 1, Activation: ActivationLinear, Norm: NormNone}
}

// MaxPool is a max pooling layer. Odd kernels are padded to keep the size
// at stride one. Even kernels must equal the stride.
type MaxPool struct {
	Kernel int
	Stride int
}

// Forward implements Module.
func (m MaxPool) Forward(_ *Builder, x *G.Node) (*G.Node, error) {
	pad := 0
	switch {
	case m.Kernel%2 == 1:
		pad = (m.Kernel - 1) / 2
	case m.Kernel != m.Stride:
		return nil, errors.Errorf("max pool with an even kernel %d needs an equal stride, got %d", m.Kernel, m.Stride)
	}
	return G.MaxPool2D(x, tensor.Shape{m.Kernel, m.Kernel}, []int{pad, pad}, []int{m.Stride, m.Stride})
}

// Upsample repeats every pixel Scale times in both directions.
type Upsample struct {
	Scale int
}

// Forward implements Module.
func (u Upsample) Forward(_ *Builder, x *G.Node) (*G.Node, error) {
	return G.Upsample2D(x, u.Scale)
}

// Sequential applies modules in order. Each module gets its index as scope.
type Sequential []Module

// Forward implements Module.
func (s Sequential) Forward(b *Builder, x *G.Node) (*G.Node, error) {
	var err error
	for i, m := range s {
		if x, err = m.Forward(b.Scope(strconv.Itoa(i)), x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Concat joins feature maps along the channel axis.
func Concat(xs ...*G.Node) (*G.Node, error) {
	y, err := G.Concat(1, xs...)
	return y, errors.Wrap(err, "concat")
}
