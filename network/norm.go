package network

import (
	"strings"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Normalization names a layer normalization.
type Normalization string

const (
	NormBatch Normalization = "batchnorm"
	NormGroup Normalization = "groupnorm"
	NormNone  Normalization = "none"
)

const (
	batchNormEpsilon = 1e-3
	groupNormEpsilon = 1e-5
	// normGroups is the number of channel groups of group normalization.
	normGroups = 8
)

// channelAxes broadcasts a [1, C, 1, 1] parameter over a [B, C, H, W] map.
var channelAxes = []byte{0, 2, 3}

// ParseNormalization parses a case-insensitive normalization name. The empty
// string is the same as "none".
func ParseNormalization(s string) (Normalization, error) {
	n := Normalization(strings.ToLower(s))
	switch n {
	case "":
		return NormNone, nil
	case NormBatch, NormGroup, NormNone:
		return n, nil
	}
	return "", errors.Errorf("unknown normalization %q", s)
}

// Apply adds the normalization of x to the graph. Batch normalization uses
// the running statistics stored in the parameters.
func (n Normalization) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	switch Normalization(strings.ToLower(string(n))) {
	case NormBatch:
		return batchNorm(b, x)
	case NormGroup:
		return groupNorm(b, x)
	case NormNone, "":
		return x, nil
	}
	return nil, errors.Errorf("unknown normalization %q", n)
}

func batchNorm(b *Builder, x *G.Node) (*G.Node, error) {
	shape := []int{1, x.Shape()[1], 1, 1}
	gamma, err := b.Param("weight", InitOnes, shape...)
	if err != nil {
		return nil, err
	}
	beta, err := b.Param("bias", InitZeros, shape...)
	if err != nil {
		return nil, err
	}
	mean, err := b.Param("running_mean", InitZeros, shape...)
	if err != nil {
		return nil, err
	}
	variance, err := b.Param("running_var", InitOnes, shape...)
	if err != nil {
		return nil, err
	}

	// y = x*scale + shift, scale = gamma/sqrt(var+eps), shift = beta - mean*scale
	std, err := G.Sqrt(G.Must(G.Add(variance, G.NewConstant(float32(batchNormEpsilon)))))
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}
	scale, err := G.HadamardDiv(gamma, std)
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}
	shift, err := G.Sub(beta, G.Must(G.HadamardProd(mean, scale)))
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}
	y, err := G.BroadcastHadamardProd(x, scale, nil, channelAxes)
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}
	return G.BroadcastAdd(y, shift, nil, channelAxes)
}

func groupNorm(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape().Clone()
	batch, channels := shape[0], shape[1]
	if channels%normGroups != 0 {
		return nil, errors.Errorf("group norm needs a multiple of %d channels, got %d", normGroups, channels)
	}
	size := shape.TotalSize() / (batch * normGroups)

	grouped, err := G.Reshape(x, tensor.Shape{batch, normGroups, size})
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}
	mean, err := G.Reshape(G.Must(G.Mean(grouped, 2)), tensor.Shape{batch, normGroups, 1})
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}
	centered, err := G.BroadcastSub(grouped, mean, nil, []byte{2})
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}
	variance, err := G.Reshape(G.Must(G.Mean(G.Must(G.Square(centered)), 2)), tensor.Shape{batch, normGroups, 1})
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}
	std, err := G.Sqrt(G.Must(G.Add(variance, G.NewConstant(float32(groupNormEpsilon)))))
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}
	normed, err := G.BroadcastHadamardDiv(centered, std, nil, []byte{2})
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}
	normed, err = G.Reshape(normed, shape)
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}

	gamma, err := b.Param("weight", InitOnes, 1, channels, 1, 1)
	if err != nil {
		return nil, err
	}
	beta, err := b.Param("bias", InitZeros, 1, channels, 1, 1)
	if err != nil {
		return nil, err
	}
	y, err := G.BroadcastHadamardProd(normed, gamma, nil, channelAxes)
	if err != nil {
		return nil, errors.Wrap(err, "group norm")
	}
	return G.BroadcastAdd(y, beta, nil, channelAxes)
}
