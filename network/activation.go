package network

import (
	"strings"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Activation names a layer activation function.
type Activation string

const (
	ActivationReLU     Activation = "relu"
	ActivationLeaky    Activation = "leaky"
	ActivationMish     Activation = "mish"
	ActivationSiLU     Activation = "silu"
	ActivationSwish    Activation = "swish"
	ActivationLogistic Activation = "logistic"
	ActivationLinear   Activation = "linear"
	ActivationNone     Activation = "none"
)

const leakySlope = 0.1

// ParseActivation parses a case-insensitive activation name. The empty
// string is the same as "none".
func ParseActivation(s string) (Activation, error) {
	a := Activation(strings.ToLower(s))
	switch a {
	case "":
		return ActivationNone, nil
	case ActivationReLU, ActivationLeaky, ActivationMish, ActivationSiLU, ActivationSwish,
		ActivationLogistic, ActivationLinear, ActivationNone:
		return a, nil
	}
	return "", errors.Errorf("unknown activation %q", s)
}

// Apply adds the activation to the graph.
func (a Activation) Apply(x *G.Node) (*G.Node, error) {
	switch Activation(strings.ToLower(string(a))) {
	case ActivationReLU:
		return G.Rectify(x)
	case ActivationLeaky:
		return G.LeakyRelu(x, leakySlope)
	case ActivationMish:
		sp, err := G.Softplus(x)
		if err != nil {
			return nil, err
		}
		t, err := G.Tanh(sp)
		if err != nil {
			return nil, err
		}
		return G.HadamardProd(x, t)
	case ActivationSiLU, ActivationSwish:
		s, err := G.Sigmoid(x)
		if err != nil {
			return nil, err
		}
		return G.HadamardProd(x, s)
	case ActivationLogistic:
		return G.Sigmoid(x)
	case ActivationLinear, ActivationNone, "":
		return x, nil
	}
	return nil, errors.Errorf("unknown activation %q", a)
}
