package network

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// compiled is the graph of a Net for one input shape.
type compiled struct {
	input   *G.Node
	outputs []*G.Node
	vm      G.VM
}

// Runner evaluates a Net. It compiles one graph per input shape and keeps
// it for later calls. All graphs share the same Params.
type Runner struct {
	net    Net
	params *Params
	logger *zap.Logger

	mu     sync.Mutex
	graphs map[string]*compiled
}

// NewRunner returns a runner for net. A nil logger disables logging.
func NewRunner(net Net, params *Params, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params == nil {
		params = NewParams()
	}
	return &Runner{
		net:    net,
		params: params,
		logger: logger.Named("network"),
		graphs: make(map[string]*compiled),
	}
}

// Params returns the parameter store of the runner.
func (r *Runner) Params() *Params {
	return r.params
}

// Run evaluates the network on a [batch, channels, height, width] image
// batch.
//
// Arguments:
//   - images: The float32 image batch.
//
// Returns:
//   - []*tensor.Dense: The outputs of the network, copied out of the graph.
//   - error: An error if the graph could not be built or run.
func (r *Runner) Run(images *tensor.Dense) ([]*tensor.Dense, error) {
	if images == nil || images.Dims() != 4 {
		return nil, errors.New("network input must be a [batch, channels, height, width] tensor")
	}
	if images.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("network input must be float32, got %v", images.Dtype())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.compile(images.Shape())
	if err != nil {
		return nil, err
	}
	defer c.vm.Reset()

	if err := G.Let(c.input, images); err != nil {
		return nil, errors.Wrap(err, "could not set network input")
	}
	if err := c.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "could not run network")
	}

	outputs := make([]*tensor.Dense, len(c.outputs))
	for i, n := range c.outputs {
		value, ok := n.Value().(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("network output %d is %T, expected a dense tensor", i, n.Value())
		}
		outputs[i] = value.Clone().(*tensor.Dense)
	}
	return outputs, nil
}

func (r *Runner) compile(shape tensor.Shape) (*compiled, error) {
	key := fmt.Sprint([]int(shape))
	if c, ok := r.graphs[key]; ok {
		return c, nil
	}

	g := G.NewGraph()
	input := G.NewTensor(g, tensor.Float32, 4, G.WithShape(shape...), G.WithName("images"))
	outputs, err := r.net.Outputs(NewBuilder(g, r.params), input)
	if err != nil {
		return nil, errors.Wrapf(err, "could not build network for input %v", shape)
	}

	c := &compiled{input: input, outputs: outputs, vm: G.NewTapeMachine(g)}
	r.graphs[key] = c
	r.logger.Debug("compiled network graph",
		zap.Ints("input_shape", shape),
		zap.Int("nodes", len(g.AllNodes())),
		zap.Int("parameters", r.params.Count()),
	)
	return c, nil
}

// Close releases the compiled graphs.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for key, c := range r.graphs {
		err = multierr.Append(err, c.vm.Close())
		delete(r.graphs, key)
	}
	return err
}
