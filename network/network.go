// Package network - Composable gorgonia building blocks of the YOLO networks.
//
// Modules describe layers. They add nodes to an expression graph through a
// Builder, which looks up their parameters in a Params store shared by every
// graph compiled for the same network.
package network

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Module transforms a feature map.
type Module interface {
	Forward(b *Builder, x *G.Node) (*G.Node, error)
}

// ModuleFunc adapts a function to the Module interface.
type ModuleFunc func(b *Builder, x *G.Node) (*G.Node, error)

// Forward calls f.
func (f ModuleFunc) Forward(b *Builder, x *G.Node) (*G.Node, error) {
	return f(b, x)
}

// Net produces the raw head maps of a network from an image batch.
type Net interface {
	Outputs(b *Builder, images *G.Node) ([]*G.Node, error)
}

// NetFunc adapts a function to the Net interface.
type NetFunc func(b *Builder, images *G.Node) ([]*G.Node, error)

// Outputs calls f.
func (f NetFunc) Outputs(b *Builder, images *G.Node) ([]*G.Node, error) {
	return f(b, images)
}

// Init selects how a new parameter is filled.
type Init int

const (
	// InitGlorot draws weights from a Glorot normal distribution.
	InitGlorot Init = iota
	// InitZeros fills the parameter with zeros.
	InitZeros
	// InitOnes fills the parameter with ones.
	InitOnes
)

// Params stores the parameters of a network by module path.
type Params struct {
	mu     sync.Mutex
	values map[string]*tensor.Dense
}

// NewParams returns an empty parameter store.
func NewParams() *Params {
	return &Params{values: make(map[string]*tensor.Dense)}
}

// Get returns the parameter stored under name.
func (p *Params) Get(name string) (*tensor.Dense, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[name]
	return v, ok
}

// Set replaces the value of an existing parameter, or stores a new one.
//
// Arguments:
//   - name: The module path of the parameter.
//   - value: The new value.
//
// Returns:
//   - error: An error if the parameter exists with a different shape.
func (p *Params) Set(name string, value *tensor.Dense) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.values[name]; ok {
		if !old.Shape().Eq(value.Shape()) {
			return errors.Errorf("parameter %s has shape %v, got %v", name, old.Shape(), value.Shape())
		}
		return errors.Wrapf(tensor.Copy(old, value), "could not copy parameter %s", name)
	}
	p.values[name] = value
	return nil
}

// Names returns the sorted names of all parameters.
func (p *Params) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.values))
	for name := range p.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the total number of scalar parameters.
func (p *Params) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.values {
		n += v.Shape().TotalSize()
	}
	return n
}

func (p *Params) getOrCreate(name string, init Init, shape []int) (*tensor.Dense, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.values[name]; ok {
		if !v.Shape().Eq(tensor.Shape(shape)) {
			return nil, errors.Errorf("parameter %s has shape %v, requested %v", name, v.Shape(), shape)
		}
		return v, nil
	}

	var v *tensor.Dense
	switch init {
	case InitZeros:
		v = tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32))
	case InitOnes:
		v = tensor.Ones(tensor.Float32, shape...)
	default:
		v = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(G.GlorotN(1.0)(tensor.Float32, shape...)))
	}
	p.values[name] = v
	return v, nil
}

// Builder adds the nodes of one module to a graph.
type Builder struct {
	g      *G.ExprGraph
	params *Params
	scope  []string
}

// NewBuilder returns a builder at the root scope of g.
func NewBuilder(g *G.ExprGraph, params *Params) *Builder {
	return &Builder{g: g, params: params}
}

// Graph returns the graph the builder adds nodes to.
func (b *Builder) Graph() *G.ExprGraph {
	return b.g
}

// Scope returns a builder for a child module.
func (b *Builder) Scope(name string) *Builder {
	scope := make([]string, len(b.scope), len(b.scope)+1)
	copy(scope, b.scope)
	return &Builder{g: b.g, params: b.params, scope: append(scope, name)}
}

// Path returns the module path of name in the current scope.
func (b *Builder) Path(name string) string {
	return strings.Join(append(append([]string(nil), b.scope...), name), ".")
}

// Param returns a graph node holding the parameter name of the current scope.
func (b *Builder) Param(name string, init Init, shape ...int) (*G.Node, error) {
	path := b.Path(name)
	value, err := b.params.getOrCreate(path, init, shape)
	if err != nil {
		return nil, err
	}
	return G.NewTensor(b.g, tensor.Float32, len(shape), G.WithShape(shape...), G.WithName(path), G.WithValue(value)), nil
}
