package network

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// storedParam is the serialized form of one parameter.
type storedParam struct {
	Name  string
	Shape []int
	Data  []float32
}

// Save writes every parameter to w.
func (p *Params) Save(w io.Writer) error {
	p.mu.Lock()
	stored := make([]storedParam, 0, len(p.values))
	for name, v := range p.values {
		data, ok := v.Data().([]float32)
		if !ok {
			p.mu.Unlock()
			return errors.Errorf("parameter %s is not float32", name)
		}
		values := make([]float32, len(data))
		copy(values, data)
		stored = append(stored, storedParam{Name: name, Shape: v.Shape().Clone(), Data: values})
	}
	p.mu.Unlock()
	return errors.Wrap(gob.NewEncoder(w).Encode(stored), "could not encode parameters")
}

// LoadParams reads a parameter store written by Save.
func LoadParams(r io.Reader) (*Params, error) {
	var stored []storedParam
	if err := gob.NewDecoder(r).Decode(&stored); err != nil {
		return nil, errors.Wrap(err, "could not decode parameters")
	}
	p := NewParams()
	for _, s := range stored {
		if tensor.Shape(s.Shape).TotalSize() != len(s.Data) {
			return nil, errors.Errorf("parameter %s has %d values for shape %v", s.Name, len(s.Data), s.Shape)
		}
		p.values[s.Name] = tensor.New(tensor.WithShape(s.Shape...), tensor.WithBacking(s.Data))
	}
	return p, nil
}

// LoadParamsFile reads the parameter store at path.
func LoadParamsFile(path string) (*Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open parameters")
	}
	defer f.Close()
	return LoadParams(f)
}
