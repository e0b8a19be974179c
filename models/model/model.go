// Package model - Definitions shared by the YOLO network variants.
package model

import (
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/detection"
	"github.com/nvr-ai/go-yolo/loss"
	"github.com/nvr-ai/go-yolo/network"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Name is the unique identifier of a network architecture.
type Name string

const (
	// ModelNameYOLOv4Tiny is the name of the YOLOv4-tiny network.
	ModelNameYOLOv4Tiny Name = "yolov4-tiny"
	// ModelNameYOLOv4 is the name of the YOLOv4 network.
	ModelNameYOLOv4 Name = "yolov4"
	// ModelNameYOLOv5 is the name of the YOLOv5 network.
	ModelNameYOLOv5 Name = "yolov5"
	// ModelNameYOLOX is the name of the YOLOX network.
	ModelNameYOLOX Name = "yolox"
	// ModelNameONNX is an exported network run by the ONNX runtime.
	ModelNameONNX Name = "onnx"
)

// Options configures a network.
type Options struct {
	// NumClasses is the number of classes the network predicts.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Width is the number of channels in the narrowest convolution. Zero
	// selects the default of the architecture.
	Width int `json:"width" yaml:"width"`
	// Depth is the number of bottlenecks in the shallowest CSP block. Zero
	// selects the default of the architecture. Only used by YOLOv5 and YOLOX.
	Depth int `json:"depth" yaml:"depth"`
	// Activation is the activation of every layer. Empty selects the default
	// of the architecture.
	Activation network.Activation `json:"activation" yaml:"activation"`
	// Normalization is the normalization of every layer.
	Normalization network.Normalization `json:"normalization" yaml:"normalization"`
	// PriorShapes are the anchors in input pixels, smallest first. Empty
	// selects the default of the architecture.
	PriorShapes []common.PriorShape `json:"prior_shapes" yaml:"prior_shapes"`
	// Detection configures the detection layers. NumClasses is taken from
	// the options.
	Detection detection.Config `json:"detection" yaml:"detection"`
}

// DefaultOptions returns the options of a network for numClasses classes,
// with the architecture defaults for everything else.
func DefaultOptions(numClasses int) Options {
	return Options{
		NumClasses:    numClasses,
		Normalization: network.NormBatch,
		Detection:     detection.DefaultConfig(numClasses),
	}
}

// WithDefaults fills the unset fields with the given architecture defaults.
func (o Options) WithDefaults(width, depth int, activation network.Activation, priorShapes []common.PriorShape) Options {
	if o.Width == 0 {
		o.Width = width
	}
	if o.Depth == 0 {
		o.Depth = depth
	}
	if o.Activation == "" {
		o.Activation = activation
	}
	if o.Normalization == "" {
		o.Normalization = network.NormBatch
	}
	if len(o.PriorShapes) == 0 {
		o.PriorShapes = priorShapes
	}
	o.Detection.NumClasses = o.NumClasses
	return o
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.NumClasses < 1 {
		return errors.Errorf("num_classes must be positive, got %d", o.NumClasses)
	}
	if o.Width < 0 || o.Depth < 0 {
		return errors.Errorf("width and depth must not be negative, got %d and %d", o.Width, o.Depth)
	}
	if _, err := network.ParseActivation(string(o.Activation)); err != nil {
		return err
	}
	if _, err := network.ParseNormalization(string(o.Normalization)); err != nil {
		return err
	}
	if len(o.PriorShapes)%3 != 0 {
		return common.ErrPriorShapeCount
	}
	return nil
}

// Style returns the layer style selected by the options.
func (o Options) Style() network.Style {
	return network.Style{Activation: o.Activation, Norm: o.Normalization}
}

// Layers validates the options and returns the three detection layers, from
// the finest to the coarsest.
func (o Options) Layers() ([]*detection.Layer, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return detection.NewLayers(o.PriorShapes, o.Detection)
}

// Outputs returns the number of raw output channels of a detection layer.
func (o Options) Outputs() int {
	return len(o.PriorShapes) / 3 * (5 + o.NumClasses)
}

// Output is the result of a network for a batch.
type Output struct {
	// Detections holds a [batch, predictors, 5+num_classes] tensor per
	// detection layer.
	Detections []*tensor.Dense
	// Losses holds the losses of every detection layer. Nil without targets.
	Losses []loss.Losses
	// Hits holds the number of matched targets of every detection layer. Nil
	// without targets.
	Hits []int
}

// Network is a detection network.
type Network interface {
	// Forward runs the network on a [batch, 3, height, width] image batch.
	// With objects, the losses and hits of every layer are computed too.
	Forward(images *tensor.Dense, objects []common.Objects) (*Output, error)
	// NumClasses returns the number of classes the network predicts.
	NumClasses() int
	// Close releases the resources of the network.
	Close() error
}

// HeadRunner produces one raw [batch, anchors*(5+num_classes), H, W] map per
// detection layer from an image batch.
type HeadRunner interface {
	Run(images *tensor.Dense) ([]*tensor.Dense, error)
	Close() error
}

// Heads connects the raw outputs of a HeadRunner to detection layers.
type Heads struct {
	runner HeadRunner
	layers []*detection.Layer
}

// NewHeads returns a network that decodes the i-th output of runner with
// the i-th layer.
func NewHeads(runner HeadRunner, layers []*detection.Layer) *Heads {
	return &Heads{runner: runner, layers: layers}
}

// Layers returns the detection layers in output order.
func (h *Heads) Layers() []*detection.Layer {
	return h.layers
}

// NumClasses implements Network.
func (h *Heads) NumClasses() int {
	return h.layers[0].Config().NumClasses
}

// Forward implements Network.
func (h *Heads) Forward(images *tensor.Dense, objects []common.Objects) (*Output, error) {
	if images == nil || images.Dims() != 4 {
		return nil, errors.New("images must be a [batch, channels, height, width] tensor")
	}
	shape := images.Shape()
	imageSize := common.ImageSize{Width: shape[3], Height: shape[2]}

	maps, err := h.runner.Run(images)
	if err != nil {
		return nil, err
	}
	if len(maps) != len(h.layers) {
		return nil, errors.Errorf("network produced %d outputs for %d detection layers", len(maps), len(h.layers))
	}

	out := &Output{Detections: make([]*tensor.Dense, len(h.layers))}
	for i, layer := range h.layers {
		y, err := layer.Forward(maps[i], imageSize, objects)
		if err != nil {
			return nil, errors.Wrapf(err, "detection layer %d", i)
		}
		out.Detections[i] = y.Detections
		if y.Losses != nil {
			out.Losses = append(out.Losses, *y.Losses)
			out.Hits = append(out.Hits, y.Hits)
		}
	}
	return out, nil
}

// Close implements Network.
func (h *Heads) Close() error {
	return h.runner.Close()
}
