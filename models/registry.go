// Package models - registry for networks.
package models

import (
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/inference"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/yolov4"
	"github.com/nvr-ai/go-yolo/models/yolov4tiny"
	"github.com/nvr-ai/go-yolo/models/yolov5"
	"github.com/nvr-ai/go-yolo/models/yolox"
	"github.com/nvr-ai/go-yolo/network"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewNetworkArgs selects and configures a network.
type NewNetworkArgs struct {
	// Name is the architecture of the network.
	Name model.Name `json:"name" yaml:"name"`
	// Options configures the network. ONNX networks only use the class count,
	// the prior shapes and the detection settings.
	Options model.Options `json:"options" yaml:"options"`
	// Session configures the runtime of an ONNX network.
	Session inference.SessionConfig `json:"session" yaml:"session"`
	// WeightsPath is a parameter file written by network.Params.Save. Only
	// read when Params is nil.
	WeightsPath string `json:"weights_path" yaml:"weights_path"`
	// Params holds the weights of a gorgonia network. Nil without a weights
	// path starts from freshly initialized weights.
	Params *network.Params `json:"-" yaml:"-"`
	// Logger receives the logs of the network. Nil disables logging.
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// NewNetwork creates a detection network of the named architecture.
//
// The gorgonia networks build their graph from the options. An ONNX network
// runs an exported graph whose outputs are the raw maps of the three
// detection layers, from the finest to the coarsest, and decodes them with
// the same detection layers.
//
// Arguments:
//   - args: The architecture and its configuration.
//
// Returns:
//   - model.Network: The network.
//   - error: An error if the architecture is unknown or the configuration is
//     invalid.
//
// Example:
//
//	net, err := NewNetwork(NewNetworkArgs{
//	    Name:    model.ModelNameYOLOv5,
//	    Options: model.DefaultOptions(80),
//	})
//	if err != nil {
//	    log.Fatalf("Failed to create network: %v", err)
//	}
//	defer net.Close()
func NewNetwork(args NewNetworkArgs) (model.Network, error) {
	if args.Name == model.ModelNameONNX {
		return newONNX(args)
	}
	newGraph, ok := graphNetworks[args.Name]
	if !ok {
		return nil, errors.Errorf("unsupported network name: %s", args.Name)
	}
	params := args.Params
	if params == nil && args.WeightsPath != "" {
		var err error
		if params, err = network.LoadParamsFile(args.WeightsPath); err != nil {
			return nil, errors.Wrapf(err, "could not load %s weights from %s", args.Name, args.WeightsPath)
		}
	}
	net, err := newGraph(args.Options, params, args.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create %s network", args.Name)
	}
	return net, nil
}

var graphNetworks = map[model.Name]func(model.Options, *network.Params, *zap.Logger) (*model.Heads, error){
	model.ModelNameYOLOv4Tiny: yolov4tiny.New,
	model.ModelNameYOLOv4:     yolov4.New,
	model.ModelNameYOLOv5:     yolov5.New,
	model.ModelNameYOLOX:      yolox.New,
}

// Names returns the supported network architectures.
func Names() []model.Name {
	return []model.Name{
		model.ModelNameYOLOv4Tiny,
		model.ModelNameYOLOv4,
		model.ModelNameYOLOv5,
		model.ModelNameYOLOX,
		model.ModelNameONNX,
	}
}

func newONNX(args NewNetworkArgs) (model.Network, error) {
	opts := args.Options.WithDefaults(0, 0, network.ActivationNone, common.DefaultPriorShapes)
	layers, err := opts.Layers()
	if err != nil {
		return nil, err
	}
	if len(args.Session.OutputNames) != len(layers) {
		return nil, errors.Errorf("an onnx network needs %d outputs, got %d", len(layers), len(args.Session.OutputNames))
	}
	session, err := inference.NewSession(args.Session, args.Logger)
	if err != nil {
		return nil, err
	}
	return model.NewHeads(session, layers), nil
}
