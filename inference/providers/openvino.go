package providers

import (
	"strings"

	"github.com/pkg/errors"
)

// Precision is the inference precision of the OpenVINO provider.
//
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type Precision string

const (
	// PrecisionAccuracy keeps the precision of the graph. (OpenVINO's
	// default.)
	PrecisionAccuracy Precision = "ACCURACY"
	// PrecisionFP32 runs in 32-bit floating point.
	PrecisionFP32 Precision = "FP32"
	// PrecisionFP16 runs in 16-bit floating point.
	PrecisionFP16 Precision = "FP16"
	// PrecisionINT8 runs in 8-bit integers.
	PrecisionINT8 Precision = "INT8"
)

// ParsePrecision returns the precision with the given name.
func ParsePrecision(name string) (Precision, error) {
	p := Precision(strings.ToUpper(name))
	switch p {
	case PrecisionAccuracy, PrecisionFP32, PrecisionFP16, PrecisionINT8:
		return p, nil
	}
	return "", errors.Errorf("unsupported precision: %s", name)
}

// openVINOOptions normalizes the precision option of the OpenVINO provider.
func openVINOOptions(config map[string]string) (map[string]string, error) {
	options := make(map[string]string, len(config))
	for k, v := range config {
		options[k] = v
	}
	if v, ok := options["precision"]; ok {
		p, err := ParsePrecision(v)
		if err != nil {
			return nil, err
		}
		options["precision"] = string(p)
	}
	return options, nil
}
