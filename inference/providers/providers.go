// Package providers - ONNX Runtime execution providers.
package providers

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Provider represents different ONNX Runtime execution providers
type Provider string

const (
	// CPUExecutionProvider uses CPU for inference
	CPUExecutionProvider Provider = "cpu"

	// CUDAExecutionProvider uses NVIDIA CUDA for GPU acceleration
	CUDAExecutionProvider Provider = "cuda"

	// TensorRTExecutionProvider uses NVIDIA TensorRT for optimized inference
	TensorRTExecutionProvider Provider = "tensorrt"

	// CoreMLExecutionProvider uses Apple CoreML for macOS/iOS acceleration
	CoreMLExecutionProvider Provider = "coreml"

	// OpenVINOExecutionProvider uses Intel OpenVINO for inference optimization
	OpenVINOExecutionProvider Provider = "openvino"
)

// ParseProvider returns the provider with the given name.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(name))
	switch p {
	case CPUExecutionProvider, CUDAExecutionProvider, TensorRTExecutionProvider,
		CoreMLExecutionProvider, OpenVINOExecutionProvider:
		return p, nil
	}
	return "", errors.Errorf("unsupported execution provider: %s", name)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provider) UnmarshalText(text []byte) error {
	parsed, err := ParseProvider(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ExecutionProviderConfig contains configuration for specific execution providers
type ExecutionProviderConfig struct {
	// Provider specifies which execution provider to use
	Provider Provider `json:"provider" yaml:"provider"`

	// Options contains provider-specific configuration options
	Options map[string]string `json:"options" yaml:"options"`

	// Priority determines the order in which providers are tried (higher = first)
	Priority int `json:"priority" yaml:"priority"`

	// Enabled toggles whether this provider should be used
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// EnabledProviders returns the enabled providers, highest priority first.
// Providers of equal priority keep their configured order.
//
// Arguments:
//   - providers: The configured providers.
//
// Returns:
//   - []ExecutionProviderConfig: The providers to append to a session.
func EnabledProviders(providers []ExecutionProviderConfig) []ExecutionProviderConfig {
	enabled := make([]ExecutionProviderConfig, 0, len(providers))
	for _, provider := range providers {
		if provider.Enabled {
			enabled = append(enabled, provider)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})
	return enabled
}
