package providers

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// The size limit of the device memory arena in bytes. Zero leaves the
	// limit to the runtime.
	GPUMemLimit int64 `json:"gpu_mem_limit" yaml:"gpu_mem_limit"`
	// The strategy for extending the device memory arena: kNextPowerOfTwo or
	// kSameAsRequested.
	ArenaExtendStrategy string `json:"arena_extend_strategy" yaml:"arena_extend_strategy"`
	// The type of search done for cuDNN convolution algorithms: EXHAUSTIVE,
	// HEURISTIC or DEFAULT.
	CudnnConvAlgoSearch string `json:"cudnn_conv_algo_search" yaml:"cudnn_conv_algo_search"`
	// Whether to do copies in the default stream or use separate streams.
	DoCopyInDefaultStream bool `json:"do_copy_in_default_stream" yaml:"do_copy_in_default_stream"`
}

// ParseCUDAOptions reads CUDA options from provider options. Unknown keys are
// ignored.
func ParseCUDAOptions(options map[string]string) (CUDAOptions, error) {
	o := CUDAOptions{ArenaExtendStrategy: "kNextPowerOfTwo", CudnnConvAlgoSearch: "EXHAUSTIVE", DoCopyInDefaultStream: true}
	var err error
	if v, ok := options["device_id"]; ok {
		if o.DeviceID, err = strconv.Atoi(v); err != nil {
			return o, errors.Wrap(err, "cuda device_id")
		}
	}
	if v, ok := options["gpu_mem_limit"]; ok {
		if o.GPUMemLimit, err = strconv.ParseInt(v, 10, 64); err != nil {
			return o, errors.Wrap(err, "cuda gpu_mem_limit")
		}
	}
	if v, ok := options["arena_extend_strategy"]; ok {
		o.ArenaExtendStrategy = v
	}
	if v, ok := options["cudnn_conv_algo_search"]; ok {
		o.CudnnConvAlgoSearch = v
	}
	if v, ok := options["do_copy_in_default_stream"]; ok {
		if o.DoCopyInDefaultStream, err = strconv.ParseBool(v); err != nil {
			return o, errors.Wrap(err, "cuda do_copy_in_default_stream")
		}
	}
	return o, nil
}

// ToMap returns the options under their onnxruntime names.
func (o CUDAOptions) ToMap() map[string]string {
	m := map[string]string{
		"device_id":                 strconv.Itoa(o.DeviceID),
		"arena_extend_strategy":     o.ArenaExtendStrategy,
		"cudnn_conv_algo_search":    o.CudnnConvAlgoSearch,
		"do_copy_in_default_stream": boolFlag(o.DoCopyInDefaultStream),
	}
	if o.GPUMemLimit > 0 {
		m["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	return m
}

// ToNativeProviderOptions converts the CUDA options to a CUDA provider options.
// The caller destroys the result.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.Update(o.ToMap()); err != nil {
		opts.Destroy()
		return nil, err
	}
	return opts, nil
}

func appendCUDA(options *ort.SessionOptions, config map[string]string) error {
	parsed, err := ParseCUDAOptions(config)
	if err != nil {
		return err
	}
	native, err := parsed.ToNativeProviderOptions()
	if err != nil {
		return err
	}
	defer native.Destroy()
	return options.AppendExecutionProviderCUDA(native)
}

func appendTensorRT(options *ort.SessionOptions, config map[string]string) error {
	native, err := ort.NewTensorRTProviderOptions()
	if err != nil {
		return err
	}
	defer native.Destroy()
	if err := native.Update(config); err != nil {
		return err
	}
	return options.AppendExecutionProviderTensorRT(native)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
