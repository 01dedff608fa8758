// Package providers - ONNX Runtime execution providers.
package providers

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// CPU runs on the default CPU provider.
	CPU Backend = "cpu"
	// CUDA runs on an NVIDIA GPU.
	CUDA Backend = "cuda"
	// CoreML runs on Apple CoreML.
	CoreML Backend = "coreml"
	// OpenVINO runs on Intel OpenVINO.
	OpenVINO Backend = "openvino"
)

// ErrBackend is returned for an unknown backend name.
var ErrBackend = errors.New("providers: unsupported backend")

// Config selects the execution provider of a session.
type Config struct {
	// Backend is the provider to append. Empty means CPU.
	Backend Backend `json:"backend" yaml:"backend"`
	// DeviceID is the GPU id for CUDA or the device id for OpenVINO.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// DeviceType overrides the OpenVINO device type, for example "GPU".
	DeviceType string `json:"device_type" yaml:"device_type"`
	// Threads bounds intra-op parallelism. 0 lets ONNX Runtime decide.
	Threads int `json:"threads" yaml:"threads"`
}

// ParseGPU builds a CUDA config from a GPU id as reported by nvidia-smi. An empty id selects the CPU.
//
// Arguments:
//   - gpu: The GPU id, or "".
//
// Returns:
//   - Config: The provider configuration.
//   - error: When gpu is not an integer.
//
// @example
// cfg, err := providers.ParseGPU("0")
func ParseGPU(gpu string) (Config, error) {
	gpu = strings.TrimSpace(gpu)
	if gpu == "" {
		return Config{Backend: CPU}, nil
	}
	id, err := strconv.Atoi(gpu)
	if err != nil || id < 0 {
		return Config{}, errors.Errorf("providers: invalid gpu id %q", gpu)
	}
	return Config{Backend: CUDA, DeviceID: id}, nil
}

// Apply appends the configured execution provider to options.
//
// Arguments:
//   - options: The session options of the session being created.
//
// Returns:
//   - error: ErrBackend for an unknown backend, or the provider's own error.
func (c Config) Apply(options *ort.SessionOptions) error {
	if c.Threads > 0 {
		options.SetIntraOpNumThreads(c.Threads)
	}

	switch c.Backend {
	case "", CPU:
		return nil
	case CUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "create CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(c.DeviceID)}); err != nil {
			return errors.Wrap(err, "update CUDA options")
		}
		return errors.Wrap(options.AppendExecutionProviderCUDA(cuda), "enable CUDA")
	case CoreML:
		return errors.Wrap(options.AppendExecutionProviderCoreML(0), "enable CoreML")
	case OpenVINO:
		config := map[string]string{"device_id": strconv.Itoa(c.DeviceID)}
		if c.DeviceType != "" {
			config["device_type"] = c.DeviceType
		}
		return errors.Wrap(options.AppendExecutionProviderOpenVINO(config), "enable OpenVINO")
	default:
		return errors.Wrapf(ErrBackend, "%q", c.Backend)
	}
}

// String renders the backend and device.
func (c Config) String() string {
	switch c.Backend {
	case CUDA, OpenVINO:
		return fmt.Sprintf("%s:%d", c.Backend, c.DeviceID)
	case "":
		return string(CPU)
	}
	return string(c.Backend)
}

// SharedLibPath returns the ONNX Runtime shared library to load. ONNXRUNTIME_LIB overrides the
// platform default.
func SharedLibPath() string {
	if path := os.Getenv("ONNXRUNTIME_LIB"); path != "" {
		return path
	}
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		return "third_party/libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "third_party/onnxruntime_arm64.so"
	}
	return "third_party/onnxruntime.so"
}
