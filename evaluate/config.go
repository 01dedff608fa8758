// Package evaluate - Runs a detector over an annotated dataset and scores its detections.
package evaluate

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-retinanet/inference"
	"github.com/nvr-ai/go-retinanet/losses"
)

// Config controls an evaluation run.
type Config struct {
	// ScoreThreshold drops detections scoring below it.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	// IoUThreshold is the overlap a detection needs with its ground truth to count as a true
	// positive.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// MaxDetections keeps at most this many detections per image, highest scores first.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
	// NMSThreshold applies an extra class-aware suppression at this IoU. 0 disables it.
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold"`
	// SavePath receives every image with its ground truth and detections drawn. Empty disables
	// drawing.
	SavePath string `json:"save_path" yaml:"save_path"`
	// Loss configures the repulsion loss reported per image.
	Loss losses.Config `json:"loss" yaml:"loss"`
	// Model describes the ONNX model.
	Model inference.ONNXConfig `json:"model" yaml:"model"`
}

// DefaultConfig returns score threshold 0.05, IoU threshold 0.5 and 100 detections per image.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold: 0.05,
		IoUThreshold:   0.5,
		MaxDetections:  100,
		Loss:           losses.DefaultConfig(),
		Model:          inference.DefaultONNXConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys missing from the file keep their
// defaults.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - Config: The merged configuration.
//   - error: When the file cannot be read, parsed or validated.
//
// @example
// cfg, err := evaluate.LoadConfig("evaluate.yaml")
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate rejects thresholds outside [0, 1] and a non-positive detection cap.
func (c Config) Validate() error {
	for name, v := range map[string]float32{
		"score_threshold":    c.ScoreThreshold,
		"iou_threshold":      c.IoUThreshold,
		"nms_threshold":      c.NMSThreshold,
		"loss.iou_threshold": c.Loss.IoUThreshold,
	} {
		if v < 0 || v > 1 {
			return errors.Errorf("evaluate: %s %v outside [0, 1]", name, v)
		}
	}
	if c.MaxDetections <= 0 {
		return errors.Errorf("evaluate: max_detections must be positive, got %d", c.MaxDetections)
	}
	return nil
}
