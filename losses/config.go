package losses

import "runtime"

// Config holds the hyperparameters of every loss in this package.
type Config struct {
	// Alpha balances positive against negative classification targets in the focal loss.
	Alpha float32 `json:"alpha" yaml:"alpha"`
	// Gamma is the focusing exponent of the focal loss.
	Gamma float32 `json:"gamma" yaml:"gamma"`
	// Sigma places the smooth-L1 transition at 1/sigma².
	Sigma float32 `json:"sigma" yaml:"sigma"`
	// IoUThreshold is the best-IoU a prediction must exceed to take part in the repulsion loss.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// SmoothLnDelta is the switch point of smooth_ln in the ground-truth repulsion term.
	SmoothLnDelta float32 `json:"smooth_ln_delta" yaml:"smooth_ln_delta"`
	// AttractionSigma is the smooth-L1 sigma of the attraction term.
	AttractionSigma float32 `json:"attraction_sigma" yaml:"attraction_sigma"`
	// Workers bounds the goroutines computing per-image repulsion losses. 0 means NumCPU.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the RetinaNet defaults.
//
// Returns:
//   - Config: alpha 0.25, gamma 2, sigma 3, IoU threshold 0.5, smooth_ln delta 0.5,
//     attraction sigma 3 and one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Alpha:           0.25,
		Gamma:           2.0,
		Sigma:           3.0,
		IoUThreshold:    0.5,
		SmoothLnDelta:   0.5,
		AttractionSigma: 3.0,
		Workers:         runtime.NumCPU(),
	}
}

// Focal returns the focal loss configured by c.
func (c Config) Focal() LossFunc { return Focal(c.Alpha, c.Gamma) }

// SmoothL1 returns the smooth-L1 loss configured by c.
func (c Config) SmoothL1() LossFunc { return SmoothL1(c.Sigma) }

func (c Config) workers(batch int) int {
	n := c.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, min(n, batch))
}
