package evaluate

import (
	"time"

	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-retinanet/losses"
)

// ClassStats counts the matching outcome of one label over a dataset.
type ClassStats struct {
	Label          int    `json:"label"`
	Name           string `json:"name"`
	Annotations    int    `json:"annotations"`
	TruePositives  int    `json:"true_positives"`
	FalsePositives int    `json:"false_positives"`
}

// FalseNegatives returns the annotations no detection claimed.
func (c ClassStats) FalseNegatives() int { return c.Annotations - c.TruePositives }

// Precision returns TP / (TP + FP), or 0 without detections.
func (c ClassStats) Precision() float64 {
	if n := c.TruePositives + c.FalsePositives; n > 0 {
		return float64(c.TruePositives) / float64(n)
	}
	return 0
}

// Recall returns TP / annotations, or 0 without annotations.
func (c ClassStats) Recall() float64 {
	if c.Annotations > 0 {
		return float64(c.TruePositives) / float64(c.Annotations)
	}
	return 0
}

// Report is the result of an evaluation run.
type Report struct {
	// Images is the number of evaluated images.
	Images int `json:"images"`
	// Classes holds one entry per label of the generator.
	Classes []ClassStats `json:"classes"`
	// Repulsion holds the repulsion loss of the detections of every image.
	Repulsion []losses.ImageLoss `json:"-"`
	// InferenceDuration sums the time spent in the detector.
	InferenceDuration time.Duration `json:"inference_duration"`
	// TotalDuration is the wall time of the run.
	TotalDuration time.Duration `json:"total_duration"`
}

// FramesPerSecond returns the detector throughput, 0 before any inference.
func (r *Report) FramesPerSecond() float64 {
	if r.InferenceDuration <= 0 {
		return 0
	}
	return float64(r.Images) / r.InferenceDuration.Seconds()
}

// Totals sums the statistics of every class.
func (r *Report) Totals() ClassStats {
	total := ClassStats{Label: -1, Name: "total"}
	for _, c := range r.Classes {
		total.Annotations += c.Annotations
		total.TruePositives += c.TruePositives
		total.FalsePositives += c.FalsePositives
	}
	return total
}

// MeanRepulsion averages the repulsion loss over the images where at least one detection
// matched the ground truth.
//
// Returns:
//   - float32: The mean loss, 0 when no image qualified.
//   - int: The number of qualifying images.
func (r *Report) MeanRepulsion() (float32, int) {
	var sum float32
	n := 0
	for _, l := range r.Repulsion {
		if l.Attraction.Status != losses.Computed {
			continue
		}
		sum += l.Total()
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float32(n), n
}

// Log writes one line per class with annotations or detections, then the totals.
func (r *Report) Log(log logs.Log) {
	for _, c := range r.Classes {
		if c.Annotations == 0 && c.FalsePositives == 0 {
			continue
		}
		log.Infof("%-20s annotations %5d  tp %5d  fp %5d  fn %5d  precision %.4f  recall %.4f",
			c.Name, c.Annotations, c.TruePositives, c.FalsePositives, c.FalseNegatives(), c.Precision(), c.Recall())
	}
	t := r.Totals()
	log.Infof("%d images, precision %.4f, recall %.4f", r.Images, t.Precision(), t.Recall())

	mean, n := r.MeanRepulsion()
	log.Infof("Mean repulsion loss %.4f over %d images", mean, n)
	log.Infof("Inference %v total, %.1f frames per second", r.InferenceDuration, r.FramesPerSecond())
}
