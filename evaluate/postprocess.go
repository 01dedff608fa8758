package evaluate

import (
	"sort"

	"github.com/nvr-ai/go-retinanet/inference"
)

// filterDetections keeps detections scoring at least threshold, sorted by descending score.
// Equal scores keep their model order.
func filterDetections(detections []inference.Detection, threshold float32) []inference.Detection {
	kept := make([]inference.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Score >= threshold {
			kept = append(kept, d)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept
}

// applyNMS performs greedy class-aware Non-Maximum Suppression.
//
// Arguments:
//   - detections: Sorted by descending score.
//   - threshold: A detection is suppressed when its IoU with a kept detection of the same
//     label exceeds threshold.
//
// Returns:
//   - []inference.Detection: The kept detections, still sorted.
func applyNMS(detections []inference.Detection, threshold float32) []inference.Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	kept := make([]inference.Detection, 0, n)
	used := make([]bool, n)
	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := detections[i]
		kept = append(kept, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] || detections[j].Label != anchor.Label {
				continue
			}
			if anchor.Box.IoU(detections[j].Box) > threshold {
				used[j] = true
			}
		}
	}
	return kept
}

// postprocess applies the score threshold, optional suppression and the detection cap.
func postprocess(detections []inference.Detection, cfg Config) []inference.Detection {
	out := filterDetections(detections, cfg.ScoreThreshold)
	if cfg.NMSThreshold > 0 {
		out = applyNMS(out, cfg.NMSThreshold)
	}
	if len(out) > cfg.MaxDetections {
		out = out[:cfg.MaxDetections]
	}
	return out
}
