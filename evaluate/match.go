package evaluate

import (
	flatbush "github.com/bmharper/flatbush-go"

	"github.com/nvr-ai/go-retinanet/inference"
	"github.com/nvr-ai/go-retinanet/targets"
)

// imageMatch is the outcome of matching one image's detections to its ground truth.
type imageMatch struct {
	// TruePositive flags every detection, in input order.
	TruePositive []bool
	// Detected flags every annotation claimed by a detection.
	Detected []bool
}

// matchDetections assigns detections, sorted by descending score, to annotations.
//
// A detection is a true positive when its best-overlapping annotation of the same label reaches
// threshold and no earlier detection claimed it. Everything else is a false positive.
func matchDetections(detections []inference.Detection, annotations []targets.Annotation, threshold float32) imageMatch {
	m := imageMatch{
		TruePositive: make([]bool, len(detections)),
		Detected:     make([]bool, len(annotations)),
	}
	if len(detections) == 0 || len(annotations) == 0 {
		return m
	}

	// Boxes follow the inclusive pixel convention, so the index is padded by one pixel.
	fb := flatbush.NewFlatbush64()
	fb.Reserve(len(annotations))
	for _, a := range annotations {
		fb.Add(float64(a.Box.X1), float64(a.Box.Y1), float64(a.Box.X2)+1, float64(a.Box.Y2)+1)
	}
	fb.Finish()

	var nearby []int
	for i, d := range detections {
		nearby = fb.SearchFast(float64(d.Box.X1), float64(d.Box.Y1), float64(d.Box.X2)+1, float64(d.Box.Y2)+1, nearby)

		best, bestIoU := -1, float32(0)
		for _, j := range nearby {
			if annotations[j].Label != d.Label {
				continue
			}
			iou := d.Box.IoU(annotations[j].Box)
			if iou > bestIoU || (iou == bestIoU && best >= 0 && j < best) {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 && bestIoU >= threshold && !m.Detected[best] {
			m.TruePositive[i] = true
			m.Detected[best] = true
		}
	}
	return m
}
