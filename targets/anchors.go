package targets

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/losses"
	"github.com/nvr-ai/go-retinanet/masked"
)

// AnchorConfig controls how anchors are assigned to ground-truth boxes.
type AnchorConfig struct {
	// PositiveOverlap is the IoU from which an anchor is positive.
	PositiveOverlap float32 `json:"positive_overlap" yaml:"positive_overlap"`
	// NegativeOverlap is the IoU below which an anchor is background. Anchors in between
	// are ignored.
	NegativeOverlap float32 `json:"negative_overlap" yaml:"negative_overlap"`
	// Std scales the regression deltas.
	Std float32 `json:"std" yaml:"std"`
}

// DefaultAnchorConfig returns the RetinaNet assignment thresholds 0.5 / 0.4 and a 0.2 delta
// scale.
func DefaultAnchorConfig() AnchorConfig {
	return AnchorConfig{PositiveOverlap: 0.5, NegativeOverlap: 0.4, Std: 0.2}
}

// Annotation is a labelled ground-truth box.
type Annotation struct {
	Box   boxes.Box
	Label int
}

// Encode returns the regression deltas that move anchor onto gt: corner offsets divided by
// the anchor's width or height, then by std.
func Encode(anchor, gt boxes.Box, std float32) [4]float32 {
	w := anchor.X2 - anchor.X1
	h := anchor.Y2 - anchor.Y1
	return [4]float32{
		(gt.X1 - anchor.X1) / w / std,
		(gt.Y1 - anchor.Y1) / h / std,
		(gt.X2 - anchor.X2) / w / std,
		(gt.Y2 - anchor.Y2) / h / std,
	}
}

// Decode applies regression deltas to an anchor. It inverts Encode.
func Decode(anchor boxes.Box, delta [4]float32, std float32) boxes.Box {
	w := anchor.X2 - anchor.X1
	h := anchor.Y2 - anchor.Y1
	return boxes.Box{
		X1: anchor.X1 + delta[0]*std*w,
		Y1: anchor.Y1 + delta[1]*std*h,
		X2: anchor.X2 + delta[2]*std*w,
		Y2: anchor.Y2 + delta[3]*std*h,
	}
}

// AnchorTargets assigns every anchor of one image to the ground truth.
//
// Arguments:
//   - anchors: The N anchors of the image.
//   - annotations: The labelled ground truth. May be empty.
//   - classes: Number of classes C.
//   - cfg: Overlap thresholds and delta scale.
//
// Returns:
//   - []float32: (N, C+1) classification rows, one-hot labels followed by the state.
//   - []float32: (N, 5) regression rows, Encode deltas followed by the state.
//   - error: When an annotation label is outside [0, C).
func AnchorTargets(anchors []boxes.Box, annotations []Annotation, classes int, cfg AnchorConfig) ([]float32, []float32, error) {
	n := len(anchors)
	cls := make([]float32, n*(classes+1))
	reg := make([]float32, n*5)
	if n == 0 || len(annotations) == 0 {
		return cls, reg, nil
	}

	gt := make([]boxes.Box, len(annotations))
	for i, a := range annotations {
		if a.Label < 0 || a.Label >= classes {
			return nil, nil, errors.Errorf("targets: label %d outside [0, %d)", a.Label, classes)
		}
		gt[i] = a.Box
	}

	overlaps, err := boxes.PairwiseIoU(boxes.ToTensor(anchors), boxes.ToTensor(gt))
	if err != nil {
		return nil, nil, err
	}
	best, err := masked.ArgMaxRows(overlaps)
	if err != nil {
		return nil, nil, err
	}
	iou := overlaps.Float32s()

	for i, j := range best {
		overlap := iou[i*len(gt)+j]
		state := losses.StateBackground
		switch {
		case overlap >= cfg.PositiveOverlap:
			state = losses.StatePositive
			cls[i*(classes+1)+annotations[j].Label] = 1
		case overlap >= cfg.NegativeOverlap:
			state = losses.StateIgnore
		}
		cls[i*(classes+1)+classes] = state

		delta := Encode(anchors[i], gt[j], cfg.Std)
		copy(reg[i*5:], delta[:])
		reg[i*5+4] = state
	}
	return cls, reg, nil
}

// BatchTargets stacks AnchorTargets over a batch sharing one anchor set.
//
// Returns:
//   - *tensor.Dense: (B, N, C+1) classification targets.
//   - *tensor.Dense: (B, N, 5) regression targets.
//   - error: For an empty batch or anchor set, or an invalid label.
func BatchTargets(anchors []boxes.Box, images [][]Annotation, classes int, cfg AnchorConfig) (*tensor.Dense, *tensor.Dense, error) {
	if len(images) == 0 || len(anchors) == 0 {
		return nil, nil, errors.Wrap(ErrShape, "empty batch or anchor set")
	}

	n := len(anchors)
	cls := make([]float32, 0, len(images)*n*(classes+1))
	reg := make([]float32, 0, len(images)*n*5)
	for i, annotations := range images {
		c, r, err := AnchorTargets(anchors, annotations, classes, cfg)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "image %d", i)
		}
		cls = append(cls, c...)
		reg = append(reg, r...)
	}
	return masked.New(cls, len(images), n, classes+1), masked.New(reg, len(images), n, 5), nil
}
