// Package boxes - Overlap metrics between sets of axis-aligned boxes.
package boxes

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/masked"
)

// ErrShape is returned when a box tensor is not a float32 matrix with at least 4 columns.
var ErrShape = errors.New("boxes: expected a float32 tensor shaped [N, 4]")

// Box is an axis-aligned box in (x1, y1, x2, y2) order.
//
// x1 <= x2 and y1 <= y2 by convention only. Inverted boxes are accepted and produce zero or
// negative areas, which every overlap metric clamps to 0.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Width is pixel-inclusive: a box spanning columns 10..10 is 1 pixel wide.
func (b Box) Width() float32 { return b.X2 - b.X1 + 1 }

// Height is pixel-inclusive, see Width.
func (b Box) Height() float32 { return b.Y2 - b.Y1 + 1 }

// Area returns Width*Height. It is not clamped, so inverted boxes may have a negative area.
func (b Box) Area() float32 { return b.Width() * b.Height() }

// Intersection calculates the pixel-inclusive overlapping area between two boxes.
//
// The overlap width and height are each floored at 0, so boxes separated along either axis
// intersect in an area of exactly 0.
//
// Arguments:
//   - o: The other box.
//
// Returns:
//   - The intersection area.
//
// @example
// a := Box{X1: 0, Y1: 0, X2: 9, Y2: 9}
// b := Box{X1: 5, Y1: 5, X2: 14, Y2: 14}
// area := a.Intersection(b) // 25 (5x5 pixels)
func (b Box) Intersection(o Box) float32 {
	w := min(b.X2, o.X2) - max(b.X1, o.X1) + 1
	h := min(b.Y2, o.Y2) - max(b.Y1, o.Y1) + 1
	return max(w, 0) * max(h, 0)
}

// IoU calculates the Intersection over Union of two boxes.
//
// Union is area(b) + area(o) - intersection. The ratio is floored at 0, and a zero union
// yields 0 instead of a non-finite value.
//
// Arguments:
//   - o: The other box.
//
// Returns:
//   - The IoU in [0, 1] for well-formed boxes.
//
// @example
// a := Box{X1: 0, Y1: 0, X2: 9, Y2: 9}
// b := Box{X1: 5, Y1: 5, X2: 14, Y2: 14}
// iou := a.IoU(b) // 25 / (100 + 100 - 25) ≈ 0.142857
func (b Box) IoU(o Box) float32 {
	inter := b.Intersection(o)
	return ratio(inter, b.Area()+o.Area()-inter)
}

// IoG calculates the Intersection over the area of gt (the ground-truth box).
//
// Unlike IoU the denominator does not depend on b, so a small box lying inside gt scores
// its own share of gt's area.
func (b Box) IoG(gt Box) float32 {
	return ratio(b.Intersection(gt), gt.Area())
}

// Normalize divides the x coordinates by w and the y coordinates by h.
func (b Box) Normalize(w, h float32) Box {
	return Box{X1: b.X1 / w, Y1: b.Y1 / h, X2: b.X2 / w, Y2: b.Y2 / h}
}

func ratio(num, den float32) float32 {
	if den == 0 {
		return 0
	}
	return max(num/den, 0)
}

// FromTensor reads the first four columns of every row of an [N, >=4] tensor as boxes.
//
// Arguments:
//   - t: A float32 matrix. Extra columns (labels, anchor states) are ignored.
//
// Returns:
//   - []Box: One box per row.
//   - error: ErrShape if t is not a float32 matrix with at least 4 columns.
func FromTensor(t *tensor.Dense) ([]Box, error) {
	data, err := masked.Values(t)
	if err != nil {
		return nil, errors.Wrap(ErrShape, err.Error())
	}
	shape := t.Shape()
	if shape.Dims() != 2 || shape[1] < 4 {
		return nil, errors.Wrapf(ErrShape, "got %v", shape)
	}

	cols := shape[1]
	out := make([]Box, shape[0])
	for i := range out {
		row := data[i*cols:]
		out[i] = Box{X1: row[0], Y1: row[1], X2: row[2], Y2: row[3]}
	}
	return out, nil
}

// ToTensor packs boxes into an [N, 4] tensor.
func ToTensor(bs []Box) *tensor.Dense {
	data := make([]float32, 0, len(bs)*4)
	for _, b := range bs {
		data = append(data, b.X1, b.Y1, b.X2, b.Y2)
	}
	return masked.New(data, len(bs), 4)
}

// PairwiseIoU computes the IoU of every box in a against every box in b.
//
// Arguments:
//   - a: [M, >=4] boxes.
//   - b: [N, >=4] boxes.
//
// Returns:
//   - *tensor.Dense: [M, N] where element (i, j) is IoU(a[i], b[j]).
//   - error: ErrShape for malformed inputs.
//
// @example
// iou, err := boxes.PairwiseIoU(predicted, groundTruth)
func PairwiseIoU(a, b *tensor.Dense) (*tensor.Dense, error) {
	return pairwise(a, b, Box.IoU)
}

// PairwiseIoG computes the IoG of every predicted box against every ground-truth box.
//
// Arguments:
//   - pred: [M, >=4] predicted boxes.
//   - gt: [N, >=4] ground-truth boxes, whose areas are the denominators.
//
// Returns:
//   - *tensor.Dense: [M, N] where element (i, j) is IoG(pred[i], gt[j]).
//   - error: ErrShape for malformed inputs.
func PairwiseIoG(pred, gt *tensor.Dense) (*tensor.Dense, error) {
	return pairwise(pred, gt, Box.IoG)
}

func pairwise(a, b *tensor.Dense, metric func(Box, Box) float32) (*tensor.Dense, error) {
	as, err := FromTensor(a)
	if err != nil {
		return nil, errors.Wrap(err, "first operand")
	}
	bs, err := FromTensor(b)
	if err != nil {
		return nil, errors.Wrap(err, "second operand")
	}
	if len(as) == 0 || len(bs) == 0 {
		return nil, errors.Wrapf(ErrShape, "empty operand: %d x %d", len(as), len(bs))
	}

	out := make([]float32, len(as)*len(bs))
	for i, ba := range as {
		for j, bb := range bs {
			out[i*len(bs)+j] = metric(ba, bb)
		}
	}
	return masked.New(out, len(as), len(bs)), nil
}

// Normalize divides the x columns of an [N, >=4] box tensor by w and the y columns by h,
// returning a new [N, 4] tensor.
func Normalize(t *tensor.Dense, w, h float32) (*tensor.Dense, error) {
	bs, err := FromTensor(t)
	if err != nil {
		return nil, err
	}
	for i := range bs {
		bs[i] = bs[i].Normalize(w, h)
	}
	return ToTensor(bs), nil
}
