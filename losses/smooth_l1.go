package losses

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/masked"
)

// regressionChannels is the number of box regression values per anchor.
const regressionChannels = 4

// SmoothL1 creates the smooth-L1 regression loss.
//
// Arguments:
//   - sigma: The loss is quadratic below |diff| = 1/sigma² and linear above it.
//
// Returns:
//   - LossFunc: Takes a (B, N, 5) target, four regression values followed by the anchor
//     state, and a (B, N, 4) prediction.
//
// Only positive anchors contribute. The sum over their coordinates is divided by the number
// of positive anchors, floored at 1, so a batch without positives has a loss of exactly 0.
//
// @example
// loss, err := losses.SmoothL1(3.0)(regressionTarget, regressionPred)
func SmoothL1(sigma float32) LossFunc {
	sigmaSquared := sigma * sigma
	return func(target, pred *tensor.Dense) (float32, error) {
		a, err := readAnchors(target, pred, regressionChannels+1, func(int) int { return regressionChannels })
		if err != nil {
			return 0, errors.Wrap(err, "smooth l1")
		}

		positive, err := masked.Equal(a.states(regressionChannels), StatePositive)
		if err != nil {
			return 0, errors.Wrap(err, "smooth l1")
		}
		indices := masked.NonZero(positive)
		if len(indices) == 0 {
			return 0, nil
		}
		want, got, err := a.gather(indices)
		if err != nil {
			return 0, errors.Wrap(err, "smooth l1")
		}

		var sum float32
		for i := range indices {
			for c := 0; c < regressionChannels; c++ {
				sum += smoothL1(got[i*regressionChannels+c]-want[i*a.depth+c], sigmaSquared)
			}
		}
		return sum / normalizer(len(indices)), nil
	}
}

// SmoothL1Distance computes the element-wise smooth-L1 distance between two equally shaped
// tensors, with no anchor-state masking.
//
// Arguments:
//   - target: The reference values.
//   - pred: The predicted values, same shape as target.
//   - sigma: Transition parameter, see SmoothL1.
//
// Returns:
//   - *tensor.Dense: A new tensor shaped like target.
//   - error: ErrShape when the shapes differ.
func SmoothL1Distance(target, pred *tensor.Dense, sigma float32) (*tensor.Dense, error) {
	tv, err := masked.Values(target)
	if err != nil {
		return nil, errors.Wrap(err, "smooth l1 distance: target")
	}
	pv, err := masked.Values(pred)
	if err != nil {
		return nil, errors.Wrap(err, "smooth l1 distance: prediction")
	}
	if !target.Shape().Eq(pred.Shape()) {
		return nil, errors.Wrapf(ErrShape, "smooth l1 distance: %v vs %v", target.Shape(), pred.Shape())
	}

	sigmaSquared := sigma * sigma
	out := make([]float32, len(tv))
	for i := range out {
		out[i] = smoothL1(pv[i]-tv[i], sigmaSquared)
	}
	return masked.New(out, target.Shape().Clone()...), nil
}

func smoothL1(diff, sigmaSquared float32) float32 {
	diff = math32.Abs(diff)
	if diff < 1/sigmaSquared {
		return 0.5 * sigmaSquared * diff * diff
	}
	return diff - 0.5/sigmaSquared
}
