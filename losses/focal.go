package losses

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/masked"
)

// Epsilon clips probabilities before taking logarithms in the binary cross-entropy.
const Epsilon float32 = 1e-7

// Focal creates the focal classification loss (https://arxiv.org/abs/1708.02002).
//
// Arguments:
//   - alpha: Weight of positive labels; negatives are weighted 1-alpha.
//   - gamma: Exponent of the focal weight.
//
// Returns:
//   - LossFunc: Takes a (B, N, C+1) target whose last channel is the anchor state and a
//     (B, N, C) prediction of class probabilities.
//
// Anchors in state -1 are dropped before anything is computed. The summed loss of the
// remaining anchors is divided by the number of positive anchors, floored at 1.
//
// @example
// loss, err := losses.Focal(0.25, 2.0)(classificationTarget, classificationPred)
func Focal(alpha, gamma float32) LossFunc {
	return func(target, pred *tensor.Dense) (float32, error) {
		a, err := readAnchors(target, pred, 2, func(depth int) int { return depth - 1 })
		if err != nil {
			return 0, errors.Wrap(err, "focal")
		}

		states := a.states(a.depth - 1)
		keep, err := masked.NotEqual(states, StateIgnore)
		if err != nil {
			return 0, errors.Wrap(err, "focal")
		}
		positive, err := masked.Equal(states, StatePositive)
		if err != nil {
			return 0, errors.Wrap(err, "focal")
		}

		indices := masked.NonZero(keep)
		if len(indices) == 0 {
			return 0, nil
		}
		labels, scores, err := a.gather(indices)
		if err != nil {
			return 0, errors.Wrap(err, "focal")
		}

		var sum float32
		for i := range indices {
			for c := 0; c < a.width; c++ {
				sum += FocalTerm(labels[i*a.depth+c], scores[i*a.width+c], alpha, gamma)
			}
		}
		return sum / normalizer(masked.Count(positive)), nil
	}
}

// FocalTerm is the focal loss of a single (label, probability) pair.
//
// Arguments:
//   - label: 1 for the positive class, anything else is treated as negative.
//   - p: The predicted probability.
//   - alpha: Weight of positive labels.
//   - gamma: Focal exponent.
//
// Returns:
//   - alpha_factor * focal_weight^gamma * bce(label, p).
func FocalTerm(label, p, alpha, gamma float32) float32 {
	alphaFactor, weight := 1-alpha, p
	if label == 1 {
		alphaFactor, weight = alpha, 1-p
	}
	return alphaFactor * math32.Pow(weight, gamma) * BinaryCrossEntropy(label, p)
}

// BinaryCrossEntropy computes -(y*ln(p) + (1-y)*ln(1-p)) with p clipped to
// [Epsilon, 1-Epsilon].
func BinaryCrossEntropy(y, p float32) float32 {
	p = min(max(p, Epsilon), 1-Epsilon)
	return -(y*math32.Log(p) + (1-y)*math32.Log(1-p))
}
