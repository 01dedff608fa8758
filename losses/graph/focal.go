package graph

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/losses"
	"github.com/nvr-ai/go-retinanet/masked"
)

// Focal builds the focal classification loss as a scalar node.
//
// Arguments:
//   - g: The graph to build into.
//   - target: (B, N, C+1) classification targets, last channel the anchor state.
//   - pred: (B, N, C) class probabilities.
//   - alpha, gamma: See losses.Focal.
//
// Returns:
//   - *G.Node: The scalar loss. Ignored anchors are masked to a zero weight, so they add
//     nothing to the value and receive a zero gradient.
//   - error: losses.ErrShape for mismatched shapes.
//
// The cross-entropy is -log(q + Epsilon), where q is the probability given to the true label.
// Unlike the eager form, q is not clipped.
//
// @example
// cost, err := graph.Focal(g, target, pred, 0.25, 2.0)
func Focal(g *G.ExprGraph, target *tensor.Dense, pred *G.Node, alpha, gamma float32) (*G.Node, error) {
	if pred == nil {
		return nil, errors.Wrap(losses.ErrShape, "focal: nil prediction")
	}
	tv, err := masked.Values(target)
	if err != nil {
		return nil, errors.Wrap(err, "focal")
	}
	if err := anchorShapes(target.Shape(), pred.Shape(), 2, func(k int) int { return k - 1 }); err != nil {
		return nil, errors.Wrap(err, "focal")
	}

	ts := target.Shape()
	depth, classes := ts[2], ts[2]-1
	rows := ts[0] * ts[1]
	shape := []int{ts[0], ts[1], classes}

	// q = offset + sign*p is the probability of the true label: p for positives, 1-p otherwise.
	offset := make([]float32, rows*classes)
	sign := make([]float32, rows*classes)
	weight := make([]float32, rows*classes)
	positives := 0
	for r := 0; r < rows; r++ {
		state := tv[r*depth+classes]
		if state == losses.StatePositive {
			positives++
		}
		for c := 0; c < classes; c++ {
			i := r*classes + c
			positive := tv[r*depth+c] == 1
			if positive {
				sign[i] = 1
			} else {
				offset[i], sign[i] = 1, -1
			}
			if state == losses.StateIgnore {
				continue
			}
			if positive {
				weight[i] = alpha
			} else {
				weight[i] = 1 - alpha
			}
		}
	}

	e := &expr{g: g, prefix: "focal"}
	q := e.add(e.constant(offset, shape...), e.hadamard(e.constant(sign, shape...), pred))
	focalWeight := e.pow(e.sub(e.fill(1, shape...), q), e.fill(gamma, shape...))
	bce := e.neg(e.log(e.add(q, e.fill(losses.Epsilon, shape...))))
	cls := e.hadamard(e.hadamard(e.constant(weight, shape...), focalWeight), bce)

	return e.done(e.mul(e.sum(cls), e.scalar(1/float32(max(1, positives)))))
}
