package graph

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/losses"
	"github.com/nvr-ai/go-retinanet/masked"
)

// SmoothL1 builds the smooth-L1 regression loss as a scalar node.
//
// Arguments:
//   - g: The graph to build into.
//   - target: (B, N, 5) regression targets followed by the anchor state.
//   - pred: (B, N, 4) regression node. It must carry a value: the quadratic or linear branch
//     of every element is chosen from it.
//   - sigma: See losses.SmoothL1.
//
// Returns:
//   - *G.Node: The scalar loss over positive anchors.
//   - error: losses.ErrShape for mismatched shapes, ErrNoValue when pred has no value.
func SmoothL1(g *G.ExprGraph, target *tensor.Dense, pred *G.Node, sigma float32) (*G.Node, error) {
	tv, err := masked.Values(target)
	if err != nil {
		return nil, errors.Wrap(err, "smooth l1")
	}
	pv, _, err := nodeValues(pred)
	if err != nil {
		return nil, errors.Wrap(err, "smooth l1")
	}
	if err := anchorShapes(target.Shape(), pred.Shape(), 5, func(int) int { return 4 }); err != nil {
		return nil, errors.Wrap(err, "smooth l1")
	}

	ts := target.Shape()
	depth, rows := ts[2], ts[0]*ts[1]
	shape := []int{ts[0], ts[1], 4}

	regression := make([]float32, rows*4)
	abs := make([]float32, rows*4)
	weight := make([]float32, rows*4)
	positives := 0
	for r := 0; r < rows; r++ {
		positive := tv[r*depth+4] == losses.StatePositive
		if positive {
			positives++
		}
		for c := 0; c < 4; c++ {
			i := r*4 + c
			regression[i] = tv[r*depth+c]
			abs[i] = math32.Abs(pv[i] - regression[i])
			if positive {
				weight[i] = 1
			}
		}
	}

	e := &expr{g: g, prefix: "smooth_l1"}
	elems := e.smoothL1(e.sub(pred, e.constant(regression, shape...)), abs, weight, sigma, shape...)
	return e.done(e.mul(e.sum(elems), e.scalar(1/float32(max(1, positives)))))
}
