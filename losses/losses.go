// Package losses - RetinaNet training losses over batched anchor tensors.
//
// Every loss is a pure function of a target tensor produced by the generator and a prediction
// tensor produced by the model. Inputs are read, never mutated or retained.
//
// Classification and regression targets are shaped (B, N, K): B images, N anchors, and K
// channels whose last entry is the anchor state (-1 ignore, 0 background, 1 positive).
package losses

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/masked"
)

// ErrShape is returned when target and prediction tensors do not have compatible shapes.
var ErrShape = errors.New("losses: incompatible tensor shapes")

// Anchor states stored in the last channel of a target tensor.
const (
	StateIgnore     float32 = -1
	StateBackground float32 = 0
	StatePositive   float32 = 1
)

// LossFunc maps a (target, prediction) pair to a scalar loss.
type LossFunc func(target, pred *tensor.Dense) (float32, error)

// anchors is the validated view of a (target, prediction) pair.
type anchors struct {
	batch, count int
	// depth is the channel count of target, width the channel count of pred.
	depth, width int
	target, pred []float32
}

// readAnchors validates that target is (B, N, depth) and pred is (B, N, width) and returns
// their elements. want maps the target depth to the required prediction width.
func readAnchors(target, pred *tensor.Dense, minDepth int, want func(depth int) int) (anchors, error) {
	tv, err := masked.Values(target)
	if err != nil {
		return anchors{}, errors.Wrap(err, "target")
	}
	pv, err := masked.Values(pred)
	if err != nil {
		return anchors{}, errors.Wrap(err, "prediction")
	}

	ts, ps := target.Shape(), pred.Shape()
	if ts.Dims() != 3 || ps.Dims() != 3 {
		return anchors{}, errors.Wrapf(ErrShape, "expected (B, N, K) tensors, got target %v and prediction %v", ts, ps)
	}
	if ts[0] != ps[0] || ts[1] != ps[1] {
		return anchors{}, errors.Wrapf(ErrShape, "batch/anchor dims differ: target %v, prediction %v", ts, ps)
	}
	if ts[2] < minDepth || ps[2] != want(ts[2]) {
		return anchors{}, errors.Wrapf(ErrShape, "channel mismatch: target %v, prediction %v", ts, ps)
	}

	return anchors{
		batch:  ts[0],
		count:  ts[1],
		depth:  ts[2],
		width:  ps[2],
		target: tv,
		pred:   pv,
	}, nil
}

// states returns the anchor-state channel as a flat (B*N) tensor.
func (a anchors) states(channel int) *tensor.Dense {
	rows := a.batch * a.count
	out := make([]float32, rows)
	for r := 0; r < rows; r++ {
		out[r] = a.target[r*a.depth+channel]
	}
	return masked.New(out, rows)
}

// gather returns the target and prediction rows of the listed flat (batch, anchor) indices.
func (a anchors) gather(indices []int) (target, pred []float32, err error) {
	tt := masked.New(a.target, a.batch, a.count, a.depth)
	pt := masked.New(a.pred, a.batch, a.count, a.width)

	tg, err := masked.GatherLeading(tt, indices, 2)
	if err != nil {
		return nil, nil, errors.Wrap(err, "gather target")
	}
	pg, err := masked.GatherLeading(pt, indices, 2)
	if err != nil {
		return nil, nil, errors.Wrap(err, "gather prediction")
	}
	return tg.Float32s(), pg.Float32s(), nil
}

func normalizer(n int) float32 {
	return float32(max(1, n))
}
