package graph

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/losses"
	"github.com/nvr-ai/go-retinanet/masked"
)

// Repulsion builds the per-image repulsion regression loss as a (B) vector node.
//
// Arguments:
//   - g: The graph to build into.
//   - target: (B, 1+M, 4) ground-truth records, see targets.PackAnnotations.
//   - pred: (B, P, >=4) predicted boxes. It must carry a value: kept predictions, their
//     matches and every branch are chosen from it.
//   - cfg: IoU threshold, smooth_ln delta and attraction sigma.
//
// Returns:
//   - *G.Node: One loss per image. Reduce it (for example with G.Sum) before G.Grad.
//     Images without kept predictions evaluate to 0 with a zero gradient.
//   - error: losses.ErrShape for malformed inputs, ErrNoValue when pred has no value.
func Repulsion(g *G.ExprGraph, target *tensor.Dense, pred *G.Node, cfg losses.Config) (*G.Node, error) {
	tv, err := masked.Values(target)
	if err != nil {
		return nil, errors.Wrap(err, "repulsion")
	}
	pv, ps, err := nodeValues(pred)
	if err != nil {
		return nil, errors.Wrap(err, "repulsion")
	}
	ts := target.Shape()
	if ts.Dims() != 3 || ts[2] < 4 || ps.Dims() != 3 || ps[2] < 4 || ts[0] != ps[0] {
		return nil, errors.Wrapf(losses.ErrShape, "repulsion: ground truth %v, predictions %v", ts, ps)
	}

	batch, count, width := ps[0], ps[1], ps[2]
	record := ts[1] * ts[2]

	e := &expr{g: g, prefix: "repulsion"}
	flat := e.reshape(pred, batch*count, width)
	// Images without data still depend on pred, with a zero gradient.
	zero := e.mul(e.sum(flat), e.scalar(0))
	out := e.mul(zero, e.fill(1, batch))

	for b := 0; b < batch; b++ {
		m, ok, err := losses.MatchImage(
			masked.New(tv[b*record:(b+1)*record], ts[1], ts[2]),
			masked.New(pv[b*count*width:(b+1)*count*width], count, width),
			cfg.IoUThreshold,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "repulsion: image %d", b)
		}
		if !ok {
			continue
		}

		kept := e.keptBoxes(flat, m, b*count, batch*count, width)
		loss, err := e.imageLoss(kept, m, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "repulsion: image %d", b)
		}

		slot := make([]float32, batch)
		slot[b] = 1
		out = e.add(out, e.mul(loss, e.constant(slot, batch)))
	}
	return e.done(out)
}

// keptBoxes selects the kept rows of flat, the (rows, width) predictions of the whole batch,
// and returns their first four columns divided by the image size.
func (e *expr) keptBoxes(flat *G.Node, m losses.Match, first, rows, width int) *G.Node {
	k := len(m.Kept)
	selection := make([]float32, k*rows)
	for i, row := range m.Kept {
		selection[i*rows+first+row] = 1
	}
	kept := e.mul(e.constant(selection, k, rows), flat)

	if width > 4 {
		columns := make([]float32, width*4)
		for c := 0; c < 4; c++ {
			columns[c*4+c] = 1
		}
		kept = e.mul(kept, e.constant(columns, width, 4))
	}

	scale := make([]float32, k*4)
	for i := 0; i < k; i++ {
		scale[i*4], scale[i*4+1], scale[i*4+2], scale[i*4+3] = 1/m.Width, 1/m.Height, 1/m.Width, 1/m.Height
	}
	return e.hadamard(kept, e.constant(scale, k, 4))
}

// imageLoss sums the attraction and ground-truth repulsion terms of one image.
func (e *expr) imageLoss(kept *G.Node, m losses.Match, cfg losses.Config) (*G.Node, error) {
	best, err := m.Best()
	if err != nil {
		return nil, err
	}
	pred := m.Pred.Float32s()
	gt := m.GT.Float32s()
	k := len(best)

	matched := make([]float32, k*4)
	abs := make([]float32, k*4)
	for i, j := range best {
		copy(matched[i*4:i*4+4], gt[j*4:j*4+4])
		for c := 0; c < 4; c++ {
			abs[i*4+c] = math32.Abs(pred[i*4+c] - matched[i*4+c])
		}
	}
	dist := e.smoothL1(e.sub(kept, e.constant(matched, k, 4)), abs, nil, cfg.AttractionSigma, k, 4)
	loss := e.mul(e.sum(dist), e.scalar(1/float32(k)))

	second, err := m.SecondBest()
	if err != nil {
		return nil, err
	}
	if second != nil {
		loss = e.add(loss, e.repulsionGT(kept, pred, gt, second, cfg.SmoothLnDelta))
	}
	// Box-to-box repulsion has no algorithm yet and adds nothing.
	return loss, nil
}

// repulsionGT builds mean(smooth_ln(IoG(kept[i], gt[second[i]]))) over the kept boxes.
// Every min, max and clamp is resolved from the current values into constant masks.
func (e *expr) repulsionGT(kept *G.Node, pred, gt []float32, second []int, delta float32) *G.Node {
	k := len(second)
	column := func(c int) *G.Node {
		sel := make([]float32, 4)
		sel[c] = 1
		return e.mul(kept, e.constant(sel, 4, 1))
	}

	// side returns the clamped overlap of the kept boxes with their neighbours along one axis.
	side := func(lo, hi int) (*G.Node, []float32) {
		pickLo, constLo := make([]float32, k), make([]float32, k)
		pickHi, constHi := make([]float32, k), make([]float32, k)
		positive, length := make([]float32, k), make([]float32, k)
		for i, j := range second {
			plo, phi := pred[i*4+lo], pred[i*4+hi]
			glo, ghi := gt[j*4+lo], gt[j*4+hi]
			if plo > glo {
				pickLo[i] = 1
			} else {
				constLo[i] = glo
			}
			if phi < ghi {
				pickHi[i] = 1
			} else {
				constHi[i] = ghi
			}
			if l := min(phi, ghi) - max(plo, glo) + 1; l > 0 {
				positive[i], length[i] = 1, l
			}
		}
		start := e.add(e.hadamard(e.constant(pickLo, k, 1), column(lo)), e.constant(constLo, k, 1))
		end := e.add(e.hadamard(e.constant(pickHi, k, 1), column(hi)), e.constant(constHi, k, 1))
		overlap := e.add(e.sub(end, start), e.fill(1, k, 1))
		return e.hadamard(e.constant(positive, k, 1), overlap), length
	}

	w, wv := side(0, 2)
	h, hv := side(1, 3)

	// IoG is the intersection scaled by 1/area(gt); zero-area ground truth scales by 0 and a
	// negative ratio is clamped to 0.
	scale := make([]float32, k)
	iogv := make([]float32, k)
	for i, j := range second {
		g := gt[j*4 : j*4+4]
		if area := (g[2] - g[0] + 1) * (g[3] - g[1] + 1); area != 0 {
			scale[i] = 1 / area
		}
		if iogv[i] = wv[i] * hv[i] * scale[i]; iogv[i] < 0 {
			scale[i], iogv[i] = 0, 0
		}
	}
	iog := e.hadamard(e.hadamard(w, h), e.constant(scale, k, 1))

	// smooth_ln: -log(1 - x) up to delta, linear above. The log branch sees x masked to 0 on
	// linear rows, so it evaluates to exactly 0 there.
	logMask := make([]float32, k)
	slope := make([]float32, k)
	intercept := make([]float32, k)
	for i, x := range iogv {
		if x <= delta {
			logMask[i] = 1
		} else {
			slope[i] = 1 / (1 - delta)
			intercept[i] = -delta/(1-delta) - math32.Log(1-delta)
		}
	}
	logPart := e.neg(e.log(e.sub(e.fill(1, k, 1), e.hadamard(e.constant(logMask, k, 1), iog))))
	linear := e.add(e.hadamard(e.constant(slope, k, 1), iog), e.constant(intercept, k, 1))

	return e.mul(e.sum(e.add(logPart, linear)), e.scalar(1/float32(k)))
}
