package losses

import (
	"context"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/masked"
)

// Status tells whether a repulsion loss term had enough data to be evaluated.
type Status int

const (
	// Insufficient marks a term skipped for lack of data. Its value is 0.
	Insufficient Status = iota
	// Computed marks a term that was evaluated.
	Computed
)

func (s Status) String() string {
	if s == Computed {
		return "computed"
	}
	return "insufficient"
}

// Term is one tagged component of a per-image repulsion loss.
type Term struct {
	Status Status
	Value  float32
}

func computed(v float32) Term { return Term{Status: Computed, Value: v} }

// Float returns the term's value, 0 unless it was computed.
func (t Term) Float() float32 {
	if t.Status != Computed {
		return 0
	}
	return t.Value
}

// ImageLoss is the repulsion loss of one image broken down by term.
type ImageLoss struct {
	// Kept is the number of predictions whose best IoU passed the threshold.
	Kept         int
	Attraction   Term
	RepulsionGT  Term
	RepulsionBox Term
}

// Total sums the computed terms.
func (l ImageLoss) Total() float32 {
	return l.Attraction.Float() + l.RepulsionGT.Float() + l.RepulsionBox.Float()
}

// Repulsion computes the repulsion regression loss of every image in a batch with the
// default configuration.
//
// Arguments:
//   - target: (B, 1+M, 4) ground-truth records, see targets.PackAnnotations.
//   - pred: (B, P, >=4) predicted boxes in image coordinates.
//
// Returns:
//   - []float32: One loss per image, in batch order. Callers reduce it themselves.
//   - error: ErrShape for malformed inputs.
func Repulsion(target, pred *tensor.Dense) ([]float32, error) {
	return RepulsionContext(context.Background(), target, pred, DefaultConfig())
}

// RepulsionContext is Repulsion with an explicit configuration and cancellation.
//
// Images are independent and are spread over cfg.Workers goroutines. Each result is written
// to its own batch slot. The first failing image cancels the remaining ones and its error is
// returned.
//
// Arguments:
//   - ctx: Cancels images that have not started yet.
//   - target: (B, 1+M, 4) ground-truth records.
//   - pred: (B, P, >=4) predicted boxes.
//   - cfg: IoU threshold, smooth_ln delta, attraction sigma and worker count.
//
// Returns:
//   - []float32: One loss per image, in batch order.
//   - error: ErrShape for malformed inputs, or ctx.Err() when cancelled.
func RepulsionContext(ctx context.Context, target, pred *tensor.Dense, cfg Config) ([]float32, error) {
	images, err := RepulsionContextDetailed(ctx, target, pred, cfg)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(images))
	for i, l := range images {
		out[i] = l.Total()
	}
	return out, nil
}

// RepulsionContextDetailed is RepulsionContext returning the per-term breakdown of every
// image.
func RepulsionContextDetailed(ctx context.Context, target, pred *tensor.Dense, cfg Config) ([]ImageLoss, error) {
	targets, preds, err := splitImages(target, pred)
	if err != nil {
		return nil, errors.Wrap(err, "repulsion")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batch := len(targets)
	out := make([]ImageLoss, batch)
	jobs := make(chan int, batch)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for w := 0; w < cfg.workers(batch); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				if ctx.Err() != nil {
					continue
				}
				loss, err := RegressionLossOne(targets[b], preds[b], cfg)
				if err != nil {
					once.Do(func() {
						firstErr = errors.Wrapf(err, "repulsion: image %d", b)
						cancel()
					})
					continue
				}
				out[b] = loss
			}
		}()
	}

	for b := 0; b < batch; b++ {
		jobs <- b
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "repulsion")
	}
	return out, nil
}

// splitImages validates the batch tensors and returns one view per image.
func splitImages(target, pred *tensor.Dense) ([]*tensor.Dense, []*tensor.Dense, error) {
	if target == nil || pred == nil {
		return nil, nil, errors.Wrap(ErrShape, "nil tensor")
	}
	ts, ps := target.Shape(), pred.Shape()
	if ts.Dims() != 3 || ts[1] < 1 || ts[2] < 4 {
		return nil, nil, errors.Wrapf(ErrShape, "ground truth must be (B, 1+M, 4), got %v", ts)
	}
	if ps.Dims() != 3 || ps[2] < 4 {
		return nil, nil, errors.Wrapf(ErrShape, "predictions must be (B, P, 4), got %v", ps)
	}
	if ts[0] != ps[0] {
		return nil, nil, errors.Wrapf(ErrShape, "batch sizes differ: %d vs %d", ts[0], ps[0])
	}

	targets := make([]*tensor.Dense, ts[0])
	preds := make([]*tensor.Dense, ps[0])
	for b := range targets {
		var err error
		if targets[b], err = imageAt(target, b); err != nil {
			return nil, nil, err
		}
		if preds[b], err = imageAt(pred, b); err != nil {
			return nil, nil, err
		}
	}
	return targets, preds, nil
}

func imageAt(t *tensor.Dense, b int) (*tensor.Dense, error) {
	v, err := t.Slice(tensor.S(b))
	if err != nil {
		return nil, errors.Wrapf(ErrShape, "image %d: %v", b, err)
	}
	d, ok := v.(*tensor.Dense)
	if !ok {
		return nil, errors.Wrapf(ErrShape, "image %d: unexpected view type %T", b, v)
	}
	return d, nil
}

// Match is the geometry shared by the terms of one image's repulsion loss.
type Match struct {
	// Width and Height are the image dimensions the boxes were normalized by.
	Width, Height float32
	// GT holds the normalized (L, 4) ground-truth boxes.
	GT *tensor.Dense
	// Pred holds the normalized (K, 4) predictions whose best IoU passed the threshold.
	Pred *tensor.Dense
	// IoU is the (K, L) overlap of the kept predictions with every ground-truth box.
	IoU *tensor.Dense
	// Kept lists the rows of the input predictions that survived, in order.
	Kept []int
}

// MatchImage normalizes one image's boxes and keeps the predictions that overlap a
// ground-truth box by more than threshold.
//
// Arguments:
//   - target: (1+M, 4) record. Row 0 is [W, H, L, _]; rows 1..L are ground-truth boxes.
//   - pred: (P, >=4) predicted boxes; columns past the fourth are ignored.
//   - threshold: The best IoU a prediction must exceed.
//
// Returns:
//   - Match: The kept geometry.
//   - bool: false when there is no ground truth or no prediction was kept.
//   - error: ErrShape when L does not fit in the record.
func MatchImage(target, pred *tensor.Dense, threshold float32) (Match, bool, error) {
	tv, err := masked.Values(target)
	if err != nil {
		return Match{}, false, err
	}
	ts := target.Shape()
	if ts.Dims() != 2 || ts[1] < 4 {
		return Match{}, false, errors.Wrapf(ErrShape, "ground truth record must be (1+M, 4), got %v", ts)
	}

	m := Match{Width: tv[0], Height: tv[1]}
	count := int(tv[2])
	if count < 0 || count > ts[0]-1 {
		return Match{}, false, errors.Wrapf(ErrShape, "%d annotations in a record of %d rows", count, ts[0])
	}
	if count == 0 {
		return m, false, nil
	}

	rows := make([]int, count)
	for i := range rows {
		rows[i] = i + 1
	}
	gt, err := masked.Gather(target, rows)
	if err != nil {
		return Match{}, false, err
	}
	if m.GT, err = boxes.Normalize(gt, m.Width, m.Height); err != nil {
		return Match{}, false, err
	}
	predicted, err := boxes.Normalize(pred, m.Width, m.Height)
	if err != nil {
		return Match{}, false, err
	}

	iou, err := boxes.PairwiseIoU(predicted, m.GT)
	if err != nil {
		return Match{}, false, err
	}
	best, err := masked.MaxRows(iou)
	if err != nil {
		return Match{}, false, err
	}
	overlapping, err := masked.Greater(masked.New(best, len(best)), threshold)
	if err != nil {
		return Match{}, false, err
	}
	if m.Kept = masked.NonZero(overlapping); len(m.Kept) == 0 {
		return m, false, nil
	}

	if m.Pred, err = masked.Gather(predicted, m.Kept); err != nil {
		return Match{}, false, err
	}
	if m.IoU, err = masked.Gather(iou, m.Kept); err != nil {
		return Match{}, false, err
	}
	return m, true, nil
}

// Best returns, for every kept prediction, the ground-truth row it overlaps most.
func (m Match) Best() ([]int, error) {
	return masked.ArgMaxRows(m.IoU)
}

// SecondBest returns, for every kept prediction, the ground-truth row with the second
// highest IoU. With fewer than two ground-truth boxes it returns nil.
func (m Match) SecondBest() ([]int, error) {
	if m.IoU.Shape()[1] < 2 {
		return nil, nil
	}
	ranked, err := masked.TopKRows(m.IoU, 2)
	if err != nil {
		return nil, err
	}
	second := make([]int, len(ranked))
	for i, r := range ranked {
		second[i] = r[1]
	}
	return second, nil
}

// RegressionLossOne computes the repulsion loss of a single image.
//
// Arguments:
//   - target: (1+M, 4) record. Row 0 is [W, H, L, _]; rows 1..L are ground-truth boxes.
//   - pred: (P, >=4) predicted boxes; columns past the fourth are ignored.
//   - cfg: Thresholds of the loss.
//
// Returns:
//   - ImageLoss: The per-term breakdown. Without ground truth or without a prediction whose
//     best IoU exceeds cfg.IoUThreshold, every term is Insufficient and Total is 0.
//   - error: ErrShape when L does not fit in the record.
func RegressionLossOne(target, pred *tensor.Dense, cfg Config) (ImageLoss, error) {
	m, ok, err := MatchImage(target, pred, cfg.IoUThreshold)
	if err != nil || !ok {
		return ImageLoss{}, err
	}

	loss := ImageLoss{Kept: len(m.Kept), RepulsionBox: repulsionBox()}
	if loss.Attraction, err = attraction(m, cfg.AttractionSigma); err != nil {
		return ImageLoss{}, errors.Wrap(err, "attraction")
	}
	if loss.RepulsionGT, err = repulsionGT(m, cfg.SmoothLnDelta); err != nil {
		return ImageLoss{}, errors.Wrap(err, "repulsion gt")
	}
	return loss, nil
}

// attraction pulls every kept prediction towards its best-overlapping ground truth.
func attraction(m Match, sigma float32) (Term, error) {
	best, err := m.Best()
	if err != nil {
		return Term{}, err
	}
	matched, err := masked.Gather(m.GT, best)
	if err != nil {
		return Term{}, err
	}
	dist, err := SmoothL1Distance(matched, m.Pred, sigma)
	if err != nil {
		return Term{}, err
	}

	var sum float32
	for _, d := range dist.Float32s() {
		sum += d
	}
	return computed(sum / float32(len(best))), nil
}

// repulsionGT pushes every kept prediction away from its second-best ground truth. It needs
// at least two ground-truth boxes.
func repulsionGT(m Match, delta float32) (Term, error) {
	second, err := m.SecondBest()
	if err != nil || second == nil {
		return Term{}, err
	}
	neighbours, err := masked.Gather(m.GT, second)
	if err != nil {
		return Term{}, err
	}

	ps, err := boxes.FromTensor(m.Pred)
	if err != nil {
		return Term{}, err
	}
	gs, err := boxes.FromTensor(neighbours)
	if err != nil {
		return Term{}, err
	}

	var sum float32
	for i := range ps {
		sum += SmoothLn(ps[i].IoG(gs[i]), delta)
	}
	return computed(sum / float32(len(ps))), nil
}

// repulsionBox is the box-to-box repulsion term between predictions of different targets.
// It has no algorithm yet and always contributes 0.
func repulsionBox() Term {
	return Term{}
}

// SmoothLn is -ln(1-x) up to delta and continues linearly with slope 1/(1-delta) above it.
func SmoothLn(x, delta float32) float32 {
	if x <= delta {
		return -math32.Log(1 - x)
	}
	return (x-delta)/(1-delta) - math32.Log(1-delta)
}
