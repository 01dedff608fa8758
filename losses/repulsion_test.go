package losses

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/masked"
)

// record builds a (1+M, 4) ground-truth record for a 100x100 image padded to rows-1 boxes.
func record(rows int, gt ...[4]float32) []float32 {
	out := make([]float32, rows*4)
	copy(out, []float32{100, 100, float32(len(gt)), 0})
	for i, b := range gt {
		copy(out[(i+1)*4:], b[:])
	}
	return out
}

func TestRegressionLossOne(t *testing.T) {
	tests := []struct {
		name        string
		gt          [][4]float32
		pred        []float32
		attraction  Term
		repulsionGT Term
		total       float32
	}{
		{
			name:  "no ground truth",
			pred:  []float32{10, 10, 50, 50},
			total: 0,
		},
		{
			name:  "no prediction above the threshold",
			gt:    [][4]float32{{60, 60, 100, 100}},
			pred:  []float32{0, 0, 1, 1},
			total: 0,
		},
		{
			name: "single ground truth has no repulsion",
			gt:   [][4]float32{{10, 10, 50, 50}},
			pred: []float32{12, 12, 52, 52},
			// four normalized offsets of 0.02 in the quadratic region: 4 * 0.5*9*0.02²
			attraction: Term{Status: Computed, Value: 0.0072},
			total:      0.0072,
		},
		{
			name: "second ground truth repels",
			gt:   [][4]float32{{0, 0, 40, 40}, {60, 60, 100, 100}},
			pred: []float32{0, 0, 40, 40},
			// IoG against the second box is 0.8²/1.4² = 16/49, smooth_ln gives -ln(33/49)
			attraction:  Term{Status: Computed, Value: 0},
			repulsionGT: Term{Status: Computed, Value: 0.3953119},
			total:       0.3953119,
		},
	}

	cfg := DefaultConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := masked.New(record(3, tt.gt...), 3, 4)
			pred := masked.New(tt.pred, len(tt.pred)/4, 4)

			loss, err := RegressionLossOne(target, pred, cfg)
			require.NoError(t, err)

			assert.Equal(t, tt.attraction.Status, loss.Attraction.Status, "attraction status")
			assert.InDelta(t, tt.attraction.Value, loss.Attraction.Value, 1e-5, "attraction value")
			assert.Equal(t, tt.repulsionGT.Status, loss.RepulsionGT.Status, "repulsion status")
			assert.InDelta(t, tt.repulsionGT.Value, loss.RepulsionGT.Value, 1e-5, "repulsion value")
			assert.Equal(t, Insufficient, loss.RepulsionBox.Status, "box repulsion is never computed")
			assert.InDelta(t, tt.total, loss.Total(), 1e-5, "total")
		})
	}
}

func TestRegressionLossOneFiltersPredictions(t *testing.T) {
	target := masked.New(record(2, [4]float32{10, 10, 50, 50}), 2, 4)
	pred := masked.New([]float32{
		12, 12, 52, 52,
		0, 0, 1, 1,
		90, 90, 99, 99,
	}, 3, 4)

	loss, err := RegressionLossOne(target, pred, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, loss.Kept, "only the overlapping prediction is kept")
	assert.InDelta(t, 0.0072, loss.Total(), 1e-5, "dropped predictions do not dilute the mean")
}

func TestRegressionLossOneErrors(t *testing.T) {
	pred := masked.New([]float32{0, 0, 10, 10}, 1, 4)

	tests := []struct {
		name   string
		target *tensor.Dense
	}{
		{name: "count exceeds rows", target: masked.New([]float32{100, 100, 3, 0, 0, 0, 10, 10}, 2, 4)},
		{name: "negative count", target: masked.New([]float32{100, 100, -1, 0, 0, 0, 10, 10}, 2, 4)},
		{name: "narrow record", target: masked.New([]float32{100, 100, 0, 0, 0, 0}, 2, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RegressionLossOne(tt.target, pred, DefaultConfig())
			require.Error(t, err)
			assert.Equal(t, ErrShape, errors.Cause(err))
		})
	}
}

func repulsionBatch() (*tensor.Dense, *tensor.Dense) {
	var target []float32
	target = append(target, record(3)...)
	target = append(target, record(3, [4]float32{10, 10, 50, 50})...)
	target = append(target, record(3, [4]float32{0, 0, 40, 40}, [4]float32{60, 60, 100, 100})...)

	pred := []float32{
		10, 10, 50, 50,
		12, 12, 52, 52,
		0, 0, 40, 40,
	}
	return masked.New(target, 3, 3, 4), masked.New(pred, 3, 1, 4)
}

func TestRepulsion(t *testing.T) {
	target, pred := repulsionBatch()

	losses, err := Repulsion(target, pred)
	require.NoError(t, err)
	require.Len(t, losses, 3, "one loss per image")
	assert.InDeltaSlice(t, []float32{0, 0.0072, 0.3953119}, losses, 1e-5, "batch order is preserved")

	for _, workers := range []int{1, 2, 16} {
		cfg := DefaultConfig()
		cfg.Workers = workers

		got, err := RepulsionContext(context.Background(), target, pred, cfg)
		require.NoError(t, err)
		assert.Equal(t, losses, got, "results must not depend on %d workers", workers)
	}
}

func TestRepulsionDetailed(t *testing.T) {
	target, pred := repulsionBatch()

	images, err := RepulsionContextDetailed(context.Background(), target, pred, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, images, 3)

	assert.Equal(t, 0, images[0].Kept)
	assert.Equal(t, Insufficient, images[0].Attraction.Status)
	assert.Equal(t, Insufficient, images[1].RepulsionGT.Status, "one ground-truth box")
	assert.Equal(t, Computed, images[2].RepulsionGT.Status, "two ground-truth boxes")
}

func TestRepulsionErrors(t *testing.T) {
	target, pred := repulsionBatch()

	_, err := Repulsion(target, masked.New(make([]float32, 8), 2, 1, 4))
	assert.Equal(t, ErrShape, errors.Cause(err), "batch mismatch")

	_, err = Repulsion(masked.New(make([]float32, 12), 3, 4), pred)
	assert.Equal(t, ErrShape, errors.Cause(err), "rank")

	bad := masked.New(append(record(3), record(3, [4]float32{0, 0, 1, 1}, [4]float32{0, 0, 1, 1}, [4]float32{0, 0, 1, 1})...), 2, 3, 4)
	_, err = Repulsion(bad, masked.New(make([]float32, 8), 2, 1, 4))
	require.Error(t, err)
	assert.Equal(t, ErrShape, errors.Cause(err), "three boxes do not fit a record of three rows")
	assert.Contains(t, err.Error(), "image 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RepulsionContext(ctx, target, pred, DefaultConfig())
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestSmoothLn(t *testing.T) {
	tests := []struct {
		name     string
		x        float32
		expected float32
	}{
		{name: "zero", x: 0, expected: 0},
		{name: "log region", x: 0.25, expected: 0.2876821},
		{name: "switch point", x: 0.5, expected: 0.6931472},
		{name: "linear region", x: 0.75, expected: 0.5 + 0.6931472},
		{name: "full overlap stays finite", x: 1, expected: 1 + 0.6931472},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SmoothLn(tt.x, 0.5), 1e-6)
		})
	}
}
