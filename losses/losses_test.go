package losses

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/masked"
)

// classificationScenario is a (1, 3, 3) target with two classes, the third anchor ignored.
func classificationScenario(third []float32) (*tensor.Dense, *tensor.Dense) {
	target := masked.New([]float32{
		1, 0, 1,
		0, 1, 1,
		0, 0, -1,
	}, 1, 3, 3)
	pred := masked.New(append([]float32{
		0.9, 0.1,
		0.2, 0.8,
	}, third...), 1, 3, 2)
	return target, pred
}

func TestFocal(t *testing.T) {
	focal := Focal(0.25, 2.0)

	t.Run("ignored anchor is excluded", func(t *testing.T) {
		target, pred := classificationScenario([]float32{0.5, 0.5})
		loss, err := focal(target, pred)
		require.NoError(t, err)

		// (0.25*0.1²*-ln0.9 + 0.75*0.1²*-ln0.9 + 0.75*0.2²*-ln0.8 + 0.25*0.2²*-ln0.8) / 2
		assert.InDelta(t, 0.0049896736, loss, 1e-6, "loss over the first two anchors")

		target, pred = classificationScenario([]float32{0.99, 0.01})
		changed, err := focal(target, pred)
		require.NoError(t, err)
		assert.Equal(t, loss, changed, "the ignored anchor must not influence the loss")
	})

	t.Run("all anchors ignored", func(t *testing.T) {
		target := masked.New([]float32{
			1, 0, -1,
			0, 1, -1,
		}, 1, 2, 3)
		pred := masked.New([]float32{0.3, 0.7, 0.6, 0.4}, 1, 2, 2)

		loss, err := focal(target, pred)
		require.NoError(t, err)
		assert.Equal(t, float32(0), loss)
	})

	t.Run("background only normalizes by one", func(t *testing.T) {
		target := masked.New([]float32{0, 0}, 1, 1, 2)
		pred := masked.New([]float32{0.5}, 1, 1, 1)

		loss, err := focal(target, pred)
		require.NoError(t, err)
		assert.InDelta(t, 0.75*0.25*0.6931472, loss, 1e-6)
	})

	t.Run("saturated prediction stays finite", func(t *testing.T) {
		target := masked.New([]float32{1, 1}, 1, 1, 2)
		pred := masked.New([]float32{0}, 1, 1, 1)

		loss, err := focal(target, pred)
		require.NoError(t, err)
		assert.InDelta(t, 0.25*-math32.Log(Epsilon), loss, 1e-3, "bce is clipped at epsilon")
	})
}

func TestFocalShapeErrors(t *testing.T) {
	focal := DefaultConfig().Focal()
	target := masked.New([]float32{1, 0, 1, 0, 1, 1}, 1, 2, 3)

	tests := []struct {
		name string
		pred *tensor.Dense
	}{
		{name: "too many classes", pred: masked.New([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)},
		{name: "anchor count", pred: masked.New([]float32{1, 2}, 1, 1, 2)},
		{name: "rank", pred: masked.New([]float32{1, 2, 3, 4}, 2, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := focal(target, tt.pred)
			require.Error(t, err)
			assert.Equal(t, ErrShape, errors.Cause(err))
		})
	}
}

func TestSmoothL1(t *testing.T) {
	smooth := SmoothL1(3.0)

	tests := []struct {
		name     string
		target   []float32
		pred     []float32
		anchors  int
		expected float32
	}{
		{
			name: "perfect match",
			target: []float32{
				0.1, 0.1, 0.1, 0.1, 1,
				0, 0, 0, 0, 0,
			},
			pred: []float32{
				0.1, 0.1, 0.1, 0.1,
				0.5, 0.5, 0.5, 0.5,
			},
			anchors:  2,
			expected: 0,
		},
		{
			name: "no positive anchors",
			target: []float32{
				0, 0, 0, 0, 0,
				1, 1, 1, 1, -1,
			},
			pred: []float32{
				4, 4, 4, 4,
				0, 0, 0, 0,
			},
			anchors:  2,
			expected: 0,
		},
		{
			name: "linear and quadratic regions",
			target: []float32{
				0, 0, 0, 0, 1,
				0, 0, 0, 0, 1,
				9, 9, 9, 9, 0,
			},
			pred: []float32{
				1, -1, 1, -1,
				0.1, 0.1, -0.1, -0.1,
				0, 0, 0, 0,
			},
			anchors: 3,
			// (4*(1-0.5/9) + 4*(0.5*9*0.01)) / 2 positives
			expected: (4*(1-0.5/9.0) + 4*0.045) / 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss, err := smooth(masked.New(tt.target, 1, tt.anchors, 5), masked.New(tt.pred, 1, tt.anchors, 4))
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, loss, 1e-5)
		})
	}

	_, err := smooth(masked.New(make([]float32, 8), 1, 2, 4), masked.New(make([]float32, 8), 1, 2, 4))
	assert.Equal(t, ErrShape, errors.Cause(err), "targets need a state channel")
}

func TestSmoothL1Continuity(t *testing.T) {
	for _, sigma := range []float32{0.5, 1, 2, 3, 10} {
		s2 := sigma * sigma
		d := 1 / s2
		quadratic := 0.5 * s2 * d * d
		linear := d - 0.5/s2

		assert.InDelta(t, quadratic, linear, 1e-6, "branches disagree at 1/sigma² for sigma=%v", sigma)
		assert.InDelta(t, quadratic, smoothL1(d, s2), 1e-6, "sigma=%v", sigma)
		assert.InDelta(t, smoothL1(d, s2), smoothL1(d*(1-1e-4), s2), 1e-3, "left limit for sigma=%v", sigma)
		assert.Equal(t, smoothL1(d, s2), smoothL1(-d, s2), "distance is symmetric for sigma=%v", sigma)
	}
}

func TestSmoothL1Distance(t *testing.T) {
	target := masked.New([]float32{0, 0, 0, 0}, 2, 2)
	pred := masked.New([]float32{0, 0.1, -1, 2}, 2, 2)

	dist, err := SmoothL1Distance(target, pred, 3)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, dist.Shape())
	assert.InDeltaSlice(t, []float32{0, 0.045, 1 - 0.5/9.0, 2 - 0.5/9.0}, dist.Float32s(), 1e-6)

	_, err = SmoothL1Distance(target, masked.New([]float32{0, 0, 0, 0}, 4), 3)
	assert.Equal(t, ErrShape, errors.Cause(err))
}

func TestBinaryCrossEntropy(t *testing.T) {
	assert.InDelta(t, 0.6931472, BinaryCrossEntropy(1, 0.5), 1e-6)
	assert.InDelta(t, 0.1053605, BinaryCrossEntropy(0, 0.1), 1e-6)
	assert.False(t, math32.IsInf(BinaryCrossEntropy(1, 0), 0), "p=0 is clipped")
	assert.False(t, math32.IsInf(BinaryCrossEntropy(0, 1), 0), "p=1 is clipped")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, float32(0.25), cfg.Alpha)
	assert.Equal(t, float32(2), cfg.Gamma)
	assert.Equal(t, float32(3), cfg.Sigma)
	assert.Equal(t, float32(0.5), cfg.IoUThreshold)
	assert.Equal(t, float32(0.5), cfg.SmoothLnDelta)
	assert.Equal(t, float32(3), cfg.AttractionSigma)
	assert.Positive(t, cfg.Workers)

	assert.Equal(t, 1, Config{Workers: 8}.workers(1), "never more workers than images")
	assert.Equal(t, 2, Config{Workers: 2}.workers(5))
	assert.Positive(t, Config{}.workers(3))
}
