package masked

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestPredicates(t *testing.T) {
	states := New([]float32{1, -1, 0, 1, -1}, 5)

	eq, err := Equal(states, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, true, false}, eq)

	ne, err := NotEqual(states, -1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, true, false}, ne)

	gt, err := Greater(states, 0)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, true, false}, gt)

	assert.Equal(t, []int{0, 2, 3}, NonZero(ne), "indices must keep input order")
	assert.Equal(t, 3, Count(ne))
	assert.NotNil(t, NonZero([]bool{false, false}), "no match should be an empty, non-nil slice")
	assert.Empty(t, NonZero([]bool{false, false}))
}

func TestPredicateRejectsFloat64(t *testing.T) {
	f64 := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float64{1, 0}))

	_, err := Equal(f64, 1)
	require.Error(t, err)
	assert.Equal(t, ErrDtype, errors.Cause(err))
}

func TestSelect(t *testing.T) {
	a := New([]float32{1, 2, 3, 4}, 2, 2)
	b := New([]float32{10, 20, 30, 40}, 2, 2)

	out, err := Select([]bool{true, false, false, true}, a, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
	assert.Equal(t, []float32{1, 20, 30, 4}, out.Float32s())

	_, err = Select([]bool{true}, a, b)
	assert.Equal(t, ErrShape, errors.Cause(err), "short predicate")

	_, err = Select([]bool{true, false, false, true}, a, New([]float32{1, 2, 3, 4}, 4))
	assert.Equal(t, ErrShape, errors.Cause(err), "mismatched shapes")
}

func TestGather(t *testing.T) {
	m := New([]float32{
		0, 1, 2,
		3, 4, 5,
		6, 7, 8,
	}, 3, 3)

	tests := []struct {
		name     string
		indices  []int
		shape    tensor.Shape
		expected []float32
	}{
		{name: "single row", indices: []int{1}, shape: tensor.Shape{1, 3}, expected: []float32{3, 4, 5}},
		{name: "reordered", indices: []int{2, 0}, shape: tensor.Shape{2, 3}, expected: []float32{6, 7, 8, 0, 1, 2}},
		{name: "repeated", indices: []int{0, 0}, shape: tensor.Shape{2, 3}, expected: []float32{0, 1, 2, 0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Gather(m, tt.indices)
			require.NoError(t, err)
			assert.Equal(t, tt.shape, out.Shape(), "leading dimension should equal the index count")
			assert.Equal(t, tt.expected, out.Float32s())
		})
	}

	_, err := Gather(m, []int{3})
	assert.Equal(t, ErrIndex, errors.Cause(err))

	_, err = Gather(m, nil)
	assert.Equal(t, ErrEmpty, errors.Cause(err))

	_, err = Gather(New([]float32{1, 2}, 2), []int{0})
	assert.Equal(t, ErrShape, errors.Cause(err), "vectors have no row axis to keep")
}

func TestGatherLeading(t *testing.T) {
	// (B=2, N=2, K=2): anchor n of image b lives at flat row b*2+n.
	batch := New([]float32{
		0, 1, 2, 3,
		4, 5, 6, 7,
	}, 2, 2, 2)

	out, err := GatherLeading(batch, []int{1, 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
	assert.Equal(t, []float32{2, 3, 4, 5}, out.Float32s())

	_, err = GatherLeading(batch, []int{4}, 2)
	assert.Equal(t, ErrIndex, errors.Cause(err))

	_, err = GatherLeading(batch, []int{0}, 3)
	assert.Equal(t, ErrShape, errors.Cause(err))
}

func TestValuesMaterializesViews(t *testing.T) {
	m := New([]float32{
		0, 1, 2,
		3, 4, 5,
	}, 2, 3)

	view, err := m.Slice(nil, tensor.S(1, 3))
	require.NoError(t, err)

	v, err := Values(view.(*tensor.Dense))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 4, 5}, v)
}

func TestRowRanking(t *testing.T) {
	m := New([]float32{
		0.1, 0.7, 0.2,
		0.5, 0.5, 0.9,
		0.3, 0.3, 0.3,
	}, 3, 3)

	best, err := MaxRows(m)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.7, 0.9, 0.3}, best)

	arg, err := ArgMaxRows(m)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, arg, "ties resolve to the lowest column")

	top, err := TopKRows(m, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {2, 0}, {0, 1}}, top)

	all, err := TopKRows(m, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, all[0])
	assert.Equal(t, []int{2, 0, 1}, all[1])

	_, err = TopKRows(m, 4)
	assert.Equal(t, ErrShape, errors.Cause(err))

	_, err = MaxRows(New([]float32{1, 2, 3}, 3))
	assert.Equal(t, ErrShape, errors.Cause(err))
}
