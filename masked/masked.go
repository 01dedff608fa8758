// Package masked - Predicate, select and gather primitives over float32 tensors.
//
// Filtering a tensor by a data-dependent predicate is always done in two steps: a predicate
// produces a []bool, NonZero turns it into an ordered index list, and Gather indexes the
// tensor with it. The result's leading dimension is the number of indices, so filtered-out
// elements are absent from both the values and the shape.
package masked

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	// ErrShape is returned when tensor shapes do not line up with the requested operation.
	ErrShape = errors.New("masked: unexpected tensor shape")
	// ErrDtype is returned for tensors that are not float32.
	ErrDtype = errors.New("masked: tensor must be float32")
	// ErrIndex is returned when a gather index falls outside the indexed axis.
	ErrIndex = errors.New("masked: index out of range")
	// ErrEmpty is returned when gathering with an empty index set. Zero-row tensors are
	// never built; callers branch on len(indices) == 0 instead.
	ErrEmpty = errors.New("masked: empty index set")
)

// Values returns the float32 elements of t in row-major order.
//
// Views created by slicing or transposing are materialized first, so the returned slice
// always matches t.Shape(). The returned slice must be treated as read-only since it may
// alias the tensor's backing array.
//
// Arguments:
//   - t: The tensor to read.
//
// Returns:
//   - []float32: The row-major elements.
//   - error: ErrShape for a nil tensor, ErrDtype for non float32 tensors.
func Values(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrap(ErrShape, "nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrDtype, "got %v", t.Dtype())
	}
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, errors.Wrap(ErrShape, "view did not materialize into a dense tensor")
		}
		return m.Float32s(), nil
	}
	return t.Float32s(), nil
}

// New builds a float32 tensor over data with the given shape.
func New(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Equal returns the element-wise predicate t == v.
func Equal(t *tensor.Dense, v float32) ([]bool, error) {
	return compare(t, func(x float32) bool { return x == v })
}

// NotEqual returns the element-wise predicate t != v.
func NotEqual(t *tensor.Dense, v float32) ([]bool, error) {
	return compare(t, func(x float32) bool { return x != v })
}

// Greater returns the element-wise predicate t > v.
func Greater(t *tensor.Dense, v float32) ([]bool, error) {
	return compare(t, func(x float32) bool { return x > v })
}

func compare(t *tensor.Dense, fn func(float32) bool) ([]bool, error) {
	data, err := Values(t)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(data))
	for i, x := range data {
		out[i] = fn(x)
	}
	return out, nil
}

// NonZero returns the positions where cond holds, in increasing order.
//
// Arguments:
//   - cond: The predicate, typically produced by Equal, NotEqual or Greater.
//
// Returns:
//   - []int: The ordered index set. Empty (not nil) when nothing matches.
func NonZero(cond []bool) []int {
	indices := make([]int, 0, len(cond))
	for i, ok := range cond {
		if ok {
			indices = append(indices, i)
		}
	}
	return indices
}

// Count returns how many entries of cond hold.
func Count(cond []bool) int {
	n := 0
	for _, ok := range cond {
		if ok {
			n++
		}
	}
	return n
}

// Select picks a[i] where cond[i] holds and b[i] otherwise.
//
// Arguments:
//   - cond: One entry per element of a and b.
//   - a: Values used where cond is true.
//   - b: Values used where cond is false. Must have the same shape as a.
//
// Returns:
//   - *tensor.Dense: A new tensor shaped like a.
//   - error: ErrShape when the shapes or the predicate length disagree.
//
// @example
// out, err := masked.Select(cond, quadratic, linear)
func Select(cond []bool, a, b *tensor.Dense) (*tensor.Dense, error) {
	av, err := Values(a)
	if err != nil {
		return nil, errors.Wrap(err, "select: a")
	}
	bv, err := Values(b)
	if err != nil {
		return nil, errors.Wrap(err, "select: b")
	}
	if !a.Shape().Eq(b.Shape()) {
		return nil, errors.Wrapf(ErrShape, "select: %v vs %v", a.Shape(), b.Shape())
	}
	if len(cond) != len(av) {
		return nil, errors.Wrapf(ErrShape, "select: %d conditions for %d elements", len(cond), len(av))
	}

	out := make([]float32, len(av))
	for i := range out {
		if cond[i] {
			out[i] = av[i]
		} else {
			out[i] = bv[i]
		}
	}
	return New(out, a.Shape().Clone()...), nil
}

// Gather extracts the rows of t (axis 0) listed in indices, in the order given.
func Gather(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	return GatherLeading(t, indices, 1)
}

// GatherLeading treats the first lead axes of t as one flattened row axis and extracts the
// listed rows. With lead = 2 on a (B, N, K) tensor, index b*N+n addresses anchor n of image
// b, which is how per-anchor masks over a whole batch are applied.
//
// Arguments:
//   - t: The tensor to gather from. Must have more than lead dimensions.
//   - indices: Flattened row indices.
//   - lead: The number of leading axes to flatten.
//
// Returns:
//   - *tensor.Dense: Shape (len(indices), t.Shape()[lead:]...).
//   - error: ErrShape for too few dimensions, ErrIndex for out-of-range indices, ErrEmpty
//     when indices is empty.
func GatherLeading(t *tensor.Dense, indices []int, lead int) (*tensor.Dense, error) {
	data, err := Values(t)
	if err != nil {
		return nil, errors.Wrap(err, "gather")
	}
	shape := t.Shape()
	if lead < 1 || shape.Dims() <= lead {
		return nil, errors.Wrapf(ErrShape, "gather: cannot flatten %d leading axes of %v", lead, shape)
	}
	if len(indices) == 0 {
		return nil, ErrEmpty
	}

	rows := 1
	for _, d := range shape[:lead] {
		rows *= d
	}
	width := 1
	for _, d := range shape[lead:] {
		width *= d
	}

	out := make([]float32, 0, len(indices)*width)
	for _, idx := range indices {
		if idx < 0 || idx >= rows {
			return nil, errors.Wrapf(ErrIndex, "gather: row %d of %d", idx, rows)
		}
		out = append(out, data[idx*width:(idx+1)*width]...)
	}

	outShape := append([]int{len(indices)}, shape[lead:]...)
	return New(out, outShape...), nil
}

// MaxRows returns the maximum of every row of a 2-D tensor.
func MaxRows(m *tensor.Dense) ([]float32, error) {
	data, rows, cols, err := matrix(m)
	if err != nil {
		return nil, err
	}
	out := make([]float32, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		best := row[0]
		for _, v := range row[1:] {
			if v > best {
				best = v
			}
		}
		out[r] = best
	}
	return out, nil
}

// ArgMaxRows returns the column of the largest value in every row of a 2-D tensor.
// Ties resolve to the lowest column.
func ArgMaxRows(m *tensor.Dense) ([]int, error) {
	ranked, err := TopKRows(m, 1)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ranked))
	for r, cols := range ranked {
		out[r] = cols[0]
	}
	return out, nil
}

// TopKRows returns, for every row of a 2-D tensor, the columns of its k largest values in
// descending order. Equal values keep their column order, so the lower column comes first.
//
// Arguments:
//   - m: A (rows, cols) tensor with cols >= k.
//   - k: The number of columns to rank.
//
// Returns:
//   - [][]int: rows slices of k column indices.
//   - error: ErrShape when m is not 2-D, has no columns, or has fewer than k columns.
func TopKRows(m *tensor.Dense, k int) ([][]int, error) {
	data, rows, cols, err := matrix(m)
	if err != nil {
		return nil, err
	}
	if k < 1 || k > cols {
		return nil, errors.Wrapf(ErrShape, "top-k: k=%d with %d columns", k, cols)
	}

	out := make([][]int, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		top := make([]int, 0, k)
		for c := range row {
			// Insertion into a k-long descending list; strict comparison keeps ties stable.
			pos := len(top)
			for pos > 0 && row[c] > row[top[pos-1]] {
				pos--
			}
			if pos >= k {
				continue
			}
			if len(top) < k {
				top = append(top, 0)
			}
			copy(top[pos+1:], top[pos:len(top)-1])
			top[pos] = c
		}
		out[r] = top
	}
	return out, nil
}

func matrix(m *tensor.Dense) ([]float32, int, int, error) {
	data, err := Values(m)
	if err != nil {
		return nil, 0, 0, err
	}
	shape := m.Shape()
	if shape.Dims() != 2 || shape[1] == 0 {
		return nil, 0, 0, errors.Wrapf(ErrShape, "expected a non-empty matrix, got %v", shape)
	}
	return data, shape[0], shape[1], nil
}
