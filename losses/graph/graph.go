// Package graph - Differentiable gorgonia forms of the RetinaNet losses.
//
// The builders mirror the eager losses in package losses but return *G.Node values that can
// be passed to G.Grad. Data-dependent decisions (ignored anchors, branch choices, kept
// predictions) are taken eagerly from the current values and enter the graph as constant
// masks or one-hot selection matrices. Gradients therefore flow only through the selected
// branch, and masked-out elements receive an exact zero gradient.
//
// Builders read the prediction node's value, so the graph must be rebuilt for every batch.
package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/losses"
	"github.com/nvr-ai/go-retinanet/masked"
)

// ErrNoValue is returned when a prediction node carries no float32 tensor value.
var ErrNoValue = errors.New("graph: prediction node has no tensor value")

// nodeID keeps constant names unique across builders sharing a graph.
var nodeID atomic.Uint64

// expr builds nodes in g and keeps the first error, so long expressions need a single check.
type expr struct {
	g      *G.ExprGraph
	prefix string
	err    error
}

func (e *expr) name(kind string) string {
	return fmt.Sprintf("%s_%s_%d", e.prefix, kind, nodeID.Add(1))
}

func (e *expr) keep(n *G.Node, err error) *G.Node {
	if err != nil {
		e.err = errors.Wrap(err, e.prefix)
		return nil
	}
	return n
}

func (e *expr) constant(data []float32, shape ...int) *G.Node {
	if e.err != nil {
		return nil
	}
	t := masked.New(data, shape...)
	return G.NewTensor(e.g, tensor.Float32, len(shape), G.WithShape(shape...), G.WithValue(t), G.WithName(e.name("const")))
}

func (e *expr) fill(v float32, shape ...int) *G.Node {
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = v
	}
	return e.constant(data, shape...)
}

func (e *expr) scalar(v float32) *G.Node {
	if e.err != nil {
		return nil
	}
	return G.NewScalar(e.g, tensor.Float32, G.WithValue(v), G.WithName(e.name("scalar")))
}

func (e *expr) add(a, b *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Add(a, b))
}

func (e *expr) sub(a, b *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Sub(a, b))
}

// mul is matrix multiplication, or scaling when either side is a scalar.
func (e *expr) mul(a, b *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Mul(a, b))
}

func (e *expr) hadamard(a, b *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.HadamardProd(a, b))
}

func (e *expr) pow(a, b *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Pow(a, b))
}

func (e *expr) log(a *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Log(a))
}

func (e *expr) neg(a *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Neg(a))
}

func (e *expr) abs(a *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Abs(a))
}

func (e *expr) square(a *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Square(a))
}

func (e *expr) sum(a *G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Sum(a))
}

func (e *expr) reshape(a *G.Node, shape ...int) *G.Node {
	if e.err != nil {
		return nil
	}
	return e.keep(G.Reshape(a, tensor.Shape(shape)))
}

// done returns n, or the first error met while building it.
func (e *expr) done(n *G.Node) (*G.Node, error) {
	if e.err != nil {
		return nil, e.err
	}
	return n, nil
}

// nodeValues returns the current value of a prediction node.
func nodeValues(n *G.Node) ([]float32, tensor.Shape, error) {
	if n == nil {
		return nil, nil, errors.Wrap(ErrNoValue, "nil node")
	}
	t, ok := n.Value().(*tensor.Dense)
	if !ok {
		return nil, nil, errors.Wrapf(ErrNoValue, "node %s", n.Name())
	}
	data, err := masked.Values(t)
	if err != nil {
		return nil, nil, err
	}
	return data, t.Shape().Clone(), nil
}

// anchorShapes validates (B, N, K) targets against (B, N, width(K)) predictions.
func anchorShapes(target tensor.Shape, pred tensor.Shape, minDepth int, width func(int) int) error {
	if target.Dims() != 3 || pred.Dims() != 3 {
		return errors.Wrapf(losses.ErrShape, "expected (B, N, K) tensors, got target %v and prediction %v", target, pred)
	}
	if target[0] != pred[0] || target[1] != pred[1] || target[2] < minDepth || pred[2] != width(target[2]) {
		return errors.Wrapf(losses.ErrShape, "target %v does not match prediction %v", target, pred)
	}
	return nil
}

// smoothL1 builds the element-wise smooth-L1 distance of diff, a node whose current absolute
// values are abs. Elements where weight is 0 contribute nothing.
func (e *expr) smoothL1(diff *G.Node, abs, weight []float32, sigma float32, shape ...int) *G.Node {
	sigmaSquared := sigma * sigma
	quadratic := make([]float32, len(abs))
	linear := make([]float32, len(abs))
	offset := make([]float32, len(abs))
	for i, d := range abs {
		w := float32(1)
		if weight != nil {
			w = weight[i]
		}
		if d < 1/sigmaSquared {
			quadratic[i] = w * 0.5 * sigmaSquared
		} else {
			linear[i] = w
			offset[i] = w * 0.5 / sigmaSquared
		}
	}

	d := e.abs(diff)
	return e.add(
		e.hadamard(e.constant(quadratic, shape...), e.square(d)),
		e.sub(e.hadamard(e.constant(linear, shape...), d), e.constant(offset, shape...)),
	)
}

// Eval runs g once and returns the scalar value of cost together with its gradient with
// respect to every node in wrt.
//
// Arguments:
//   - g: The graph holding cost.
//   - cost: A scalar node.
//   - wrt: The nodes to differentiate against.
//
// Returns:
//   - float32: The value of cost.
//   - []*tensor.Dense: One gradient per wrt node, shaped like it.
//   - error: Any error raised while differentiating or executing the graph.
//
// @example
// loss, grads, err := graph.Eval(g, cost, pred)
func Eval(g *G.ExprGraph, cost *G.Node, wrt ...*G.Node) (float32, []*tensor.Dense, error) {
	grads, err := G.Grad(cost, wrt...)
	if err != nil {
		return 0, nil, errors.Wrap(err, "graph: gradient")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return 0, nil, errors.Wrap(err, "graph: run")
	}

	loss, ok := cost.Value().Data().(float32)
	if !ok {
		return 0, nil, errors.Errorf("graph: cost %s is not a float32 scalar", cost.Name())
	}
	out := make([]*tensor.Dense, len(grads))
	for i, grad := range grads {
		if out[i], ok = grad.Value().(*tensor.Dense); !ok {
			return 0, nil, errors.Errorf("graph: gradient of %s is not a tensor", wrt[i].Name())
		}
	}
	return loss, out, nil
}
