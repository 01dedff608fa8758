package targets

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/losses"
	"github.com/nvr-ai/go-retinanet/masked"
)

func TestPackAnnotations(t *testing.T) {
	records := []Record{
		{Width: 640, Height: 480},
		{Width: 100, Height: 50, Boxes: []boxes.Box{{1, 2, 3, 4}, {5, 6, 7, 8}}},
	}

	packed, err := PackAnnotations(records, 1)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 4}, packed.Shape(), "capacity grows to the longest image")
	assert.Equal(t, []float32{
		640, 480, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,

		100, 50, 2, 0,
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, packed.Float32s())

	unpacked, err := UnpackAnnotations(packed)
	require.NoError(t, err)
	assert.Equal(t, float32(640), unpacked[0].Width)
	assert.Empty(t, unpacked[0].Boxes)
	assert.Equal(t, records[1], unpacked[1])

	_, err = PackAnnotations(nil, 4)
	assert.Equal(t, ErrShape, errors.Cause(err))
}

func TestPackedRecordFeedsRepulsion(t *testing.T) {
	packed, err := PackAnnotations([]Record{
		{Width: 100, Height: 100, Boxes: []boxes.Box{{10, 10, 50, 50}}},
	}, 4)
	require.NoError(t, err)

	loss, err := losses.Repulsion(packed, masked.New([]float32{12, 12, 52, 52}, 1, 1, 4))
	require.NoError(t, err)
	assert.InDelta(t, 0.0072, loss[0], 1e-5)
}

func TestUnpackAnnotationsErrors(t *testing.T) {
	tests := []struct {
		name string
		in   *tensor.Dense
	}{
		{name: "rank", in: masked.New([]float32{1, 1, 0, 0}, 1, 4)},
		{name: "count too large", in: masked.New([]float32{1, 1, 2, 0, 0, 0, 1, 1}, 1, 2, 4)},
		{name: "float64", in: tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking([]float64{1, 1, 0, 0}))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnpackAnnotations(tt.in)
			assert.Equal(t, ErrShape, errors.Cause(err))
		})
	}
}

func TestAnchorTargets(t *testing.T) {
	anchors := []boxes.Box{
		{0, 0, 9, 9},     // identical to the ground truth
		{0, 0, 9, 13},    // IoU 100/140
		{4, 0, 13, 9},    // IoU 60/140
		{50, 50, 59, 59}, // disjoint
	}
	gt := []Annotation{{Box: boxes.Box{0, 0, 9, 9}, Label: 1}}

	cls, reg, err := AnchorTargets(anchors, gt, 2, DefaultAnchorConfig())
	require.NoError(t, err)
	assert.Equal(t, []float32{
		0, 1, 1,
		0, 1, 1,
		0, 0, -1,
		0, 0, 0,
	}, cls)

	require.Len(t, reg, 20)
	assert.Equal(t, []float32{0, 0, 0, 0, 1}, reg[:5], "perfect anchor needs no regression")
	assert.Equal(t, float32(-1), reg[14], "regression rows carry the state")

	delta := [4]float32{reg[5], reg[6], reg[7], reg[8]}
	decoded := Decode(anchors[1], delta, 0.2)
	assert.InDelta(t, 9, decoded.Y2, 1e-5, "decode moves the anchor onto its ground truth")
}

func TestAnchorTargetsWithoutAnnotations(t *testing.T) {
	cls, reg, err := AnchorTargets([]boxes.Box{{0, 0, 9, 9}}, nil, 3, DefaultAnchorConfig())
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, cls, "background everywhere")
	assert.Equal(t, []float32{0, 0, 0, 0, 0}, reg)

	_, _, err = AnchorTargets([]boxes.Box{{0, 0, 9, 9}}, []Annotation{{Label: 3}}, 3, DefaultAnchorConfig())
	assert.Error(t, err, "label out of range")
}

func TestBatchTargetsFeedLosses(t *testing.T) {
	anchors := []boxes.Box{{0, 0, 9, 9}, {50, 50, 59, 59}}
	images := [][]Annotation{
		{{Box: boxes.Box{0, 0, 9, 9}, Label: 0}},
		nil,
	}

	cls, reg, err := BatchTargets(anchors, images, 2, DefaultAnchorConfig())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2, 3}, cls.Shape())
	assert.Equal(t, tensor.Shape{2, 2, 5}, reg.Shape())

	perfect := masked.New(make([]float32, 2*2*4), 2, 2, 4)
	loss, err := losses.SmoothL1(3)(reg, perfect)
	require.NoError(t, err)
	assert.Equal(t, float32(0), loss, "zero deltas match the identical anchor")

	scores := masked.New([]float32{
		0.5, 0.5,
		0.5, 0.5,
		0.5, 0.5,
		0.5, 0.5,
	}, 2, 2, 2)
	focal, err := losses.Focal(0.25, 2)(cls, scores)
	require.NoError(t, err)
	assert.Positive(t, focal)

	_, _, err = BatchTargets(nil, images, 2, DefaultAnchorConfig())
	assert.Equal(t, ErrShape, errors.Cause(err))
}
