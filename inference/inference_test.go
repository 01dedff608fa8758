package inference

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-retinanet/boxes"
)

func TestDetectBackbone(t *testing.T) {
	tests := map[string]Backbone{
		"/models/resnet50_coco_best_v2.1.0.onnx": BackboneResNet,
		"MobileNet224_1.0_csv_05.onnx":           BackboneMobileNet,
		"densenet121_pascal.onnx":                BackboneDenseNet,
		"vgg16.onnx":                             BackboneVGG,
		"model.onnx":                             BackboneUnknown,
		"/resnet/model.onnx":                     BackboneUnknown,
	}
	for path, want := range tests {
		assert.Equal(t, want, DetectBackbone(path), path)
	}
}

func TestDecode(t *testing.T) {
	out := Outputs{
		Boxes: []float32{
			20, 40, 60, 80,
			0, 0, 10, 10,
			-1, -1, -1, -1,
		},
		Scores: []float32{0.9, 0.3, -1},
		Labels: []int32{2, 0, -1},
	}

	got := Decode(out, Scale{X: 2, Y: 4})
	assert.Equal(t, []Detection{
		{Box: boxes.Box{X1: 10, Y1: 10, X2: 30, Y2: 20}, Score: 0.9, Label: 2},
		{Box: boxes.Box{X1: 0, Y1: 0, X2: 5, Y2: 2.5}, Score: 0.3, Label: 0},
	}, got, "padding slots are dropped and boxes scaled back")

	assert.Empty(t, Decode(Outputs{Boxes: []float32{1, 2, 3}, Scores: []float32{1}, Labels: []int32{1}}, Scale{X: 1, Y: 1}),
		"incomplete boxes are ignored")
}

func TestPrepareInput(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	size := image.Pt(2, 2)

	t.Run("caffe nhwc", func(t *testing.T) {
		dst := make([]float32, 12)
		scale, err := PrepareInput(img, dst, size, Caffe, NHWC)
		require.NoError(t, err)
		assert.Equal(t, Scale{X: 0.5, Y: 1}, scale)
		assert.InDeltaSlice(t, []float32{50 - 103.939, 100 - 116.779, 200 - 123.68}, dst[:3], 1.01, "BGR minus the mean")
		assert.InDeltaSlice(t, dst[:3], dst[9:], 1.01, "uniform image")
	})

	t.Run("tf nchw", func(t *testing.T) {
		dst := make([]float32, 12)
		_, err := PrepareInput(img, dst, size, TF, NCHW)
		require.NoError(t, err)
		assert.InDelta(t, 50/127.5-1, dst[0], 0.01, "blue plane first")
		assert.InDelta(t, 100/127.5-1, dst[4], 0.01, "green plane")
		assert.InDelta(t, 200/127.5-1, dst[11], 0.01, "red plane last")
	})

	t.Run("too small", func(t *testing.T) {
		_, err := PrepareInput(img, make([]float32, 11), size, Caffe, NHWC)
		assert.Equal(t, ErrInput, errors.Cause(err))
	})
}
