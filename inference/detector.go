// Package inference - RetinaNet detectors exported to ONNX.
package inference

import (
	"context"
	"image"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/go-retinanet/boxes"
)

// Detection is one scored, labelled box in original image pixels.
type Detection struct {
	Box   boxes.Box
	Score float32
	Label int
}

// Detector predicts the objects of one image.
type Detector interface {
	// Detect returns the detections of img sorted by the model, highest score first.
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	// Close releases the model.
	Close() error
}

// Backbone is the feature extractor family of a RetinaNet model.
type Backbone string

// Backbones recognised in model file names.
const (
	BackboneResNet    Backbone = "resnet"
	BackboneMobileNet Backbone = "mobilenet"
	BackboneDenseNet  Backbone = "densenet"
	BackboneVGG       Backbone = "vgg"
	BackboneUnknown   Backbone = "unknown"
)

// DetectBackbone infers the backbone from the base name of a model file, for example
// "resnet50_coco_best.onnx".
func DetectBackbone(path string) Backbone {
	name := strings.ToLower(filepath.Base(path))
	for _, b := range []Backbone{BackboneMobileNet, BackboneResNet, BackboneDenseNet, BackboneVGG} {
		if strings.Contains(name, string(b)) {
			return b
		}
	}
	return BackboneUnknown
}

// Outputs holds the raw, already suppressed outputs of an exported RetinaNet: D boxes in
// network input pixels, their scores and labels. Unused slots carry a score or label of -1.
type Outputs struct {
	Boxes  []float32
	Scores []float32
	Labels []int32
}

// Decode converts raw outputs to detections in original image pixels.
//
// Arguments:
//   - out: The model outputs.
//   - scale: The factor the image was resized by, see PrepareInput.
//
// Returns:
//   - []Detection: Valid slots in output order.
func Decode(out Outputs, scale Scale) []Detection {
	n := min(len(out.Scores), len(out.Labels), len(out.Boxes)/4)
	detections := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		if out.Scores[i] < 0 || out.Labels[i] < 0 {
			continue
		}
		b := out.Boxes[i*4 : i*4+4]
		detections = append(detections, Detection{
			Box:   boxes.Box{X1: b[0] / scale.X, Y1: b[1] / scale.Y, X2: b[2] / scale.X, Y2: b[3] / scale.Y},
			Score: out.Scores[i],
			Label: int(out.Labels[i]),
		})
	}
	return detections
}
