// Package dataset - Annotated image sources read from CSV, Pascal VOC and COCO layouts.
package dataset

import (
	"image"
	// Registered decoders for LoadImage.
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-retinanet/targets"
)

// ErrFormat is returned when an annotation source cannot be parsed.
var ErrFormat = errors.New("dataset: malformed annotations")

// ErrRange is returned for an out of range sample index.
var ErrRange = errors.New("dataset: sample index out of range")

// Sample is one annotated image.
type Sample struct {
	// Path is the image file on disk.
	Path string
	// Annotations holds the labelled ground-truth boxes. Empty for images without objects.
	Annotations []targets.Annotation
}

// Generator is a random access, annotated image source.
type Generator interface {
	// Size returns the number of images.
	Size() int
	// NumClasses returns the number of contiguous labels, [0, NumClasses).
	NumClasses() int
	// LabelName returns the human readable name of label.
	LabelName(label int) string
	// Sample returns image i with its annotations.
	Sample(i int) (Sample, error)
}

// LoadImage decodes a JPEG or PNG image from disk.
//
// Arguments:
//   - path: The image file.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: When the file cannot be opened or decoded.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// Records converts samples to the ground-truth records of the repulsion loss.
//
// Arguments:
//   - samples: The annotated images.
//   - sizes: The pixel size of every image, in the same order.
//
// Returns:
//   - []targets.Record: One record per sample.
func Records(samples []Sample, sizes []image.Point) []targets.Record {
	out := make([]targets.Record, len(samples))
	for i, s := range samples {
		out[i] = targets.Record{Width: float32(sizes[i].X), Height: float32(sizes[i].Y)}
		for _, a := range s.Annotations {
			out[i].Boxes = append(out[i].Boxes, a.Box)
		}
	}
	return out
}

// sample returns samples[i] or ErrRange.
func sample(samples []Sample, i int) (Sample, error) {
	if i < 0 || i >= len(samples) {
		return Sample{}, errors.Wrapf(ErrRange, "%d of %d", i, len(samples))
	}
	return samples[i], nil
}
