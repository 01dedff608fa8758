// Package targets - Builds the target tensors consumed by the RetinaNet losses.
package targets

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/masked"
)

// ErrShape is returned when a packed record tensor is malformed.
var ErrShape = errors.New("targets: malformed ground-truth record")

// RecordWidth is the number of columns of a packed ground-truth record.
const RecordWidth = 4

// Record is the ground truth of one image as seen by the repulsion loss.
type Record struct {
	Width  float32
	Height float32
	Boxes  []boxes.Box
}

// PackAnnotations packs per-image ground truth into a (B, 1+M, 4) tensor.
//
// Row 0 of every image is [W, H, L, 0] where L is the number of boxes; rows 1..L hold the
// boxes and the remaining rows are zero padding.
//
// Arguments:
//   - records: One record per image.
//   - capacity: Minimum M. M grows to fit the image with the most boxes.
//
// Returns:
//   - *tensor.Dense: The packed batch.
//   - error: ErrShape for an empty batch.
//
// @example
// gt, err := targets.PackAnnotations([]targets.Record{{Width: 640, Height: 480, Boxes: bs}}, 100)
func PackAnnotations(records []Record, capacity int) (*tensor.Dense, error) {
	if len(records) == 0 {
		return nil, errors.Wrap(ErrShape, "no images to pack")
	}

	rows := max(capacity, 0)
	for _, r := range records {
		rows = max(rows, len(r.Boxes))
	}
	rows++

	stride := rows * RecordWidth
	data := make([]float32, len(records)*stride)
	for i, r := range records {
		img := data[i*stride : (i+1)*stride]
		img[0], img[1], img[2] = r.Width, r.Height, float32(len(r.Boxes))
		for j, b := range r.Boxes {
			copy(img[(j+1)*RecordWidth:], []float32{b.X1, b.Y1, b.X2, b.Y2})
		}
	}
	return masked.New(data, len(records), rows, RecordWidth), nil
}

// UnpackAnnotations reads a (B, 1+M, 4) tensor written by PackAnnotations.
//
// Returns:
//   - []Record: One record per image, padding rows dropped.
//   - error: ErrShape for a wrong rank or an annotation count that does not fit.
func UnpackAnnotations(t *tensor.Dense) ([]Record, error) {
	data, err := masked.Values(t)
	if err != nil {
		return nil, errors.Wrap(ErrShape, err.Error())
	}
	shape := t.Shape()
	if shape.Dims() != 3 || shape[2] < RecordWidth {
		return nil, errors.Wrapf(ErrShape, "expected (B, 1+M, 4), got %v", shape)
	}

	rows, cols := shape[1], shape[2]
	out := make([]Record, shape[0])
	for i := range out {
		img := data[i*rows*cols : (i+1)*rows*cols]
		count := int(img[2])
		if count < 0 || count > rows-1 {
			return nil, errors.Wrapf(ErrShape, "image %d: %d boxes in %d rows", i, count, rows)
		}
		out[i] = Record{Width: img[0], Height: img[1], Boxes: make([]boxes.Box, count)}
		for j := range out[i].Boxes {
			row := img[(j+1)*cols:]
			out[i].Boxes[j] = boxes.Box{X1: row[0], Y1: row[1], X2: row[2], Y2: row[3]}
		}
	}
	return out, nil
}
