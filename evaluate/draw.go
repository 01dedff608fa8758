package evaluate

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/dataset"
	"github.com/nvr-ai/go-retinanet/inference"
)

var (
	annotationColor = color.RGBA{0, 255, 0, 0}
	detectionColor  = color.RGBA{255, 0, 0, 0}
)

func rect(b boxes.Box) image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// drawDetections writes sample's image to dir/<index>.png with the ground truth in green and
// the detections in red, captioned with label name and score.
func drawDetections(dir string, index int, sample dataset.Sample, detections []inference.Detection, gen dataset.Generator) error {
	img := gocv.IMRead(sample.Path, gocv.IMReadColor)
	if img.Empty() {
		return errors.Errorf("evaluate: cannot read %s", sample.Path)
	}
	defer img.Close()

	for _, a := range sample.Annotations {
		gocv.Rectangle(&img, rect(a.Box), annotationColor, 2)
	}
	for _, d := range detections {
		r := rect(d.Box)
		gocv.Rectangle(&img, r, detectionColor, 2)
		caption := fmt.Sprintf("%s: %.2f", gen.LabelName(d.Label), d.Score)
		gocv.PutText(&img, caption, image.Pt(r.Min.X, max(r.Min.Y-5, 10)), gocv.FontHersheyPlain, 1.2, detectionColor, 1)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create save path")
	}
	out := filepath.Join(dir, fmt.Sprintf("%d.png", index))
	if !gocv.IMWrite(out, img) {
		return errors.Errorf("evaluate: cannot write %s", out)
	}
	return nil
}
