package evaluate

import (
	"context"
	"image"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-retinanet/dataset"
	"github.com/nvr-ai/go-retinanet/inference"
	"github.com/nvr-ai/go-retinanet/losses"
	"github.com/nvr-ai/go-retinanet/masked"
	"github.com/nvr-ai/go-retinanet/targets"
)

// Evaluate runs det over every image of gen and matches the detections to the ground truth.
//
// Per image the detections are thresholded by score, optionally suppressed, capped at
// cfg.MaxDetections and matched at cfg.IoUThreshold. The repulsion loss of the kept
// detections against the ground truth is recorded alongside.
//
// Arguments:
//   - ctx: Cancels the run between images.
//   - log: Receives progress.
//   - gen: The annotated images.
//   - det: The detector under evaluation.
//   - cfg: Thresholds, save path and loss configuration.
//
// Returns:
//   - *Report: Per-class statistics and per-image repulsion losses.
//   - error: The first image, detector, loss or drawing failure, or ctx.Err().
//
// @example
// report, err := evaluate.Evaluate(ctx, log, gen, det, evaluate.DefaultConfig())
func Evaluate(ctx context.Context, log logs.Log, gen dataset.Generator, det inference.Detector, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	report := &Report{
		Classes:   make([]ClassStats, gen.NumClasses()),
		Repulsion: make([]losses.ImageLoss, 0, gen.Size()),
	}
	for label := range report.Classes {
		report.Classes[label] = ClassStats{Label: label, Name: gen.LabelName(label)}
	}

	start := time.Now()
	for i := 0; i < gen.Size(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sample, err := gen.Sample(i)
		if err != nil {
			return nil, err
		}
		img, err := dataset.LoadImage(sample.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		inferStart := time.Now()
		raw, err := det.Detect(ctx, img)
		report.InferenceDuration += time.Since(inferStart)
		if err != nil {
			return nil, errors.Wrapf(err, "detect image %d", i)
		}
		detections := postprocess(raw, cfg)

		if err := report.add(sample.Annotations, detections, cfg.IoUThreshold); err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}

		loss, err := repulsion(ctx, img.Bounds().Size(), sample, detections, cfg.Loss)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		report.Repulsion = append(report.Repulsion, loss)

		if cfg.SavePath != "" {
			if err := drawDetections(cfg.SavePath, i, sample, detections, gen); err != nil {
				return nil, err
			}
		}

		report.Images++
		if report.Images%100 == 0 {
			log.Infof("Evaluated %d/%d images in %v", report.Images, gen.Size(), time.Since(start))
		}
	}

	report.TotalDuration = time.Since(start)
	log.Infof("Evaluated %d images in %v", report.Images, report.TotalDuration)
	return report, nil
}

// add matches one image and accumulates its counts.
func (r *Report) add(annotations []targets.Annotation, detections []inference.Detection, threshold float32) error {
	for _, a := range annotations {
		if a.Label < 0 || a.Label >= len(r.Classes) {
			return errors.Errorf("evaluate: annotation label %d outside [0, %d)", a.Label, len(r.Classes))
		}
		r.Classes[a.Label].Annotations++
	}

	m := matchDetections(detections, annotations, threshold)
	for i, d := range detections {
		if d.Label < 0 || d.Label >= len(r.Classes) {
			return errors.Errorf("evaluate: detection label %d outside [0, %d)", d.Label, len(r.Classes))
		}
		if m.TruePositive[i] {
			r.Classes[d.Label].TruePositives++
		} else {
			r.Classes[d.Label].FalsePositives++
		}
	}
	return nil
}

// repulsion computes the repulsion loss of one image's detections. Images without detections
// report an empty loss.
func repulsion(ctx context.Context, size image.Point, sample dataset.Sample, detections []inference.Detection, cfg losses.Config) (losses.ImageLoss, error) {
	if len(detections) == 0 {
		return losses.ImageLoss{}, nil
	}

	target, err := targets.PackAnnotations(dataset.Records([]dataset.Sample{sample}, []image.Point{size}), 0)
	if err != nil {
		return losses.ImageLoss{}, err
	}
	pred := make([]float32, 0, len(detections)*4)
	for _, d := range detections {
		pred = append(pred, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
	}

	out, err := losses.RepulsionContextDetailed(ctx, target, masked.New(pred, 1, len(detections), 4), cfg)
	if err != nil {
		return losses.ImageLoss{}, err
	}
	return out[0], nil
}
