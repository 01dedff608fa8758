package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-retinanet/dataset"
	"github.com/nvr-ai/go-retinanet/evaluate"
	"github.com/nvr-ai/go-retinanet/inference"
	"github.com/nvr-ai/go-retinanet/inference/providers"
)

// flags holds the parsed command line.
type flags struct {
	model          *string
	gpu            *string
	config         *string
	scoreThreshold *float64
	iouThreshold   *float64
	maxDetections  *int
	savePath       *string

	csv         *argparse.Command
	annotations *string
	classes     *string

	pascal     *argparse.Command
	pascalPath *string
	pascalSet  *string

	coco     *argparse.Command
	cocoPath *string
	cocoSet  *string
}

func newParser() (*argparse.Parser, *flags) {
	parser := argparse.NewParser("evaluate", "Evaluation script for a RetinaNet network")
	f := &flags{
		model:          parser.String("m", "model", &argparse.Options{Help: "Path to the RetinaNet ONNX model", Required: true}),
		gpu:            parser.String("", "gpu", &argparse.Options{Help: "Id of the GPU to use (as reported by nvidia-smi)", Default: ""}),
		config:         parser.String("c", "config", &argparse.Options{Help: "YAML evaluation and loss configuration", Default: ""}),
		scoreThreshold: parser.Float("", "score-threshold", &argparse.Options{Help: "Threshold on score to filter detections with (defaults to 0.05)", Default: -1.0}),
		iouThreshold:   parser.Float("", "iou-threshold", &argparse.Options{Help: "IoU threshold to count for a positive detection (defaults to 0.5)", Default: -1.0}),
		maxDetections:  parser.Int("", "max-detections", &argparse.Options{Help: "Max detections per image (defaults to 100)", Default: 0}),
		savePath:       parser.String("", "save-path", &argparse.Options{Help: "Path for saving images with detections", Default: ""}),
	}

	f.csv = parser.NewCommand("csv", "Evaluate on a CSV dataset")
	f.annotations = f.csv.StringPositional(&argparse.Options{Help: "CSV file containing annotations for evaluation", Required: true})
	f.classes = f.csv.StringPositional(&argparse.Options{Help: "CSV file containing the class label mapping", Required: true})

	f.pascal = parser.NewCommand("pascal", "Evaluate on a Pascal VOC dataset")
	f.pascalPath = f.pascal.StringPositional(&argparse.Options{Help: "Path to the dataset directory (ie. /tmp/VOCdevkit/VOC2007)", Required: true})
	f.pascalSet = f.pascal.String("", "pascal-set", &argparse.Options{Help: "Image set to evaluate", Default: "test"})

	f.coco = parser.NewCommand("coco", "Evaluate on a COCO dataset")
	f.cocoPath = f.coco.StringPositional(&argparse.Options{Help: "Path to the dataset directory (ie. /tmp/COCO)", Required: true})
	f.cocoSet = f.coco.String("", "set", &argparse.Options{Help: "Set to evaluate", Default: "val2017"})

	return parser, f
}

// buildConfig loads the configuration file, if any, and applies the command line over it.
func buildConfig(f *flags) (evaluate.Config, error) {
	cfg := evaluate.DefaultConfig()
	if *f.config != "" {
		var err error
		if cfg, err = evaluate.LoadConfig(*f.config); err != nil {
			return cfg, err
		}
	}

	if *f.scoreThreshold >= 0 {
		cfg.ScoreThreshold = float32(*f.scoreThreshold)
	}
	if *f.iouThreshold >= 0 {
		cfg.IoUThreshold = float32(*f.iouThreshold)
	}
	if *f.maxDetections > 0 {
		cfg.MaxDetections = *f.maxDetections
	}
	if *f.savePath != "" {
		cfg.SavePath = *f.savePath
	}

	cfg.Model.ModelPath = *f.model
	if *f.gpu != "" {
		provider, err := providers.ParseGPU(*f.gpu)
		if err != nil {
			return cfg, err
		}
		cfg.Model.Provider = provider
	}
	return cfg, cfg.Validate()
}

// newGenerator opens the dataset of the selected subcommand.
func newGenerator(f *flags) (dataset.Generator, error) {
	switch {
	case f.csv.Happened():
		return dataset.NewCSVGenerator(*f.annotations, *f.classes)
	case f.pascal.Happened():
		return dataset.NewPascalVOCGenerator(*f.pascalPath, *f.pascalSet, dataset.PascalVOCOptions{})
	case f.coco.Happened():
		return dataset.NewCOCOGenerator(*f.cocoPath, *f.cocoSet)
	}
	return nil, errors.New("no dataset type given, expected csv, pascal or coco")
}

func main() {
	parser, f := newParser()
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := buildConfig(f)
	if err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	gen, err := newGenerator(f)
	if err != nil {
		logger.Errorf("Error loading dataset: %v", err)
		os.Exit(1)
	}
	logger.Infof("Loaded %d images with %d classes", gen.Size(), gen.NumClasses())

	logger.Infof("Loading model, this may take a second...")
	det, err := inference.NewONNXDetector(logger, cfg.Model)
	if err != nil {
		logger.Errorf("Error loading model: %v", err)
		os.Exit(1)
	}
	defer det.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := evaluate.Evaluate(ctx, logger, gen, det, cfg)
	if err != nil {
		logger.Errorf("Evaluation failed: %v", err)
		det.Close()
		os.Exit(1)
	}
	report.Log(logger)
}
