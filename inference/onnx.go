package inference

import (
	"context"
	"image"
	"os"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-retinanet/inference/providers"
)

// ONNXConfig describes an exported RetinaNet and how to run it.
type ONNXConfig struct {
	// ModelPath is the .onnx file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputName is the image input of the graph.
	InputName string `json:"input_name" yaml:"input_name"`
	// BoxesName, ScoresName and LabelsName are the suppressed detection outputs.
	BoxesName  string `json:"boxes_name" yaml:"boxes_name"`
	ScoresName string `json:"scores_name" yaml:"scores_name"`
	LabelsName string `json:"labels_name" yaml:"labels_name"`
	// InputSize is the fixed network input width and height.
	InputSize image.Point `json:"input_size" yaml:"input_size"`
	// Detections is the number of detection slots the model emits.
	Detections int `json:"detections" yaml:"detections"`
	// Mode and Layout describe the expected input tensor.
	Mode   Mode   `json:"mode" yaml:"mode"`
	Layout Layout `json:"layout" yaml:"layout"`
	// Provider selects the execution provider.
	Provider providers.Config `json:"provider" yaml:"provider"`
}

// DefaultONNXConfig returns the layout of a Keras RetinaNet converted to ONNX: an 800x800 NHWC
// caffe-normalized input and 300 detection slots.
func DefaultONNXConfig() ONNXConfig {
	return ONNXConfig{
		InputName:  "input_1",
		BoxesName:  "filtered_detections",
		ScoresName: "filtered_detections_1",
		LabelsName: "filtered_detections_2",
		InputSize:  image.Pt(800, 800),
		Detections: 300,
		Mode:       Caffe,
		Layout:     NHWC,
		Provider:   providers.Config{Backend: providers.CPU},
	}
}

// ONNXDetector runs a RetinaNet with ONNX Runtime. Detect calls are serialized; the session
// owns preallocated input and output tensors.
type ONNXDetector struct {
	cfg      ONNXConfig
	log      logs.Log
	backbone Backbone

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	boxes   *ort.Tensor[float32]
	scores  *ort.Tensor[float32]
	labels  *ort.Tensor[int32]
}

var initOnce sync.Once
var initErr error

// initEnvironment loads the ONNX Runtime library once per process.
func initEnvironment() error {
	initOnce.Do(func() {
		libPath := providers.SharedLibPath()
		if _, err := os.Stat(libPath); err != nil {
			initErr = errors.Wrapf(err, "ONNX Runtime library not found at %s", libPath)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		initErr = errors.Wrap(ort.InitializeEnvironment(), "initialize ONNX Runtime")
	})
	return initErr
}

// NewONNXDetector loads a model and binds its tensors.
//
// Arguments:
//   - log: Receives model and provider information.
//   - cfg: The model description.
//
// Returns:
//   - *ONNXDetector: A ready detector. Close it when done.
//   - error: When the runtime, the provider or the model cannot be loaded.
//
// @example
// cfg := inference.DefaultONNXConfig()
// cfg.ModelPath = "resnet50_coco.onnx"
// det, err := inference.NewONNXDetector(log, cfg)
func NewONNXDetector(log logs.Log, cfg ONNXConfig) (*ONNXDetector, error) {
	if cfg.InputSize.X <= 0 || cfg.InputSize.Y <= 0 || cfg.Detections <= 0 {
		return nil, errors.Errorf("inference: invalid input size %v or detection count %d", cfg.InputSize, cfg.Detections)
	}
	if err := initEnvironment(); err != nil {
		return nil, err
	}

	d := &ONNXDetector{cfg: cfg, log: log, backbone: DetectBackbone(cfg.ModelPath)}
	log.Infof("Loading %s model %s on %s", d.backbone, cfg.ModelPath, cfg.Provider)

	inputShape := ort.NewShape(1, int64(cfg.InputSize.Y), int64(cfg.InputSize.X), 3)
	if cfg.Layout == NCHW {
		inputShape = ort.NewShape(1, 3, int64(cfg.InputSize.Y), int64(cfg.InputSize.X))
	}
	detections := int64(cfg.Detections)

	var err error
	if d.input, err = ort.NewEmptyTensor[float32](inputShape); err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	if d.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(1, detections, 4)); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "create boxes tensor")
	}
	if d.scores, err = ort.NewEmptyTensor[float32](ort.NewShape(1, detections)); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "create scores tensor")
	}
	if d.labels, err = ort.NewEmptyTensor[int32](ort.NewShape(1, detections)); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "create labels tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		d.Close()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)
	if err := cfg.Provider.Apply(options); err != nil {
		d.Close()
		return nil, err
	}

	d.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.BoxesName, cfg.ScoresName, cfg.LabelsName},
		[]ort.ArbitraryTensor{d.input},
		[]ort.ArbitraryTensor{d.boxes, d.scores, d.labels},
		options,
	)
	if err != nil {
		d.Close()
		return nil, errors.Wrapf(err, "load model %s", cfg.ModelPath)
	}
	return d, nil
}

// Backbone returns the backbone inferred from the model file name.
func (d *ONNXDetector) Backbone() Backbone { return d.backbone }

// Detect runs the model on img.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, errors.New("inference: detector is closed")
	}

	scale, err := PrepareInput(img, d.input.GetData(), d.cfg.InputSize, d.cfg.Mode, d.cfg.Layout)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := d.session.Run(); err != nil {
		return nil, errors.Wrap(err, "run model")
	}
	d.log.Debugf("Inference took %v", time.Since(start))

	return Decode(Outputs{
		Boxes:  d.boxes.GetData(),
		Scores: d.scores.GetData(),
		Labels: d.labels.GetData(),
	}, scale), nil
}

// Close releases the session and its tensors.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.session != nil {
		err = errors.Wrap(d.session.Destroy(), "destroy session")
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
	}
	if d.boxes != nil {
		d.boxes.Destroy()
	}
	if d.scores != nil {
		d.scores.Destroy()
	}
	if d.labels != nil {
		d.labels.Destroy()
	}
	d.input, d.boxes, d.scores, d.labels = nil, nil, nil, nil
	return err
}
