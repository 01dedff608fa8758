package dataset

import (
	"bufio"
	"encoding/xml"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/targets"
)

// VOCClasses lists the Pascal VOC classes in label order.
var VOCClasses = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// PascalVOCOptions selects which objects of a Pascal VOC set are kept.
type PascalVOCOptions struct {
	// SkipTruncated drops objects marked truncated.
	SkipTruncated bool `json:"skip_truncated" yaml:"skip_truncated"`
	// SkipDifficult drops objects marked difficult.
	SkipDifficult bool `json:"skip_difficult" yaml:"skip_difficult"`
}

// PascalVOCGenerator reads a VOCdevkit year directory: ImageSets/Main/<set>.txt lists the
// image ids, Annotations/<id>.xml their objects and JPEGImages/<id>.jpg the pixels.
type PascalVOCGenerator struct {
	samples []Sample
}

type vocAnnotation struct {
	Objects []struct {
		Name      string `xml:"name"`
		Truncated int    `xml:"truncated"`
		Difficult int    `xml:"difficult"`
		Box       struct {
			XMin string `xml:"xmin"`
			YMin string `xml:"ymin"`
			XMax string `xml:"xmax"`
			YMax string `xml:"ymax"`
		} `xml:"bndbox"`
	} `xml:"object"`
}

// NewPascalVOCGenerator reads every annotation of one image set.
//
// Arguments:
//   - dir: The dataset directory, for example VOCdevkit/VOC2007.
//   - set: The image set, for example "test".
//   - opts: Object filters.
//
// Returns:
//   - *PascalVOCGenerator: Images in set order. Box corners are shifted to zero based pixels.
//   - error: ErrFormat for unknown classes or malformed coordinates.
func NewPascalVOCGenerator(dir, set string, opts PascalVOCOptions) (*PascalVOCGenerator, error) {
	ids, err := readLines(filepath.Join(dir, "ImageSets", "Main", set+".txt"))
	if err != nil {
		return nil, err
	}

	labels := make(map[string]int, len(VOCClasses))
	for i, name := range VOCClasses {
		labels[name] = i
	}

	gen := &PascalVOCGenerator{samples: make([]Sample, 0, len(ids))}
	for _, id := range ids {
		annotations, err := readVOCAnnotation(filepath.Join(dir, "Annotations", id+".xml"), labels, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "image %s", id)
		}
		gen.samples = append(gen.samples, Sample{
			Path:        filepath.Join(dir, "JPEGImages", id+".jpg"),
			Annotations: annotations,
		})
	}
	return gen, nil
}

func readVOCAnnotation(path string, labels map[string]int, opts PascalVOCOptions) ([]targets.Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read annotation")
	}
	var doc vocAnnotation
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrFormat, "%s: %v", path, err)
	}

	var out []targets.Annotation
	for i, obj := range doc.Objects {
		if (opts.SkipTruncated && obj.Truncated != 0) || (opts.SkipDifficult && obj.Difficult != 0) {
			continue
		}
		label, ok := labels[obj.Name]
		if !ok {
			return nil, errors.Wrapf(ErrFormat, "object %d: unknown class %q", i, obj.Name)
		}

		var coords [4]float32
		for c, s := range []string{obj.Box.XMin, obj.Box.YMin, obj.Box.XMax, obj.Box.YMax} {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
			if err != nil {
				return nil, errors.Wrapf(ErrFormat, "object %d: malformed coordinate %q", i, s)
			}
			coords[c] = float32(v) - 1
		}
		out = append(out, targets.Annotation{
			Box:   boxes.Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]},
			Label: label,
		})
	}
	return out, nil
}

// readLines returns the non-empty, trimmed lines of a text file.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image set")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, errors.Wrap(scanner.Err(), "read image set")
}

// Size returns the number of images.
func (g *PascalVOCGenerator) Size() int { return len(g.samples) }

// NumClasses returns len(VOCClasses).
func (g *PascalVOCGenerator) NumClasses() int { return len(VOCClasses) }

// LabelName returns the VOC class name of label.
func (g *PascalVOCGenerator) LabelName(label int) string {
	if label < 0 || label >= len(VOCClasses) {
		return strconv.Itoa(label)
	}
	return VOCClasses[label]
}

// Sample returns image i.
func (g *PascalVOCGenerator) Sample(i int) (Sample, error) { return sample(g.samples, i) }
