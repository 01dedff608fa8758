package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/targets"
)

// COCOGenerator reads a COCO detection set: annotations/instances_<set>.json and the images
// under images/<set>/.
//
// Category ids are sparse in COCO; they are mapped to contiguous labels in ascending id order.
type COCOGenerator struct {
	samples []Sample
	names   []string
	// Categories holds the COCO category id of every label.
	Categories []int
}

type cocoFile struct {
	Images []struct {
		ID       int    `json:"id"`
		FileName string `json:"file_name"`
	} `json:"images"`
	Annotations []struct {
		ImageID    int        `json:"image_id"`
		CategoryID int        `json:"category_id"`
		BBox       [4]float32 `json:"bbox"`
	} `json:"annotations"`
	Categories []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

// NewCOCOGenerator loads one COCO set.
//
// Arguments:
//   - dir: The dataset root, for example /data/COCO.
//   - set: The set name, for example "val2017".
//
// Returns:
//   - *COCOGenerator: Images in ascending id order. Boxes narrower or shorter than one pixel
//     are dropped.
//   - error: ErrFormat when an annotation names an unknown image or category.
func NewCOCOGenerator(dir, set string) (*COCOGenerator, error) {
	data, err := os.ReadFile(filepath.Join(dir, "annotations", "instances_"+set+".json"))
	if err != nil {
		return nil, errors.Wrap(err, "read coco annotations")
	}
	var doc cocoFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrFormat, "instances_%s.json: %v", set, err)
	}

	sort.Slice(doc.Categories, func(i, j int) bool { return doc.Categories[i].ID < doc.Categories[j].ID })
	gen := &COCOGenerator{}
	labels := make(map[int]int, len(doc.Categories))
	for i, c := range doc.Categories {
		labels[c.ID] = i
		gen.names = append(gen.names, c.Name)
		gen.Categories = append(gen.Categories, c.ID)
	}

	sort.Slice(doc.Images, func(i, j int) bool { return doc.Images[i].ID < doc.Images[j].ID })
	index := make(map[int]int, len(doc.Images))
	for i, img := range doc.Images {
		index[img.ID] = i
		gen.samples = append(gen.samples, Sample{Path: filepath.Join(dir, "images", set, img.FileName)})
	}

	for i, a := range doc.Annotations {
		x, y, w, h := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]
		if w < 1 || h < 1 {
			continue
		}
		s, ok := index[a.ImageID]
		if !ok {
			return nil, errors.Wrapf(ErrFormat, "annotation %d: unknown image %d", i, a.ImageID)
		}
		label, ok := labels[a.CategoryID]
		if !ok {
			return nil, errors.Wrapf(ErrFormat, "annotation %d: unknown category %d", i, a.CategoryID)
		}
		gen.samples[s].Annotations = append(gen.samples[s].Annotations, targets.Annotation{
			Box:   boxes.Box{X1: x, Y1: y, X2: x + w, Y2: y + h},
			Label: label,
		})
	}
	return gen, nil
}

// Size returns the number of images.
func (g *COCOGenerator) Size() int { return len(g.samples) }

// NumClasses returns the number of categories.
func (g *COCOGenerator) NumClasses() int { return len(g.names) }

// LabelName returns the category name of label.
func (g *COCOGenerator) LabelName(label int) string {
	if label < 0 || label >= len(g.names) {
		return strconv.Itoa(label)
	}
	return g.names[label]
}

// Sample returns image i.
func (g *COCOGenerator) Sample(i int) (Sample, error) { return sample(g.samples, i) }
