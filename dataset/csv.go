package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-retinanet/boxes"
	"github.com/nvr-ai/go-retinanet/targets"
)

// CSVGenerator reads annotations from two CSV files.
//
// The classes file holds `name,id` rows. The annotations file holds `path,x1,y1,x2,y2,name`
// rows, one per box; a row with only the path (`path,,,,,`) lists an image without objects.
// Relative image paths resolve against the directory of the annotations file.
type CSVGenerator struct {
	samples []Sample
	names   map[int]string
	classes int
}

// NewCSVGenerator parses an annotations file and its class mapping.
//
// Arguments:
//   - annotations: Path to the annotations CSV.
//   - classes: Path to the class mapping CSV.
//
// Returns:
//   - *CSVGenerator: Images in order of first appearance.
//   - error: ErrFormat, with the offending line, for malformed rows.
//
// @example
// gen, err := dataset.NewCSVGenerator("val.csv", "classes.csv")
func NewCSVGenerator(annotations, classes string) (*CSVGenerator, error) {
	ids := map[string]int{}
	err := readCSV(classes, 2, func(line int, row []string) error {
		id, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return errors.Wrapf(ErrFormat, "line %d: malformed class id %q", line, row[1])
		}
		if _, ok := ids[row[0]]; ok {
			return errors.Wrapf(ErrFormat, "line %d: duplicate class name %q", line, row[0])
		}
		ids[row[0]] = id
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "classes")
	}

	gen := &CSVGenerator{names: make(map[int]string, len(ids))}
	for name, id := range ids {
		if id < 0 {
			return nil, errors.Wrapf(ErrFormat, "classes: negative id %d for %q", id, name)
		}
		if other, ok := gen.names[id]; ok {
			return nil, errors.Wrapf(ErrFormat, "classes: id %d used by %q and %q", id, other, name)
		}
		gen.names[id] = name
		gen.classes = max(gen.classes, id+1)
	}

	base := filepath.Dir(annotations)
	index := map[string]int{}
	err = readCSV(annotations, 6, func(line int, row []string) error {
		path := row[0]
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		i, ok := index[path]
		if !ok {
			i = len(gen.samples)
			index[path] = i
			gen.samples = append(gen.samples, Sample{Path: path})
		}

		if row[1] == "" && row[2] == "" && row[3] == "" && row[4] == "" && row[5] == "" {
			return nil
		}

		var coords [4]float32
		for c := range coords {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[c+1]), 32)
			if err != nil {
				return errors.Wrapf(ErrFormat, "line %d: malformed coordinate %q", line, row[c+1])
			}
			coords[c] = float32(v)
		}
		b := boxes.Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
		if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
			return errors.Wrapf(ErrFormat, "line %d: degenerate box %v", line, coords)
		}
		label, ok := ids[row[5]]
		if !ok {
			return errors.Wrapf(ErrFormat, "line %d: unknown class %q", line, row[5])
		}
		gen.samples[i].Annotations = append(gen.samples[i].Annotations, targets.Annotation{Box: b, Label: label})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "annotations")
	}
	return gen, nil
}

// readCSV calls fn for every row of path, which must have exactly fields columns.
func readCSV(path string, fields int, fn func(line int, row []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = fields
	for line := 1; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(ErrFormat, "line %d: %v", line, err)
		}
		if err := fn(line, row); err != nil {
			return err
		}
	}
}

// Size returns the number of images.
func (g *CSVGenerator) Size() int { return len(g.samples) }

// NumClasses returns one more than the largest class id.
func (g *CSVGenerator) NumClasses() int { return g.classes }

// LabelName returns the class name mapped to label, or its number when unmapped.
func (g *CSVGenerator) LabelName(label int) string {
	if name, ok := g.names[label]; ok {
		return name
	}
	return strconv.Itoa(label)
}

// Sample returns image i.
func (g *CSVGenerator) Sample(i int) (Sample, error) { return sample(g.samples, i) }
