package haarcascade

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	recordFields = 8
	manifestName = "manifest.json"
)

// RecordError reports a malformed weak classifier record.
type RecordError struct {
	Line   int
	Record string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %q: %v", e.Line, e.Record, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// WriteStage writes one record per weak classifier:
// threshold,polarity,alpha,shape,x,y,width,height.
func WriteStage(w io.Writer, classifiers []WeakClassifier) error {
	cw := csv.NewWriter(w)
	for _, wc := range classifiers {
		if err := cw.Write(formatRecord(wc)); err != nil {
			return errors.Wrap(err, "cannot write classifier record")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "cannot flush classifier records")
}

func formatRecord(wc WeakClassifier) []string {
	f := wc.Feature
	return []string{
		strconv.FormatFloat(wc.Threshold, 'g', -1, 64),
		strconv.Itoa(wc.Polarity),
		strconv.FormatFloat(wc.Alpha, 'g', -1, 64),
		f.Shape.String(),
		strconv.Itoa(f.X),
		strconv.Itoa(f.Y),
		strconv.Itoa(f.Width),
		strconv.Itoa(f.Height),
	}
}

// ReadStage parses the records written by WriteStage. Any malformed record
// fails the whole read; no partial stage is returned.
func ReadStage(r io.Reader) ([]WeakClassifier, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = recordFields
	cr.TrimLeadingSpace = true

	var classifiers []WeakClassifier
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var line int
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.Line
			}
			return nil, &RecordError{Line: line, Record: strings.Join(record, ","), Err: err}
		}
		line, _ := cr.FieldPos(0)
		wc, err := parseRecord(record)
		if err != nil {
			return nil, &RecordError{Line: line, Record: strings.Join(record, ","), Err: err}
		}
		classifiers = append(classifiers, wc)
	}
	return classifiers, nil
}

func parseRecord(record []string) (WeakClassifier, error) {
	threshold, err := strconv.ParseFloat(record[0], 64)
	if err != nil {
		return WeakClassifier{}, errors.Wrap(err, "threshold")
	}
	polarity, err := strconv.Atoi(record[1])
	if err != nil {
		return WeakClassifier{}, errors.Wrap(err, "polarity")
	}
	if polarity != 1 && polarity != -1 {
		return WeakClassifier{}, errors.Errorf("polarity must be 1 or -1, got %d", polarity)
	}
	alpha, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		return WeakClassifier{}, errors.Wrap(err, "alpha")
	}
	shape, err := ParseShape(record[3])
	if err != nil {
		return WeakClassifier{}, err
	}

	var geom [4]int
	for i, name := range []string{"x", "y", "width", "height"} {
		if geom[i], err = strconv.Atoi(record[4+i]); err != nil {
			return WeakClassifier{}, errors.Wrap(err, name)
		}
	}
	f, err := NewFeature(shape, geom[0], geom[1], geom[2], geom[3])
	if err != nil {
		return WeakClassifier{}, err
	}
	return WeakClassifier{Threshold: threshold, Polarity: polarity, Alpha: alpha, Feature: f}, nil
}

// Manifest describes a saved cascade.
type Manifest struct {
	RunID      uuid.UUID `json:"run_id"`
	Window     int       `json:"window"`
	Stats      Stats     `json:"stats"`
	Thresholds []float64 `json:"thresholds"`
	Stages     []string  `json:"stages"`
	Created    time.Time `json:"created"`
	// History is optional and only set by the trainer.
	History []StageStats `json:"history,omitempty"`
}

func stageFileName(index, classifiers int) string {
	return fmt.Sprintf("stage-%03d-%04d.csv", index, classifiers)
}

// SaveCascade writes one file per stage and a manifest into dir.
// A nil history omits the training summary from the manifest.
func SaveCascade(dir string, c *Cascade, history []StageStats) (Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, errors.Wrapf(err, "cannot create cascade directory %s", dir)
	}
	m := Manifest{
		RunID:   uuid.New(),
		Window:  c.Window,
		Stats:   c.Stats,
		Created: time.Now().UTC(),
		History: history,
	}
	for i, stage := range c.Stages {
		name := stageFileName(i+1, len(stage.Classifiers))
		if err := writeStageFile(filepath.Join(dir, name), stage.Classifiers); err != nil {
			return Manifest{}, err
		}
		m.Stages = append(m.Stages, name)
		m.Thresholds = append(m.Thresholds, stage.Threshold)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, errors.Wrap(err, "cannot encode manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return Manifest{}, errors.Wrap(err, "cannot write manifest")
	}
	return m, nil
}

func writeStageFile(path string, classifiers []WeakClassifier) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create stage file %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteStage(f, classifiers)
}

// LoadCascade reads the stage files of dir in stage order. The manifest is
// optional; without it the window defaults to fallbackWindow, the statistics
// to a zero mean and unit deviation, and every stage threshold to 0.5.
// An empty stage or a feature reaching outside the window fails the load.
func LoadCascade(dir string, fallbackWindow int) (*Cascade, error) {
	c := &Cascade{Window: fallbackWindow, Stats: Stats{Std: 1}}

	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "cannot decode manifest")
		}
		if m.Window > 0 {
			c.Window = m.Window
		}
		c.Stats = m.Stats
	case !os.IsNotExist(err):
		return nil, errors.Wrap(err, "cannot read manifest")
	}

	names := m.Stages
	if len(names) == 0 {
		if names, err = filepath.Glob(filepath.Join(dir, "stage-*.csv")); err != nil {
			return nil, errors.Wrap(err, "cannot list stage files")
		}
		for i := range names {
			names[i] = filepath.Base(names[i])
		}
		sort.Strings(names)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no stage files in %s", ErrConfig, dir)
	}
	if c.Window < 2 {
		return nil, fmt.Errorf("%w: window %d", ErrConfig, c.Window)
	}

	for i, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open stage file %s", name)
		}
		classifiers, err := ReadStage(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "stage file %s", name)
		}
		if len(classifiers) == 0 {
			return nil, fmt.Errorf("%w: stage file %s has no classifiers", ErrConfig, name)
		}
		for j, wc := range classifiers {
			if wc.Feature.Fits(c.Window, c.Window) {
				continue
			}
			return nil, errors.Wrapf(&RecordError{
				Line:   j + 1,
				Record: strings.Join(formatRecord(wc), ","),
				Err:    &BoundsError{Feature: wc.Feature, Width: c.Window + 1, Height: c.Window + 1},
			}, "stage file %s", name)
		}
		threshold := 0.5
		if i < len(m.Thresholds) {
			threshold = m.Thresholds[i]
		}
		c.Stages = append(c.Stages, Stage{Classifiers: classifiers, Threshold: threshold})
	}
	return c, nil
}
