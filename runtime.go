package haarcascade

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/Sean-McConnachie/haarcascade/utils"
	pigo "github.com/esimov/pigo/core"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Detection is a window accepted by every stage of the cascade.
type Detection struct {
	X      int
	Y      int
	Width  int
	Height int
	Scale  float64
	// Score is the mean stage confidence, or the summed score of a cluster.
	Score float64
}

// Rect returns the detection as an image rectangle.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.Width, d.Y+d.Height)
}

type scaledClassifier struct {
	WeakClassifier
	// norm rescales the response to the area the classifier was trained on.
	norm float64
}

type scaledStage struct {
	classifiers []scaledClassifier
	threshold   float64
}

type scaledCascade struct {
	scale  float64
	size   int
	stages []scaledStage
}

// DetectorStats counts the windows a detector has evaluated.
type DetectorStats struct {
	Windows  int64
	Accepted int64
	// Rejected holds the number of windows each stage rejected.
	Rejected []int64
}

// Detector replays a cascade over an image at every scale that fits it.
type Detector struct {
	// Logger receives per image summaries. It defaults to a no-op logger.
	Logger zerolog.Logger
	// UseStageThresholds rejects a window when its stage confidence is below
	// the trained threshold instead of below half the stage weight.
	UseStageThresholds bool

	cfg      Config
	cascade  *Cascade
	scales   []scaledCascade
	windows  atomic.Int64
	accepted atomic.Int64
	rejected []atomic.Int64
}

// NewDetector derives one rescaled copy of the cascade per scale. Scales
// start at 1 and grow by cfg.ScaleFactor while the scaled window fits a
// maxW×maxH image.
func NewDetector(c *Cascade, cfg Config, maxW, maxH int) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil || len(c.Stages) == 0 {
		return nil, fmt.Errorf("%w: cascade has no stages", ErrConfig)
	}
	window := c.Window
	if window == 0 {
		window = cfg.WindowSize
	}
	if window > maxW || window > maxH {
		return nil, fmt.Errorf("%w: window %d does not fit %dx%d", ErrConfig, window, maxW, maxH)
	}
	for i, stage := range c.Stages {
		if len(stage.Classifiers) == 0 {
			return nil, fmt.Errorf("%w: stage %d has no classifiers", ErrConfig, i+1)
		}
		for j, wc := range stage.Classifiers {
			if !wc.Feature.Fits(window, window) {
				return nil, fmt.Errorf("%w: stage %d classifier %d: %w", ErrConfig, i+1, j+1,
					&BoundsError{Feature: wc.Feature, Width: window + 1, Height: window + 1})
			}
		}
	}

	d := &Detector{
		Logger:   zerolog.Nop(),
		cfg:      cfg,
		cascade:  c,
		rejected: make([]atomic.Int64, len(c.Stages)),
	}
	for s := 1.0; ; s *= cfg.ScaleFactor {
		size := int(float64(window) * s)
		if size > maxW || size > maxH {
			break
		}
		sc := scaledCascade{scale: s, size: size, stages: make([]scaledStage, len(c.Stages))}
		for i, stage := range c.Stages {
			ss := scaledStage{
				classifiers: make([]scaledClassifier, len(stage.Classifiers)),
				threshold:   stage.Threshold,
			}
			for j, wc := range stage.Classifiers {
				f := wc.Feature.Scale(s)
				if !f.Fits(size, size) {
					return nil, fmt.Errorf("%w: stage %d classifier %d at scale %g: %w", ErrConfig, i+1, j+1, s,
						&BoundsError{Feature: f, Width: size + 1, Height: size + 1})
				}
				scaled := wc
				scaled.Feature = f
				ss.classifiers[j] = scaledClassifier{
					WeakClassifier: scaled,
					norm:           float64(wc.Feature.Area()) / float64(f.Area()),
				}
			}
			sc.stages[i] = ss
		}
		d.scales = append(d.scales, sc)
	}
	return d, nil
}

// Scales returns the scale factors the detector sweeps.
func (d *Detector) Scales() []float64 {
	scales := make([]float64, len(d.scales))
	for i, sc := range d.scales {
		scales[i] = sc.scale
	}
	return scales
}

// Stats returns the counters accumulated over every Detect call.
func (d *Detector) Stats() DetectorStats {
	st := DetectorStats{
		Windows:  d.windows.Load(),
		Accepted: d.accepted.Load(),
		Rejected: make([]int64, len(d.rejected)),
	}
	for i := range d.rejected {
		st.Rejected[i] = d.rejected[i].Load()
	}
	return st
}

// Detect slides the cascade over a raw grayscale image at every scale and
// returns the accepted windows ordered by scale, row and column.
func (d *Detector) Detect(ctx context.Context, img *Image) ([]Detection, error) {
	ii := d.cascade.Prepare(img)
	step := func(size int) int {
		return utils.Max(1, int(d.cfg.ShiftFactor*float64(size)))
	}

	var dets []Detection
	for _, sc := range d.scales {
		if sc.size > img.Width || sc.size > img.Height {
			continue
		}
		stride := step(sc.size)
		var ys []int
		for y := 0; y+sc.size <= img.Height; y += stride {
			ys = append(ys, y)
		}
		rows := make([][]Detection, len(ys))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.workers())
		for r, y := range ys {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				for x := 0; x+sc.size <= img.Width; x += stride {
					if score, ok := d.evaluate(sc, ii, x, y); ok {
						rows[r] = append(rows[r], Detection{
							X:      x,
							Y:      y,
							Width:  sc.size,
							Height: sc.size,
							Scale:  sc.scale,
							Score:  score,
						})
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, row := range rows {
			dets = append(dets, row...)
		}
	}

	d.Logger.Debug().
		Int("width", img.Width).
		Int("height", img.Height).
		Int("detections", len(dets)).
		Msg("image scanned")
	return dets, nil
}

// evaluate runs the stages on the window anchored at (x, y), stopping at the
// first stage that rejects it.
func (d *Detector) evaluate(sc scaledCascade, ii *Image, x, y int) (float64, bool) {
	d.windows.Add(1)
	var score float64
	for i, stage := range sc.stages {
		var res StageResult
		for _, wc := range stage.classifiers {
			r := wc.Feature.response(ii, x, y) * wc.norm
			res.AlphaSum += wc.Alpha
			res.WeightedSum += wc.Alpha * float64(wc.classify(r))
		}
		var rejected bool
		if d.UseStageThresholds {
			rejected = res.Confidence() < stage.threshold
		} else {
			rejected = res.WeightedSum < 0.5*res.AlphaSum
		}
		if rejected {
			d.rejected[i].Add(1)
			return 0, false
		}
		score += res.Confidence()
	}
	d.accepted.Add(1)
	return score / float64(len(sc.stages)), true
}

// Cluster merges overlapping detections whose intersection over union
// exceeds iou. Each cluster averages the position and size of its members
// and sums their scores.
func Cluster(dets []Detection, iou float64) []Detection {
	if len(dets) == 0 {
		return nil
	}
	in := make([]pigo.Detection, len(dets))
	for i, det := range dets {
		in[i] = pigo.Detection{
			Row:   det.Y + det.Height/2,
			Col:   det.X + det.Width/2,
			Scale: det.Width,
			Q:     float32(det.Score),
		}
	}
	clusters := pigo.NewPigo().ClusterDetections(in, iou)

	out := make([]Detection, len(clusters))
	for i, c := range clusters {
		out[i] = Detection{
			X:      c.Col - c.Scale/2,
			Y:      c.Row - c.Scale/2,
			Width:  c.Scale,
			Height: c.Scale,
			Scale:  float64(c.Scale) / float64(dets[0].Width) * dets[0].Scale,
			Score:  float64(c.Q),
		}
	}
	return out
}
