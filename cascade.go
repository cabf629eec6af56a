package haarcascade

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Sean-McConnachie/haarcascade/utils"
	"github.com/rs/zerolog"
)

// Samples holds raw, un-normalized training windows and their labels.
type Samples struct {
	Images []*Image
	Labels []int
}

// Len returns the number of samples.
func (s Samples) Len() int {
	return len(s.Images)
}

// Cascade is an ordered list of stages a window has to pass in turn.
type Cascade struct {
	Stages []Stage
	Window int
	Stats  Stats
}

// Prepare normalizes a copy of a raw window with the cascade statistics and
// returns its integral image.
func (c *Cascade) Prepare(img *Image) *Image {
	norm := img.Clone()
	norm.NormalizeStd(c.Stats.Mean, c.Stats.Std)
	return norm.Integral()
}

// Accepts reports whether every stage accepts the integral image.
func (c *Cascade) Accepts(ii *Image) bool {
	return acceptedBy(c.Stages, ii)
}

// Classifiers returns the total number of weak classifiers.
func (c *Cascade) Classifiers() int {
	var n int
	for _, s := range c.Stages {
		n += len(s.Classifiers)
	}
	return n
}

func acceptedBy(stages []Stage, ii *Image) bool {
	for _, s := range stages {
		if !s.Accepts(ii) {
			return false
		}
	}
	return true
}

// Evaluation holds the validation rates of a cascade prefix.
type Evaluation struct {
	FalsePositiveRate float64
	DetectionRate     float64
}

// StageStats summarizes one trained stage.
type StageStats struct {
	Stage             int           `json:"stage"`
	Classifiers       int           `json:"classifiers"`
	Threshold         float64       `json:"threshold"`
	FalsePositiveRate float64       `json:"false_positive_rate"`
	DetectionRate     float64       `json:"detection_rate"`
	Negatives         int           `json:"negatives"`
	Duration          time.Duration `json:"duration"`
}

// Trainer builds an attentional cascade. Positives stay fixed while the
// negative pool shrinks after every stage.
type Trainer struct {
	// Logger receives stage summaries. It defaults to a no-op logger.
	Logger zerolog.Logger

	cfg       Config
	catalog   *Catalog
	stats     Stats
	positives []*Image
	negatives []*Image
	valPos    []*Image
	valNeg    []*Image
	stages    []Stage
	history   []StageStats
}

// NewTrainer normalizes the training and validation windows with stats and
// converts them to integral images.
func NewTrainer(cfg Config, train, validation Samples, stats Stats, catalog *Catalog) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil || catalog.Len() == 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfig, ErrEmptyCatalog)
	}
	t := &Trainer{
		Logger:  zerolog.Nop(),
		cfg:     cfg,
		catalog: catalog,
		stats:   stats,
	}

	var err error
	if t.positives, t.negatives, err = t.prepare(train); err != nil {
		return nil, fmt.Errorf("training set: %w", err)
	}
	if t.valPos, t.valNeg, err = t.prepare(validation); err != nil {
		return nil, fmt.Errorf("validation set: %w", err)
	}
	return t, nil
}

func (t *Trainer) prepare(s Samples) (pos, neg []*Image, err error) {
	if len(s.Images) != len(s.Labels) {
		return nil, nil, fmt.Errorf("%w: %d images but %d labels", ErrConfig, len(s.Images), len(s.Labels))
	}
	c := &Cascade{Stats: t.stats}
	for i, img := range s.Images {
		if img.Width < t.catalog.Window || img.Height < t.catalog.Window {
			return nil, nil, fmt.Errorf("%w: sample %d is %dx%d, window is %d",
				ErrConfig, i, img.Width, img.Height, t.catalog.Window)
		}
		ii := c.Prepare(img)
		if s.Labels[i] == 1 {
			pos = append(pos, ii)
		} else {
			neg = append(neg, ii)
		}
	}
	if len(pos) == 0 || len(neg) == 0 {
		return nil, nil, fmt.Errorf("%w: %w: %d positives and %d negatives",
			ErrConfig, ErrNoSamples, len(pos), len(neg))
	}
	return pos, neg, nil
}

// Negatives returns the size of the current negative pool.
func (t *Trainer) Negatives() int {
	return len(t.negatives)
}

// History returns the statistics of every stage trained so far.
func (t *Trainer) History() []StageStats {
	return slices.Clone(t.history)
}

// Evaluate scores candidate on the validation set behind the given stages.
// A validation window counts only when every earlier stage and the candidate
// accept it. Rejected windows are neither true nor false positives; both
// rates are taken over the full validation class sizes.
func (t *Trainer) Evaluate(stages []Stage, candidate Stage) Evaluation {
	return t.evaluate(survivors(stages, t.valPos), survivors(stages, t.valNeg), candidate)
}

func survivors(stages []Stage, images []*Image) []*Image {
	var out []*Image
	for _, ii := range images {
		if acceptedBy(stages, ii) {
			out = append(out, ii)
		}
	}
	return out
}

func (t *Trainer) evaluate(pos, neg []*Image, candidate Stage) Evaluation {
	var tp, fp int
	for _, ii := range pos {
		if candidate.Accepts(ii) {
			tp++
		}
	}
	for _, ii := range neg {
		if candidate.Accepts(ii) {
			fp++
		}
	}
	return Evaluation{
		FalsePositiveRate: float64(fp) / float64(len(t.valNeg)),
		DetectionRate:     float64(tp) / float64(len(t.valPos)),
	}
}

// Train adds stages until the cumulative false positive rate reaches the
// target, the stage limit is hit or the negative pool runs out.
func (t *Trainer) Train(ctx context.Context) (*Cascade, error) {
	var (
		cfg    = t.cfg
		fPrev  = 1.0
		dPrev  = 1.0
		start  = time.Now()
		target = cfg.TargetFalsePositive
	)
	if n := len(t.history); n > 0 {
		fPrev = t.history[n-1].FalsePositiveRate
		dPrev = t.history[n-1].DetectionRate
	}

	for fPrev > target {
		i := len(t.stages) + 1
		if i > cfg.MaxStages {
			t.Logger.Warn().Int("stages", cfg.MaxStages).Float64("false_positive_rate", fPrev).
				Msg("stage limit reached before the target false positive rate")
			break
		}
		if len(t.negatives) == 0 {
			t.Logger.Warn().Int("stage", i).Msg("negative pool exhausted")
			break
		}

		stageStart := time.Now()
		log := t.Logger.With().Int("stage", i).Logger()
		log.Info().Int("positives", len(t.positives)).Int("negatives", len(t.negatives)).
			Str("elapsed", utils.FormatTime(time.Since(start))).Msg("stage started")

		stage, eval, err := t.trainStage(ctx, log, fPrev, dPrev)
		if err != nil {
			return t.cascade(), fmt.Errorf("stage %d: %w", i, err)
		}

		if eval.FalsePositiveRate > target {
			t.pruneNegatives(stage)
		}

		t.stages = append(t.stages, stage)
		t.history = append(t.history, StageStats{
			Stage:             i,
			Classifiers:       len(stage.Classifiers),
			Threshold:         stage.Threshold,
			FalsePositiveRate: eval.FalsePositiveRate,
			DetectionRate:     eval.DetectionRate,
			Negatives:         len(t.negatives),
			Duration:          time.Since(stageStart),
		})
		log.Info().
			Int("classifiers", len(stage.Classifiers)).
			Float64("threshold", stage.Threshold).
			Float64("false_positive_rate", eval.FalsePositiveRate).
			Float64("detection_rate", eval.DetectionRate).
			Float64("target_diff", target-eval.FalsePositiveRate).
			Int("negatives_left", len(t.negatives)).
			Str("took", utils.FormatTime(time.Since(stageStart))).
			Msg("stage finished")

		fPrev, dPrev = eval.FalsePositiveRate, eval.DetectionRate
	}
	return t.cascade(), nil
}

func (t *Trainer) cascade() *Cascade {
	return &Cascade{
		Stages: slices.Clone(t.stages),
		Window: t.catalog.Window,
		Stats:  t.stats,
	}
}

// trainStage grows one stage a weak classifier at a time until its false
// positive rate drops below MaxFalsePositive·fPrev, lowering the stage
// threshold whenever the detection rate falls under MinDetection·dPrev.
func (t *Trainer) trainStage(ctx context.Context, log zerolog.Logger, fPrev, dPrev float64) (Stage, Evaluation, error) {
	cfg := t.cfg
	integrals := make([]*Image, 0, len(t.positives)+len(t.negatives))
	integrals = append(integrals, t.positives...)
	integrals = append(integrals, t.negatives...)
	labels := make([]int, len(integrals))
	for i := range t.positives {
		labels[i] = 1
	}

	learner, err := NewLearner(cfg, integrals, labels, t.catalog)
	if err != nil {
		return Stage{}, Evaluation{}, err
	}
	learner.Logger = log

	pos := survivors(t.stages, t.valPos)
	neg := survivors(t.stages, t.valNeg)

	stage := Stage{Threshold: 1.0}
	eval := Evaluation{FalsePositiveRate: fPrev, DetectionRate: dPrev}
	for len(stage.Classifiers) == 0 || eval.FalsePositiveRate > cfg.MaxFalsePositive*fPrev {
		n := len(stage.Classifiers) + 1
		if n > cfg.MaxWeakPerStage {
			log.Warn().Int("classifiers", cfg.MaxWeakPerStage).
				Float64("false_positive_rate", eval.FalsePositiveRate).
				Msg("weak classifier limit reached, accepting stage")
			break
		}
		if stage.Classifiers, err = learner.Train(ctx, n); err != nil {
			return Stage{}, Evaluation{}, err
		}
		eval = t.evaluate(pos, neg, stage)

		for eval.DetectionRate < cfg.MinDetection*dPrev && stage.Threshold > 0 {
			stage.Threshold -= cfg.ThresholdStep
			eval = t.evaluate(pos, neg, stage)
		}
		log.Debug().
			Int("classifiers", n).
			Float64("threshold", stage.Threshold).
			Float64("false_positive_rate", eval.FalsePositiveRate).
			Float64("detection_rate", eval.DetectionRate).
			Msg("stage grown")
	}
	return stage, eval, nil
}

// pruneNegatives drops the negatives the stage already rejects.
func (t *Trainer) pruneNegatives(stage Stage) {
	before := len(t.negatives)
	t.negatives = slices.DeleteFunc(t.negatives, func(ii *Image) bool {
		return !stage.Accepts(ii)
	})
	t.Logger.Info().
		Int("removed", before-len(t.negatives)).
		Int("remaining", len(t.negatives)).
		Msg("negatives pruned")
}
