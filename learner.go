package haarcascade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/Sean-McConnachie/haarcascade/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// ErrNoSamples is returned when a learner or trainer receives no usable samples.
var ErrNoSamples = errors.New("no training samples")

// WeakClassifier is a single feature threshold rule.
// It predicts 1 when Polarity·response < Polarity·Threshold.
type WeakClassifier struct {
	Threshold float64
	Polarity  int
	Alpha     float64
	Feature   Feature
}

func (wc WeakClassifier) classify(r float64) int {
	p := float64(wc.Polarity)
	if p*r < p*wc.Threshold {
		return 1
	}
	return 0
}

// Predict applies the rule to an integral image the feature fits in.
func (wc WeakClassifier) Predict(ii *Image) int {
	return wc.classify(wc.Feature.response(ii, 0, 0))
}

// StageResult is the boosted score of one stage on one sample.
type StageResult struct {
	AlphaSum    float64
	WeightedSum float64
}

// Confidence returns the normalized score |Σα·h / Σα|.
func (r StageResult) Confidence() float64 {
	if r.AlphaSum == 0 {
		return 0
	}
	return math.Abs(r.WeightedSum / r.AlphaSum)
}

// Margin returns the unnormalized signed sum Σα(h-½).
func (r StageResult) Margin() float64 {
	return r.WeightedSum - r.AlphaSum/2
}

// Label returns 1 when the signed margin is not negative.
func (r StageResult) Label() int {
	if r.Margin() >= 0 {
		return 1
	}
	return 0
}

// Stage is a boosted strong classifier with its acceptance threshold.
type Stage struct {
	Classifiers []WeakClassifier
	Threshold   float64
}

// Evaluate scores an integral image every classifier of the stage fits in.
func (s Stage) Evaluate(ii *Image) StageResult {
	var res StageResult
	for _, wc := range s.Classifiers {
		res.AlphaSum += wc.Alpha
		res.WeightedSum += wc.Alpha * float64(wc.Predict(ii))
	}
	return res
}

// Accepts reports whether the stage confidence reaches its threshold.
func (s Stage) Accepts(ii *Image) bool {
	return s.Evaluate(ii).Confidence() >= s.Threshold
}

// Learner runs AdaBoost rounds over a fixed sample set.
type Learner struct {
	// Logger receives progress and numeric warnings. It defaults to a no-op logger.
	Logger zerolog.Logger

	cfg         Config
	catalog     *Catalog
	integrals   []*Image
	labels      []int
	weights     []float64
	classifiers []WeakClassifier
}

// NewLearner prepares a learner over integral images labelled 1 (object) or 0 (background).
// The catalog and the images are shared and never modified.
func NewLearner(cfg Config, integrals []*Image, labels []int, catalog *Catalog) (*Learner, error) {
	if catalog == nil || catalog.Len() == 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfig, ErrEmptyCatalog)
	}
	if len(integrals) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfig, ErrNoSamples)
	}
	if len(integrals) != len(labels) {
		return nil, fmt.Errorf("%w: %d samples but %d labels", ErrConfig, len(integrals), len(labels))
	}

	var maxW, maxH int
	for _, f := range catalog.Features {
		maxW = utils.Max(maxW, f.X+f.Width)
		maxH = utils.Max(maxH, f.Y+f.Height)
	}

	var positives, negatives int
	for i, ii := range integrals {
		if ii.Width-1 < maxW || ii.Height-1 < maxH {
			return nil, fmt.Errorf("%w: sample %d is %dx%d, features need %dx%d",
				ErrConfig, i, ii.Width-1, ii.Height-1, maxW, maxH)
		}
		switch labels[i] {
		case 1:
			positives++
		case 0:
			negatives++
		default:
			return nil, fmt.Errorf("%w: sample %d has label %d", ErrConfig, i, labels[i])
		}
	}
	if positives == 0 || negatives == 0 {
		return nil, fmt.Errorf("%w: %w: %d positives and %d negatives",
			ErrConfig, ErrNoSamples, positives, negatives)
	}

	weights := make([]float64, len(labels))
	for i, y := range labels {
		if y == 1 {
			weights[i] = 1 / (2 * float64(positives))
		} else {
			weights[i] = 1 / (2 * float64(negatives))
		}
	}

	return &Learner{
		Logger:    zerolog.Nop(),
		cfg:       cfg,
		catalog:   catalog,
		integrals: integrals,
		labels:    labels,
		weights:   weights,
	}, nil
}

// Classifiers returns a copy of the weak classifiers selected so far.
func (l *Learner) Classifiers() []WeakClassifier {
	return slices.Clone(l.classifiers)
}

// Weights returns a copy of the current sample weights.
func (l *Learner) Weights() []float64 {
	return slices.Clone(l.weights)
}

// WeightedError returns the error of a classifier under the current weights, normalized by their sum.
func (l *Learner) WeightedError(wc WeakClassifier) float64 {
	var sum, total float64
	for i, ii := range l.integrals {
		h := wc.Predict(ii)
		sum += l.weights[i] * float64(utils.Abs(h-l.labels[i]))
		total += l.weights[i]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// Train runs boosting rounds until the learner holds rounds weak classifiers.
// Calling it again with a larger count continues from the current state.
func (l *Learner) Train(ctx context.Context, rounds int) ([]WeakClassifier, error) {
	eps := l.cfg.ErrorEpsilon
	for len(l.classifiers) < rounds {
		start := time.Now()
		floats.Scale(1/floats.Sum(l.weights), l.weights)

		wc, e, err := l.SelectBest(ctx)
		if err != nil {
			return l.Classifiers(), err
		}
		if e < eps || e > 1-eps {
			l.Logger.Warn().
				Float64("error", e).
				Str("feature", wc.Feature.String()).
				Msg("weighted error clamped")
			e = utils.Clamp(e, eps, 1-eps)
		}

		beta := e / (1 - e)
		wc.Alpha = math.Log(1 / beta)
		l.classifiers = append(l.classifiers, wc)

		for i, ii := range l.integrals {
			h := wc.Predict(ii)
			l.weights[i] *= math.Pow(beta, float64(1-utils.Abs(h-l.labels[i])))
		}

		l.Logger.Info().
			Int("round", len(l.classifiers)).
			Str("feature", wc.Feature.String()).
			Float64("threshold", wc.Threshold).
			Int("polarity", wc.Polarity).
			Float64("error", e).
			Float64("alpha", wc.Alpha).
			Str("took", utils.FormatTime(time.Since(start))).
			Msg("weak classifier selected")
	}
	return l.Classifiers(), nil
}

type candidate struct {
	index     int
	threshold float64
	polarity  int
	err       float64
}

func (c candidate) better(o candidate) bool {
	if c.err != o.err {
		return c.err < o.err
	}
	return c.index < o.index
}

// SelectBest scans the whole catalog for the feature, threshold and polarity
// with the lowest weighted error under the current weights. It returns the
// weak classifier without its boosting weight together with that error.
func (l *Learner) SelectBest(ctx context.Context) (WeakClassifier, float64, error) {
	features := l.catalog.Features
	workers := l.cfg.workers()
	chunk := (len(features) + workers - 1) / workers
	results := make([]candidate, 0, workers)
	for lo := 0; lo < len(features); lo += chunk {
		results = append(results, candidate{index: -1})
	}

	var tPlus, tMinus float64
	for i, y := range l.labels {
		if y == 1 {
			tPlus += l.weights[i]
		} else {
			tMinus += l.weights[i]
		}
	}

	var (
		done  atomic.Int64
		start = time.Now()
		total = int64(len(features))
		every = int64(l.cfg.StatusEvery)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := range results {
		lo := c * chunk
		hi := utils.Min(lo+chunk, len(features))
		g.Go(func() error {
			responses := make([]float64, len(l.integrals))
			order := make([]int, len(l.integrals))
			best := candidate{index: -1}
			for fi := lo; fi < hi; fi++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				cand := l.evaluate(features[fi], responses, order, tPlus, tMinus)
				cand.index = fi
				if best.index < 0 || cand.better(best) {
					best = cand
				}
				if n := done.Add(1); every > 0 && n%every == 0 {
					elapsed := time.Since(start)
					eta := time.Duration(float64(elapsed) / float64(n) * float64(total-n))
					l.Logger.Debug().
						Int64("features", n).
						Int64("total", total).
						Str("eta", utils.FormatTime(eta)).
						Msg("selecting weak classifier")
				}
			}
			results[c] = best
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return WeakClassifier{}, 0, err
	}

	best := candidate{index: -1}
	for _, cand := range results {
		if cand.index < 0 {
			continue
		}
		if best.index < 0 || cand.better(best) {
			best = cand
		}
	}
	if best.index < 0 {
		return WeakClassifier{}, 0, fmt.Errorf("%w: %w", ErrConfig, ErrEmptyCatalog)
	}
	return WeakClassifier{
		Threshold: best.threshold,
		Polarity:  best.polarity,
		Feature:   features[best.index],
	}, best.err, nil
}

// evaluate finds the best threshold and polarity of one feature. The sorted
// scan proposes a split in O(1) per position; the chosen split is then scored
// exactly against every sample.
func (l *Learner) evaluate(f Feature, responses []float64, order []int, tPlus, tMinus float64) candidate {
	for i, ii := range l.integrals {
		responses[i] = f.response(ii, 0, 0)
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case responses[a] < responses[b]:
			return -1
		case responses[a] > responses[b]:
			return 1
		}
		return 0
	})

	var (
		sPlus, sMinus float64
		minErr        = math.MaxFloat64
		threshold     float64
		polarity      = 1
	)
	for k, idx := range order {
		if l.labels[idx] == 1 {
			sPlus += l.weights[idx]
		} else {
			sMinus += l.weights[idx]
		}

		// Split between this sample and the next distinct response.
		r := responses[idx]
		var theta float64
		if k+1 < len(order) {
			next := responses[order[k+1]]
			if next == r {
				continue
			}
			theta = r + (next-r)/2
		} else {
			theta = math.Nextafter(r, math.Inf(1))
		}

		// err1 rejects the lower side, err2 rejects the upper side.
		err1 := sPlus + (tMinus - sMinus)
		err2 := sMinus + (tPlus - sPlus)

		switch l.cfg.TieBreak {
		case TieBreakLegacy:
			if err1 < minErr {
				minErr, threshold, polarity = err1, theta, -1
			} else {
				minErr, threshold, polarity = err2, theta, 1
			}
		default:
			if err1 < minErr {
				minErr, threshold, polarity = err1, theta, -1
			}
			if err2 < minErr {
				minErr, threshold, polarity = err2, theta, 1
			}
		}
	}

	wc := WeakClassifier{Threshold: threshold, Polarity: polarity}
	var e float64
	for i, r := range responses {
		e += l.weights[i] * float64(utils.Abs(wc.classify(r)-l.labels[i]))
	}
	return candidate{threshold: threshold, polarity: polarity, err: e}
}
