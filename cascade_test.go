package haarcascade

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hardSamples extends the separable set with a background that looks like a
// dim positive, so no stage can reach a zero false positive rate.
func hardSamples() Samples {
	w := testWindow
	s := separableSamples()
	s.Images = append(s.Images,
		block(w, 0, w/2, w, w, 1),
		block(w, 1, 1, 3, 3, 0.9),
		block(w, 0, 0, w/2, w, 0.85),
	)
	s.Labels = append(s.Labels, 0, 0, 0)
	return s
}

func testTrainer(t *testing.T, cfg Config, train, validation Samples) *Trainer {
	t.Helper()
	catalog, err := NewCatalog(cfg.WindowSize)
	require.NoError(t, err)
	stats := ComputeStats(train.Images)
	tr, err := NewTrainer(cfg, train, validation, stats, catalog)
	require.NoError(t, err)
	return tr
}

func TestTrainer_SeparableSetNeedsOneStage(t *testing.T) {
	cfg := testConfig()
	s := separableSamples()
	tr := testTrainer(t, cfg, s, s)

	cascade, err := tr.Train(context.Background())
	require.NoError(t, err)
	require.Len(t, cascade.Stages, 1)
	assert.Equal(t, testWindow, cascade.Window)

	history := tr.History()
	require.Len(t, history, 1)
	assert.Zero(t, history[0].FalsePositiveRate)
	assert.Equal(t, 1.0, history[0].DetectionRate)
	assert.Equal(t, len(cascade.Stages[0].Classifiers), history[0].Classifiers)

	for i, img := range s.Images {
		assert.Equal(t, s.Labels[i] == 1, cascade.Accepts(cascade.Prepare(img)), "sample %d", i)
	}
}

func TestTrainer_FalsePositiveRateNeverIncreases(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStages = 4
	cfg.MaxWeakPerStage = 3
	s := hardSamples()
	tr := testTrainer(t, cfg, s, s)

	cascade, err := tr.Train(context.Background())
	require.NoError(t, err)

	history := tr.History()
	require.NotEmpty(t, history)
	require.Len(t, cascade.Stages, len(history))
	assert.LessOrEqual(t, len(history), cfg.MaxStages)

	for i, h := range history {
		assert.Equal(t, i+1, h.Stage)
		assert.LessOrEqual(t, h.Classifiers, cfg.MaxWeakPerStage)

		eval := tr.Evaluate(cascade.Stages[:i], cascade.Stages[i])
		assert.Equal(t, h.FalsePositiveRate, eval.FalsePositiveRate)
		assert.Equal(t, h.DetectionRate, eval.DetectionRate)

		if i == 0 {
			continue
		}
		prev := history[i-1]
		assert.LessOrEqual(t, h.FalsePositiveRate, prev.FalsePositiveRate)
		assert.LessOrEqual(t, h.Negatives, prev.Negatives)
		assert.GreaterOrEqual(t, h.DetectionRate, cfg.MinDetection*prev.DetectionRate)
	}
	last := history[len(history)-1]
	assert.Greater(t, last.FalsePositiveRate, cfg.TargetFalsePositive)
}

func TestTrainer_StageLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStages = 1
	cfg.MaxWeakPerStage = 2
	s := hardSamples()
	tr := testTrainer(t, cfg, s, s)

	cascade, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Len(t, cascade.Stages, 1)
	assert.LessOrEqual(t, len(cascade.Stages[0].Classifiers), 2)
	assert.Less(t, tr.Negatives(), 7)
}

func TestTrainer_EveryStageHasClassifiers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFalsePositive = 0.99
	cfg.MaxStages = 3
	cfg.MaxWeakPerStage = 2
	s := hardSamples()
	tr := testTrainer(t, cfg, s, s)

	cascade, err := tr.Train(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, cascade.Stages)
	for i, stage := range cascade.Stages {
		assert.NotEmpty(t, stage.Classifiers, "stage %d", i+1)
	}

	cfg.MaxFalsePositive = 1
	catalog, err := NewCatalog(testWindow)
	require.NoError(t, err)
	_, err = NewTrainer(cfg, s, s, ComputeStats(s.Images), catalog)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestTrainer_Evaluate(t *testing.T) {
	cfg := testConfig()
	s := separableSamples()
	tr := testTrainer(t, cfg, s, s)

	acceptAll := Stage{Threshold: 0}
	eval := tr.Evaluate(nil, acceptAll)
	assert.Equal(t, Evaluation{FalsePositiveRate: 1, DetectionRate: 1}, eval)

	rejectAll := Stage{Threshold: 2}
	eval = tr.Evaluate([]Stage{acceptAll}, rejectAll)
	assert.Equal(t, Evaluation{}, eval)

	eval = tr.Evaluate([]Stage{rejectAll}, acceptAll)
	assert.Equal(t, Evaluation{}, eval)
}

func TestTrainer_Errors(t *testing.T) {
	cfg := testConfig()
	catalog, err := NewCatalog(testWindow)
	require.NoError(t, err)
	s := separableSamples()
	stats := ComputeStats(s.Images)

	onlyFaces := Samples{Images: s.Images[:4], Labels: s.Labels[:4]}
	_, err = NewTrainer(cfg, s, onlyFaces, stats, catalog)
	assert.ErrorIs(t, err, ErrNoSamples)

	small := Samples{
		Images: append([]*Image{NewImage(2, 2)}, s.Images[1:]...),
		Labels: s.Labels,
	}
	_, err = NewTrainer(cfg, small, s, stats, catalog)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewTrainer(cfg, s, s, stats, nil)
	assert.ErrorIs(t, err, ErrEmptyCatalog)

	bad := cfg
	bad.ThresholdStep = 0
	_, err = NewTrainer(bad, s, s, stats, catalog)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestCascade_PrepareNormalizes(t *testing.T) {
	c := &Cascade{Stats: Stats{Mean: 1, Std: 2}}
	img := ImageFromRows([][]float64{{1, 3}, {5, 7}})

	ii := c.Prepare(img)
	want := ImageFromRows([][]float64{{0, 0, 0}, {0, 0, 1}, {0, 2, 6}})
	assert.Empty(t, cmp.Diff(want, ii, cmpopts.EquateApprox(0, 1e-12)))
	assert.Equal(t, 1.0, img.At(0, 0))
}
