package haarcascade

import (
	"context"
	"errors"
	"image"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// edgeCascade accepts windows whose left half is much brighter than the right half.
func edgeCascade(t *testing.T, threshold float64) *Cascade {
	t.Helper()
	f, err := NewFeature(Shape2H, 0, 0, 4, 4)
	require.NoError(t, err)
	return &Cascade{
		Window: 4,
		Stats:  Stats{Mean: 0, Std: 1},
		Stages: []Stage{{
			Classifiers: []WeakClassifier{{Threshold: 6.5, Polarity: -1, Alpha: 1, Feature: f}},
			Threshold:   threshold,
		}},
	}
}

func TestDetector_Scales(t *testing.T) {
	d, err := NewDetector(edgeCascade(t, 0.5), testConfig(), 12, 12)
	require.NoError(t, err)

	scales := d.Scales()
	require.Len(t, scales, 6)
	assert.Equal(t, 1.0, scales[0])
	assert.InDelta(t, 3.0517578125, scales[5], 1e-12)
}

func TestDetector_SingleWindow(t *testing.T) {
	img := NewImage(12, 12)
	for y := 4; y < 8; y++ {
		img.Set(y, 4, 1)
		img.Set(y, 5, 1)
	}

	d, err := NewDetector(edgeCascade(t, 0.5), testConfig(), img.Width, img.Height)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, Detection{X: 4, Y: 4, Width: 4, Height: 4, Scale: 1, Score: 1}, dets[0])
	assert.Equal(t, image.Rect(4, 4, 8, 8), dets[0].Rect())

	stats := d.Stats()
	assert.Equal(t, int64(81+64+49+36+16+1), stats.Windows)
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, []int64{stats.Windows - 1}, stats.Rejected)
}

func TestDetector_SweepsEveryScale(t *testing.T) {
	img := NewImage(12, 12)
	for y := 3; y < 8; y++ {
		img.Set(y, 3, 1)
		img.Set(y, 4, 1)
	}

	d, err := NewDetector(edgeCascade(t, 0.5), testConfig(), img.Width, img.Height)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Contains(t, dets, Detection{X: 3, Y: 3, Width: 5, Height: 5, Scale: 1.25, Score: 1})
	assert.Contains(t, dets, Detection{X: 3, Y: 3, Width: 4, Height: 4, Scale: 1, Score: 1})

	assert.True(t, sort.SliceIsSorted(dets, func(i, j int) bool {
		a, b := dets[i], dets[j]
		if a.Scale != b.Scale {
			return a.Scale < b.Scale
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	}))
}

func TestDetector_StageThresholdPolicy(t *testing.T) {
	img := NewImage(8, 8)
	for y := 2; y < 6; y++ {
		img.Set(y, 2, 1)
		img.Set(y, 3, 1)
	}
	cascade := edgeCascade(t, 2)

	d, err := NewDetector(cascade, testConfig(), img.Width, img.Height)
	require.NoError(t, err)
	dets, err := d.Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Len(t, dets, 1)

	d, err = NewDetector(cascade, testConfig(), img.Width, img.Height)
	require.NoError(t, err)
	d.UseStageThresholds = true
	dets, err = d.Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestDetector_SmallImage(t *testing.T) {
	d, err := NewDetector(edgeCascade(t, 0.5), testConfig(), 12, 12)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), NewImage(3, 3))
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestDetector_Errors(t *testing.T) {
	_, err := NewDetector(nil, testConfig(), 10, 10)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewDetector(&Cascade{Window: 4}, testConfig(), 10, 10)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewDetector(edgeCascade(t, 0.5), testConfig(), 3, 10)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestDetector_RejectsUnusableStages(t *testing.T) {
	empty := edgeCascade(t, 0.5)
	empty.Stages = append(empty.Stages, Stage{Threshold: 0.5})
	_, err := NewDetector(empty, testConfig(), 10, 10)
	assert.ErrorIs(t, err, ErrConfig)

	outside := edgeCascade(t, 0.5)
	f, err := NewFeature(Shape2H, 40, 40, 2, 1)
	require.NoError(t, err)
	outside.Stages[0].Classifiers = append(outside.Stages[0].Classifiers,
		WeakClassifier{Threshold: 0.5, Polarity: 1, Alpha: 1, Feature: f})

	d, err := NewDetector(outside, testConfig(), 30, 30)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrConfig)
	var be *BoundsError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 40, be.Feature.X)
}

func TestDetector_TrainedCascade(t *testing.T) {
	cfg := testConfig()
	s := separableSamples()
	tr := testTrainer(t, cfg, s, s)
	cascade, err := tr.Train(context.Background())
	require.NoError(t, err)

	img := NewImage(6, 10)
	for y := 1; y < 5; y++ {
		img.Set(y, 5, 1)
		img.Set(y, 6, 1)
	}
	d, err := NewDetector(cascade, cfg, img.Width, img.Height)
	require.NoError(t, err)
	d.UseStageThresholds = true

	dets, err := d.Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Contains(t, dets, Detection{X: 5, Y: 1, Width: 4, Height: 4, Scale: 1, Score: 1})
}

func TestCluster(t *testing.T) {
	dets := []Detection{
		{X: 10, Y: 10, Width: 24, Height: 24, Scale: 1, Score: 1},
		{X: 12, Y: 12, Width: 24, Height: 24, Scale: 1, Score: 1},
		{X: 100, Y: 60, Width: 30, Height: 30, Scale: 1.25, Score: 1},
	}
	clusters := Cluster(dets, 0.2)
	require.Len(t, clusters, 2)

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].X < clusters[j].X })
	assert.Equal(t, Detection{X: 11, Y: 11, Width: 24, Height: 24, Scale: 1, Score: 2}, clusters[0])
	assert.Equal(t, Detection{X: 100, Y: 60, Width: 30, Height: 30, Scale: 1.25, Score: 1}, clusters[1])

	assert.Nil(t, Cluster(nil, 0.2))
}
