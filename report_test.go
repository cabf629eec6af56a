package haarcascade

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_PlotHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.png")
	history := []StageStats{
		{Stage: 1, FalsePositiveRate: 0.4, DetectionRate: 1},
		{Stage: 2, FalsePositiveRate: 0.15, DetectionRate: 0.99},
		{Stage: 3, FalsePositiveRate: 0.04, DetectionRate: 0.985},
	}
	require.NoError(t, PlotHistory(history, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.ErrorIs(t, PlotHistory(nil, path), ErrNoSamples)
}

func TestReport_PlotResponses(t *testing.T) {
	dir := t.TempDir()
	responses := []float64{5.6, 6.4, 7.2, 8, -8, -4, 0, 0.5}
	labels := []int{1, 1, 1, 1, 0, 0, 0, 0}

	path := filepath.Join(dir, "responses.svg")
	require.NoError(t, PlotResponses(responses, labels, path))
	assert.FileExists(t, path)

	assert.Error(t, PlotResponses(responses, labels[:3], path))
	assert.ErrorIs(t, PlotResponses(responses[:4], labels[:4], path), ErrNoSamples)
}

func TestReport_PrecisionRecall(t *testing.T) {
	assert := assert.New(t)

	scores := []float64{0.9, 0.8, 0.8, 0.3, 0.1}
	labels := []int{1, 1, 0, 1, 0}
	precision, recall, thresholds := PrecisionRecall(scores, labels)

	assert.Equal([]float64{0.9, 0.8, 0.3, 0.1}, thresholds)
	assert.Equal([]float64{1, 2.0 / 3, 3.0 / 4, 3.0 / 5}, precision)
	assert.Equal([]float64{1.0 / 3, 2.0 / 3, 1, 1}, recall)

	p, r, th := PrecisionRecall([]float64{1}, []int{0})
	assert.Nil(p)
	assert.Nil(r)
	assert.Nil(th)

	path := filepath.Join(t.TempDir(), "pr.png")
	assert.NoError(PlotPrecisionRecall(scores, labels, path))
	assert.FileExists(path)
}
