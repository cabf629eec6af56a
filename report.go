package haarcascade

import (
	"fmt"
	"image/color"
	"slices"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	positiveColor = color.RGBA{G: 160, A: 255}
	negativeColor = color.RGBA{R: 200, A: 255}
)

// PlotHistory saves a chart of the false positive and detection rates of
// every trained stage. The image format follows the file extension.
func PlotHistory(history []StageStats, path string) error {
	if len(history) == 0 {
		return fmt.Errorf("%w: empty training history", ErrNoSamples)
	}
	p := plot.New()
	p.Title.Text = "Cascade training"
	p.X.Label.Text = "Stage"
	p.Y.Label.Text = "Rate"
	p.Y.Min, p.Y.Max = 0, 1.05

	fpPts := make(plotter.XYs, len(history))
	drPts := make(plotter.XYs, len(history))
	for i, h := range history {
		fpPts[i] = plotter.XY{X: float64(h.Stage), Y: h.FalsePositiveRate}
		drPts[i] = plotter.XY{X: float64(h.Stage), Y: h.DetectionRate}
	}

	fpLine, err := plotter.NewLine(fpPts)
	if err != nil {
		return err
	}
	fpLine.Color = negativeColor
	fpLine.Width = vg.Points(1)
	p.Add(fpLine)
	p.Legend.Add("false positive rate", fpLine)

	drLine, err := plotter.NewLine(drPts)
	if err != nil {
		return err
	}
	drLine.Color = positiveColor
	drLine.Width = vg.Points(1)
	p.Add(drLine)
	p.Legend.Add("detection rate", drLine)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// PlotResponses saves overlaid histograms of a feature's response on
// positive and negative samples.
func PlotResponses(responses []float64, labels []int, path string) error {
	if len(responses) != len(labels) {
		return fmt.Errorf("%d responses but %d labels", len(responses), len(labels))
	}
	var pos, neg plotter.Values
	for i, r := range responses {
		if labels[i] == 1 {
			pos = append(pos, r)
		} else {
			neg = append(neg, r)
		}
	}
	if len(pos) == 0 || len(neg) == 0 {
		return fmt.Errorf("%w: %d positive and %d negative responses", ErrNoSamples, len(pos), len(neg))
	}

	p := plot.New()
	p.Title.Text = "Feature response"
	p.X.Label.Text = "Feature value z = f(x)"
	p.Y.Label.Text = "Value probability"

	for _, set := range []struct {
		name   string
		values plotter.Values
		color  color.Color
	}{
		{"positive", pos, positiveColor},
		{"negative", neg, negativeColor},
	} {
		h, err := plotter.NewHist(set.values, 20)
		if err != nil {
			return err
		}
		h.Normalize(1)
		h.LineStyle.Color = set.color
		h.FillColor = nil
		p.Add(h)
		p.Legend.Add(set.name, h)
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// PrecisionRecall returns the precision and recall obtained by accepting
// every sample whose score is at least each distinct score, from the highest
// threshold down.
func PrecisionRecall(scores []float64, labels []int) (precision, recall, thresholds []float64) {
	order := make([]int, len(scores))
	var positives int
	for i := range order {
		order[i] = i
		if labels[i] == 1 {
			positives++
		}
	}
	if positives == 0 {
		return nil, nil, nil
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})

	var tp, fp int
	for k, idx := range order {
		if labels[idx] == 1 {
			tp++
		} else {
			fp++
		}
		if k+1 < len(order) && scores[order[k+1]] == scores[idx] {
			continue
		}
		precision = append(precision, float64(tp)/float64(tp+fp))
		recall = append(recall, float64(tp)/float64(positives))
		thresholds = append(thresholds, scores[idx])
	}
	return precision, recall, thresholds
}

// PlotPrecisionRecall saves the precision-recall curve of scores.
func PlotPrecisionRecall(scores []float64, labels []int, path string) error {
	precision, recall, _ := PrecisionRecall(scores, labels)
	if len(precision) == 0 {
		return fmt.Errorf("%w: no positive scores", ErrNoSamples)
	}
	pts := make(plotter.XYs, len(precision))
	for i := range precision {
		pts[i] = plotter.XY{X: recall[i], Y: precision[i]}
	}

	p := plot.New()
	p.Title.Text = "Precision-Recall curve"
	p.X.Label.Text = "Recall"
	p.Y.Label.Text = "Precision"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1.05

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{B: 200, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
