package telemetry

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ROCCurve renders an ROC curve with the chance diagonal and saves it as
// <name>_<step>.png. Returns the artifact path.
func (s *Sink) ROCCurve(name string, step int, fpr, tpr []float64, auc float64) (string, error) {
	if len(fpr) != len(tpr) {
		return "", fmt.Errorf("roc curve: %d fpr values for %d tpr values", len(fpr), len(tpr))
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("ROC (AUC %.3f)", auc)
	p.X.Label.Text = "false positive rate"
	p.Y.Label.Text = "true positive rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1

	curve := make(plotter.XYs, len(fpr))
	for i := range fpr {
		curve[i] = plotter.XY{X: fpr[i], Y: tpr[i]}
	}
	line, err := plotter.NewLine(curve)
	if err != nil {
		return "", fmt.Errorf("roc line: %w", err)
	}
	line.Width = vg.Points(1.5)

	diagonal, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return "", fmt.Errorf("roc diagonal: %w", err)
	}
	diagonal.LineStyle.Color = color.Gray{Y: 160}
	diagonal.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}

	p.Add(line, diagonal)

	path := s.artifactPath(name, step)
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return "", fmt.Errorf("save roc curve: %w", err)
	}
	return path, nil
}

// confusionGrid adapts a confusion matrix to the heat map's grid interface.
// Rows are reversed so the first true class renders at the top.
type confusionGrid struct {
	matrix [][]int
}

func (g confusionGrid) Dims() (int, int)   { return len(g.matrix), len(g.matrix) }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }
func (g confusionGrid) Z(c, r int) float64 { return float64(g.matrix[len(g.matrix)-1-r][c]) }

// ConfusionHeatmap renders a confusion matrix as a heat map artifact and
// returns its path.
func (s *Sink) ConfusionHeatmap(name string, step int, matrix [][]int) (string, error) {
	if len(matrix) == 0 {
		return "", fmt.Errorf("empty confusion matrix")
	}
	p := plot.New()
	p.Title.Text = "confusion matrix"
	p.X.Label.Text = "predicted class"
	p.Y.Label.Text = "true class"

	heatmap := plotter.NewHeatMap(confusionGrid{matrix: matrix}, palette.Heat(12, 1))
	p.Add(heatmap)

	path := s.artifactPath(name, step)
	if err := p.Save(5*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", fmt.Errorf("save confusion heatmap: %w", err)
	}
	return path, nil
}
