package training

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"

	"github.com/tsawler/neurograde/cohort"
)

// ErrThresholdUndefined reports an evaluation whose truth labels contain
// only one class, leaving the ROC curve and Youden threshold undefined.
var ErrThresholdUndefined = errors.New("ROC threshold undefined: truth labels contain a single class")

// ConfusionMatrix accumulates [trueClass][predictedClass] counts.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates an empty numClasses x numClasses matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// Reset zeroes all counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Accuracy is the trace over the total.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassCorrect returns the diagonal count for one class.
func (cm *ConfusionMatrix) ClassCorrect(class int) int {
	return cm.Matrix[class][class]
}

// BinaryCounts are the four cells of a binary confusion matrix with
// high-grade (class index 0) as the positive class.
type BinaryCounts struct {
	TP int
	TN int
	FP int
	FN int
}

// Binary projects the matrix onto BinaryCounts.
func (cm *ConfusionMatrix) Binary() (BinaryCounts, error) {
	if cm.NumClasses != 2 {
		return BinaryCounts{}, fmt.Errorf("binary projection needs 2 classes, matrix has %d", cm.NumClasses)
	}
	pos := cohort.HighGrade.ClassIndex()
	neg := cohort.LowGrade.ClassIndex()
	return BinaryCounts{
		TP: cm.Matrix[pos][pos],
		TN: cm.Matrix[neg][neg],
		FP: cm.Matrix[neg][pos],
		FN: cm.Matrix[pos][neg],
	}, nil
}

// Total returns the number of samples behind the counts.
func (bc BinaryCounts) Total() int {
	return bc.TP + bc.TN + bc.FP + bc.FN
}

// Sensitivity is TP / (TP + FN).
func (bc BinaryCounts) Sensitivity() float64 {
	if bc.TP+bc.FN == 0 {
		return 0
	}
	return float64(bc.TP) / float64(bc.TP+bc.FN)
}

// Specificity is TN / (TN + FP).
func (bc BinaryCounts) Specificity() float64 {
	if bc.TN+bc.FP == 0 {
		return 0
	}
	return float64(bc.TN) / float64(bc.TN+bc.FP)
}

// BalancedAccuracy is the mean of sensitivity and specificity.
func (bc BinaryCounts) BalancedAccuracy() float64 {
	return (bc.Sensitivity() + bc.Specificity()) / 2
}

// Accuracy is (TP + TN) over the total.
func (bc BinaryCounts) Accuracy() float64 {
	if bc.Total() == 0 {
		return 0
	}
	return float64(bc.TP+bc.TN) / float64(bc.Total())
}

// ---------------------------------------------------------------------------
// ROC

// ROCPoint is one operating point of the ROC curve.
type ROCPoint struct {
	Threshold float64
	TPR       float64
	FPR       float64
}

// ComputeROC builds the ROC curve of positive-class scores against binary
// truths (true means positive). Candidate thresholds are the unique scores
// in descending order plus a trailing -Inf sentinel; each point counts
// score > threshold as positive, so the curve starts at (0,0), ends at
// (1,1) and is nondecreasing in both rates. The selected threshold is later
// applied inclusively by BinarizeAtThreshold. A single-class truth vector
// yields ErrThresholdUndefined.
func ComputeROC(truths []bool, scores []float64) ([]ROCPoint, error) {
	if len(truths) != len(scores) {
		return nil, fmt.Errorf("got %d truths and %d scores", len(truths), len(scores))
	}
	numPos, numNeg := 0, 0
	for _, t := range truths {
		if t {
			numPos++
		} else {
			numNeg++
		}
	}
	if numPos == 0 || numNeg == 0 {
		return nil, fmt.Errorf("%d positives, %d negatives: %w", numPos, numNeg, ErrThresholdUndefined)
	}

	unique := make([]float64, 0, len(scores))
	seen := make(map[float64]bool, len(scores))
	for _, s := range scores {
		if !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(unique)))

	thresholds := append(unique, math.Inf(-1))
	points := make([]ROCPoint, 0, len(thresholds))
	for _, th := range thresholds {
		tp, fp := 0, 0
		for i, s := range scores {
			if s > th {
				if truths[i] {
					tp++
				} else {
					fp++
				}
			}
		}
		points = append(points, ROCPoint{
			Threshold: th,
			TPR:       float64(tp) / float64(numPos),
			FPR:       float64(fp) / float64(numNeg),
		})
	}
	return points, nil
}

// AUC integrates the ROC curve with the trapezoid rule.
func AUC(points []ROCPoint) float64 {
	if len(points) < 2 {
		return 0
	}
	fpr := make([]float64, len(points))
	tpr := make([]float64, len(points))
	for i, p := range points {
		fpr[i] = p.FPR
		tpr[i] = p.TPR
	}
	return integrate.Trapezoidal(fpr, tpr)
}

// YoudenThreshold picks the threshold maximizing TPR - FPR. On ties the
// earliest point along the curve wins.
func YoudenThreshold(points []ROCPoint) (float64, error) {
	if len(points) == 0 {
		return 0, fmt.Errorf("empty ROC curve: %w", ErrThresholdUndefined)
	}
	best := 0
	bestJ := points[0].TPR - points[0].FPR
	for i, p := range points[1:] {
		if j := p.TPR - p.FPR; j > bestJ {
			bestJ = j
			best = i + 1
		}
	}
	return points[best].Threshold, nil
}

// BinarizeAtThreshold maps scores to grades: score >= threshold predicts the
// positive (high-grade) class.
func BinarizeAtThreshold(scores []float64, threshold float64) []cohort.Grade {
	out := make([]cohort.Grade, len(scores))
	for i, s := range scores {
		if s >= threshold {
			out[i] = cohort.HighGrade
		} else {
			out[i] = cohort.LowGrade
		}
	}
	return out
}
