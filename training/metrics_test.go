package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/neurograde/cohort"
)

// Three patients with truths [low, high, low] and high-grade scores
// [0.2, 0.8, 0.6]: the Youden-optimal threshold is 0.6, which predicts
// [low, high, high] and yields sensitivity 1.0 with a matrix over all three
// patients.
func TestYoudenThresholdThreePatientScenario(t *testing.T) {
	truths := []bool{false, true, false}
	scores := []float64{0.2, 0.8, 0.6}

	points, err := ComputeROC(truths, scores)
	if err != nil {
		t.Fatalf("roc failed: %v", err)
	}
	threshold, err := YoudenThreshold(points)
	if err != nil {
		t.Fatalf("youden failed: %v", err)
	}
	if threshold != 0.6 {
		t.Fatalf("threshold = %f, want 0.6", threshold)
	}

	predictions := BinarizeAtThreshold(scores, threshold)
	want := []cohort.Grade{cohort.LowGrade, cohort.HighGrade, cohort.HighGrade}
	for i := range want {
		if predictions[i] != want[i] {
			t.Errorf("prediction %d = %s, want %s", i, predictions[i], want[i])
		}
	}

	matrix := NewConfusionMatrix(2)
	for i, truth := range truths {
		grade := cohort.LowGrade
		if truth {
			grade = cohort.HighGrade
		}
		if err := matrix.Add(grade.ClassIndex(), predictions[i].ClassIndex()); err != nil {
			t.Fatalf("matrix add failed: %v", err)
		}
	}
	counts, err := matrix.Binary()
	if err != nil {
		t.Fatalf("binary projection failed: %v", err)
	}
	if counts.Total() != len(truths) {
		t.Errorf("matrix total = %d, want %d", counts.Total(), len(truths))
	}
	if got := counts.Sensitivity(); got != 1.0 {
		t.Errorf("sensitivity = %f, want 1.0", got)
	}
}

func TestYoudenFirstMaxWinsOnTies(t *testing.T) {
	points := []ROCPoint{
		{Threshold: math.Inf(1), TPR: 0, FPR: 0},
		{Threshold: 0.9, TPR: 0.5, FPR: 0},
		{Threshold: 0.7, TPR: 0.75, FPR: 0.25},
	}
	// J is 0.5 at both finite thresholds; the earlier point must win.
	threshold, err := YoudenThreshold(points)
	if err != nil {
		t.Fatalf("youden failed: %v", err)
	}
	if threshold != 0.9 {
		t.Errorf("threshold = %f, want the first maximum 0.9", threshold)
	}
}

func TestROCSingleClassIsThresholdUndefined(t *testing.T) {
	_, err := ComputeROC([]bool{true, true, true}, []float64{0.1, 0.5, 0.9})
	if !errors.Is(err, ErrThresholdUndefined) {
		t.Errorf("all-positive truth: expected ErrThresholdUndefined, got %v", err)
	}
	_, err = ComputeROC([]bool{false, false}, []float64{0.1, 0.5})
	if !errors.Is(err, ErrThresholdUndefined) {
		t.Errorf("all-negative truth: expected ErrThresholdUndefined, got %v", err)
	}
}

func TestROCPointsAndMetricBounds(t *testing.T) {
	truths := []bool{true, false, true, false, true, false, false}
	scores := []float64{0.9, 0.8, 0.7, 0.3, 0.55, 0.2, 0.55}

	points, err := ComputeROC(truths, scores)
	if err != nil {
		t.Fatalf("roc failed: %v", err)
	}
	if points[0].TPR != 0 || points[0].FPR != 0 {
		t.Errorf("sentinel point = %+v, want TPR 0 FPR 0", points[0])
	}
	last := points[len(points)-1]
	if last.TPR != 1 || last.FPR != 1 {
		t.Errorf("final point = %+v, want TPR 1 FPR 1", last)
	}
	for i := 1; i < len(points); i++ {
		if points[i].TPR < points[i-1].TPR || points[i].FPR < points[i-1].FPR {
			t.Errorf("curve not monotone at %d: %+v -> %+v", i, points[i-1], points[i])
		}
	}

	auc := AUC(points)
	if auc < 0 || auc > 1 {
		t.Errorf("auc = %f outside [0, 1]", auc)
	}

	threshold, err := YoudenThreshold(points)
	if err != nil {
		t.Fatalf("youden failed: %v", err)
	}
	predictions := BinarizeAtThreshold(scores, threshold)
	matrix := NewConfusionMatrix(2)
	for i, truth := range truths {
		grade := cohort.LowGrade
		if truth {
			grade = cohort.HighGrade
		}
		if err := matrix.Add(grade.ClassIndex(), predictions[i].ClassIndex()); err != nil {
			t.Fatalf("matrix add failed: %v", err)
		}
	}
	counts, err := matrix.Binary()
	if err != nil {
		t.Fatalf("binary projection failed: %v", err)
	}
	if counts.Total() != len(truths) {
		t.Errorf("TP+TN+FP+FN = %d, want %d", counts.Total(), len(truths))
	}
	for name, v := range map[string]float64{
		"sensitivity":       counts.Sensitivity(),
		"specificity":       counts.Specificity(),
		"balanced accuracy": counts.BalancedAccuracy(),
		"accuracy":          counts.Accuracy(),
	} {
		if v < 0 || v > 1 {
			t.Errorf("%s = %f outside [0, 1]", name, v)
		}
	}
}

func TestConfusionMatrixAccuracy(t *testing.T) {
	matrix := NewConfusionMatrix(2)
	adds := [][2]int{{0, 0}, {0, 0}, {0, 1}, {1, 1}, {1, 0}}
	for _, a := range adds {
		if err := matrix.Add(a[0], a[1]); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if got := matrix.Accuracy(); math.Abs(got-0.6) > 1e-12 {
		t.Errorf("accuracy = %f, want 0.6", got)
	}
	if err := matrix.Add(2, 0); err == nil {
		t.Error("expected error for out-of-range class")
	}
	matrix.Reset()
	if matrix.TotalSamples != 0 || matrix.Accuracy() != 0 {
		t.Error("reset did not clear the matrix")
	}
}
