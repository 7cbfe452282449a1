package training

import (
	"math"
	"testing"
)

func TestAccumulatorMeansPerPatient(t *testing.T) {
	acc := NewPredictionAccumulator()
	if err := acc.Add("pt-001", []float32{0.2, 0.8}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := acc.Add("pt-001", []float32{0.4, 0.6}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := acc.Add("pt-002", []float32{0.9, 0.1}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	means, err := acc.Close()
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(means) != 2 {
		t.Fatalf("got %d patients, want 2", len(means))
	}
	// Sorted by patient id.
	if means[0].Patient != "pt-001" || means[1].Patient != "pt-002" {
		t.Fatalf("unexpected patient order: %v, %v", means[0].Patient, means[1].Patient)
	}
	if math.Abs(means[0].Probs[0]-0.3) > 1e-6 || math.Abs(means[0].Probs[1]-0.7) > 1e-6 {
		t.Errorf("pt-001 mean = %v, want [0.3 0.7]", means[0].Probs)
	}
	if math.Abs(means[1].Probs[0]-0.9) > 1e-6 {
		t.Errorf("pt-002 mean = %v, want [0.9 0.1]", means[1].Probs)
	}
}

func TestAccumulatorClosesExactlyOnce(t *testing.T) {
	acc := NewPredictionAccumulator()
	if err := acc.Add("pt-001", []float32{0.5, 0.5}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := acc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := acc.Close(); err == nil {
		t.Error("second close should fail")
	}
	if err := acc.Add("pt-002", []float32{0.5, 0.5}); err == nil {
		t.Error("add after close should fail")
	}
}

func TestAccumulatorRejectsWidthChange(t *testing.T) {
	acc := NewPredictionAccumulator()
	if err := acc.Add("pt-001", []float32{0.5, 0.5}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := acc.Add("pt-001", []float32{0.2, 0.3, 0.5}); err == nil {
		t.Error("mismatched probability width should fail")
	}
}
