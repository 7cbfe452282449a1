package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/neurograde/tensor"
)

func newTestRNG() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

// quadraticStep runs one forward/backward of f(w) = w . w, where only the
// left operand carries gradient, so the update direction is -w. Repeated
// steps must drive the parameter toward zero.
func quadraticStep(t *testing.T, param *tensor.Tensor, opt Optimizer) {
	t.Helper()
	opt.ZeroGrad()
	transposed, err := tensor.Transpose(param)
	if err != nil {
		t.Fatalf("transpose failed: %v", err)
	}
	squared, err := tensor.MatMulAutograd(param, transposed)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	seed, err := tensor.Ones(squared.Shape, tensor.Float32)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := squared.Backward(seed); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	param, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{3, -2})
	param.SetRequiresGrad(true)

	opt, err := NewAdam([]*tensor.Tensor{param}, 0.1, 0.9, 0.99, 1e-8, 0)
	if err != nil {
		t.Fatalf("adam failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		quadraticStep(t, param, opt)
	}
	data := param.Data.([]float32)
	for i, v := range data {
		if math.Abs(float64(v)) > 0.5 {
			t.Errorf("param[%d] = %f, want near 0 after optimization", i, v)
		}
	}
}

func TestSGDDescendsQuadratic(t *testing.T) {
	param, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{3, -2})
	param.SetRequiresGrad(true)

	opt, err := NewSGD([]*tensor.Tensor{param}, 0.1, 0.9, 0)
	if err != nil {
		t.Fatalf("sgd failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		quadraticStep(t, param, opt)
	}
	data := param.Data.([]float32)
	for i, v := range data {
		if math.Abs(float64(v)) > 1.0 {
			t.Errorf("param[%d] = %f, want closer to 0 after descent", i, v)
		}
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	param, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{3, -2})
	param.SetRequiresGrad(true)
	opt, err := NewAdam([]*tensor.Tensor{param}, 0.1, 0.9, 0.99, 1e-8, 0)
	if err != nil {
		t.Fatalf("adam failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		quadraticStep(t, param, opt)
	}

	snapshot, err := opt.StateSnapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	paramAtSnapshot := append([]float32(nil), param.Data.([]float32)...)

	// Continue the original for a reference trajectory.
	quadraticStep(t, param, opt)
	wantNext := append([]float32(nil), param.Data.([]float32)...)

	// Rebuild from the snapshot and replay the same step.
	param2, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, paramAtSnapshot)
	param2.SetRequiresGrad(true)
	opt2, err := NewAdam([]*tensor.Tensor{param2}, 0.1, 0.9, 0.99, 1e-8, 0)
	if err != nil {
		t.Fatalf("adam failed: %v", err)
	}
	if err := opt2.RestoreState(snapshot); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	quadraticStep(t, param2, opt2)

	got := param2.Data.([]float32)
	for i := range wantNext {
		if math.Abs(float64(got[i]-wantNext[i])) > 1e-6 {
			t.Errorf("restored trajectory diverged at %d: %f vs %f", i, got[i], wantNext[i])
		}
	}
}

func TestAdamRejectsForeignState(t *testing.T) {
	param, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{1})
	param.SetRequiresGrad(true)
	opt, err := NewAdam([]*tensor.Tensor{param}, 0.1, 0.9, 0.99, 1e-8, 0)
	if err != nil {
		t.Fatalf("adam failed: %v", err)
	}
	if err := opt.RestoreState(&OptimizerState{Type: "sgd"}); err == nil {
		t.Error("expected error restoring sgd state into adam")
	}
}
