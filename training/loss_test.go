package training

import (
	"math"
	"testing"

	"github.com/tsawler/neurograde/tensor"
)

func TestCrossEntropyForwardMatchesHandComputation(t *testing.T) {
	logits, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{2, 0, 1, 3})
	targets, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 1})

	loss, err := NewCrossEntropyLoss("mean").Forward(logits, targets)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	got, err := loss.Item()
	if err != nil {
		t.Fatalf("item failed: %v", err)
	}

	// -log softmax at the target class, averaged over the batch.
	l1 := -math.Log(math.Exp(2) / (math.Exp(2) + math.Exp(0)))
	l2 := -math.Log(math.Exp(3) / (math.Exp(1) + math.Exp(3)))
	want := (l1 + l2) / 2
	if math.Abs(float64(got)-want) > 1e-5 {
		t.Errorf("loss = %f, want %f", got, want)
	}
}

func TestCrossEntropyBackwardIsSoftmaxMinusOneHot(t *testing.T) {
	logits, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, -1})
	targets, _ := tensor.NewTensor([]int{1}, tensor.Int32, []int32{0})

	grad, err := NewCrossEntropyLoss("mean").Backward(logits, targets)
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	data := grad.Data.([]float32)

	p0 := math.Exp(1) / (math.Exp(1) + math.Exp(-1))
	if math.Abs(float64(data[0])-(p0-1)) > 1e-5 {
		t.Errorf("grad[0] = %f, want %f", data[0], p0-1)
	}
	if math.Abs(float64(data[1])-(1-p0)) > 1e-5 {
		t.Errorf("grad[1] = %f, want %f", data[1], 1-p0)
	}
}

func TestCrossEntropyRejectsBadTargets(t *testing.T) {
	logits, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 2})
	badClass, _ := tensor.NewTensor([]int{1}, tensor.Int32, []int32{5})
	if _, err := NewCrossEntropyLoss("mean").Forward(logits, badClass); err == nil {
		t.Error("expected error for out-of-range class")
	}

	badShape, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 1})
	if _, err := NewCrossEntropyLoss("mean").Forward(logits, badShape); err == nil {
		t.Error("expected error for batch size mismatch")
	}
}

func TestCrossEntropyGradientDescentReducesLoss(t *testing.T) {
	// One linear layer trained on a separable toy problem: the loss after a
	// few Adam steps must drop.
	rng := newTestRNG()
	layer, err := NewLinear(2, 2, rng)
	if err != nil {
		t.Fatalf("layer failed: %v", err)
	}
	inputs, _ := tensor.NewTensor([]int{4, 2}, tensor.Float32, []float32{
		1, 0,
		0.9, 0.1,
		0, 1,
		0.2, 0.8,
	})
	targets, _ := tensor.NewTensor([]int{4}, tensor.Int32, []int32{0, 0, 1, 1})

	criterion := NewCrossEntropyLoss("mean")
	opt, err := NewAdam(layer.Parameters(), 0.05, 0.9, 0.99, 1e-8, 0)
	if err != nil {
		t.Fatalf("optimizer failed: %v", err)
	}

	lossAt := func() float32 {
		logits, err := layer.Forward(inputs)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		loss, err := criterion.Forward(logits, targets)
		if err != nil {
			t.Fatalf("loss failed: %v", err)
		}
		v, _ := loss.Item()
		return v
	}

	before := lossAt()
	for i := 0; i < 30; i++ {
		opt.ZeroGrad()
		logits, err := layer.Forward(inputs)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		grad, err := criterion.Backward(logits, targets)
		if err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		if err := logits.Backward(grad); err != nil {
			t.Fatalf("autograd backward failed: %v", err)
		}
		if err := opt.Step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	after := lossAt()

	if after >= before {
		t.Errorf("loss did not decrease: before %f, after %f", before, after)
	}
}
