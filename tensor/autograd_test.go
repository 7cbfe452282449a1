package tensor

import (
	"math"
	"math/rand"
	"testing"
)

const gradTolerance = 2e-2

// numericGradient perturbs each element of target and measures the change in
// the scalar produced by forward, giving a finite-difference gradient.
func numericGradient(t *testing.T, target *Tensor, forward func() float32) []float32 {
	t.Helper()
	const h = 1e-2
	data := target.Data.([]float32)
	grad := make([]float32, len(data))
	for i := range data {
		orig := data[i]
		data[i] = orig + h
		up := forward()
		data[i] = orig - h
		down := forward()
		data[i] = orig
		grad[i] = (up - down) / (2 * h)
	}
	return grad
}

func checkGradients(t *testing.T, name string, got *Tensor, want []float32) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: gradient is nil", name)
	}
	gotData := got.Data.([]float32)
	if len(gotData) != len(want) {
		t.Fatalf("%s: gradient has %d elements, want %d", name, len(gotData), len(want))
	}
	for i := range want {
		if math.Abs(float64(gotData[i]-want[i])) > gradTolerance {
			t.Errorf("%s: gradient[%d] = %f, want %f", name, i, gotData[i], want[i])
		}
	}
}

func sumToScalar(t *testing.T, out *Tensor) float32 {
	t.Helper()
	data := out.Data.([]float32)
	var sum float32
	for i, v := range data {
		// Weight each element differently so symmetric errors cannot cancel.
		sum += v * float32(i+1)
	}
	return sum
}

func seedFor(out *Tensor) *Tensor {
	data := make([]float32, out.NumElems)
	for i := range data {
		data[i] = float32(i + 1)
	}
	seed, _ := NewTensor(out.Shape, Float32, data)
	return seed
}

func TestMatMulBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a, _ := RandomNormal([]int{3, 4}, 0, 1, rng)
	b, _ := RandomNormal([]int{4, 2}, 0, 1, rng)
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out, err := MatMulAutograd(a, b)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := out.Backward(seedFor(out)); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	wantA := numericGradient(t, a, func() float32 {
		o, _ := MatMul(a, b)
		return sumToScalar(t, o)
	})
	wantB := numericGradient(t, b, func() float32 {
		o, _ := MatMul(a, b)
		return sumToScalar(t, o)
	})
	checkGradients(t, "matmul dA", a.Grad(), wantA)
	checkGradients(t, "matmul dB", b.Grad(), wantB)
}

func TestAddBiasBroadcastBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x, _ := RandomNormal([]int{3, 5}, 0, 1, rng)
	bias, _ := RandomNormal([]int{5}, 0, 1, rng)
	x.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	out, err := AddAutograd(x, bias)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := out.Backward(seedFor(out)); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// Bias gradient is the column sum of the seed.
	want := make([]float32, 5)
	for i := 0; i < 3; i++ {
		for j := 0; j < 5; j++ {
			want[j] += float32(i*5 + j + 1)
		}
	}
	checkGradients(t, "bias grad", bias.Grad(), want)

	seedData := make([]float32, 15)
	for i := range seedData {
		seedData[i] = float32(i + 1)
	}
	checkGradients(t, "x grad", x.Grad(), seedData)
}

func TestReLUBackwardMasksNegatives(t *testing.T) {
	x, _ := NewTensor([]int{4}, Float32, []float32{-1, 2, -3, 4})
	x.SetRequiresGrad(true)

	out, err := ReLUAutograd(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	seed, _ := NewTensor([]int{4}, Float32, []float32{1, 1, 1, 1})
	if err := out.Backward(seed); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	checkGradients(t, "relu grad", x.Grad(), []float32{0, 1, 0, 1})
}

func TestConv2DBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	input, _ := RandomNormal([]int{1, 2, 5, 5}, 0, 1, rng)
	weight, _ := RandomNormal([]int{3, 2, 3, 3}, 0, 0.5, rng)
	bias, _ := RandomNormal([]int{3}, 0, 0.5, rng)
	input.SetRequiresGrad(true)
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	out, err := Conv2DAutograd(input, weight, bias, 2, 1)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := out.Backward(seedFor(out)); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	forward := func() float32 {
		o, _ := Conv2DAutograd(input.mustDetached(), weight.mustDetached(), bias.mustDetached(), 2, 1)
		return sumToScalar(t, o)
	}
	checkGradients(t, "conv dInput", input.Grad(), numericGradient(t, input, forward))
	checkGradients(t, "conv dWeight", weight.Grad(), numericGradient(t, weight, forward))
	checkGradients(t, "conv dBias", bias.Grad(), numericGradient(t, bias, forward))
}

// mustDetached shares storage but drops grad tracking, so finite-difference
// probes do not grow the graph.
func (t *Tensor) mustDetached() *Tensor {
	c := &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
	return c
}

func TestMaxPool2DForwardAndBackward(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 4, 4}, Float32, []float32{
		1, 2, 5, 0,
		3, 4, 1, 1,
		0, 1, 9, 2,
		1, 0, 3, 4,
	})
	input.SetRequiresGrad(true)

	out, err := MaxPool2DAutograd(input, 2, 2, 0)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	outData := out.Data.([]float32)
	wantOut := []float32{4, 5, 1, 9}
	for i, want := range wantOut {
		if outData[i] != want {
			t.Errorf("output[%d] = %f, want %f", i, outData[i], want)
		}
	}

	seed, _ := NewTensor(out.Shape, Float32, []float32{10, 20, 30, 40})
	if err := out.Backward(seed); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	grad := input.Grad().Data.([]float32)
	// The bottom-left window ties at 1; the first element in scan order
	// takes the gradient.
	wantGrad := []float32{
		0, 0, 20, 0,
		0, 10, 0, 0,
		0, 30, 40, 0,
		0, 0, 0, 0,
	}
	for i, want := range wantGrad {
		if grad[i] != want {
			t.Errorf("grad[%d] = %f, want %f", i, grad[i], want)
		}
	}
}

func TestGlobalAvgPool2DBackward(t *testing.T) {
	input, _ := NewTensor([]int{1, 2, 2, 2}, Float32, []float32{
		1, 3, 5, 7,
		2, 4, 6, 8,
	})
	input.SetRequiresGrad(true)

	out, err := GlobalAvgPool2DAutograd(input)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	outData := out.Data.([]float32)
	if outData[0] != 4 || outData[1] != 5 {
		t.Fatalf("pooled values = %v, want [4 5]", outData)
	}

	seed, _ := NewTensor([]int{1, 2}, Float32, []float32{8, 4})
	if err := out.Backward(seed); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	grad := input.Grad().Data.([]float32)
	for i := 0; i < 4; i++ {
		if grad[i] != 2 {
			t.Errorf("grad[%d] = %f, want 2", i, grad[i])
		}
	}
	for i := 4; i < 8; i++ {
		if grad[i] != 1 {
			t.Errorf("grad[%d] = %f, want 1", i, grad[i])
		}
	}
}

func TestBatchNorm2DBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	input, _ := RandomNormal([]int{2, 2, 3, 3}, 0, 1, rng)
	gamma, _ := Ones([]int{2}, Float32)
	beta, _ := Zeros([]int{2}, Float32)
	input.SetRequiresGrad(true)
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)

	forward := func() float32 {
		rm, _ := Zeros([]int{2}, Float32)
		rv, _ := Ones([]int{2}, Float32)
		o, err := BatchNorm2DAutograd(input.mustDetached(), gamma.mustDetached(), beta.mustDetached(), rm, rv, 0.1, 1e-5, true)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		return sumToScalar(t, o)
	}

	rm, _ := Zeros([]int{2}, Float32)
	rv, _ := Ones([]int{2}, Float32)
	out, err := BatchNorm2DAutograd(input, gamma, beta, rm, rv, 0.1, 1e-5, true)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := out.Backward(seedFor(out)); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	checkGradients(t, "bn dInput", input.Grad(), numericGradient(t, input, forward))
	checkGradients(t, "bn dGamma", gamma.Grad(), numericGradient(t, gamma, forward))
	checkGradients(t, "bn dBeta", beta.Grad(), numericGradient(t, beta, forward))
}

func TestBatchNorm2DUpdatesRunningStats(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{2, 2, 2, 2})
	gamma, _ := Ones([]int{1}, Float32)
	beta, _ := Zeros([]int{1}, Float32)
	rm, _ := Zeros([]int{1}, Float32)
	rv, _ := Ones([]int{1}, Float32)

	if _, err := BatchNorm2DAutograd(input, gamma, beta, rm, rv, 0.1, 1e-5, true); err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	mean := rm.Data.([]float32)[0]
	variance := rv.Data.([]float32)[0]
	if math.Abs(float64(mean-0.2)) > 1e-6 {
		t.Errorf("running mean = %f, want 0.2", mean)
	}
	if math.Abs(float64(variance-0.9)) > 1e-6 {
		t.Errorf("running var = %f, want 0.9", variance)
	}
}

func TestConcatBackwardSplitsGradient(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 3}, Float32, []float32{5, 6, 7, 8, 9, 10})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out, err := ConcatAutograd(a, b)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	wantOut := []float32{1, 2, 5, 6, 7, 3, 4, 8, 9, 10}
	outData := out.Data.([]float32)
	for i, want := range wantOut {
		if outData[i] != want {
			t.Errorf("output[%d] = %f, want %f", i, outData[i], want)
		}
	}

	if err := out.Backward(seedFor(out)); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	checkGradients(t, "concat dA", a.Grad(), []float32{1, 2, 6, 7})
	checkGradients(t, "concat dB", b.Grad(), []float32{3, 4, 5, 8, 9, 10})
}

func TestBackwardAccumulatesThroughSharedInput(t *testing.T) {
	x, _ := NewTensor([]int{1, 2}, Float32, []float32{1, 2})
	x.SetRequiresGrad(true)

	// y = x + x: gradient of each element should be 2.
	out, err := AddAutograd(x, x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	seed, _ := NewTensor([]int{1, 2}, Float32, []float32{1, 1})
	if err := out.Backward(seed); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	checkGradients(t, "shared input grad", x.Grad(), []float32{2, 2})
}
