package tensor

import (
	"fmt"
)

// Autograd ops. Each constructor computes the forward result eagerly and
// records an Operation node on the result so Backward can walk the graph.

func attach(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	requires := false
	for _, in := range inputs {
		if in.requiresGrad {
			requires = true
			break
		}
	}
	if requires {
		result.requiresGrad = true
		result.creator = op
	}
	return result
}

// ---------------------------------------------------------------------------
// Add

type addOp struct {
	a, b *Tensor
}

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(gradOut *Tensor) []*Tensor {
	gradA := reduceGradientToShape(gradOut, op.a.Shape)
	gradB := reduceGradientToShape(gradOut, op.b.Shape)
	return []*Tensor{gradA, gradB}
}

// AddAutograd adds two tensors and records the operation. Shapes must match,
// or b must be a row vector [features] / [1, features] broadcast across the
// rows of a [batch, features] tensor (the bias case).
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("add requires Float32 tensors")
	}
	aData := a.Data.([]float32)
	bData := b.Data.([]float32)

	var result *Tensor
	var err error
	switch {
	case sameShape(a.Shape, b.Shape):
		data := make([]float32, a.NumElems)
		for i := range data {
			data[i] = aData[i] + bData[i]
		}
		result, err = NewTensor(a.Shape, Float32, data)
	case len(a.Shape) == 2 && b.NumElems == a.Shape[1]:
		rows, cols := a.Shape[0], a.Shape[1]
		data := make([]float32, a.NumElems)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				data[i*cols+j] = aData[i*cols+j] + bData[j]
			}
		}
		result, err = NewTensor(a.Shape, Float32, data)
	default:
		return nil, fmt.Errorf("add: incompatible shapes %v and %v", a.Shape, b.Shape)
	}
	if err != nil {
		return nil, err
	}
	return attach(result, &addOp{a: a, b: b}, a, b), nil
}

// reduceGradientToShape sums a gradient down to a broadcast input's shape.
// Covers the two broadcast forms AddAutograd accepts.
func reduceGradientToShape(grad *Tensor, shape []int) *Tensor {
	if sameShape(grad.Shape, shape) {
		cloned, err := grad.Clone()
		if err != nil {
			panic(fmt.Sprintf("gradient clone failed: %v", err))
		}
		return cloned
	}
	gradData := grad.Data.([]float32)
	numElems := calculateNumElements(shape)
	out := make([]float32, numElems)
	cols := numElems
	for i, v := range gradData {
		out[i%cols] += v
	}
	result, err := NewTensor(shape, Float32, out)
	if err != nil {
		panic(fmt.Sprintf("gradient reduction failed: %v", err))
	}
	return result
}

// ---------------------------------------------------------------------------
// MatMul

type matmulOp struct {
	a, b *Tensor
}

func (op *matmulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matmulOp) Backward(gradOut *Tensor) []*Tensor {
	// dA = dOut * B^T, dB = A^T * dOut
	bT, err := Transpose(op.b)
	if err != nil {
		panic(fmt.Sprintf("matmul backward transpose failed: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("matmul backward dA failed: %v", err))
	}
	aT, err := Transpose(op.a)
	if err != nil {
		panic(fmt.Sprintf("matmul backward transpose failed: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("matmul backward dB failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// MatMulAutograd multiplies [n,k] x [k,m] and records the operation.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return attach(result, &matmulOp{a: a, b: b}, a, b), nil
}

// ---------------------------------------------------------------------------
// ReLU

type reluOp struct {
	input *Tensor
}

func (op *reluOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reluOp) Backward(gradOut *Tensor) []*Tensor {
	inData := op.input.Data.([]float32)
	gradData := gradOut.Data.([]float32)
	out := make([]float32, len(gradData))
	for i := range out {
		if inData[i] > 0 {
			out[i] = gradData[i]
		}
	}
	grad, err := NewTensor(op.input.Shape, Float32, out)
	if err != nil {
		panic(fmt.Sprintf("relu backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// ReLUAutograd applies max(0, x) and records the operation.
func ReLUAutograd(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("relu requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, t.NumElems)
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	result, err := NewTensor(t.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return attach(result, &reluOp{input: t}, t), nil
}

// ---------------------------------------------------------------------------
// Reshape / Flatten

type reshapeOp struct {
	input *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reshapeOp) Backward(gradOut *Tensor) []*Tensor {
	gradData := gradOut.Data.([]float32)
	out := make([]float32, len(gradData))
	copy(out, gradData)
	grad, err := NewTensor(op.input.Shape, Float32, out)
	if err != nil {
		panic(fmt.Sprintf("reshape backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// ReshapeAutograd returns a tensor with a new shape over copied storage and
// records the operation.
func ReshapeAutograd(t *Tensor, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("reshape requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	copy(out, data)
	result, err := NewTensor(shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return attach(result, &reshapeOp{input: t}, t), nil
}

// FlattenAutograd collapses all trailing dimensions into one, keeping the
// batch dimension.
func FlattenAutograd(t *Tensor) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("flatten requires at least 2 dimensions, got shape %v", t.Shape)
	}
	return ReshapeAutograd(t, []int{t.Shape[0], t.NumElems / t.Shape[0]})
}

// ---------------------------------------------------------------------------
// Concat (dim 1)

type concatOp struct {
	a, b *Tensor
}

func (op *concatOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *concatOp) Backward(gradOut *Tensor) []*Tensor {
	rows := op.a.Shape[0]
	aCols, bCols := op.a.Shape[1], op.b.Shape[1]
	gradData := gradOut.Data.([]float32)
	gradAData := make([]float32, rows*aCols)
	gradBData := make([]float32, rows*bCols)
	for i := 0; i < rows; i++ {
		copy(gradAData[i*aCols:(i+1)*aCols], gradData[i*(aCols+bCols):i*(aCols+bCols)+aCols])
		copy(gradBData[i*bCols:(i+1)*bCols], gradData[i*(aCols+bCols)+aCols:(i+1)*(aCols+bCols)])
	}
	gradA, err := NewTensor(op.a.Shape, Float32, gradAData)
	if err != nil {
		panic(fmt.Sprintf("concat backward failed: %v", err))
	}
	gradB, err := NewTensor(op.b.Shape, Float32, gradBData)
	if err != nil {
		panic(fmt.Sprintf("concat backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// ConcatAutograd joins two [batch, features] tensors along dim 1 and records
// the operation.
func ConcatAutograd(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("concat requires Float32 tensors")
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("concat requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("concat batch mismatch: %d vs %d", a.Shape[0], b.Shape[0])
	}
	rows := a.Shape[0]
	aCols, bCols := a.Shape[1], b.Shape[1]
	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	out := make([]float32, rows*(aCols+bCols))
	for i := 0; i < rows; i++ {
		copy(out[i*(aCols+bCols):], aData[i*aCols:(i+1)*aCols])
		copy(out[i*(aCols+bCols)+aCols:], bData[i*bCols:(i+1)*bCols])
	}
	result, err := NewTensor([]int{rows, aCols + bCols}, Float32, out)
	if err != nil {
		return nil, err
	}
	return attach(result, &concatOp{a: a, b: b}, a, b), nil
}
