package tensor

import (
	"fmt"
	"math"
)

// Elementwise arithmetic on Float32 tensors. Operands must share a shape,
// or one of them must be a single-element tensor, which is broadcast.
// These functions do not participate in the autograd graph; the graph ops
// live in autograd.go.

func Add(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, "add", func(x, y float32) float32 { return x + y })
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, "sub", func(x, y float32) float32 { return x - y })
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, "mul", func(x, y float32) float32 { return x * y })
}

func Div(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, "div", func(x, y float32) float32 { return x / y })
}

func elementwise(a, b *Tensor, name string, fn func(x, y float32) float32) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("%s requires Float32 tensors, got %s and %s", name, a.DType, b.DType)
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)

	switch {
	case sameShape(a.Shape, b.Shape):
		result := make([]float32, a.NumElems)
		for i := range result {
			result[i] = fn(aData[i], bData[i])
		}
		return NewTensor(a.Shape, Float32, result)
	case b.NumElems == 1:
		result := make([]float32, a.NumElems)
		s := bData[0]
		for i := range result {
			result[i] = fn(aData[i], s)
		}
		return NewTensor(a.Shape, Float32, result)
	case a.NumElems == 1:
		result := make([]float32, b.NumElems)
		s := aData[0]
		for i := range result {
			result[i] = fn(s, bData[i])
		}
		return NewTensor(b.Shape, Float32, result)
	default:
		return nil, fmt.Errorf("%s: incompatible shapes %v and %v", name, a.Shape, b.Shape)
	}
}

// Sqrt computes the elementwise square root.
func Sqrt(t *Tensor) (*Tensor, error) {
	return unary(t, "sqrt", func(x float32) float32 { return float32(math.Sqrt(float64(x))) })
}

// Exp computes the elementwise exponential.
func Exp(t *Tensor) (*Tensor, error) {
	return unary(t, "exp", func(x float32) float32 { return float32(math.Exp(float64(x))) })
}

// Log computes the elementwise natural logarithm.
func Log(t *Tensor) (*Tensor, error) {
	return unary(t, "log", func(x float32) float32 { return float32(math.Log(float64(x))) })
}

func unary(t *Tensor, name string, fn func(x float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s requires a Float32 tensor, got %s", name, t.DType)
	}
	data := t.Data.([]float32)
	result := make([]float32, t.NumElems)
	for i := range result {
		result[i] = fn(data[i])
	}
	return NewTensor(t.Shape, Float32, result)
}

// Sum reduces all elements to a single-element tensor.
func Sum(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("sum requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Data.([]float32)
	var sum float32
	for _, v := range data {
		sum += v
	}
	return NewTensor([]int{1}, Float32, []float32{sum})
}

// Softmax applies a row-wise softmax over a [batch, classes] tensor with the
// usual max subtraction for numerical stability.
func Softmax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("softmax requires a Float32 tensor, got %s", t.DType)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("softmax requires a 2D tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Data.([]float32)
	result := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		offset := i * cols
		maxVal := data[offset]
		for j := 1; j < cols; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}
		var sum float32
		for j := 0; j < cols; j++ {
			e := float32(math.Exp(float64(data[offset+j] - maxVal)))
			result[offset+j] = e
			sum += e
		}
		for j := 0; j < cols; j++ {
			result[offset+j] /= sum
		}
	}
	return NewTensor(t.Shape, Float32, result)
}

// ArgmaxRows returns the index of the largest value in each row of a
// [batch, classes] tensor. Ties resolve to the lowest index.
func ArgmaxRows(t *Tensor) ([]int, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("argmax requires a Float32 tensor, got %s", t.DType)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("argmax requires a 2D tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Data.([]float32)
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		offset := i * cols
		best := 0
		for j := 1; j < cols; j++ {
			if data[offset+j] > data[offset+best] {
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}
