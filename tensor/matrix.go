package tensor

import (
	"fmt"
)

// MatMul multiplies an [n,k] matrix by a [k,m] matrix.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("matmul requires Float32 tensors, got %s and %s", a.DType, b.DType)
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got shapes %v and %v", a.Shape, b.Shape)
	}
	n, k := a.Shape[0], a.Shape[1]
	k2, m := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("matmul inner dimension mismatch: %v x %v", a.Shape, b.Shape)
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	out := make([]float32, n*m)
	// ikj loop order keeps the inner loop sequential over both b and out.
	for i := 0; i < n; i++ {
		for p := 0; p < k; p++ {
			av := aData[i*k+p]
			if av == 0 {
				continue
			}
			bRow := bData[p*m : (p+1)*m]
			outRow := out[i*m : (i+1)*m]
			for j := range bRow {
				outRow[j] += av * bRow[j]
			}
		}
	}
	return NewTensor([]int{n, m}, Float32, out)
}

// Transpose swaps the two dimensions of a matrix.
func Transpose(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("transpose requires a Float32 tensor, got %s", t.DType)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = data[i*cols+j]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, out)
}

// Reshape returns a tensor with a new shape over copied storage, outside the
// autograd graph.
func Reshape(t *Tensor, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, shape)
	}
	cloned, err := t.Clone()
	if err != nil {
		return nil, err
	}
	cloned.Shape = make([]int, len(shape))
	copy(cloned.Shape, shape)
	cloned.Strides = calculateStrides(cloned.Shape)
	return cloned, nil
}
