package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is implemented by every autograd node. Inputs returns the
// tensors the node was built from; Backward maps the gradient flowing into
// the node's output to one gradient per input (nil for inputs that do not
// require grad).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetData replaces the tensor's storage in place. The replacement must match
// the tensor's element count and dtype; shape and autograd state are kept.
func (t *Tensor) SetData(data interface{}) error {
	switch d := data.(type) {
	case []float32:
		if t.DType != Float32 {
			return fmt.Errorf("cannot set []float32 data on %s tensor", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		copy(t.Data.([]float32), d)
	case []int32:
		if t.DType != Int32 {
			return fmt.Errorf("cannot set []int32 data on %s tensor", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		copy(t.Data.([]int32), d)
	default:
		return fmt.Errorf("unsupported data type %T", data)
	}
	return nil
}

// Clone returns a deep copy detached from the autograd graph.
func (t *Tensor) Clone() (*Tensor, error) {
	switch d := t.Data.(type) {
	case []float32:
		data := make([]float32, len(d))
		copy(data, d)
		return NewTensor(t.Shape, t.DType, data)
	case []int32:
		data := make([]int32, len(d))
		copy(data, d)
		return NewTensor(t.Shape, t.DType, data)
	default:
		return nil, fmt.Errorf("unsupported data type %T", t.Data)
	}
}

// Item returns the value of a single-element Float32 tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	if t.DType != Float32 {
		return 0, fmt.Errorf("Item requires a Float32 tensor, got %s", t.DType)
	}
	return t.Data.([]float32)[0], nil
}

// Float32Data returns the underlying storage of a Float32 tensor.
func (t *Tensor) Float32Data() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return data, nil
}

// Int32Data returns the underlying storage of an Int32 tensor.
func (t *Tensor) Int32Data() ([]int32, error) {
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return data, nil
}

// Backward propagates seed through the autograd graph rooted at t,
// accumulating gradients into every reachable tensor that requires grad.
// A nil seed is allowed for single-element tensors and defaults to 1.
func (t *Tensor) Backward(seed *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("called Backward on a tensor that does not require grad")
	}
	if seed == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("Backward without seed requires a single-element tensor, got shape %v", t.Shape)
		}
		var err error
		seed, err = Ones(t.Shape, Float32)
		if err != nil {
			return err
		}
	}
	if seed.NumElems != t.NumElems {
		return fmt.Errorf("seed gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}

	order := topoSort(t)
	accumulate(t, seed)

	// Reverse topological order: every node sees its full output gradient
	// before its own Backward runs.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		inputGrads := node.creator.Backward(node.grad)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}
		for j, input := range inputs {
			if inputGrads[j] == nil || !input.requiresGrad {
				continue
			}
			accumulate(input, inputGrads[j])
		}
	}
	return nil
}

// topoSort returns the autograd graph reachable from root in topological
// order (inputs before outputs).
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, input := range t.creator.Inputs() {
				visit(input)
			}
		}
		order = append(order, t)
	}
	visit(root)
	return order
}

func accumulate(t *Tensor, grad *Tensor) {
	if t.grad == nil {
		cloned, err := grad.Clone()
		if err != nil {
			panic(fmt.Sprintf("gradient clone failed: %v", err))
		}
		t.grad = cloned
		return
	}
	dst := t.grad.Data.([]float32)
	src := grad.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
}

// ZeroGrad clears the gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
		t.creator = nil
	}
}

// Detach clears the tensor's autograd history without touching its data.
func (t *Tensor) Detach() {
	t.creator = nil
	t.grad = nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
