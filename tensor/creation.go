package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewTensor creates a tensor over the provided storage. The storage is used
// directly, not copied.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)

	switch d := data.(type) {
	case []float32:
		if dtype != Float32 {
			return nil, fmt.Errorf("[]float32 data requires Float32 dtype, got %s", dtype)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
	case []int32:
		if dtype != Int32 {
			return nil, fmt.Errorf("[]int32 data requires Int32 dtype, got %s", dtype)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
	default:
		return nil, fmt.Errorf("unsupported data type %T", data)
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		DType:    dtype,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, make([]float32, numElems))
	case Int32:
		return NewTensor(shape, dtype, make([]int32, numElems))
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// Ones creates a one-filled tensor.
func Ones(shape []int, dtype DType) (*Tensor, error) {
	return Full(shape, dtype, 1.0)
}

// Full creates a tensor filled with a constant value.
func Full(shape []int, dtype DType, value float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	switch dtype {
	case Float32:
		data := make([]float32, numElems)
		v := float32(value)
		for i := range data {
			data[i] = v
		}
		return NewTensor(shape, dtype, data)
	case Int32:
		data := make([]int32, numElems)
		v := int32(value)
		for i := range data {
			data[i] = v
		}
		return NewTensor(shape, dtype, data)
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// FromScalar creates a single-element tensor holding value.
func FromScalar(value float64, dtype DType) *Tensor {
	t, err := Full([]int{1}, dtype, value)
	if err != nil {
		panic(fmt.Sprintf("FromScalar failed: %v", err))
	}
	return t
}

// RandomNormal creates a tensor with values drawn from N(mean, stddev^2)
// using the provided source of randomness.
func RandomNormal(shape []int, mean, stddev float64, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	data := make([]float32, numElems)
	for i := range data {
		data[i] = float32(rng.NormFloat64()*stddev + mean)
	}
	return NewTensor(shape, Float32, data)
}

// RandomUniform creates a tensor with values drawn uniformly from [low, high).
func RandomUniform(shape []int, low, high float64, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	data := make([]float32, numElems)
	for i := range data {
		data[i] = float32(rng.Float64()*(high-low) + low)
	}
	return NewTensor(shape, Float32, data)
}

// KaimingNormal creates a weight tensor initialized from N(0, sqrt(2/fanOut)),
// the fan-out variant used for convolutions feeding ReLU activations.
func KaimingNormal(shape []int, fanOut int, rng *rand.Rand) (*Tensor, error) {
	if fanOut <= 0 {
		return nil, fmt.Errorf("fanOut must be positive, got %d", fanOut)
	}
	stddev := math.Sqrt(2.0 / float64(fanOut))
	return RandomNormal(shape, 0, stddev, rng)
}
