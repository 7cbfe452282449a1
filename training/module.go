package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/neurograde/tensor"
)

// Module is a neural network building block over single-input tensors.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// ---------------------------------------------------------------------------
// Linear

// Linear is a fully connected layer computing x*W + b with weight shape
// [inputSize, outputSize].
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier-uniform weights and zero bias.
func NewLinear(inputSize, outputSize int, rng *rand.Rand) (*Linear, error) {
	limit := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, -limit, limit, rng)
	if err != nil {
		return nil, fmt.Errorf("linear weight init failed: %w", err)
	}
	bias, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("linear bias init failed: %w", err)
	}
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)
	return &Linear{weight: weight, bias: bias, training: true}, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("linear matmul failed: %w", err)
	}
	out, err = tensor.AddAutograd(out, l.bias)
	if err != nil {
		return nil, fmt.Errorf("linear bias add failed: %w", err)
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor { return []*tensor.Tensor{l.weight, l.bias} }
func (l *Linear) Train()                       { l.training = true }
func (l *Linear) Eval()                        { l.training = false }
func (l *Linear) IsTraining() bool             { return l.training }

// Weight exposes the weight tensor for naming and checkpointing.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias exposes the bias tensor for naming and checkpointing.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// ---------------------------------------------------------------------------
// Conv2D

// Conv2D is a 2D convolution over NCHW tensors. Weight shape is
// [outChannels, inChannels, kernel, kernel]; bias is optional.
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a convolution with Kaiming fan-out initialized weights.
func NewConv2D(inChannels, outChannels, kernel, stride, padding int, withBias bool, rng *rand.Rand) (*Conv2D, error) {
	fanOut := outChannels * kernel * kernel
	weight, err := tensor.KaimingNormal([]int{outChannels, inChannels, kernel, kernel}, fanOut, rng)
	if err != nil {
		return nil, fmt.Errorf("conv weight init failed: %w", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{weight: weight, stride: stride, padding: padding, training: true}
	if withBias {
		bias, err := tensor.Zeros([]int{outChannels}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("conv bias init failed: %w", err)
		}
		bias.SetRequiresGrad(true)
		conv.bias = bias
	}
	return conv, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	if c.bias != nil {
		return []*tensor.Tensor{c.weight, c.bias}
	}
	return []*tensor.Tensor{c.weight}
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// Weight exposes the kernel tensor for naming and checkpointing.
func (c *Conv2D) Weight() *tensor.Tensor { return c.weight }

// ---------------------------------------------------------------------------
// BatchNorm2D

// BatchNorm2D normalizes each channel. Batch statistics feed running
// estimates during training; eval mode consumes the running estimates.
type BatchNorm2D struct {
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	momentum    float64
	eps         float64
	training    bool
}

// NewBatchNorm2D creates a batch norm layer with gamma 1, beta 0.
func NewBatchNorm2D(channels int) (*BatchNorm2D, error) {
	gamma, err := tensor.Ones([]int{channels}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	beta, err := tensor.Zeros([]int{channels}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	runningMean, err := tensor.Zeros([]int{channels}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	runningVar, err := tensor.Ones([]int{channels}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)
	return &BatchNorm2D{
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		momentum:    0.1,
		eps:         1e-5,
		training:    true,
	}, nil
}

func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm2DAutograd(input, bn.gamma, bn.beta, bn.runningMean, bn.runningVar,
		bn.momentum, bn.eps, bn.training)
}

func (bn *BatchNorm2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm2D) Train()           { bn.training = true }
func (bn *BatchNorm2D) Eval()            { bn.training = false }
func (bn *BatchNorm2D) IsTraining() bool { return bn.training }

// Gamma exposes the scale tensor.
func (bn *BatchNorm2D) Gamma() *tensor.Tensor { return bn.gamma }

// Beta exposes the shift tensor.
func (bn *BatchNorm2D) Beta() *tensor.Tensor { return bn.beta }

// RunningMean exposes the running mean buffer.
func (bn *BatchNorm2D) RunningMean() *tensor.Tensor { return bn.runningMean }

// RunningVar exposes the running variance buffer.
func (bn *BatchNorm2D) RunningVar() *tensor.Tensor { return bn.runningVar }

// ---------------------------------------------------------------------------
// Stateless layers

// ReLU applies max(0, x).
type ReLU struct {
	training bool
}

func NewReLU() *ReLU { return &ReLU{training: true} }

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// MaxPool2D applies kernel x kernel max pooling.
type MaxPool2D struct {
	kernel   int
	stride   int
	padding  int
	training bool
}

func NewMaxPool2D(kernel, stride, padding int) *MaxPool2D {
	return &MaxPool2D{kernel: kernel, stride: stride, padding: padding, training: true}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2DAutograd(input, m.kernel, m.stride, m.padding)
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor { return nil }
func (m *MaxPool2D) Train()                       { m.training = true }
func (m *MaxPool2D) Eval()                        { m.training = false }
func (m *MaxPool2D) IsTraining() bool             { return m.training }

// GlobalAvgPool2D reduces [n, c, h, w] to [n, c].
type GlobalAvgPool2D struct {
	training bool
}

func NewGlobalAvgPool2D() *GlobalAvgPool2D { return &GlobalAvgPool2D{training: true} }

func (g *GlobalAvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPool2DAutograd(input)
}

func (g *GlobalAvgPool2D) Parameters() []*tensor.Tensor { return nil }
func (g *GlobalAvgPool2D) Train()                       { g.training = true }
func (g *GlobalAvgPool2D) Eval()                        { g.training = false }
func (g *GlobalAvgPool2D) IsTraining() bool             { return g.training }

// ---------------------------------------------------------------------------
// Sequential

// Sequential chains modules in order.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Add appends a module and returns the container for chaining.
func (s *Sequential) Add(m Module) *Sequential {
	s.modules = append(s.modules, m)
	return s
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, m := range s.modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("sequential module %d failed: %w", i, err)
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// Modules returns the contained modules in order.
func (s *Sequential) Modules() []Module { return s.modules }
