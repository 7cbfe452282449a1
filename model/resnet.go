// Package model builds the residual image backbone and the fusion classifier
// over paired image and radiomic inputs.
package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/neurograde/tensor"
	"github.com/tsawler/neurograde/training"
)

// blockKind selects the residual block architecture of a preset.
type blockKind int

const (
	basicKind blockKind = iota
	bottleneckKind
)

// preset describes one ResNet depth.
type preset struct {
	kind      blockKind
	layers    [4]int
	expansion int
}

var presets = map[string]preset{
	"resnet18":  {kind: basicKind, layers: [4]int{2, 2, 2, 2}, expansion: 1},
	"resnet34":  {kind: basicKind, layers: [4]int{3, 4, 6, 3}, expansion: 1},
	"resnet50":  {kind: bottleneckKind, layers: [4]int{3, 4, 6, 3}, expansion: 4},
	"resnet101": {kind: bottleneckKind, layers: [4]int{3, 4, 23, 3}, expansion: 4},
}

// stageWidths are the base channel counts of the four residual stages.
var stageWidths = [4]int{64, 128, 256, 512}

// tensorRegistry collects named tensors as layers are constructed, so the
// checkpoint schema mirrors the build order.
type tensorRegistry struct {
	named []training.NamedTensor
}

func (r *tensorRegistry) conv(name string, c *training.Conv2D) {
	r.named = append(r.named, training.NamedTensor{Name: name + ".weight", Tensor: c.Weight(), Trainable: true})
}

func (r *tensorRegistry) batchNorm(name string, bn *training.BatchNorm2D) {
	r.named = append(r.named,
		training.NamedTensor{Name: name + ".gamma", Tensor: bn.Gamma(), Trainable: true},
		training.NamedTensor{Name: name + ".beta", Tensor: bn.Beta(), Trainable: true},
		training.NamedTensor{Name: name + ".running_mean", Tensor: bn.RunningMean(), Trainable: false},
		training.NamedTensor{Name: name + ".running_var", Tensor: bn.RunningVar(), Trainable: false},
	)
}

func (r *tensorRegistry) linear(name string, l *training.Linear) {
	r.named = append(r.named,
		training.NamedTensor{Name: name + ".weight", Tensor: l.Weight(), Trainable: true},
		training.NamedTensor{Name: name + ".bias", Tensor: l.Bias(), Trainable: true},
	)
}

// ---------------------------------------------------------------------------
// Residual blocks

// basicBlock is two 3x3 convolutions with an identity or projected shortcut.
type basicBlock struct {
	conv1    *training.Conv2D
	bn1      *training.BatchNorm2D
	conv2    *training.Conv2D
	bn2      *training.BatchNorm2D
	downConv *training.Conv2D
	downBN   *training.BatchNorm2D
	training bool
}

func newBasicBlock(name string, inChannels, channels, stride int, rng *rand.Rand, reg *tensorRegistry) (*basicBlock, error) {
	conv1, err := training.NewConv2D(inChannels, channels, 3, stride, 1, false, rng)
	if err != nil {
		return nil, err
	}
	bn1, err := training.NewBatchNorm2D(channels)
	if err != nil {
		return nil, err
	}
	conv2, err := training.NewConv2D(channels, channels, 3, 1, 1, false, rng)
	if err != nil {
		return nil, err
	}
	bn2, err := training.NewBatchNorm2D(channels)
	if err != nil {
		return nil, err
	}
	reg.conv(name+".conv1", conv1)
	reg.batchNorm(name+".bn1", bn1)
	reg.conv(name+".conv2", conv2)
	reg.batchNorm(name+".bn2", bn2)

	b := &basicBlock{conv1: conv1, bn1: bn1, conv2: conv2, bn2: bn2, training: true}
	if stride != 1 || inChannels != channels {
		b.downConv, err = training.NewConv2D(inChannels, channels, 1, stride, 0, false, rng)
		if err != nil {
			return nil, err
		}
		b.downBN, err = training.NewBatchNorm2D(channels)
		if err != nil {
			return nil, err
		}
		reg.conv(name+".downsample.conv", b.downConv)
		reg.batchNorm(name+".downsample.bn", b.downBN)
	}
	return b, nil
}

func (b *basicBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := forwardChain(input, b.conv1, b.bn1)
	if err != nil {
		return nil, err
	}
	out, err = tensor.ReLUAutograd(out)
	if err != nil {
		return nil, err
	}
	out, err = forwardChain(out, b.conv2, b.bn2)
	if err != nil {
		return nil, err
	}

	identity := input
	if b.downConv != nil {
		identity, err = forwardChain(input, b.downConv, b.downBN)
		if err != nil {
			return nil, err
		}
	}
	out, err = tensor.AddAutograd(out, identity)
	if err != nil {
		return nil, err
	}
	return tensor.ReLUAutograd(out)
}

func (b *basicBlock) Parameters() []*tensor.Tensor {
	params := append(b.conv1.Parameters(), b.bn1.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	params = append(params, b.bn2.Parameters()...)
	if b.downConv != nil {
		params = append(params, b.downConv.Parameters()...)
		params = append(params, b.downBN.Parameters()...)
	}
	return params
}

func (b *basicBlock) Train() {
	b.training = true
	b.bn1.Train()
	b.bn2.Train()
	if b.downBN != nil {
		b.downBN.Train()
	}
}

func (b *basicBlock) Eval() {
	b.training = false
	b.bn1.Eval()
	b.bn2.Eval()
	if b.downBN != nil {
		b.downBN.Eval()
	}
}

func (b *basicBlock) IsTraining() bool { return b.training }

// lastBN returns the batch norm closing the residual branch.
func (b *basicBlock) lastBN() *training.BatchNorm2D { return b.bn2 }

// bottleneck is a 1x1 reduce, 3x3, 1x1 expand stack with expansion 4.
type bottleneck struct {
	conv1    *training.Conv2D
	bn1      *training.BatchNorm2D
	conv2    *training.Conv2D
	bn2      *training.BatchNorm2D
	conv3    *training.Conv2D
	bn3      *training.BatchNorm2D
	downConv *training.Conv2D
	downBN   *training.BatchNorm2D
	training bool
}

func newBottleneck(name string, inChannels, channels, stride int, rng *rand.Rand, reg *tensorRegistry) (*bottleneck, error) {
	outChannels := channels * 4
	conv1, err := training.NewConv2D(inChannels, channels, 1, 1, 0, false, rng)
	if err != nil {
		return nil, err
	}
	bn1, err := training.NewBatchNorm2D(channels)
	if err != nil {
		return nil, err
	}
	conv2, err := training.NewConv2D(channels, channels, 3, stride, 1, false, rng)
	if err != nil {
		return nil, err
	}
	bn2, err := training.NewBatchNorm2D(channels)
	if err != nil {
		return nil, err
	}
	conv3, err := training.NewConv2D(channels, outChannels, 1, 1, 0, false, rng)
	if err != nil {
		return nil, err
	}
	bn3, err := training.NewBatchNorm2D(outChannels)
	if err != nil {
		return nil, err
	}
	reg.conv(name+".conv1", conv1)
	reg.batchNorm(name+".bn1", bn1)
	reg.conv(name+".conv2", conv2)
	reg.batchNorm(name+".bn2", bn2)
	reg.conv(name+".conv3", conv3)
	reg.batchNorm(name+".bn3", bn3)

	b := &bottleneck{conv1: conv1, bn1: bn1, conv2: conv2, bn2: bn2, conv3: conv3, bn3: bn3, training: true}
	if stride != 1 || inChannels != outChannels {
		b.downConv, err = training.NewConv2D(inChannels, outChannels, 1, stride, 0, false, rng)
		if err != nil {
			return nil, err
		}
		b.downBN, err = training.NewBatchNorm2D(outChannels)
		if err != nil {
			return nil, err
		}
		reg.conv(name+".downsample.conv", b.downConv)
		reg.batchNorm(name+".downsample.bn", b.downBN)
	}
	return b, nil
}

func (b *bottleneck) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := forwardChain(input, b.conv1, b.bn1)
	if err != nil {
		return nil, err
	}
	out, err = tensor.ReLUAutograd(out)
	if err != nil {
		return nil, err
	}
	out, err = forwardChain(out, b.conv2, b.bn2)
	if err != nil {
		return nil, err
	}
	out, err = tensor.ReLUAutograd(out)
	if err != nil {
		return nil, err
	}
	out, err = forwardChain(out, b.conv3, b.bn3)
	if err != nil {
		return nil, err
	}

	identity := input
	if b.downConv != nil {
		identity, err = forwardChain(input, b.downConv, b.downBN)
		if err != nil {
			return nil, err
		}
	}
	out, err = tensor.AddAutograd(out, identity)
	if err != nil {
		return nil, err
	}
	return tensor.ReLUAutograd(out)
}

func (b *bottleneck) Parameters() []*tensor.Tensor {
	params := append(b.conv1.Parameters(), b.bn1.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	params = append(params, b.bn2.Parameters()...)
	params = append(params, b.conv3.Parameters()...)
	params = append(params, b.bn3.Parameters()...)
	if b.downConv != nil {
		params = append(params, b.downConv.Parameters()...)
		params = append(params, b.downBN.Parameters()...)
	}
	return params
}

func (b *bottleneck) Train() {
	b.training = true
	b.bn1.Train()
	b.bn2.Train()
	b.bn3.Train()
	if b.downBN != nil {
		b.downBN.Train()
	}
}

func (b *bottleneck) Eval() {
	b.training = false
	b.bn1.Eval()
	b.bn2.Eval()
	b.bn3.Eval()
	if b.downBN != nil {
		b.downBN.Eval()
	}
}

func (b *bottleneck) IsTraining() bool { return b.training }

func (b *bottleneck) lastBN() *training.BatchNorm2D { return b.bn3 }

// residualBlock is a training.Module exposing its final batch norm for
// zero-init-residual.
type residualBlock interface {
	training.Module
	lastBN() *training.BatchNorm2D
}

func forwardChain(input *tensor.Tensor, conv *training.Conv2D, bn *training.BatchNorm2D) (*tensor.Tensor, error) {
	out, err := conv.Forward(input)
	if err != nil {
		return nil, err
	}
	return bn.Forward(out)
}

// ---------------------------------------------------------------------------
// Backbone

// ResNet is the 4-channel residual backbone mapping [n, 4, h, w] images to
// [n, FeatureWidth] embeddings.
type ResNet struct {
	stemConv *training.Conv2D
	stemBN   *training.BatchNorm2D
	pool     *training.MaxPool2D
	blocks   []residualBlock
	gap      *training.GlobalAvgPool2D
	width    int
	training bool
}

// NewResNet builds the named preset over inChannels input planes. With
// zeroInitResidual, each bottleneck's closing batch norm starts at gamma
// zero so the block begins as an identity; basic blocks keep the standard
// initialization.
func NewResNet(name string, inChannels int, zeroInitResidual bool, rng *rand.Rand, reg *tensorRegistry) (*ResNet, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown backbone %q", name)
	}

	stemConv, err := training.NewConv2D(inChannels, 64, 7, 2, 3, false, rng)
	if err != nil {
		return nil, err
	}
	stemBN, err := training.NewBatchNorm2D(64)
	if err != nil {
		return nil, err
	}
	reg.conv("stem.conv", stemConv)
	reg.batchNorm("stem.bn", stemBN)

	net := &ResNet{
		stemConv: stemConv,
		stemBN:   stemBN,
		pool:     training.NewMaxPool2D(3, 2, 1),
		gap:      training.NewGlobalAvgPool2D(),
		width:    stageWidths[3] * p.expansion,
		training: true,
	}

	inWidth := 64
	for stage := 0; stage < 4; stage++ {
		channels := stageWidths[stage]
		for i := 0; i < p.layers[stage]; i++ {
			stride := 1
			if stage > 0 && i == 0 {
				stride = 2
			}
			blockName := fmt.Sprintf("layer%d.%d", stage+1, i)
			var block residualBlock
			if p.kind == basicKind {
				block, err = newBasicBlock(blockName, inWidth, channels, stride, rng, reg)
				inWidth = channels
			} else {
				block, err = newBottleneck(blockName, inWidth, channels, stride, rng, reg)
				inWidth = channels * 4
			}
			if err != nil {
				return nil, fmt.Errorf("build %s: %w", blockName, err)
			}
			net.blocks = append(net.blocks, block)
		}
	}

	if zeroInitResidual {
		for _, b := range net.blocks {
			if _, ok := b.(*bottleneck); !ok {
				continue
			}
			gamma := b.lastBN().Gamma()
			if err := gamma.SetData(make([]float32, gamma.NumElems)); err != nil {
				return nil, fmt.Errorf("zero residual gamma: %w", err)
			}
		}
	}
	return net, nil
}

// FeatureWidth is the embedding width after global average pooling.
func (n *ResNet) FeatureWidth() int { return n.width }

func (n *ResNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := forwardChain(input, n.stemConv, n.stemBN)
	if err != nil {
		return nil, fmt.Errorf("stem: %w", err)
	}
	out, err = tensor.ReLUAutograd(out)
	if err != nil {
		return nil, err
	}
	out, err = n.pool.Forward(out)
	if err != nil {
		return nil, fmt.Errorf("stem pool: %w", err)
	}
	for i, b := range n.blocks {
		out, err = b.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return n.gap.Forward(out)
}

func (n *ResNet) Parameters() []*tensor.Tensor {
	params := append(n.stemConv.Parameters(), n.stemBN.Parameters()...)
	for _, b := range n.blocks {
		params = append(params, b.Parameters()...)
	}
	return params
}

func (n *ResNet) Train() {
	n.training = true
	n.stemBN.Train()
	for _, b := range n.blocks {
		b.Train()
	}
}

func (n *ResNet) Eval() {
	n.training = false
	n.stemBN.Eval()
	for _, b := range n.blocks {
		b.Eval()
	}
}

func (n *ResNet) IsTraining() bool { return n.training }
