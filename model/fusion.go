package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/neurograde/tensor"
	"github.com/tsawler/neurograde/training"
	"github.com/tsawler/neurograde/vision/preprocessing"
)

// DefaultBackbone is used when the configuration leaves the backbone empty.
const DefaultBackbone = "resnet50"

// Config selects the backbone and the fusion dimensions.
type Config struct {
	Backbone         string
	NumFeatures      int // radiomic feature width; also the image embedding width
	ZeroInitResidual bool
}

// FusionModel classifies a slice from its image stack and its patient's
// radiomic vector. The backbone embedding is projected to the radiomic
// width, concatenated with the radiomics and classified by a linear head.
type FusionModel struct {
	backbone   *ResNet
	embed      *training.Linear
	classifier *training.Linear
	registry   tensorRegistry
	training   bool
}

// NewFusionModel builds the model with rng-driven weight initialization.
func NewFusionModel(config Config, rng *rand.Rand) (*FusionModel, error) {
	if config.Backbone == "" {
		config.Backbone = DefaultBackbone
	}
	if config.NumFeatures <= 0 {
		return nil, fmt.Errorf("radiomic feature width %d must be positive", config.NumFeatures)
	}

	m := &FusionModel{training: true}
	backbone, err := NewResNet(config.Backbone, len(preprocessing.Modalities), config.ZeroInitResidual, rng, &m.registry)
	if err != nil {
		return nil, fmt.Errorf("build backbone: %w", err)
	}
	embed, err := training.NewLinear(backbone.FeatureWidth(), config.NumFeatures, rng)
	if err != nil {
		return nil, fmt.Errorf("build embedding head: %w", err)
	}
	classifier, err := training.NewLinear(2*config.NumFeatures, 2, rng)
	if err != nil {
		return nil, fmt.Errorf("build classifier head: %w", err)
	}
	m.registry.linear("fusion.embed", embed)
	m.registry.linear("fusion.classifier", classifier)

	m.backbone = backbone
	m.embed = embed
	m.classifier = classifier
	return m, nil
}

// Forward returns [n, 2] logits for a batch of image stacks and their
// radiomic vectors.
func (m *FusionModel) Forward(images, radiomics *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := m.backbone.Forward(images)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	embedded, err := m.embed.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("embedding head: %w", err)
	}
	fused, err := tensor.ConcatAutograd(embedded, radiomics)
	if err != nil {
		return nil, fmt.Errorf("fuse radiomics: %w", err)
	}
	logits, err := m.classifier.Forward(fused)
	if err != nil {
		return nil, fmt.Errorf("classifier head: %w", err)
	}
	return logits, nil
}

func (m *FusionModel) Parameters() []*tensor.Tensor {
	params := m.backbone.Parameters()
	params = append(params, m.embed.Parameters()...)
	params = append(params, m.classifier.Parameters()...)
	return params
}

// NamedTensors returns every weight and buffer in build order with stable
// names for checkpointing.
func (m *FusionModel) NamedTensors() []training.NamedTensor {
	out := make([]training.NamedTensor, len(m.registry.named))
	copy(out, m.registry.named)
	return out
}

func (m *FusionModel) Train() {
	m.training = true
	m.backbone.Train()
	m.embed.Train()
	m.classifier.Train()
}

func (m *FusionModel) Eval() {
	m.training = false
	m.backbone.Eval()
	m.embed.Eval()
	m.classifier.Eval()
}

func (m *FusionModel) IsTraining() bool { return m.training }
