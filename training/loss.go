package training

import (
	"fmt"
	"math"

	"github.com/tsawler/neurograde/tensor"
)

// Loss couples a scalar objective with the gradient of that objective with
// respect to the predictions.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// CrossEntropyLoss is softmax cross entropy over [batch, classes] logits and
// [batch] Int32 class indices.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a cross entropy loss; an empty reduction means
// "mean".
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

func (ce *CrossEntropyLoss) validate(predicted, target *tensor.Tensor) (int, int, error) {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return 0, 0, fmt.Errorf("predicted must be Float32 and target must be Int32")
	}
	if len(predicted.Shape) != 2 {
		return 0, 0, fmt.Errorf("predicted must be 2D [batch, classes], got shape %v", predicted.Shape)
	}
	if len(target.Shape) != 1 {
		return 0, 0, fmt.Errorf("target must be 1D [batch], got shape %v", target.Shape)
	}
	if target.Shape[0] != predicted.Shape[0] {
		return 0, 0, fmt.Errorf("batch size mismatch: predicted %d, target %d", predicted.Shape[0], target.Shape[0])
	}
	return predicted.Shape[0], predicted.Shape[1], nil
}

// Forward computes the loss as a single-element tensor.
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ce.validate(predicted, target)
	if err != nil {
		return nil, err
	}

	probs, err := tensor.Softmax(predicted)
	if err != nil {
		return nil, fmt.Errorf("softmax failed: %w", err)
	}
	probsData := probs.Data.([]float32)
	targetData := target.Data.([]int32)

	var total float32
	for i := 0; i < batchSize; i++ {
		cls := targetData[i]
		if cls < 0 || int(cls) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", cls, numClasses)
		}
		p := probsData[i*numClasses+int(cls)]
		if p < 1e-10 {
			p = 1e-10
		}
		total += -float32(math.Log(float64(p)))
	}

	if ce.reduction == "mean" {
		total /= float32(batchSize)
	}
	return tensor.NewTensor([]int{1}, tensor.Float32, []float32{total})
}

// Backward computes dLoss/dLogits: softmax minus one at the target class,
// scaled by the reduction.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ce.validate(predicted, target)
	if err != nil {
		return nil, err
	}

	probs, err := tensor.Softmax(predicted)
	if err != nil {
		return nil, fmt.Errorf("softmax failed: %w", err)
	}
	grad, err := probs.Clone()
	if err != nil {
		return nil, fmt.Errorf("gradient init failed: %w", err)
	}
	gradData := grad.Data.([]float32)
	targetData := target.Data.([]int32)

	for i := 0; i < batchSize; i++ {
		cls := targetData[i]
		if cls < 0 || int(cls) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", cls, numClasses)
		}
		gradData[i*numClasses+int(cls)] -= 1.0
	}

	if ce.reduction == "mean" {
		scale := 1.0 / float32(batchSize)
		for i := range gradData {
			gradData[i] *= scale
		}
	}
	return grad, nil
}
