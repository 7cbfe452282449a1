package training

import (
	"github.com/tsawler/neurograde/cohort"
	"github.com/tsawler/neurograde/tensor"
)

// Batch is one loader step: the stacked image tensor with the radiomic
// vectors, targets and identities of the same samples, joined by patient id
// at assembly time so row i of every field describes the same slice.
type Batch struct {
	Images    *tensor.Tensor // [n, 4, size, size]
	Radiomics *tensor.Tensor // [n, features]
	OneHot    *tensor.Tensor // [n, 2]
	Classes   *tensor.Tensor // [n] Int32 class indices
	Patients  []cohort.PatientID
	Paths     []string
	Size      int
}

// BatchSource produces batches in a fixed order. Reset rewinds to the first
// batch; Next returns (nil, nil) after the last one. Any error is fatal to
// the run.
type BatchSource interface {
	Reset()
	Next() (*Batch, error)
	NumBatches() int
	NumSamples() int
}

// FusionModule is a model over paired image and radiomic inputs.
type FusionModule interface {
	Forward(images, radiomics *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	NamedTensors() []NamedTensor
	Train()
	Eval()
	IsTraining() bool
}

// NamedTensor couples a tensor with a stable name for checkpointing.
// Trainable is false for buffers such as batch-norm running statistics.
type NamedTensor struct {
	Name      string
	Tensor    *tensor.Tensor
	Trainable bool
}
