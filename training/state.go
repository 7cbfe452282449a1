package training

import (
	"fmt"

	"github.com/tsawler/neurograde/checkpoints"
)

// BuildCheckpoint snapshots the model's named tensors and the optimizer's
// slots into the on-disk schema.
func BuildCheckpoint(model FusionModule, opt Optimizer, state checkpoints.TrainingState, meta checkpoints.Metadata) (*checkpoints.Checkpoint, error) {
	named := model.NamedTensors()
	weights := make([]checkpoints.WeightTensor, 0, len(named))
	for _, nt := range named {
		data, err := nt.Tensor.Float32Data()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", nt.Name, err)
		}
		out := make([]float32, len(data))
		copy(out, data)
		shape := make([]int, len(nt.Tensor.Shape))
		copy(shape, nt.Tensor.Shape)
		weights = append(weights, checkpoints.WeightTensor{
			Name:      nt.Name,
			Shape:     shape,
			Data:      out,
			Trainable: nt.Trainable,
		})
	}

	ckpt := &checkpoints.Checkpoint{Weights: weights, State: state, Metadata: meta}
	if stateful, ok := opt.(Stateful); ok {
		snapshot, err := stateful.StateSnapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot optimizer: %w", err)
		}
		ckpt.Optimizer = &checkpoints.OptimizerState{
			Type:      snapshot.Type,
			Step:      snapshot.Step,
			Moments:   snapshot.Moments,
			Variances: snapshot.Variances,
		}
	}
	return ckpt, nil
}

// ApplyCheckpoint restores model weights by name and optimizer slots from a
// loaded checkpoint. Every model tensor must be present in the checkpoint.
func ApplyCheckpoint(model FusionModule, opt Optimizer, ckpt *checkpoints.Checkpoint) error {
	byName := make(map[string]checkpoints.WeightTensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		byName[w.Name] = w
	}
	for _, nt := range model.NamedTensors() {
		w, ok := byName[nt.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing tensor %q", nt.Name)
		}
		if len(w.Data) != nt.Tensor.NumElems {
			return fmt.Errorf("tensor %q has %d values in checkpoint, model expects %d",
				nt.Name, len(w.Data), nt.Tensor.NumElems)
		}
		if err := nt.Tensor.SetData(w.Data); err != nil {
			return fmt.Errorf("restore %s: %w", nt.Name, err)
		}
	}

	if ckpt.Optimizer == nil {
		return nil
	}
	stateful, ok := opt.(Stateful)
	if !ok {
		return fmt.Errorf("checkpoint carries %q optimizer state but optimizer is not restorable", ckpt.Optimizer.Type)
	}
	return stateful.RestoreState(&OptimizerState{
		Type:      ckpt.Optimizer.Type,
		Step:      ckpt.Optimizer.Step,
		Moments:   ckpt.Optimizer.Moments,
		Variances: ckpt.Optimizer.Variances,
	})
}
