// Package checkpoints persists model weights, optimizer slots and training
// progress as JSON, one file per epoch plus a best-by-test-loss slot.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WeightTensor is one named tensor of the model. Trainable is false for
// buffers such as batch-norm running statistics.
type WeightTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	Trainable bool      `json:"trainable"`
}

// OptimizerState carries the optimizer's slot variables indexed by trainable
// parameter position.
type OptimizerState struct {
	Type      string      `json:"type"`
	Step      int64       `json:"step"`
	Moments   [][]float32 `json:"moments,omitempty"`
	Variances [][]float32 `json:"variances,omitempty"`
}

// TrainingState records where the run stood when the checkpoint was taken.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	BestTestLoss float64 `json:"best_test_loss"`
	TestLoss     float64 `json:"test_loss"`
	Seed         int64   `json:"seed"`
}

// Metadata describes the producing run.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	Backbone  string    `json:"backbone"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the on-disk schema.
type Checkpoint struct {
	Weights   []WeightTensor  `json:"weights"`
	Optimizer *OptimizerState `json:"optimizer_state,omitempty"`
	State     TrainingState   `json:"training_state"`
	Metadata  Metadata        `json:"metadata"`
}

// Save writes a checkpoint as indented JSON.
func Save(path string, ckpt *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(ckpt); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &ckpt, nil
}

// Saver writes the per-epoch and best checkpoint slots of one run into a
// single directory.
type Saver struct {
	dir string
}

// NewSaver creates a saver rooted at dir.
func NewSaver(dir string) *Saver {
	return &Saver{dir: dir}
}

// EpochPath returns the file path of an epoch's checkpoint.
func (s *Saver) EpochPath(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.ckpt.json", epoch))
}

// BestPath returns the file path of the best-by-test-loss slot.
func (s *Saver) BestPath() string {
	return filepath.Join(s.dir, "best.ckpt.json")
}

// SaveEpoch persists an epoch checkpoint.
func (s *Saver) SaveEpoch(epoch int, ckpt *Checkpoint) error {
	return Save(s.EpochPath(epoch), ckpt)
}

// SaveBest overwrites the best slot.
func (s *Saver) SaveBest(ckpt *Checkpoint) error {
	return Save(s.BestPath(), ckpt)
}
