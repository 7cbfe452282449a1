package training

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/neurograde/checkpoints"
	"github.com/tsawler/neurograde/cohort"
	"github.com/tsawler/neurograde/telemetry"
	"github.com/tsawler/neurograde/tensor"
)

// radiomicModel is a minimal FusionModule: a single linear layer over the
// radiomic vector, ignoring the image tensor.
type radiomicModel struct {
	layer *Linear
}

func newRadiomicModel(t *testing.T, features int) *radiomicModel {
	t.Helper()
	layer, err := NewLinear(features, 2, newTestRNG())
	if err != nil {
		t.Fatalf("layer failed: %v", err)
	}
	return &radiomicModel{layer: layer}
}

func (m *radiomicModel) Forward(images, radiomics *tensor.Tensor) (*tensor.Tensor, error) {
	return m.layer.Forward(radiomics)
}

func (m *radiomicModel) Parameters() []*tensor.Tensor { return m.layer.Parameters() }

func (m *radiomicModel) NamedTensors() []NamedTensor {
	return []NamedTensor{
		{Name: "fusion.weight", Tensor: m.layer.Weight(), Trainable: true},
		{Name: "fusion.bias", Tensor: m.layer.Bias(), Trainable: true},
	}
}

func (m *radiomicModel) Train()           { m.layer.Train() }
func (m *radiomicModel) Eval()            { m.layer.Eval() }
func (m *radiomicModel) IsTraining() bool { return m.layer.IsTraining() }

// memorySource serves prebuilt single-slice batches.
type memorySource struct {
	batches []*Batch
	cursor  int
}

func (s *memorySource) Reset() { s.cursor = 0 }

func (s *memorySource) Next() (*Batch, error) {
	if s.cursor >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.cursor]
	s.cursor++
	return b, nil
}

func (s *memorySource) NumBatches() int { return len(s.batches) }

func (s *memorySource) NumSamples() int {
	n := 0
	for _, b := range s.batches {
		n += b.Size
	}
	return n
}

func sliceBatch(t *testing.T, patient cohort.PatientID, grade cohort.Grade, radiomics []float32) *Batch {
	t.Helper()
	images, err := tensor.Zeros([]int{1, 4, 2, 2}, tensor.Float32)
	if err != nil {
		t.Fatalf("images failed: %v", err)
	}
	rad, err := tensor.NewTensor([]int{1, len(radiomics)}, tensor.Float32, radiomics)
	if err != nil {
		t.Fatalf("radiomics failed: %v", err)
	}
	oneHot, err := tensor.NewTensor([]int{1, 2}, tensor.Float32, grade.OneHot())
	if err != nil {
		t.Fatalf("one-hot failed: %v", err)
	}
	classes, err := tensor.NewTensor([]int{1}, tensor.Int32, []int32{int32(grade.ClassIndex())})
	if err != nil {
		t.Fatalf("classes failed: %v", err)
	}
	return &Batch{
		Images:    images,
		Radiomics: rad,
		OneHot:    oneHot,
		Classes:   classes,
		Patients:  []cohort.PatientID{patient},
		Paths:     []string{string(patient) + "_slice.png"},
		Size:      1,
	}
}

func writeCohortManifest(t *testing.T, contents string) *cohort.PatientIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cohort.csv")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	index, err := cohort.LoadPatientIndex(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return index
}

const trainerCohortCSV = `id,label,f1,f2
pt-001,2,0.1,0.9
pt-002,4,0.9,0.1
pt-003,2,0.4,0.6
pt-004,4,0.8,0.2
`

// Forces the layer to the identity so logits equal the radiomic vector, then
// checks the full aggregation path: per-patient slice means, ROC threshold,
// thresholded predictions and the binary counts.
func TestAggregationEvaluatorEndToEnd(t *testing.T) {
	index := writeCohortManifest(t, trainerCohortCSV)

	model := newRadiomicModel(t, 2)
	if err := model.layer.Weight().SetData([]float32{1, 0, 0, 1}); err != nil {
		t.Fatalf("weight override failed: %v", err)
	}

	// Logit pairs chosen so the high-grade softmax probabilities come out
	// near [0.2, 0.8, 0.6] for pt-001, pt-002, pt-003.
	lowScore := float32(math.Log(0.2 / 0.8))
	highScore := float32(math.Log(0.8 / 0.2))
	midScore := float32(math.Log(0.6 / 0.4))
	source := &memorySource{batches: []*Batch{
		sliceBatch(t, "pt-001", cohort.LowGrade, []float32{lowScore, 0}),
		sliceBatch(t, "pt-001", cohort.LowGrade, []float32{lowScore, 0}),
		sliceBatch(t, "pt-002", cohort.HighGrade, []float32{highScore, 0}),
		sliceBatch(t, "pt-003", cohort.LowGrade, []float32{midScore, 0}),
	}}

	model.Train()
	result, err := NewAggregationEvaluator(index).Evaluate(model, source)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !model.IsTraining() {
		t.Error("evaluator did not restore training mode")
	}

	if len(result.Predictions) != 3 {
		t.Fatalf("got %d patient predictions, want 3", len(result.Predictions))
	}
	wantScores := map[cohort.PatientID]float64{"pt-001": 0.2, "pt-002": 0.8, "pt-003": 0.6}
	wantGrades := map[cohort.PatientID]cohort.Grade{
		"pt-001": cohort.LowGrade,
		"pt-002": cohort.HighGrade,
		"pt-003": cohort.HighGrade,
	}
	for _, p := range result.Predictions {
		if math.Abs(p.Score-wantScores[p.Patient]) > 1e-4 {
			t.Errorf("%s score = %f, want %f", p.Patient, p.Score, wantScores[p.Patient])
		}
		if p.Predicted != wantGrades[p.Patient] {
			t.Errorf("%s predicted %s, want %s", p.Patient, p.Predicted, wantGrades[p.Patient])
		}
	}

	if math.Abs(result.Threshold-0.6) > 1e-4 {
		t.Errorf("threshold = %f, want 0.6", result.Threshold)
	}
	if result.Counts.Total() != 3 {
		t.Errorf("confusion total = %d, want 3", result.Counts.Total())
	}
	if got := result.Counts.Sensitivity(); got != 1.0 {
		t.Errorf("sensitivity = %f, want 1.0", got)
	}
	if got := result.Counts.Specificity(); got != 0.5 {
		t.Errorf("specificity = %f, want 0.5", got)
	}
	if result.ClassTotal[cohort.LowGrade] != 2 || result.ClassTotal[cohort.HighGrade] != 1 {
		t.Errorf("class totals = %v, want 2 low and 1 high", result.ClassTotal)
	}
}

func trainerSources(t *testing.T) (*memorySource, *memorySource) {
	t.Helper()
	train := &memorySource{batches: []*Batch{
		sliceBatch(t, "pt-001", cohort.LowGrade, []float32{0, 1}),
		sliceBatch(t, "pt-002", cohort.HighGrade, []float32{1, 0}),
		sliceBatch(t, "pt-001", cohort.LowGrade, []float32{0.1, 0.9}),
		sliceBatch(t, "pt-002", cohort.HighGrade, []float32{0.9, 0.1}),
	}}
	test := &memorySource{batches: []*Batch{
		sliceBatch(t, "pt-003", cohort.LowGrade, []float32{0.2, 0.8}),
		sliceBatch(t, "pt-004", cohort.HighGrade, []float32{0.8, 0.2}),
	}}
	return train, test
}

func TestGradeTrainerRunWritesCheckpointsAndTelemetry(t *testing.T) {
	index := writeCohortManifest(t, trainerCohortCSV)
	train, test := trainerSources(t)
	model := newRadiomicModel(t, 2)

	ckptDir := t.TempDir()
	telemetryDir := t.TempDir()
	sink, err := telemetry.NewSink(telemetryDir)
	if err != nil {
		t.Fatalf("sink failed: %v", err)
	}
	defer sink.Close()
	saver := checkpoints.NewSaver(ckptDir)

	config := TrainerConfig{
		Epochs:       2,
		Optimizer:    "adam",
		LearningRate: 0.05,
		Beta1:        0.9,
		Beta2:        0.99,
		Epsilon:      1e-8,
		Backbone:     "resnet50",
		Seed:         7,
	}
	trainer, err := NewGradeTrainer(config, model, train, test, index, saver, sink)
	if err != nil {
		t.Fatalf("trainer failed: %v", err)
	}
	if err := trainer.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	for _, path := range []string{saver.EpochPath(1), saver.EpochPath(2), saver.BestPath()} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing checkpoint %s: %v", path, err)
		}
	}

	scalars, err := os.ReadFile(filepath.Join(telemetryDir, "scalars.jsonl"))
	if err != nil {
		t.Fatalf("read scalars: %v", err)
	}
	if len(scalars) == 0 {
		t.Error("no scalar records emitted")
	}

	ckpt, err := checkpoints.Load(saver.EpochPath(2))
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if ckpt.State.Epoch != 2 {
		t.Errorf("checkpoint epoch = %d, want 2", ckpt.State.Epoch)
	}
	if ckpt.Optimizer == nil || ckpt.Optimizer.Type != "adam" {
		t.Error("checkpoint is missing adam optimizer state")
	}
	if len(ckpt.Weights) != 2 {
		t.Errorf("checkpoint has %d weight tensors, want 2", len(ckpt.Weights))
	}
}

func TestGradeTrainerResumeRestoresWeights(t *testing.T) {
	index := writeCohortManifest(t, trainerCohortCSV)
	train, test := trainerSources(t)
	model := newRadiomicModel(t, 2)

	sink, err := telemetry.NewSink(t.TempDir())
	if err != nil {
		t.Fatalf("sink failed: %v", err)
	}
	defer sink.Close()
	saver := checkpoints.NewSaver(t.TempDir())

	config := TrainerConfig{Epochs: 1, Optimizer: "adam", LearningRate: 0.05,
		Beta1: 0.9, Beta2: 0.99, Epsilon: 1e-8}
	trainer, err := NewGradeTrainer(config, model, train, test, index, saver, sink)
	if err != nil {
		t.Fatalf("trainer failed: %v", err)
	}
	if err := trainer.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	trained := append([]float32(nil), model.layer.Weight().Data.([]float32)...)

	fresh := newRadiomicModel(t, 2)
	resumed, err := NewGradeTrainer(config, fresh, train, test, index, saver, sink)
	if err != nil {
		t.Fatalf("trainer failed: %v", err)
	}
	if err := resumed.Resume(saver.EpochPath(1)); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.startEpoch != 2 {
		t.Errorf("resumed start epoch = %d, want 2", resumed.startEpoch)
	}
	restored := fresh.layer.Weight().Data.([]float32)
	for i := range trained {
		if trained[i] != restored[i] {
			t.Fatalf("weight %d not restored: %f vs %f", i, restored[i], trained[i])
		}
	}
}
