package training

import (
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/tsawler/neurograde/checkpoints"
	"github.com/tsawler/neurograde/cohort"
	"github.com/tsawler/neurograde/telemetry"
)

// TrainerConfig selects the optimizer and the run length.
type TrainerConfig struct {
	Epochs       int
	Optimizer    string // "adam" or "sgd"
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64 // sgd only
	Backbone     string
	Seed         int64
}

// TrainEpochResult summarizes the training pass of one epoch at the patient
// level. The confusion matrix here uses raw argmax class predictions, not
// the thresholded evaluation-time predictions.
type TrainEpochResult struct {
	Loss         float64
	Matrix       *ConfusionMatrix
	ClassCorrect map[cohort.Grade]int
	ClassTotal   map[cohort.Grade]int
}

// GradeTrainer drives the per-slice gradient loop, the per-epoch patient
// aggregation, checkpointing and telemetry of a whole run.
type GradeTrainer struct {
	config     TrainerConfig
	model      FusionModule
	optimizer  Optimizer
	criterion  *CrossEntropyLoss
	train      BatchSource
	test       BatchSource
	evaluator  *AggregationEvaluator
	saver      *checkpoints.Saver
	sink       *telemetry.Sink
	logger     *log.Logger
	bestLoss   float64
	startEpoch int
}

// NewGradeTrainer wires a trainer over the model and both batch sources.
func NewGradeTrainer(config TrainerConfig, model FusionModule, train, test BatchSource,
	index *cohort.PatientIndex, saver *checkpoints.Saver, sink *telemetry.Sink) (*GradeTrainer, error) {

	var opt Optimizer
	var err error
	switch config.Optimizer {
	case "", "adam":
		opt, err = NewAdam(model.Parameters(), config.LearningRate, config.Beta1, config.Beta2,
			config.Epsilon, config.WeightDecay)
	case "sgd":
		opt, err = NewSGD(model.Parameters(), config.LearningRate, config.Momentum, config.WeightDecay)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", config.Optimizer)
	}
	if err != nil {
		return nil, fmt.Errorf("build optimizer: %w", err)
	}

	return &GradeTrainer{
		config:     config,
		model:      model,
		optimizer:  opt,
		criterion:  NewCrossEntropyLoss("mean"),
		train:      train,
		test:       test,
		evaluator:  NewAggregationEvaluator(index),
		saver:      saver,
		sink:       sink,
		logger:     log.New(os.Stdout, "[trainer] ", log.LstdFlags),
		bestLoss:   math.Inf(1),
		startEpoch: 1,
	}, nil
}

// Resume restores model and optimizer from a checkpoint and continues with
// the following epoch.
func (t *GradeTrainer) Resume(path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := ApplyCheckpoint(t.model, t.optimizer, ckpt); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	t.startEpoch = ckpt.State.Epoch + 1
	t.bestLoss = ckpt.State.BestTestLoss
	t.optimizer.SetLR(ckpt.State.LearningRate)
	t.logger.Printf("resumed from %s at epoch %d (best test loss %.4f)", path, ckpt.State.Epoch, t.bestLoss)
	return nil
}

// Run executes the configured number of epochs. Any load, forward or
// persistence error aborts the run; checkpoints happen only at clean epoch
// boundaries.
func (t *GradeTrainer) Run() error {
	for epoch := t.startEpoch; epoch <= t.config.Epochs; epoch++ {
		start := time.Now()
		trainResult, err := t.trainEpoch()
		if err != nil {
			return fmt.Errorf("epoch %d training failed: %w", epoch, err)
		}

		eval, err := t.evaluator.Evaluate(t.model, t.test)
		if err != nil {
			return fmt.Errorf("epoch %d evaluation failed: %w", epoch, err)
		}

		if err := t.persist(epoch, eval); err != nil {
			return fmt.Errorf("epoch %d checkpoint failed: %w", epoch, err)
		}
		if err := t.emit(epoch, trainResult, eval); err != nil {
			return fmt.Errorf("epoch %d telemetry failed: %w", epoch, err)
		}

		t.logger.Printf("epoch %d/%d done in %s: train loss %.4f acc %.3f | test loss %.4f auc %.3f sen %.3f spe %.3f",
			epoch, t.config.Epochs, time.Since(start).Round(time.Second),
			trainResult.Loss, trainResult.Matrix.Accuracy(),
			eval.Loss, eval.AUC, eval.Counts.Sensitivity(), eval.Counts.Specificity())
	}
	return nil
}

// trainEpoch runs the gradient loop over the train source and aggregates
// the epoch's slice probabilities into patient-level training metrics.
func (t *GradeTrainer) trainEpoch() (*TrainEpochResult, error) {
	t.model.Train()
	t.train.Reset()
	accumulator := NewPredictionAccumulator()

	var lossSum float64
	var sliceCount int
	for {
		batch, err := t.train.Next()
		if err != nil {
			return nil, fmt.Errorf("train batch load failed: %w", err)
		}
		if batch == nil {
			break
		}

		t.optimizer.ZeroGrad()
		logits, err := t.model.Forward(batch.Images, batch.Radiomics)
		if err != nil {
			return nil, fmt.Errorf("forward failed: %w", err)
		}
		loss, err := t.criterion.Forward(logits, batch.Classes)
		if err != nil {
			return nil, fmt.Errorf("loss failed: %w", err)
		}
		lossValue, err := loss.Item()
		if err != nil {
			return nil, err
		}
		lossSum += float64(lossValue) * float64(batch.Size)
		sliceCount += batch.Size

		grad, err := t.criterion.Backward(logits, batch.Classes)
		if err != nil {
			return nil, fmt.Errorf("loss backward failed: %w", err)
		}
		if err := logits.Backward(grad); err != nil {
			return nil, fmt.Errorf("backward failed: %w", err)
		}
		if err := t.optimizer.Step(); err != nil {
			return nil, fmt.Errorf("optimizer step failed: %w", err)
		}

		if err := accumulateSoftmax(accumulator, logits, batch); err != nil {
			return nil, err
		}
	}
	if sliceCount == 0 {
		return nil, fmt.Errorf("train split produced no slices")
	}

	means, err := accumulator.Close()
	if err != nil {
		return nil, err
	}

	result := &TrainEpochResult{
		Loss:         lossSum / float64(sliceCount),
		Matrix:       NewConfusionMatrix(2),
		ClassCorrect: make(map[cohort.Grade]int),
		ClassTotal:   make(map[cohort.Grade]int),
	}
	for _, m := range means {
		truth, err := t.evaluator.index.GradeOf(m.Patient)
		if err != nil {
			return nil, fmt.Errorf("resolve truth grade: %w", err)
		}
		predIdx := 0
		for j := 1; j < len(m.Probs); j++ {
			if m.Probs[j] > m.Probs[predIdx] {
				predIdx = j
			}
		}
		pred, err := cohort.GradeFromClassIndex(predIdx)
		if err != nil {
			return nil, err
		}
		if err := result.Matrix.Add(truth.ClassIndex(), predIdx); err != nil {
			return nil, err
		}
		result.ClassTotal[truth]++
		if pred == truth {
			result.ClassCorrect[truth]++
		}
	}
	return result, nil
}

// persist writes the epoch checkpoint and updates the best slot on a
// strictly lower test loss.
func (t *GradeTrainer) persist(epoch int, eval *EvalResult) error {
	improved := eval.Loss < t.bestLoss
	if improved {
		t.bestLoss = eval.Loss
	}

	ckpt, err := BuildCheckpoint(t.model, t.optimizer, checkpoints.TrainingState{
		Epoch:        epoch,
		LearningRate: t.optimizer.GetLR(),
		BestTestLoss: t.bestLoss,
		TestLoss:     eval.Loss,
		Seed:         t.config.Seed,
	}, checkpoints.Metadata{
		Version:   "1",
		Framework: "neurograde",
		Backbone:  t.config.Backbone,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := t.saver.SaveEpoch(epoch, ckpt); err != nil {
		return err
	}
	if improved {
		t.logger.Printf("epoch %d: new best test loss %.4f", epoch, eval.Loss)
		return t.saver.SaveBest(ckpt)
	}
	return nil
}

// emit streams the epoch's scalars and plot artifacts.
func (t *GradeTrainer) emit(epoch int, trainResult *TrainEpochResult, eval *EvalResult) error {
	scalars := []struct {
		name  string
		value float64
	}{
		{"train_loss", trainResult.Loss},
		{"train_accuracy", trainResult.Matrix.Accuracy()},
		{"test_loss", eval.Loss},
		{"test_auc", eval.AUC},
		{"test_threshold", eval.Threshold},
		{"test_sensitivity", eval.Counts.Sensitivity()},
		{"test_specificity", eval.Counts.Specificity()},
		{"test_balanced_accuracy", eval.Counts.BalancedAccuracy()},
		{"test_accuracy", eval.Counts.Accuracy()},
	}
	for _, s := range scalars {
		if err := t.sink.Scalar(s.name, epoch, s.value); err != nil {
			return err
		}
	}
	for grade, total := range eval.ClassTotal {
		name := fmt.Sprintf("test_%s_accuracy", grade)
		if err := t.sink.Scalar(name, epoch, float64(eval.ClassCorrect[grade])/float64(total)); err != nil {
			return err
		}
	}
	for grade, total := range trainResult.ClassTotal {
		name := fmt.Sprintf("train_%s_accuracy", grade)
		if err := t.sink.Scalar(name, epoch, float64(trainResult.ClassCorrect[grade])/float64(total)); err != nil {
			return err
		}
	}

	fpr := make([]float64, len(eval.ROC))
	tpr := make([]float64, len(eval.ROC))
	for i, p := range eval.ROC {
		fpr[i] = p.FPR
		tpr[i] = p.TPR
	}
	if _, err := t.sink.ROCCurve("test_roc", epoch, fpr, tpr, eval.AUC); err != nil {
		return err
	}
	if _, err := t.sink.ConfusionHeatmap("train_confusion", epoch, trainResult.Matrix.Matrix); err != nil {
		return err
	}
	if _, err := t.sink.ConfusionHeatmap("test_confusion", epoch, eval.Matrix.Matrix); err != nil {
		return err
	}
	return nil
}
