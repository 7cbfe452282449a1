package training

import (
	"fmt"

	"github.com/tsawler/neurograde/cohort"
	"github.com/tsawler/neurograde/tensor"
)

// PatientPrediction is one patient's aggregated evaluation outcome.
type PatientPrediction struct {
	Patient   cohort.PatientID
	Truth     cohort.Grade
	Predicted cohort.Grade
	Score     float64 // mean probability mass on the high-grade class
}

// EvalResult is the outcome of one aggregated pass over the test split.
type EvalResult struct {
	Loss        float64 // mean per-slice cross entropy
	ROC         []ROCPoint
	AUC         float64
	Threshold   float64 // Youden-optimal operating point
	Matrix      *ConfusionMatrix
	Counts      BinaryCounts
	Predictions []PatientPrediction
	// ClassCorrect / ClassTotal hold per-grade accuracy counters with
	// denominators taken from the split itself.
	ClassCorrect map[cohort.Grade]int
	ClassTotal   map[cohort.Grade]int
}

// AggregationEvaluator runs a no-update pass over a split, aggregates slice
// softmax rows into per-patient mean probabilities, and derives
// threshold-based patient-level metrics from the completed pass.
type AggregationEvaluator struct {
	criterion *CrossEntropyLoss
	index     *cohort.PatientIndex
}

// NewAggregationEvaluator creates an evaluator resolving truth grades
// against the given cohort index.
func NewAggregationEvaluator(index *cohort.PatientIndex) *AggregationEvaluator {
	return &AggregationEvaluator{
		criterion: NewCrossEntropyLoss("mean"),
		index:     index,
	}
}

// Evaluate consumes the whole source, then closes the accumulator and
// computes patient-level metrics. Patient aggregation never happens before
// the pass is complete.
func (e *AggregationEvaluator) Evaluate(model FusionModule, source BatchSource) (*EvalResult, error) {
	wasTraining := model.IsTraining()
	model.Eval()
	defer func() {
		if wasTraining {
			model.Train()
		}
	}()

	accumulator := NewPredictionAccumulator()
	source.Reset()

	var lossSum float64
	var sliceCount int
	for {
		batch, err := source.Next()
		if err != nil {
			return nil, fmt.Errorf("test batch load failed: %w", err)
		}
		if batch == nil {
			break
		}

		logits, err := model.Forward(batch.Images, batch.Radiomics)
		if err != nil {
			return nil, fmt.Errorf("test forward failed: %w", err)
		}
		loss, err := e.criterion.Forward(logits, batch.Classes)
		if err != nil {
			return nil, fmt.Errorf("test loss failed: %w", err)
		}
		lossValue, err := loss.Item()
		if err != nil {
			return nil, err
		}
		lossSum += float64(lossValue) * float64(batch.Size)
		sliceCount += batch.Size

		if err := accumulateSoftmax(accumulator, logits, batch); err != nil {
			return nil, err
		}
	}
	if sliceCount == 0 {
		return nil, fmt.Errorf("test split produced no slices")
	}

	means, err := accumulator.Close()
	if err != nil {
		return nil, err
	}

	truths := make([]bool, len(means))
	scores := make([]float64, len(means))
	grades := make([]cohort.Grade, len(means))
	posIdx := cohort.HighGrade.ClassIndex()
	for i, m := range means {
		grade, err := e.index.GradeOf(m.Patient)
		if err != nil {
			return nil, fmt.Errorf("resolve truth grade: %w", err)
		}
		grades[i] = grade
		truths[i] = grade == cohort.HighGrade
		scores[i] = m.Probs[posIdx]
	}

	points, err := ComputeROC(truths, scores)
	if err != nil {
		return nil, err
	}
	threshold, err := YoudenThreshold(points)
	if err != nil {
		return nil, err
	}
	predictions := BinarizeAtThreshold(scores, threshold)

	matrix := NewConfusionMatrix(2)
	result := &EvalResult{
		Loss:         lossSum / float64(sliceCount),
		ROC:          points,
		AUC:          AUC(points),
		Threshold:    threshold,
		Matrix:       matrix,
		ClassCorrect: make(map[cohort.Grade]int),
		ClassTotal:   make(map[cohort.Grade]int),
	}
	for i, m := range means {
		if err := matrix.Add(grades[i].ClassIndex(), predictions[i].ClassIndex()); err != nil {
			return nil, err
		}
		result.ClassTotal[grades[i]]++
		if predictions[i] == grades[i] {
			result.ClassCorrect[grades[i]]++
		}
		result.Predictions = append(result.Predictions, PatientPrediction{
			Patient:   m.Patient,
			Truth:     grades[i],
			Predicted: predictions[i],
			Score:     scores[i],
		})
	}
	counts, err := matrix.Binary()
	if err != nil {
		return nil, err
	}
	result.Counts = counts
	return result, nil
}

// accumulateSoftmax adds one batch's softmax rows to the accumulator, keyed
// by the batch's patient ids.
func accumulateSoftmax(accumulator *PredictionAccumulator, logits *tensor.Tensor, batch *Batch) error {
	probs, err := tensor.Softmax(logits)
	if err != nil {
		return fmt.Errorf("softmax failed: %w", err)
	}
	data := probs.Data.([]float32)
	numClasses := probs.Shape[1]
	if len(batch.Patients) != probs.Shape[0] {
		return fmt.Errorf("batch has %d patients for %d probability rows", len(batch.Patients), probs.Shape[0])
	}
	for i, patient := range batch.Patients {
		if err := accumulator.Add(patient, data[i*numClasses:(i+1)*numClasses]); err != nil {
			return err
		}
	}
	return nil
}
