package training

import (
	"fmt"
	"sort"

	"github.com/tsawler/neurograde/cohort"
)

// PredictionAccumulator gathers per-slice softmax probability rows keyed by
// patient. One accumulator serves exactly one pass over a split: Close
// averages the rows per patient and seals the accumulator, and a fresh one
// is allocated for the next pass.
type PredictionAccumulator struct {
	probs  map[cohort.PatientID][][]float32
	closed bool
}

// NewPredictionAccumulator creates an empty accumulator.
func NewPredictionAccumulator() *PredictionAccumulator {
	return &PredictionAccumulator{probs: make(map[cohort.PatientID][][]float32)}
}

// Add appends one slice's probability row for a patient.
func (pa *PredictionAccumulator) Add(patient cohort.PatientID, probs []float32) error {
	if pa.closed {
		return fmt.Errorf("accumulator already closed")
	}
	if len(probs) == 0 {
		return fmt.Errorf("empty probability row for patient %s", patient)
	}
	row := make([]float32, len(probs))
	copy(row, probs)
	if existing := pa.probs[patient]; len(existing) > 0 && len(existing[0]) != len(row) {
		return fmt.Errorf("patient %s: probability width %d does not match earlier %d",
			patient, len(row), len(existing[0]))
	}
	pa.probs[patient] = append(pa.probs[patient], row)
	return nil
}

// NumPatients returns the number of patients with at least one row.
func (pa *PredictionAccumulator) NumPatients() int {
	return len(pa.probs)
}

// PatientMean is a patient's elementwise mean probability row.
type PatientMean struct {
	Patient cohort.PatientID
	Probs   []float64
}

// Close averages every patient's rows and seals the accumulator. Patients
// are returned in sorted id order so downstream metrics are deterministic.
func (pa *PredictionAccumulator) Close() ([]PatientMean, error) {
	if pa.closed {
		return nil, fmt.Errorf("accumulator already closed")
	}
	pa.closed = true

	ids := make([]cohort.PatientID, 0, len(pa.probs))
	for id := range pa.probs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]PatientMean, 0, len(ids))
	for _, id := range ids {
		rows := pa.probs[id]
		mean := make([]float64, len(rows[0]))
		for _, row := range rows {
			for j, v := range row {
				mean[j] += float64(v)
			}
		}
		for j := range mean {
			mean[j] /= float64(len(rows))
		}
		out = append(out, PatientMean{Patient: id, Probs: mean})
	}
	return out, nil
}
