package cohort

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrUnknownPatient reports a patient id that appears in a split or slice
// directory but not in the cohort manifest. It is fatal: a missing radiomic
// vector means the sample cannot be formed.
var ErrUnknownPatient = errors.New("patient not present in cohort manifest")

// PatientIndex holds every patient of the cohort with its grade and min-max
// normalized radiomic features. The scaler is fitted once over the complete
// cohort manifest, so train and test rows share one normalization.
type PatientIndex struct {
	patients map[PatientID]Patient
	scaler   MinMaxScaler
	order    []PatientID
}

// LoadPatientIndex reads a cohort manifest CSV with a header row and records
// of the form id, label, feature_1..feature_k.
func LoadPatientIndex(path string) (*PatientIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cohort manifest: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read cohort manifest %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("cohort manifest %s has no data rows", path)
	}

	header := records[0]
	if len(header) < 3 {
		return nil, fmt.Errorf("cohort manifest %s needs id, label and at least one feature column, got %d columns", path, len(header))
	}
	numFeatures := len(header) - 2

	type rawRow struct {
		id       PatientID
		grade    Grade
		features []float64
	}
	raws := make([]rawRow, 0, len(records)-1)
	featureRows := make([][]float64, 0, len(records)-1)

	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) != len(header) {
			return nil, fmt.Errorf("cohort manifest %s line %d has %d columns, want %d", path, line, len(rec), len(header))
		}
		code, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("cohort manifest %s line %d: bad label %q: %w", path, line, rec[1], err)
		}
		grade, err := GradeFromLabelCode(code)
		if err != nil {
			return nil, fmt.Errorf("cohort manifest %s line %d: %w", path, line, err)
		}
		features := make([]float64, numFeatures)
		for j := 0; j < numFeatures; j++ {
			v, err := strconv.ParseFloat(rec[j+2], 64)
			if err != nil {
				return nil, fmt.Errorf("cohort manifest %s line %d: bad feature %q: %w", path, line, rec[j+2], err)
			}
			features[j] = v
		}
		raws = append(raws, rawRow{id: PatientID(rec[0]), grade: grade, features: features})
		featureRows = append(featureRows, features)
	}

	idx := &PatientIndex{patients: make(map[PatientID]Patient, len(raws))}
	if err := idx.scaler.Fit(featureRows); err != nil {
		return nil, fmt.Errorf("fit radiomic scaler: %w", err)
	}
	for _, r := range raws {
		if _, dup := idx.patients[r.id]; dup {
			return nil, fmt.Errorf("cohort manifest %s: duplicate patient id %q", path, r.id)
		}
		scaled, err := idx.scaler.Transform(r.features)
		if err != nil {
			return nil, fmt.Errorf("scale features for patient %s: %w", r.id, err)
		}
		idx.patients[r.id] = Patient{ID: r.id, Grade: r.grade, Features: scaled}
		idx.order = append(idx.order, r.id)
	}
	return idx, nil
}

// FeaturesOf returns the normalized radiomic vector for a patient.
func (idx *PatientIndex) FeaturesOf(id PatientID) ([]float64, error) {
	p, ok := idx.patients[id]
	if !ok {
		return nil, fmt.Errorf("features of %q: %w", id, ErrUnknownPatient)
	}
	return p.Features, nil
}

// GradeOf returns the grade for a patient.
func (idx *PatientIndex) GradeOf(id PatientID) (Grade, error) {
	p, ok := idx.patients[id]
	if !ok {
		return 0, fmt.Errorf("grade of %q: %w", id, ErrUnknownPatient)
	}
	return p.Grade, nil
}

// NumFeatures returns the radiomic feature width.
func (idx *PatientIndex) NumFeatures() int {
	return idx.scaler.NumFeatures()
}

// Len returns the number of cohort patients.
func (idx *PatientIndex) Len() int {
	return len(idx.patients)
}

// IDs returns the cohort patient ids in manifest order.
func (idx *PatientIndex) IDs() []PatientID {
	out := make([]PatientID, len(idx.order))
	copy(out, idx.order)
	return out
}

// LoadSplitManifest reads a split membership CSV (header row, then id,label
// records) and resolves every row against the index. A label that disagrees
// with the cohort manifest or an id the cohort does not know is an error.
func (idx *PatientIndex) LoadSplitManifest(path string) ([]Patient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open split manifest: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read split manifest %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("split manifest %s has no data rows", path)
	}

	patients := make([]Patient, 0, len(records)-1)
	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) < 2 {
			return nil, fmt.Errorf("split manifest %s line %d has %d columns, want at least 2", path, line, len(rec))
		}
		id := PatientID(rec[0])
		p, ok := idx.patients[id]
		if !ok {
			return nil, fmt.Errorf("split manifest %s line %d: patient %q: %w", path, line, id, ErrUnknownPatient)
		}
		code, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("split manifest %s line %d: bad label %q: %w", path, line, rec[1], err)
		}
		grade, err := GradeFromLabelCode(code)
		if err != nil {
			return nil, fmt.Errorf("split manifest %s line %d: %w", path, line, err)
		}
		if grade != p.Grade {
			return nil, fmt.Errorf("split manifest %s line %d: patient %q labeled %s but cohort says %s",
				path, line, id, grade, p.Grade)
		}
		patients = append(patients, p)
	}
	return patients, nil
}
