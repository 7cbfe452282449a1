// Package dataset discovers per-patient MRI slice files and fixes their
// ordering for a training run.
package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/neurograde/cohort"
)

// Split selects the catalog ordering and transform policy.
type Split int

const (
	TrainSplit Split = iota
	TestSplit
)

func (s Split) String() string {
	switch s {
	case TrainSplit:
		return "train"
	case TestSplit:
		return "test"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ErrEmptyClassBucket reports a split whose discovery produced no slices for
// one of the grades. Training on such a split would silently collapse to a
// single-class problem, so it is fatal.
var ErrEmptyClassBucket = errors.New("no slices discovered for class")

// SliceRecord is one canonical-modality slice file attributed to a patient.
type SliceRecord struct {
	Path    string
	Patient cohort.PatientID
	Grade   cohort.Grade
}

// SliceCatalog is the ordered slice list for one split. The order is fixed
// at construction and reused for every epoch.
type SliceCatalog struct {
	split       Split
	records     []SliceRecord
	countByGrad map[cohort.Grade]int
	patients    map[cohort.PatientID]cohort.Grade
}

// NewSliceCatalog walks root/<patientID>/ recursively for .png slices of
// every split member and buckets them by grade. The train split concatenates
// minority then majority slices and shuffles once with rng; the test split
// keeps majority then minority order and never shuffles.
func NewSliceCatalog(root string, members []cohort.Patient, split Split, rng *rand.Rand) (*SliceCatalog, error) {
	var minority, majority []SliceRecord
	patients := make(map[cohort.PatientID]cohort.Grade, len(members))

	for _, p := range members {
		slices, err := discoverSlices(root, p)
		if err != nil {
			return nil, err
		}
		patients[p.ID] = p.Grade
		if p.Grade == cohort.LowGrade {
			minority = append(minority, slices...)
		} else {
			majority = append(majority, slices...)
		}
	}

	if len(minority) == 0 {
		return nil, fmt.Errorf("%s split, %s: %w", split, cohort.LowGrade, ErrEmptyClassBucket)
	}
	if len(majority) == 0 {
		return nil, fmt.Errorf("%s split, %s: %w", split, cohort.HighGrade, ErrEmptyClassBucket)
	}

	var records []SliceRecord
	if split == TrainSplit {
		records = append(records, minority...)
		records = append(records, majority...)
		rng.Shuffle(len(records), func(i, j int) {
			records[i], records[j] = records[j], records[i]
		})
	} else {
		records = append(records, majority...)
		records = append(records, minority...)
	}

	return &SliceCatalog{
		split:   split,
		records: records,
		countByGrad: map[cohort.Grade]int{
			cohort.LowGrade:  len(minority),
			cohort.HighGrade: len(majority),
		},
		patients: patients,
	}, nil
}

// discoverSlices collects the .png files under root/<id> in sorted path
// order, so the pre-shuffle catalog is deterministic across hosts.
func discoverSlices(root string, p cohort.Patient) ([]SliceRecord, error) {
	dir := filepath.Join(root, string(p.ID))
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".png") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk slices of patient %s: %w", p.ID, err)
	}
	sort.Strings(paths)

	records := make([]SliceRecord, 0, len(paths))
	for _, path := range paths {
		records = append(records, SliceRecord{Path: path, Patient: p.ID, Grade: p.Grade})
	}
	return records, nil
}

// Records returns the catalog in its fixed order.
func (c *SliceCatalog) Records() []SliceRecord {
	return c.records
}

// Len returns the number of slices in the catalog.
func (c *SliceCatalog) Len() int {
	return len(c.records)
}

// Split returns the split this catalog was built for.
func (c *SliceCatalog) Split() Split {
	return c.split
}

// SliceCount returns the number of slices for one grade.
func (c *SliceCatalog) SliceCount(g cohort.Grade) int {
	return c.countByGrad[g]
}

// PatientCount returns the number of split patients with the given grade.
// These are the denominators for per-class accuracy.
func (c *SliceCatalog) PatientCount(g cohort.Grade) int {
	n := 0
	for _, grade := range c.patients {
		if grade == g {
			n++
		}
	}
	return n
}

// NumPatients returns the number of split patients.
func (c *SliceCatalog) NumPatients() int {
	return len(c.patients)
}
