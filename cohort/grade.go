package cohort

import "fmt"

// PatientID identifies a patient across manifests, slice directories and
// prediction accumulators.
type PatientID string

// Grade is the binary tumor grade.
type Grade int

const (
	// HighGrade is the majority class; its one-hot vector is [1, 0] so its
	// class index is 0 and it carries the positive ROC label.
	HighGrade Grade = iota
	// LowGrade is the minority class, one-hot [0, 1], class index 1.
	LowGrade
)

func (g Grade) String() string {
	switch g {
	case HighGrade:
		return "high-grade"
	case LowGrade:
		return "low-grade"
	default:
		return fmt.Sprintf("Unknown(%d)", int(g))
	}
}

// GradeFromLabelCode maps the manifest label codes to grades: 4 is
// high-grade, 2 is low-grade.
func GradeFromLabelCode(code int) (Grade, error) {
	switch code {
	case 4:
		return HighGrade, nil
	case 2:
		return LowGrade, nil
	default:
		return 0, fmt.Errorf("unknown grade label code %d (want 2 or 4)", code)
	}
}

// ClassIndex returns the model output index for the grade, the argmax of its
// one-hot encoding.
func (g Grade) ClassIndex() int {
	if g == HighGrade {
		return 0
	}
	return 1
}

// OneHot returns the grade's one-hot target vector.
func (g Grade) OneHot() []float32 {
	if g == HighGrade {
		return []float32{1, 0}
	}
	return []float32{0, 1}
}

// GradeFromClassIndex is the inverse of ClassIndex.
func GradeFromClassIndex(idx int) (Grade, error) {
	switch idx {
	case 0:
		return HighGrade, nil
	case 1:
		return LowGrade, nil
	default:
		return 0, fmt.Errorf("class index %d out of range [0, 2)", idx)
	}
}

// Patient couples a patient's grade with its normalized radiomic feature
// vector.
type Patient struct {
	ID       PatientID
	Grade    Grade
	Features []float64
}
