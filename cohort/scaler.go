package cohort

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// MinMaxScaler rescales each feature column to [0, 1] using the minimum and
// maximum observed during Fit. A constant column gets unit scale, so it maps
// to 0 everywhere.
type MinMaxScaler struct {
	min   []float64
	scale []float64
}

// Fit computes per-column minima and ranges over all rows.
func (s *MinMaxScaler) Fit(rows [][]float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("cannot fit scaler on zero rows")
	}
	width := len(rows[0])
	if width == 0 {
		return fmt.Errorf("cannot fit scaler on zero-width rows")
	}
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
	}

	s.min = make([]float64, width)
	s.scale = make([]float64, width)
	column := make([]float64, len(rows))
	for j := 0; j < width; j++ {
		for i, row := range rows {
			column[i] = row[j]
		}
		lo := floats.Min(column)
		hi := floats.Max(column)
		s.min[j] = lo
		if hi == lo {
			s.scale[j] = 1
		} else {
			s.scale[j] = 1 / (hi - lo)
		}
	}
	return nil
}

// Transform returns a scaled copy of the row. The fitted minimum maps to
// exactly 0 and the fitted maximum to exactly 1.
func (s *MinMaxScaler) Transform(row []float64) ([]float64, error) {
	if s.min == nil {
		return nil, fmt.Errorf("scaler is not fitted")
	}
	if len(row) != len(s.min) {
		return nil, fmt.Errorf("row has %d features, scaler fitted on %d", len(row), len(s.min))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.min[j]) * s.scale[j]
	}
	return out, nil
}

// NumFeatures returns the fitted feature width, or 0 before Fit.
func (s *MinMaxScaler) NumFeatures() int {
	return len(s.min)
}
