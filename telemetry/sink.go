// Package telemetry is the write-only metric sink of a run: scalar metrics
// append to a JSONL stream and curves render to PNG artifacts.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ScalarRecord is one line of the scalar stream.
type ScalarRecord struct {
	Name      string    `json:"name"`
	Step      int       `json:"step"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink owns a run's telemetry directory.
type Sink struct {
	dir     string
	scalars *os.File
	encoder *json.Encoder
}

// NewSink creates the telemetry directory and opens the scalar stream for
// appending.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "scalars.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open scalar stream: %w", err)
	}
	return &Sink{dir: dir, scalars: f, encoder: json.NewEncoder(f)}, nil
}

// Scalar appends one named value at a step.
func (s *Sink) Scalar(name string, step int, value float64) error {
	record := ScalarRecord{Name: name, Step: step, Value: value, Timestamp: time.Now().UTC()}
	if err := s.encoder.Encode(&record); err != nil {
		return fmt.Errorf("append scalar %s: %w", name, err)
	}
	return nil
}

// Close flushes and closes the scalar stream.
func (s *Sink) Close() error {
	return s.scalars.Close()
}

func (s *Sink) artifactPath(name string, step int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%03d.png", name, step))
}
