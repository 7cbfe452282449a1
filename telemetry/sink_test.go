package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestScalarStreamAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir)
	if err != nil {
		t.Fatalf("sink failed: %v", err)
	}

	if err := sink.Scalar("train_loss", 1, 0.75); err != nil {
		t.Fatalf("scalar failed: %v", err)
	}
	if err := sink.Scalar("test_loss", 1, 0.9); err != nil {
		t.Fatalf("scalar failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "scalars.jsonl"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer f.Close()

	var records []ScalarRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec ScalarRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Name != "train_loss" || records[0].Value != 0.75 || records[0].Step != 1 {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].Name != "test_loss" {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestROCCurveArtifact(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir)
	if err != nil {
		t.Fatalf("sink failed: %v", err)
	}
	defer sink.Close()

	path, err := sink.ROCCurve("test_roc", 2, []float64{0, 0, 0.5, 1}, []float64{0, 0.8, 1, 1}, 0.9)
	if err != nil {
		t.Fatalf("roc curve failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("artifact is empty")
	}
}

func TestConfusionHeatmapArtifact(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir)
	if err != nil {
		t.Fatalf("sink failed: %v", err)
	}
	defer sink.Close()

	path, err := sink.ConfusionHeatmap("train_confusion", 1, [][]int{{10, 2}, {1, 7}})
	if err != nil {
		t.Fatalf("heatmap failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}
