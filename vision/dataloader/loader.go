package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/neurograde/cohort"
	"github.com/tsawler/neurograde/tensor"
	"github.com/tsawler/neurograde/training"
	"github.com/tsawler/neurograde/vision/dataset"
	"github.com/tsawler/neurograde/vision/preprocessing"
)

// Config holds loader settings.
type Config struct {
	BatchSize int
	Workers   int // parallel stack decoders per batch
	CacheSize int // decoded stacks kept in memory, 0 disables
}

// MultimodalSliceLoader walks a slice catalog in its fixed order and yields
// batches of transformed image stacks joined with radiomic vectors by patient
// id. Stacks decode in parallel; transforms run sequentially in catalog
// order, so a seeded rng reproduces the same augmentations regardless of the
// worker count.
type MultimodalSliceLoader struct {
	catalog   *dataset.SliceCatalog
	index     *cohort.PatientIndex
	rng       *rand.Rand
	batchSize int
	workers   int
	cache     *StackCache

	mu     sync.Mutex
	cursor int
}

// NewMultimodalSliceLoader creates a loader over one split catalog. The rng
// drives augmentation draws and may be nil for the test split, whose
// pipeline is deterministic.
func NewMultimodalSliceLoader(catalog *dataset.SliceCatalog, index *cohort.PatientIndex,
	rng *rand.Rand, config Config) (*MultimodalSliceLoader, error) {

	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size %d must be positive", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if catalog.Split() == dataset.TrainSplit && rng == nil {
		return nil, fmt.Errorf("train split loader needs an augmentation rng")
	}
	return &MultimodalSliceLoader{
		catalog:   catalog,
		index:     index,
		rng:       rng,
		batchSize: config.BatchSize,
		workers:   config.Workers,
		cache:     NewStackCache(config.CacheSize),
	}, nil
}

// Reset rewinds to the first batch. The catalog order itself never changes
// between epochs.
func (l *MultimodalSliceLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor = 0
}

// NumBatches returns the number of batches in one pass.
func (l *MultimodalSliceLoader) NumBatches() int {
	return (l.catalog.Len() + l.batchSize - 1) / l.batchSize
}

// NumSamples returns the number of slices in one pass.
func (l *MultimodalSliceLoader) NumSamples() int {
	return l.catalog.Len()
}

// Next assembles the next batch, or returns (nil, nil) after the last one.
// The final batch of a pass may be short.
func (l *MultimodalSliceLoader) Next() (*training.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := l.catalog.Records()
	if l.cursor >= len(records) {
		return nil, nil
	}
	end := l.cursor + l.batchSize
	if end > len(records) {
		end = len(records)
	}
	window := records[l.cursor:end]
	l.cursor = end

	stacks, err := l.decodeStacks(window)
	if err != nil {
		return nil, err
	}

	volumes := make([]*preprocessing.Volume, len(window))
	for i, rec := range window {
		pipeline := preprocessing.TransformFor(l.catalog.Split(), rec.Grade)
		volumes[i] = pipeline.Apply(stacks[i], l.rng)
		if volumes[i].Height != preprocessing.CropSize || volumes[i].Width != preprocessing.CropSize {
			return nil, fmt.Errorf("slice %s transformed to %dx%d, want %dx%d",
				rec.Path, volumes[i].Height, volumes[i].Width, preprocessing.CropSize, preprocessing.CropSize)
		}
	}
	return l.assemble(window, volumes)
}

// decodeStacks loads the raw 4-channel stacks of a window, fanning the
// uncached paths out over the worker pool.
func (l *MultimodalSliceLoader) decodeStacks(window []dataset.SliceRecord) ([]*preprocessing.Volume, error) {
	stacks := make([]*preprocessing.Volume, len(window))
	errs := make([]error, len(window))

	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup
	for i, rec := range window {
		if cached, ok := l.cache.Get(rec.Path); ok {
			stacks[i] = cached
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rec dataset.SliceRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			stack, err := preprocessing.LoadStack(rec.Path, rec.Patient)
			if err != nil {
				errs[i] = err
				return
			}
			l.cache.Put(rec.Path, stack)
			stacks[i] = stack
		}(i, rec)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("decode stack: %w", err)
		}
	}
	return stacks, nil
}

// assemble packs transformed volumes and their per-patient metadata into one
// batch of tensors.
func (l *MultimodalSliceLoader) assemble(window []dataset.SliceRecord, volumes []*preprocessing.Volume) (*training.Batch, error) {
	n := len(window)
	side := preprocessing.CropSize
	channels := len(preprocessing.Modalities)
	numFeatures := l.index.NumFeatures()

	imageData := make([]float32, n*channels*side*side)
	radiomicData := make([]float32, n*numFeatures)
	oneHotData := make([]float32, n*2)
	classData := make([]int32, n)
	patients := make([]cohort.PatientID, n)
	paths := make([]string, n)

	perImage := channels * side * side
	for i, rec := range window {
		copy(imageData[i*perImage:(i+1)*perImage], volumes[i].Data)

		features, err := l.index.FeaturesOf(rec.Patient)
		if err != nil {
			return nil, fmt.Errorf("radiomics for slice %s: %w", rec.Path, err)
		}
		for j, f := range features {
			radiomicData[i*numFeatures+j] = float32(f)
		}
		copy(oneHotData[i*2:(i+1)*2], rec.Grade.OneHot())
		classData[i] = int32(rec.Grade.ClassIndex())
		patients[i] = rec.Patient
		paths[i] = rec.Path
	}

	images, err := tensor.NewTensor([]int{n, channels, side, side}, tensor.Float32, imageData)
	if err != nil {
		return nil, fmt.Errorf("image tensor: %w", err)
	}
	radiomics, err := tensor.NewTensor([]int{n, numFeatures}, tensor.Float32, radiomicData)
	if err != nil {
		return nil, fmt.Errorf("radiomic tensor: %w", err)
	}
	oneHot, err := tensor.NewTensor([]int{n, 2}, tensor.Float32, oneHotData)
	if err != nil {
		return nil, fmt.Errorf("one-hot tensor: %w", err)
	}
	classes, err := tensor.NewTensor([]int{n}, tensor.Int32, classData)
	if err != nil {
		return nil, fmt.Errorf("class tensor: %w", err)
	}

	return &training.Batch{
		Images:    images,
		Radiomics: radiomics,
		OneHot:    oneHot,
		Classes:   classes,
		Patients:  patients,
		Paths:     paths,
		Size:      n,
	}, nil
}

// CacheStats exposes the stack cache counters.
func (l *MultimodalSliceLoader) CacheStats() CacheStats {
	return l.cache.Stats()
}
