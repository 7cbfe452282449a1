package training

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
)

// WorkersEnvVar overrides the decode worker count when set to a positive
// integer.
const WorkersEnvVar = "NEUROGRADE_WORKERS"

// RunContext owns every source of randomness and the worker count of a
// training run. All stochastic components draw from its RNGs, so a seed
// fully determines catalog order, weight init and augmentation.
type RunContext struct {
	seed    int64
	catalog *rand.Rand
	augment *rand.Rand
	init    *rand.Rand
	workers int
}

// NewRunContext derives independent RNG streams from one seed. workers <= 0
// falls back to the environment override, then to 1.
func NewRunContext(seed int64, workers int) *RunContext {
	if workers <= 0 {
		workers = workersFromEnv()
	}
	return &RunContext{
		seed:    seed,
		catalog: rand.New(rand.NewSource(seed)),
		augment: rand.New(rand.NewSource(seed + 1)),
		init:    rand.New(rand.NewSource(seed + 2)),
		workers: workers,
	}
}

func workersFromEnv() int {
	if v := os.Getenv(WorkersEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// Seed returns the run seed.
func (rc *RunContext) Seed() int64 { return rc.seed }

// CatalogRNG returns the stream used for the one-time train catalog shuffle.
func (rc *RunContext) CatalogRNG() *rand.Rand { return rc.catalog }

// AugmentRNG returns the stream used by the augmentation pipeline.
func (rc *RunContext) AugmentRNG() *rand.Rand { return rc.augment }

// InitRNG returns the stream used for weight initialization.
func (rc *RunContext) InitRNG() *rand.Rand { return rc.init }

// Workers returns the decode worker count.
func (rc *RunContext) Workers() int { return rc.workers }

func (rc *RunContext) String() string {
	return fmt.Sprintf("RunContext(seed=%d, workers=%d)", rc.seed, rc.workers)
}
