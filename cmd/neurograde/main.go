// Command neurograde trains the binary tumor-grade classifier over a cohort
// of multimodal MRI slices and per-patient radiomic features.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/tsawler/neurograde/checkpoints"
	"github.com/tsawler/neurograde/cohort"
	"github.com/tsawler/neurograde/config"
	"github.com/tsawler/neurograde/model"
	"github.com/tsawler/neurograde/telemetry"
	"github.com/tsawler/neurograde/training"
	"github.com/tsawler/neurograde/vision/dataloader"
	"github.com/tsawler/neurograde/vision/dataset"
)

func main() {
	configPath := flag.String("config", "neurograde.yaml", "path to the run configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("neurograde: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Data.SliceRoot == "" || cfg.Data.CohortManifest == "" {
		return fmt.Errorf("config must set data.sliceRoot and data.cohortManifest")
	}
	if cfg.Data.TrainManifest == "" || cfg.Data.TestManifest == "" {
		return fmt.Errorf("config must set data.trainManifest and data.testManifest")
	}

	rc := training.NewRunContext(cfg.Training.Seed, cfg.Loader.Workers)
	log.Printf("starting run: %s, backbone %s", rc, cfg.Model.Backbone)

	index, err := cohort.LoadPatientIndex(cfg.Data.CohortManifest)
	if err != nil {
		return err
	}
	log.Printf("cohort: %d patients, %d radiomic features", index.Len(), index.NumFeatures())

	trainMembers, err := index.LoadSplitManifest(cfg.Data.TrainManifest)
	if err != nil {
		return err
	}
	testMembers, err := index.LoadSplitManifest(cfg.Data.TestManifest)
	if err != nil {
		return err
	}

	trainCatalog, err := dataset.NewSliceCatalog(cfg.Data.SliceRoot, trainMembers, dataset.TrainSplit, rc.CatalogRNG())
	if err != nil {
		return err
	}
	testCatalog, err := dataset.NewSliceCatalog(cfg.Data.SliceRoot, testMembers, dataset.TestSplit, nil)
	if err != nil {
		return err
	}
	log.Printf("catalogs: %d train slices over %d patients, %d test slices over %d patients",
		trainCatalog.Len(), trainCatalog.NumPatients(), testCatalog.Len(), testCatalog.NumPatients())

	trainLoader, err := dataloader.NewMultimodalSliceLoader(trainCatalog, index, rc.AugmentRNG(), dataloader.Config{
		BatchSize: cfg.Training.TrainBatchSize,
		Workers:   rc.Workers(),
		CacheSize: cfg.Loader.CacheSize,
	})
	if err != nil {
		return err
	}
	testLoader, err := dataloader.NewMultimodalSliceLoader(testCatalog, index, nil, dataloader.Config{
		BatchSize: cfg.Training.TestBatchSize,
		Workers:   rc.Workers(),
		CacheSize: cfg.Loader.CacheSize,
	})
	if err != nil {
		return err
	}

	fusion, err := model.NewFusionModel(model.Config{
		Backbone:         cfg.Model.Backbone,
		NumFeatures:      index.NumFeatures(),
		ZeroInitResidual: cfg.Model.ZeroInitResidual,
	}, rc.InitRNG())
	if err != nil {
		return err
	}

	sink, err := telemetry.NewSink(cfg.Output.TelemetryDir)
	if err != nil {
		return err
	}
	defer sink.Close()
	saver := checkpoints.NewSaver(cfg.Output.CheckpointDir)

	trainer, err := training.NewGradeTrainer(training.TrainerConfig{
		Epochs:       cfg.Training.Epochs,
		Optimizer:    cfg.Training.Optimizer,
		LearningRate: cfg.Training.LearningRate,
		Beta1:        cfg.Training.Beta1,
		Beta2:        cfg.Training.Beta2,
		Epsilon:      cfg.Training.Epsilon,
		WeightDecay:  cfg.Training.WeightDecay,
		Momentum:     cfg.Training.Momentum,
		Backbone:     cfg.Model.Backbone,
		Seed:         cfg.Training.Seed,
	}, fusion, trainLoader, testLoader, index, saver, sink)
	if err != nil {
		return err
	}

	if cfg.Training.Resume != "" {
		if err := trainer.Resume(cfg.Training.Resume); err != nil {
			return err
		}
	}
	return trainer.Run()
}
