package preprocessing

import (
	"github.com/tsawler/neurograde/cohort"
	"github.com/tsawler/neurograde/vision/dataset"
)

// CropSize is the spatial size every pipeline ends at.
const CropSize = 160

// TrainPipeline is the augmented pipeline used for minority-class training
// slices.
func TrainPipeline() Pipeline {
	return Pipeline{
		Resize{Height: 448, Width: 448},
		CenterCrop{Size: 224},
		RandomCrop{Size: CropSize},
		RandomHorizontalFlip{P: 0.5},
		RandomVerticalFlip{P: 0.5},
		RandomRotation{MaxDegrees: 180},
		CyclicShift{P: 0.5},
		SaltPepperNoise{Prob: 0.05, P: 0.5},
		Normalize{Mean: 0.5, Std: 0.5},
	}
}

// EvalPipeline is the deterministic pipeline: a center crop and the same
// normalization, nothing randomized.
func EvalPipeline() Pipeline {
	return Pipeline{
		CenterCrop{Size: CropSize},
		Normalize{Mean: 0.5, Std: 0.5},
	}
}

// TransformFor selects the pipeline for a slice. Test slices always get the
// deterministic pipeline. During training, majority-class (high-grade)
// slices also get the deterministic pipeline, which counterweights the class
// imbalance by augmenting only the minority class.
func TransformFor(split dataset.Split, grade cohort.Grade) Pipeline {
	if split == dataset.TrainSplit && grade == cohort.LowGrade {
		return TrainPipeline()
	}
	return EvalPipeline()
}
