package preprocessing

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"

	"github.com/tsawler/neurograde/cohort"
)

// Modality names one of the four MRI sequences of a slice.
type Modality string

const (
	T1    Modality = "T1"
	T2    Modality = "T2"
	T1c   Modality = "T1c"
	FLAIR Modality = "FLAIR"
)

// Modalities is the fixed channel order of the stacked input tensor. T1 is
// canonical: catalogs index T1 files, the other three are derived.
var Modalities = [4]Modality{T1, T2, T1c, FLAIR}

// ErrMissingModality reports a companion file that does not exist next to
// its canonical slice. The sample cannot be formed, so the run aborts.
var ErrMissingModality = errors.New("modality companion file missing")

// CompanionPath derives a modality's file path from the canonical T1 path
// by token substitution, matching how the slice trees are laid out.
func CompanionPath(canonical string, m Modality) string {
	if m == T1 {
		return canonical
	}
	return strings.ReplaceAll(canonical, string(T1), string(m))
}

// LoadStack loads all four modalities of a canonical slice into a 4-channel
// volume. Every companion must exist and share the canonical dimensions.
func LoadStack(canonical string, patient cohort.PatientID) (*Volume, error) {
	var stack *Volume
	for i, m := range Modalities {
		path := CompanionPath(canonical, m)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("patient %s, modality %s, path %s: %w", patient, m, path, ErrMissingModality)
		}
		channel, width, height, err := decodeGrayscale(path)
		if err != nil {
			return nil, fmt.Errorf("patient %s, modality %s: %w", patient, m, err)
		}
		if stack == nil {
			stack = NewVolume(len(Modalities), height, width)
		} else if width != stack.Width || height != stack.Height {
			return nil, fmt.Errorf("patient %s, modality %s: dimensions %dx%d do not match canonical %dx%d",
				patient, m, width, height, stack.Width, stack.Height)
		}
		copy(stack.Data[i*height*width:(i+1)*height*width], channel)
	}
	return stack, nil
}

// decodeGrayscale reads a PNG and returns its luminance plane scaled to
// [0, 1], row-major.
func decodeGrayscale(path string) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open slice: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode slice %s: %w", path, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := make([]float32, width*height)

	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < height; y++ {
			row := gray.Pix[y*gray.Stride : y*gray.Stride+width]
			for x, v := range row {
				out[y*width+x] = float32(v) / 255.0
			}
		}
		return out, width, height, nil
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			out[y*width+x] = float32(g.Y) / 255.0
		}
	}
	return out, width, height, nil
}
