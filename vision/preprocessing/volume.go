// Package preprocessing turns per-slice PNG files into normalized
// multi-channel tensors, including modality companion resolution and the
// split-dependent augmentation pipelines.
package preprocessing

import "fmt"

// Volume is a channel-major float32 image with values in [0, 1] until the
// final Normalize step shifts them to [-1, 1].
type Volume struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// NewVolume allocates a zeroed volume.
func NewVolume(channels, height, width int) *Volume {
	return &Volume{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

// At returns the value at channel c, row y, column x.
func (v *Volume) At(c, y, x int) float32 {
	return v.Data[(c*v.Height+y)*v.Width+x]
}

// Set writes the value at channel c, row y, column x.
func (v *Volume) Set(c, y, x int, value float32) {
	v.Data[(c*v.Height+y)*v.Width+x] = value
}

func (v *Volume) String() string {
	return fmt.Sprintf("Volume(%dx%dx%d)", v.Channels, v.Height, v.Width)
}
