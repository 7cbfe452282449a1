package preprocessing

import (
	"math"
	"math/rand"
)

// Transform maps a volume to a new volume. Randomized transforms draw from
// rng; deterministic ones ignore it, so the evaluation pipeline runs with a
// nil rng.
type Transform interface {
	Apply(v *Volume, rng *rand.Rand) *Volume
}

// Pipeline applies its steps in order.
type Pipeline []Transform

func (p Pipeline) Apply(v *Volume, rng *rand.Rand) *Volume {
	for _, step := range p {
		v = step.Apply(v, rng)
	}
	return v
}

// ---------------------------------------------------------------------------
// Resize

// Resize scales every channel to Height x Width with bilinear interpolation.
type Resize struct {
	Height int
	Width  int
}

func (r Resize) Apply(v *Volume, _ *rand.Rand) *Volume {
	if v.Height == r.Height && v.Width == r.Width {
		return v
	}
	out := NewVolume(v.Channels, r.Height, r.Width)
	scaleY := float64(v.Height) / float64(r.Height)
	scaleX := float64(v.Width) / float64(r.Width)
	for c := 0; c < v.Channels; c++ {
		for y := 0; y < r.Height; y++ {
			srcY := (float64(y)+0.5)*scaleY - 0.5
			y0 := int(math.Floor(srcY))
			fy := float32(srcY - float64(y0))
			y1 := y0 + 1
			y0 = clamp(y0, 0, v.Height-1)
			y1 = clamp(y1, 0, v.Height-1)
			for x := 0; x < r.Width; x++ {
				srcX := (float64(x)+0.5)*scaleX - 0.5
				x0 := int(math.Floor(srcX))
				fx := float32(srcX - float64(x0))
				x1 := x0 + 1
				x0 = clamp(x0, 0, v.Width-1)
				x1 = clamp(x1, 0, v.Width-1)

				top := v.At(c, y0, x0)*(1-fx) + v.At(c, y0, x1)*fx
				bottom := v.At(c, y1, x0)*(1-fx) + v.At(c, y1, x1)*fx
				out.Set(c, y, x, top*(1-fy)+bottom*fy)
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ---------------------------------------------------------------------------
// Crops

// CenterCrop extracts the central Size x Size window.
type CenterCrop struct {
	Size int
}

func (cc CenterCrop) Apply(v *Volume, _ *rand.Rand) *Volume {
	top := (v.Height - cc.Size) / 2
	left := (v.Width - cc.Size) / 2
	return crop(v, top, left, cc.Size)
}

// RandomCrop extracts a uniformly placed Size x Size window.
type RandomCrop struct {
	Size int
}

func (rc RandomCrop) Apply(v *Volume, rng *rand.Rand) *Volume {
	top := rng.Intn(v.Height - rc.Size + 1)
	left := rng.Intn(v.Width - rc.Size + 1)
	return crop(v, top, left, rc.Size)
}

func crop(v *Volume, top, left, size int) *Volume {
	out := NewVolume(v.Channels, size, size)
	for c := 0; c < v.Channels; c++ {
		for y := 0; y < size; y++ {
			srcBase := (c*v.Height+top+y)*v.Width + left
			dstBase := (c*size + y) * size
			copy(out.Data[dstBase:dstBase+size], v.Data[srcBase:srcBase+size])
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Flips

// RandomHorizontalFlip mirrors columns with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func (f RandomHorizontalFlip) Apply(v *Volume, rng *rand.Rand) *Volume {
	if rng.Float64() >= f.P {
		return v
	}
	out := NewVolume(v.Channels, v.Height, v.Width)
	for c := 0; c < v.Channels; c++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				out.Set(c, y, x, v.At(c, y, v.Width-1-x))
			}
		}
	}
	return out
}

// RandomVerticalFlip mirrors rows with probability P.
type RandomVerticalFlip struct {
	P float64
}

func (f RandomVerticalFlip) Apply(v *Volume, rng *rand.Rand) *Volume {
	if rng.Float64() >= f.P {
		return v
	}
	out := NewVolume(v.Channels, v.Height, v.Width)
	for c := 0; c < v.Channels; c++ {
		for y := 0; y < v.Height; y++ {
			srcBase := (c*v.Height + (v.Height - 1 - y)) * v.Width
			dstBase := (c*v.Height + y) * v.Width
			copy(out.Data[dstBase:dstBase+v.Width], v.Data[srcBase:srcBase+v.Width])
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Rotation

// RandomRotation rotates by a uniform angle in [-MaxDegrees, MaxDegrees]
// around the center, nearest-neighbor sampled, uncovered corners zero.
type RandomRotation struct {
	MaxDegrees float64
}

func (r RandomRotation) Apply(v *Volume, rng *rand.Rand) *Volume {
	angle := (rng.Float64()*2 - 1) * r.MaxDegrees * math.Pi / 180
	sin, cos := math.Sin(angle), math.Cos(angle)
	cy := float64(v.Height-1) / 2
	cx := float64(v.Width-1) / 2

	out := NewVolume(v.Channels, v.Height, v.Width)
	for y := 0; y < v.Height; y++ {
		dy := float64(y) - cy
		for x := 0; x < v.Width; x++ {
			dx := float64(x) - cx
			// Inverse mapping into the source image.
			srcX := int(math.Round(cos*dx + sin*dy + cx))
			srcY := int(math.Round(-sin*dx + cos*dy + cy))
			if srcX < 0 || srcX >= v.Width || srcY < 0 || srcY >= v.Height {
				continue
			}
			for c := 0; c < v.Channels; c++ {
				out.Set(c, y, x, v.At(c, srcY, srcX))
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// CyclicShift

// CyclicShift rolls all channels by a random offset in [side/4, side/2)
// along one of the four directions, with probability P.
type CyclicShift struct {
	P float64
}

func (cs CyclicShift) Apply(v *Volume, rng *rand.Rand) *Volume {
	if rng.Float64() >= cs.P {
		return v
	}
	side := v.Width
	if v.Height < side {
		side = v.Height
	}
	lo, hi := side/4, side/2
	if hi <= lo {
		return v
	}
	rate := lo + rng.Intn(hi-lo)

	out := NewVolume(v.Channels, v.Height, v.Width)
	direction := rng.Float64()
	for c := 0; c < v.Channels; c++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				var srcY, srcX int
				switch {
				case direction < 0.25: // rows move down
					srcY, srcX = mod(y-rate, v.Height), x
				case direction < 0.5: // rows move up
					srcY, srcX = mod(y+rate, v.Height), x
				case direction < 0.75: // columns move left
					srcY, srcX = y, mod(x+rate, v.Width)
				default: // columns move right
					srcY, srcX = y, mod(x-rate, v.Width)
				}
				out.Set(c, y, x, v.At(c, srcY, srcX))
			}
		}
	}
	return out
}

func mod(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// ---------------------------------------------------------------------------
// SaltPepperNoise

// SaltPepperNoise corrupts whole pixels across all channels: with Prob a
// pixel goes black, with Prob it goes white, otherwise it is kept. The whole
// transform fires with probability P.
type SaltPepperNoise struct {
	Prob float64
	P    float64
}

func (sp SaltPepperNoise) Apply(v *Volume, rng *rand.Rand) *Volume {
	if rng.Float64() >= sp.P {
		return v
	}
	out := NewVolume(v.Channels, v.Height, v.Width)
	copy(out.Data, v.Data)
	threshold := 1 - sp.Prob
	for y := 0; y < v.Height; y++ {
		for x := 0; x < v.Width; x++ {
			r := rng.Float64()
			switch {
			case r < sp.Prob:
				for c := 0; c < v.Channels; c++ {
					out.Set(c, y, x, 0)
				}
			case r > threshold:
				for c := 0; c < v.Channels; c++ {
					out.Set(c, y, x, 1)
				}
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Normalize

// Normalize maps every value to (v - Mean) / Std.
type Normalize struct {
	Mean float32
	Std  float32
}

func (n Normalize) Apply(v *Volume, _ *rand.Rand) *Volume {
	out := NewVolume(v.Channels, v.Height, v.Width)
	for i, val := range v.Data {
		out.Data[i] = (val - n.Mean) / n.Std
	}
	return out
}
