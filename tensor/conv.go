package tensor

import (
	"fmt"
	"math"
)

// Convolution and pooling autograd ops over NCHW Float32 tensors.

type conv2dOp struct {
	input, weight, bias *Tensor
	stride, padding     int
}

func (op *conv2dOp) Inputs() []*Tensor {
	if op.bias != nil {
		return []*Tensor{op.input, op.weight, op.bias}
	}
	return []*Tensor{op.input, op.weight}
}

func (op *conv2dOp) Backward(gradOut *Tensor) []*Tensor {
	n := op.input.Shape[0]
	inC, inH, inW := op.input.Shape[1], op.input.Shape[2], op.input.Shape[3]
	outC, kH, kW := op.weight.Shape[0], op.weight.Shape[2], op.weight.Shape[3]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]

	inData := op.input.Data.([]float32)
	wData := op.weight.Data.([]float32)
	gData := gradOut.Data.([]float32)

	dInput := make([]float32, op.input.NumElems)
	dWeight := make([]float32, op.weight.NumElems)
	var dBias []float32
	if op.bias != nil {
		dBias = make([]float32, outC)
	}

	for b := 0; b < n; b++ {
		for oc := 0; oc < outC; oc++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					g := gData[((b*outC+oc)*outH+oy)*outW+ox]
					if dBias != nil {
						dBias[oc] += g
					}
					if g == 0 {
						continue
					}
					iy0 := oy*op.stride - op.padding
					ix0 := ox*op.stride - op.padding
					for ic := 0; ic < inC; ic++ {
						for ky := 0; ky < kH; ky++ {
							iy := iy0 + ky
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < kW; kx++ {
								ix := ix0 + kx
								if ix < 0 || ix >= inW {
									continue
								}
								inIdx := ((b*inC+ic)*inH+iy)*inW + ix
								wIdx := ((oc*inC+ic)*kH+ky)*kW + kx
								dInput[inIdx] += g * wData[wIdx]
								dWeight[wIdx] += g * inData[inIdx]
							}
						}
					}
				}
			}
		}
	}

	gradIn, err := NewTensor(op.input.Shape, Float32, dInput)
	if err != nil {
		panic(fmt.Sprintf("conv2d backward failed: %v", err))
	}
	gradW, err := NewTensor(op.weight.Shape, Float32, dWeight)
	if err != nil {
		panic(fmt.Sprintf("conv2d backward failed: %v", err))
	}
	if op.bias == nil {
		return []*Tensor{gradIn, gradW}
	}
	gradB, err := NewTensor(op.bias.Shape, Float32, dBias)
	if err != nil {
		panic(fmt.Sprintf("conv2d backward failed: %v", err))
	}
	return []*Tensor{gradIn, gradW, gradB}
}

// Conv2DAutograd convolves input [n, inC, h, w] with weight
// [outC, inC, kH, kW] at the given stride and zero padding. bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, fmt.Errorf("conv2d requires Float32 tensors")
	}
	if len(input.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv2d requires 4D tensors, got input %v weight %v", input.Shape, weight.Shape)
	}
	if stride < 1 {
		return nil, fmt.Errorf("conv2d stride must be >= 1, got %d", stride)
	}
	n, inC, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, wInC, kH, kW := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if inC != wInC {
		return nil, fmt.Errorf("conv2d channel mismatch: input has %d, weight expects %d", inC, wInC)
	}
	if bias != nil && bias.NumElems != outC {
		return nil, fmt.Errorf("conv2d bias size %d does not match %d output channels", bias.NumElems, outC)
	}
	outH := (inH+2*padding-kH)/stride + 1
	outW := (inW+2*padding-kW)/stride + 1
	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("conv2d output would be empty for input %v kernel %dx%d stride %d padding %d",
			input.Shape, kH, kW, stride, padding)
	}

	inData := input.Data.([]float32)
	wData := weight.Data.([]float32)
	var bData []float32
	if bias != nil {
		bData = bias.Data.([]float32)
	}

	out := make([]float32, n*outC*outH*outW)
	for b := 0; b < n; b++ {
		for oc := 0; oc < outC; oc++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					var sum float32
					iy0 := oy*stride - padding
					ix0 := ox*stride - padding
					for ic := 0; ic < inC; ic++ {
						for ky := 0; ky < kH; ky++ {
							iy := iy0 + ky
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < kW; kx++ {
								ix := ix0 + kx
								if ix < 0 || ix >= inW {
									continue
								}
								sum += inData[((b*inC+ic)*inH+iy)*inW+ix] * wData[((oc*inC+ic)*kH+ky)*kW+kx]
							}
						}
					}
					if bData != nil {
						sum += bData[oc]
					}
					out[((b*outC+oc)*outH+oy)*outW+ox] = sum
				}
			}
		}
	}

	result, err := NewTensor([]int{n, outC, outH, outW}, Float32, out)
	if err != nil {
		return nil, err
	}
	op := &conv2dOp{input: input, weight: weight, bias: bias, stride: stride, padding: padding}
	if bias != nil {
		return attach(result, op, input, weight, bias), nil
	}
	return attach(result, op, input, weight), nil
}

// ---------------------------------------------------------------------------
// MaxPool2D

type maxPool2dOp struct {
	input   *Tensor
	argmax  []int // flat input index chosen per output element
	outSize int
}

func (op *maxPool2dOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *maxPool2dOp) Backward(gradOut *Tensor) []*Tensor {
	gData := gradOut.Data.([]float32)
	dInput := make([]float32, op.input.NumElems)
	for i, srcIdx := range op.argmax {
		if srcIdx >= 0 {
			dInput[srcIdx] += gData[i]
		}
	}
	grad, err := NewTensor(op.input.Shape, Float32, dInput)
	if err != nil {
		panic(fmt.Sprintf("maxpool2d backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// MaxPool2DAutograd applies kernel x kernel max pooling with the given
// stride and zero padding over an NCHW tensor. Padded positions never win.
func MaxPool2DAutograd(input *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("maxpool2d requires a Float32 tensor, got %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("maxpool2d requires a 4D tensor, got shape %v", input.Shape)
	}
	n, c, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := (inH+2*padding-kernel)/stride + 1
	outW := (inW+2*padding-kernel)/stride + 1
	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("maxpool2d output would be empty for input %v kernel %d stride %d", input.Shape, kernel, stride)
	}

	inData := input.Data.([]float32)
	out := make([]float32, n*c*outH*outW)
	argmax := make([]int, len(out))

	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					best := float32(math.Inf(-1))
					bestIdx := -1
					for ky := 0; ky < kernel; ky++ {
						iy := oy*stride - padding + ky
						if iy < 0 || iy >= inH {
							continue
						}
						for kx := 0; kx < kernel; kx++ {
							ix := ox*stride - padding + kx
							if ix < 0 || ix >= inW {
								continue
							}
							idx := ((b*c+ch)*inH+iy)*inW + ix
							if inData[idx] > best {
								best = inData[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((b*c+ch)*outH+oy)*outW + ox
					out[outIdx] = best
					argmax[outIdx] = bestIdx
				}
			}
		}
	}

	result, err := NewTensor([]int{n, c, outH, outW}, Float32, out)
	if err != nil {
		return nil, err
	}
	return attach(result, &maxPool2dOp{input: input, argmax: argmax, outSize: len(out)}, input), nil
}

// ---------------------------------------------------------------------------
// Global average pooling

type globalAvgPool2dOp struct {
	input *Tensor
}

func (op *globalAvgPool2dOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *globalAvgPool2dOp) Backward(gradOut *Tensor) []*Tensor {
	n, c, h, w := op.input.Shape[0], op.input.Shape[1], op.input.Shape[2], op.input.Shape[3]
	gData := gradOut.Data.([]float32)
	scale := 1.0 / float32(h*w)
	dInput := make([]float32, op.input.NumElems)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			g := gData[b*c+ch] * scale
			base := (b*c + ch) * h * w
			for i := 0; i < h*w; i++ {
				dInput[base+i] = g
			}
		}
	}
	grad, err := NewTensor(op.input.Shape, Float32, dInput)
	if err != nil {
		panic(fmt.Sprintf("global avg pool backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// GlobalAvgPool2DAutograd reduces [n, c, h, w] to [n, c] by spatial mean.
func GlobalAvgPool2DAutograd(input *Tensor) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("global avg pool requires a Float32 tensor, got %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("global avg pool requires a 4D tensor, got shape %v", input.Shape)
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	inData := input.Data.([]float32)
	out := make([]float32, n*c)
	scale := 1.0 / float32(h*w)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * h * w
			var sum float32
			for i := 0; i < h*w; i++ {
				sum += inData[base+i]
			}
			out[b*c+ch] = sum * scale
		}
	}
	result, err := NewTensor([]int{n, c}, Float32, out)
	if err != nil {
		return nil, err
	}
	return attach(result, &globalAvgPool2dOp{input: input}, input), nil
}

// ---------------------------------------------------------------------------
// BatchNorm2D

type batchNorm2dOp struct {
	input, gamma, beta *Tensor
	normalized         []float32 // x-hat saved from forward
	invStd             []float32 // per channel
	batchMean          []float32 // per channel (training mode only)
	training           bool
}

func (op *batchNorm2dOp) Inputs() []*Tensor { return []*Tensor{op.input, op.gamma, op.beta} }

func (op *batchNorm2dOp) Backward(gradOut *Tensor) []*Tensor {
	n, c, h, w := op.input.Shape[0], op.input.Shape[1], op.input.Shape[2], op.input.Shape[3]
	m := float32(n * h * w)
	gData := gradOut.Data.([]float32)
	gammaData := op.gamma.Data.([]float32)

	dGamma := make([]float32, c)
	dBeta := make([]float32, c)
	dInput := make([]float32, op.input.NumElems)

	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float32
		for b := 0; b < n; b++ {
			base := ((b*c + ch) * h) * w
			for i := 0; i < h*w; i++ {
				g := gData[base+i]
				sumG += g
				sumGX += g * op.normalized[base+i]
			}
		}
		dGamma[ch] = sumGX
		dBeta[ch] = sumG

		gamma := gammaData[ch]
		invStd := op.invStd[ch]
		if op.training {
			// dX = gamma*invStd/m * (m*dY - sum(dY) - xhat*sum(dY*xhat))
			scale := gamma * invStd / m
			for b := 0; b < n; b++ {
				base := ((b*c + ch) * h) * w
				for i := 0; i < h*w; i++ {
					g := gData[base+i]
					dInput[base+i] = scale * (m*g - sumG - op.normalized[base+i]*sumGX)
				}
			}
		} else {
			// Running statistics are constants in eval mode.
			scale := gamma * invStd
			for b := 0; b < n; b++ {
				base := ((b*c + ch) * h) * w
				for i := 0; i < h*w; i++ {
					dInput[base+i] = scale * gData[base+i]
				}
			}
		}
	}

	gradIn, err := NewTensor(op.input.Shape, Float32, dInput)
	if err != nil {
		panic(fmt.Sprintf("batchnorm backward failed: %v", err))
	}
	gradGamma, err := NewTensor(op.gamma.Shape, Float32, dGamma)
	if err != nil {
		panic(fmt.Sprintf("batchnorm backward failed: %v", err))
	}
	gradBeta, err := NewTensor(op.beta.Shape, Float32, dBeta)
	if err != nil {
		panic(fmt.Sprintf("batchnorm backward failed: %v", err))
	}
	return []*Tensor{gradIn, gradGamma, gradBeta}
}

// BatchNorm2DAutograd normalizes each channel of an NCHW tensor. In training
// mode it uses batch statistics and folds them into the running estimates
// (running = (1-momentum)*running + momentum*batch); in eval mode it uses
// the running estimates unchanged. gamma, beta, runningMean and runningVar
// all have shape [channels]; the running tensors are updated in place and
// stay outside the autograd graph.
func BatchNorm2DAutograd(input, gamma, beta, runningMean, runningVar *Tensor, momentum, eps float64, training bool) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("batchnorm requires a Float32 tensor, got %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("batchnorm requires a 4D tensor, got shape %v", input.Shape)
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	for _, p := range []*Tensor{gamma, beta, runningMean, runningVar} {
		if p.NumElems != c {
			return nil, fmt.Errorf("batchnorm parameter size %d does not match %d channels", p.NumElems, c)
		}
	}

	inData := input.Data.([]float32)
	gammaData := gamma.Data.([]float32)
	betaData := beta.Data.([]float32)
	rMean := runningMean.Data.([]float32)
	rVar := runningVar.Data.([]float32)

	mean := make([]float32, c)
	variance := make([]float32, c)
	m := float32(n * h * w)

	if training {
		for ch := 0; ch < c; ch++ {
			var sum float32
			for b := 0; b < n; b++ {
				base := ((b*c + ch) * h) * w
				for i := 0; i < h*w; i++ {
					sum += inData[base+i]
				}
			}
			mean[ch] = sum / m
			var sq float32
			for b := 0; b < n; b++ {
				base := ((b*c + ch) * h) * w
				for i := 0; i < h*w; i++ {
					d := inData[base+i] - mean[ch]
					sq += d * d
				}
			}
			variance[ch] = sq / m
			rMean[ch] = float32(1.0-momentum)*rMean[ch] + float32(momentum)*mean[ch]
			rVar[ch] = float32(1.0-momentum)*rVar[ch] + float32(momentum)*variance[ch]
		}
	} else {
		copy(mean, rMean)
		copy(variance, rVar)
	}

	invStd := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		invStd[ch] = float32(1.0 / math.Sqrt(float64(variance[ch])+eps))
	}

	normalized := make([]float32, input.NumElems)
	out := make([]float32, input.NumElems)
	for ch := 0; ch < c; ch++ {
		for b := 0; b < n; b++ {
			base := ((b*c + ch) * h) * w
			for i := 0; i < h*w; i++ {
				xhat := (inData[base+i] - mean[ch]) * invStd[ch]
				normalized[base+i] = xhat
				out[base+i] = gammaData[ch]*xhat + betaData[ch]
			}
		}
	}

	result, err := NewTensor(input.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	op := &batchNorm2dOp{
		input:      input,
		gamma:      gamma,
		beta:       beta,
		normalized: normalized,
		invStd:     invStd,
		batchMean:  mean,
		training:   training,
	}
	return attach(result, op, input, gamma, beta), nil
}
