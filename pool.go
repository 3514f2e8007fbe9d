package main

import (
	"fmt"
	"math"
)

// MaxPool2d keeps the strongest response in each window. The backbone uses
// a single 3x3 stride-2 instance right after the stem to quarter the
// spatial resolution early.
type MaxPool2d struct {
	Kernel, Stride, Pad int
}

// MaxPool2dCache records, per output element, the flat input index that
// won the max. Backward routes gradients through the winners only.
type MaxPool2dCache struct {
	input      *Tensor
	argmax     []int
	outH, outW int
}

// NewMaxPool2d creates a max pooling layer.
func NewMaxPool2d(kernel, stride, pad int) *MaxPool2d {
	if kernel <= 0 || stride <= 0 || pad < 0 {
		panic(fmt.Sprintf("pool: invalid geometry kernel=%d stride=%d pad=%d", kernel, stride, pad))
	}
	return &MaxPool2d{Kernel: kernel, Stride: stride, Pad: pad}
}

// Forward pools x in inference mode.
func (p *MaxPool2d) Forward(x *Tensor) *Tensor {
	out, _ := p.ForwardWithCache(x)
	return out
}

// ForwardWithCache pools x and records the argmax routing for Backward.
// Padded border cells never win; a window fully in the padding would make
// the output undefined, which the geometry here rules out.
func (p *MaxPool2d) ForwardWithCache(x *Tensor) (*Tensor, *MaxPool2dCache) {
	if len(x.shape) != 4 {
		panic(fmt.Sprintf("pool: input must be [N, C, H, W], got %v", x.shape))
	}
	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]

	outH := convOutSize(h, p.Kernel, p.Stride, p.Pad)
	outW := convOutSize(w, p.Kernel, p.Stride, p.Pad)
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("pool: input %dx%d too small for kernel %d stride %d pad %d",
			h, w, p.Kernel, p.Stride, p.Pad))
	}

	out := NewTensor(n, c, outH, outW)
	argmax := make([]int, n*c*outH*outW)

	ParallelFor(n, globalComputeConfig, func(start, end int) {
		for i := start; i < end; i++ {
			for ch := 0; ch < c; ch++ {
				planeOff := (i*c + ch) * h * w
				outOff := (i*c + ch) * outH * outW
				for oy := 0; oy < outH; oy++ {
					for ox := 0; ox < outW; ox++ {
						best := math.Inf(-1)
						bestIdx := -1
						for ky := 0; ky < p.Kernel; ky++ {
							iy := oy*p.Stride - p.Pad + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < p.Kernel; kx++ {
								ix := ox*p.Stride - p.Pad + kx
								if ix < 0 || ix >= w {
									continue
								}
								idx := planeOff + iy*w + ix
								if v := x.data[idx]; v > best {
									best = v
									bestIdx = idx
								}
							}
						}
						o := outOff + oy*outW + ox
						out.data[o] = best
						argmax[o] = bestIdx
					}
				}
			}
		}
	})

	return out, &MaxPool2dCache{input: x, argmax: argmax, outH: outH, outW: outW}
}

// Backward routes each output gradient to the input cell that won the max.
func (p *MaxPool2d) Backward(gradOut *Tensor, cache *MaxPool2dCache) *Tensor {
	if len(gradOut.data) != len(cache.argmax) {
		panic("pool: gradient size does not match forward output")
	}

	gradIn := NewTensor(cache.input.shape...)
	for o, idx := range cache.argmax {
		gradIn.data[idx] += gradOut.data[o]
	}
	return gradIn
}

// GlobalAvgPool averages each channel plane to a single value,
// [N, C, H, W] -> [N, C]. The classifier head runs on these pooled
// embeddings, and so does the cross-domain alignment penalty.
func GlobalAvgPool(x *Tensor) *Tensor {
	if len(x.shape) != 4 {
		panic(fmt.Sprintf("pool: input must be [N, C, H, W], got %v", x.shape))
	}
	n, c, hw := x.shape[0], x.shape[1], x.shape[2]*x.shape[3]

	out := NewTensor(n, c)
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			plane := x.data[(i*c+ch)*hw : (i*c+ch+1)*hw]
			sum := 0.0
			for _, v := range plane {
				sum += v
			}
			out.data[i*c+ch] = sum / float64(hw)
		}
	}
	return out
}

// GlobalAvgPoolBackward spreads each pooled gradient uniformly over its
// channel plane. x is the forward input (only its shape is read).
func GlobalAvgPoolBackward(x, gradOut *Tensor) *Tensor {
	n, c, hw := x.shape[0], x.shape[1], x.shape[2]*x.shape[3]
	if !shapeEqual(gradOut.shape, []int{n, c}) {
		panic(fmt.Sprintf("pool: gradient shape %v does not match pooled [%d %d]", gradOut.shape, n, c))
	}

	gradIn := NewTensor(x.shape...)
	inv := 1.0 / float64(hw)
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			g := gradOut.data[i*c+ch] * inv
			plane := gradIn.data[(i*c+ch)*hw : (i*c+ch+1)*hw]
			for j := range plane {
				plane[j] = g
			}
		}
	}
	return gradIn
}
