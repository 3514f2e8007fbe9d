package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements 2D convolution, the workhorse layer of the backbone.
// A convolution slides a small learned filter over the image and responds
// wherever the local patch looks like the filter. Stacking them builds up
// from edges to textures to object parts.
//
// INTENTION:
// Lower convolution to matrix multiplication (im2col) instead of writing a
// seven-deep loop nest. Every input patch becomes a column of a scratch
// matrix; all filters applied to all patches is then ONE matmul, and the
// blocked parallel kernel in compute.go does the heavy lifting.
//
// THE LOWERING:
//
//   input  [C, H, W]          one sample
//   colT   [C*kH*kW, oH*oW]   column p holds the patch under output pixel p
//   weight [outC, C*kH*kW]    each filter flattened to a row
//   output [outC, oH*oW]      weight @ colT, already in channel-major layout
//
// Building colT transposed like this means the matmul result lands directly
// in the output tensor's memory layout. No permute pass afterwards.
//
// MEMORY TRADE-OFF:
// colT for one 224×224 RGB sample under a 7×7 kernel is ~15MB. Caching it
// for the backward pass across a 36-sample batch would cost ~500MB for the
// first layer alone, so the backward pass rebuilds colT per sample instead.
// Recomputing im2col is cheap next to the matmuls it feeds.
//
// There is no bias. Every convolution in this backbone is followed by a
// batch norm whose shift parameter makes a conv bias redundant.
//
// ===========================================================================

// Conv2d is a 2D convolution layer without bias.
//
// Weight layout is [outC, inC, kH, kW], matching the reference checkpoint
// format, so Weight.data viewed as a matrix is [outC, inC*kH*kW] row-major.
type Conv2d struct {
	Weight *Tensor

	InC, OutC int
	KH, KW    int
	Stride    int
	Pad       int
}

// Conv2dCache holds what Backward needs from the forward pass.
// Only the input reference; im2col scratch is rebuilt on demand.
type Conv2dCache struct {
	input      *Tensor
	outH, outW int
}

// NewConv2d creates a convolution layer with He-initialized weights
// (normal with variance 2/fanOut as in the reference backbone, where
// fanOut = outC*kH*kW).
func NewConv2d(src rand.Source, inC, outC, kernel, stride, pad int) *Conv2d {
	if inC <= 0 || outC <= 0 || kernel <= 0 || stride <= 0 || pad < 0 {
		panic(fmt.Sprintf("conv: invalid geometry inC=%d outC=%d kernel=%d stride=%d pad=%d",
			inC, outC, kernel, stride, pad))
	}

	sigma := math.Sqrt(2.0 / float64(outC*kernel*kernel))

	return &Conv2d{
		Weight: NewTensorNormal(src, sigma, outC, inC, kernel, kernel),
		InC:    inC,
		OutC:   outC,
		KH:     kernel,
		KW:     kernel,
		Stride: stride,
		Pad:    pad,
	}
}

// convOutSize returns the output extent for one spatial dimension.
func convOutSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// Forward runs the convolution in inference mode.
func (c *Conv2d) Forward(x *Tensor) *Tensor {
	out, _ := c.ForwardWithCache(x)
	return out
}

// ForwardWithCache runs the convolution and returns the cache for Backward.
//
// Input [N, inC, H, W], output [N, outC, outH, outW]. The batch dimension
// is spread across the compute pool; each worker owns a private im2col
// scratch buffer reused across its samples.
func (c *Conv2d) ForwardWithCache(x *Tensor) (*Tensor, *Conv2dCache) {
	n, h, w := c.checkInput(x)

	outH := convOutSize(h, c.KH, c.Stride, c.Pad)
	outW := convOutSize(w, c.KW, c.Stride, c.Pad)
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("conv: input %dx%d too small for kernel %dx%d stride %d pad %d",
			h, w, c.KH, c.KW, c.Stride, c.Pad))
	}

	out := NewTensor(n, c.OutC, outH, outW)

	ckk := c.InC * c.KH * c.KW
	ohw := outH * outW
	sampleIn := c.InC * h * w
	sampleOut := c.OutC * ohw

	ParallelFor(n, globalComputeConfig, func(start, end int) {
		colT := make([]float64, ckk*ohw)
		for i := start; i < end; i++ {
			c.im2col(x.data[i*sampleIn:(i+1)*sampleIn], h, w, outH, outW, colT)
			matmulSlice(c.Weight.data, colT, out.data[i*sampleOut:(i+1)*sampleOut], c.OutC, ckk, ohw)
		}
	})

	return out, &Conv2dCache{input: x, outH: outH, outW: outW}
}

// Backward accumulates the weight gradient and returns the input gradient.
//
// Per sample, with g = gradOut[i] viewed as [outC, oH*oW]:
//
//	gradW    += g @ colT^T      (accumulated across the batch)
//	gradColT  = W^T @ g
//	gradIn[i] = col2im(gradColT)
//
// The weight-gradient matmul is run in the transposed order
// (colT @ g^T, accumulated as [ckk, outC]) so both operands are row-major
// without transposing the large colT buffer.
func (c *Conv2d) Backward(gradOut *Tensor, cache *Conv2dCache) *Tensor {
	x := cache.input
	n, h, w := c.checkInput(x)
	outH, outW := cache.outH, cache.outW

	if !shapeEqual(gradOut.shape, []int{n, c.OutC, outH, outW}) {
		panic(fmt.Sprintf("conv: gradient shape %v does not match output [%d %d %d %d]",
			gradOut.shape, n, c.OutC, outH, outW))
	}

	ckk := c.InC * c.KH * c.KW
	ohw := outH * outW
	sampleIn := c.InC * h * w
	sampleOut := c.OutC * ohw

	gradIn := NewTensor(x.shape...)

	// W^T shared read-only by all workers.
	wT := make([]float64, ckk*c.OutC)
	transposeSliceInto(c.Weight.data, c.OutC, ckk, wT)

	var mu sync.Mutex

	ParallelFor(n, globalComputeConfig, func(start, end int) {
		colT := make([]float64, ckk*ohw)
		gT := make([]float64, ohw*c.OutC)
		gradColT := make([]float64, ckk*ohw)
		gradWT := make([]float64, ckk*c.OutC)

		for i := start; i < end; i++ {
			c.im2col(x.data[i*sampleIn:(i+1)*sampleIn], h, w, outH, outW, colT)

			g := gradOut.data[i*sampleOut : (i+1)*sampleOut]
			transposeSliceInto(g, c.OutC, ohw, gT)

			// gradWT [ckk, outC] accumulates over this worker's samples.
			matmulSlice(colT, gT, gradWT, ckk, ohw, c.OutC)

			clear(gradColT)
			matmulSlice(wT, g, gradColT, ckk, c.OutC, ohw)
			c.col2im(gradColT, h, w, outH, outW, gradIn.data[i*sampleIn:(i+1)*sampleIn])
		}

		// Fold this worker's weight gradient into the parameter buffer,
		// transposing back to [outC, ckk].
		mu.Lock()
		for r := 0; r < ckk; r++ {
			row := gradWT[r*c.OutC : (r+1)*c.OutC]
			for oc := 0; oc < c.OutC; oc++ {
				c.Weight.grad[oc*ckk+r] += row[oc]
			}
		}
		mu.Unlock()
	})

	return gradIn
}

// Parameters returns the trainable tensors.
func (c *Conv2d) Parameters() []*Tensor {
	return []*Tensor{c.Weight}
}

// checkInput validates the 4D input shape and returns (batch, H, W).
func (c *Conv2d) checkInput(x *Tensor) (n, h, w int) {
	if len(x.shape) != 4 {
		panic(fmt.Sprintf("conv: input must be [N, C, H, W], got %v", x.shape))
	}
	if x.shape[1] != c.InC {
		panic(fmt.Sprintf("conv: input has %d channels, layer expects %d", x.shape[1], c.InC))
	}
	return x.shape[0], x.shape[2], x.shape[3]
}

// im2col fills colT, the [inC*kH*kW, outH*outW] patch matrix for one
// sample, fully overwriting it. Row r = (ch*kH+ki)*kW+kj holds, for every
// output position, the input value at kernel offset (ki, kj) in channel ch,
// or zero where the kernel hangs over the padded border.
func (c *Conv2d) im2col(src []float64, h, w, outH, outW int, colT []float64) {
	ohw := outH * outW
	r := 0
	for ch := 0; ch < c.InC; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < c.KH; ki++ {
			for kj := 0; kj < c.KW; kj++ {
				row := colT[r*ohw : (r+1)*ohw]
				p := 0
				for oy := 0; oy < outH; oy++ {
					iy := oy*c.Stride - c.Pad + ki
					if iy < 0 || iy >= h {
						for ox := 0; ox < outW; ox++ {
							row[p] = 0
							p++
						}
						continue
					}
					base := iy * w
					for ox := 0; ox < outW; ox++ {
						ix := ox*c.Stride - c.Pad + kj
						if ix < 0 || ix >= w {
							row[p] = 0
						} else {
							row[p] = plane[base+ix]
						}
						p++
					}
				}
				r++
			}
		}
	}
}

// col2im scatters a patch-matrix gradient back onto the input plane,
// accumulating where patches overlap. Exact adjoint of im2col.
func (c *Conv2d) col2im(gradColT []float64, h, w, outH, outW int, dst []float64) {
	ohw := outH * outW
	r := 0
	for ch := 0; ch < c.InC; ch++ {
		plane := dst[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < c.KH; ki++ {
			for kj := 0; kj < c.KW; kj++ {
				row := gradColT[r*ohw : (r+1)*ohw]
				p := 0
				for oy := 0; oy < outH; oy++ {
					iy := oy*c.Stride - c.Pad + ki
					if iy < 0 || iy >= h {
						p += outW
						continue
					}
					base := iy * w
					for ox := 0; ox < outW; ox++ {
						ix := ox*c.Stride - c.Pad + kj
						if ix >= 0 && ix < w {
							plane[base+ix] += row[p]
						}
						p++
					}
				}
				r++
			}
		}
	}
}
