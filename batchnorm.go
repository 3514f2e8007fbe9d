package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Batch normalization standardizes each channel to zero mean and unit
// variance before a learned scale and shift. It is what lets the backbone
// train with fifty-plus layers: without it, the distribution of activations
// drifts layer by layer and learning rates must shrink to nothing.
//
// The layer runs in one of three statistics modes:
//
//   training          normalize with THIS batch's mean/var, and fold them
//                     into the running averages
//   evaluation        normalize with the running averages, frozen weights
//                     of the whole training history
//   frozen            running averages even during training, and no
//                     updates to them
//
// Frozen mode exists for fine-tuning: a pretrained backbone's running
// statistics describe the pretraining distribution, and when batches mix
// several visual domains the batch statistics whipsaw between them.
// Freezing keeps normalization stable while the weights adapt. The scale
// and shift parameters still receive gradients in every mode.
//
// ===========================================================================

// BatchNorm2d normalizes each channel of a [N, C, H, W] tensor.
type BatchNorm2d struct {
	Gamma *Tensor // per-channel scale, trained
	Beta  *Tensor // per-channel shift, trained

	// Exponential running statistics, updated in training mode only.
	// Stored as tensors so checkpoints carry them alongside parameters.
	RunningMean *Tensor
	RunningVar  *Tensor

	C        int
	Eps      float64
	Momentum float64

	Training bool
	Frozen   bool
}

// BatchNorm2dCache records the statistics the backward pass needs.
type BatchNorm2dCache struct {
	input      *Tensor
	mean       []float64 // per-channel mean used to normalize
	invStd     []float64 // per-channel 1/sqrt(var+eps) used to normalize
	batchStats bool      // whether mean/invStd came from the batch
}

// NewBatchNorm2d creates a batch norm layer with identity initialization
// (scale 1, shift 0, running mean 0, running variance 1).
func NewBatchNorm2d(c int) *BatchNorm2d {
	if c <= 0 {
		panic(fmt.Sprintf("batchnorm: channel count must be positive, got %d", c))
	}

	bn := &BatchNorm2d{
		Gamma:       NewTensor(c),
		Beta:        NewTensor(c),
		RunningMean: NewTensor(c),
		RunningVar:  NewTensor(c),
		C:           c,
		Eps:         1e-5,
		Momentum:    0.1,
	}
	for i := 0; i < c; i++ {
		bn.Gamma.data[i] = 1
		bn.RunningVar.data[i] = 1
	}
	return bn
}

// SetTraining switches between training and evaluation statistics.
func (bn *BatchNorm2d) SetTraining(train bool) {
	bn.Training = train
}

// useBatchStats reports whether the current mode normalizes with batch
// statistics.
func (bn *BatchNorm2d) useBatchStats() bool {
	return bn.Training && !bn.Frozen
}

// Forward normalizes x.
func (bn *BatchNorm2d) Forward(x *Tensor) *Tensor {
	out, _ := bn.ForwardWithCache(x)
	return out
}

// ForwardWithCache normalizes x and returns the cache for Backward.
func (bn *BatchNorm2d) ForwardWithCache(x *Tensor) (*Tensor, *BatchNorm2dCache) {
	n, hw := bn.checkInput(x)

	mean := make([]float64, bn.C)
	invStd := make([]float64, bn.C)
	out := NewTensor(x.shape...)

	batchStats := bn.useBatchStats()
	m := n * hw
	if batchStats && m < 2 {
		panic("batchnorm: training mode needs more than one value per channel")
	}

	ParallelFor(bn.C, globalComputeConfig, func(start, end int) {
		for c := start; c < end; c++ {
			var mu, varc float64

			if batchStats {
				sum := 0.0
				for i := 0; i < n; i++ {
					plane := x.data[(i*bn.C+c)*hw : (i*bn.C+c+1)*hw]
					for _, v := range plane {
						sum += v
					}
				}
				mu = sum / float64(m)

				sq := 0.0
				for i := 0; i < n; i++ {
					plane := x.data[(i*bn.C+c)*hw : (i*bn.C+c+1)*hw]
					for _, v := range plane {
						d := v - mu
						sq += d * d
					}
				}
				varc = sq / float64(m) // biased, used for normalization

				// Running averages keep the unbiased estimate.
				unbiased := sq / float64(m-1)
				bn.RunningMean.data[c] = (1-bn.Momentum)*bn.RunningMean.data[c] + bn.Momentum*mu
				bn.RunningVar.data[c] = (1-bn.Momentum)*bn.RunningVar.data[c] + bn.Momentum*unbiased
			} else {
				mu = bn.RunningMean.data[c]
				varc = bn.RunningVar.data[c]
			}

			is := 1.0 / math.Sqrt(varc+bn.Eps)
			mean[c] = mu
			invStd[c] = is

			g := bn.Gamma.data[c]
			b := bn.Beta.data[c]
			for i := 0; i < n; i++ {
				off := (i*bn.C + c) * hw
				plane := x.data[off : off+hw]
				dst := out.data[off : off+hw]
				for j, v := range plane {
					dst[j] = (v-mu)*is*g + b
				}
			}
		}
	})

	return out, &BatchNorm2dCache{input: x, mean: mean, invStd: invStd, batchStats: batchStats}
}

// Backward accumulates gradients for scale and shift and returns the input
// gradient.
//
// With batch statistics the mean and variance depend on x, so the gradient
// has the full three-term form. With running statistics they are constants
// and normalization is an affine map per channel:
//
//	batch:   dx = invStd/m * (m*dxhat - Σdxhat - xhat*Σ(dxhat·xhat))
//	running: dx = dxhat * invStd
//
// where dxhat = gradOut * gamma.
func (bn *BatchNorm2d) Backward(gradOut *Tensor, cache *BatchNorm2dCache) *Tensor {
	x := cache.input
	n, hw := bn.checkInput(x)
	if !shapeEqual(gradOut.shape, x.shape) {
		panic(fmt.Sprintf("batchnorm: gradient shape %v does not match input %v", gradOut.shape, x.shape))
	}

	m := float64(n * hw)
	gradIn := NewTensor(x.shape...)

	ParallelFor(bn.C, globalComputeConfig, func(start, end int) {
		for c := start; c < end; c++ {
			mu := cache.mean[c]
			is := cache.invStd[c]
			g := bn.Gamma.data[c]

			// Channel reductions: dBeta, dGamma, and for batch mode the
			// xhat-weighted gradient sum.
			var sumG, sumGX float64
			for i := 0; i < n; i++ {
				off := (i*bn.C + c) * hw
				xp := x.data[off : off+hw]
				gp := gradOut.data[off : off+hw]
				for j, gv := range gp {
					sumG += gv
					sumGX += gv * (xp[j] - mu) * is
				}
			}

			bn.Beta.grad[c] += sumG
			bn.Gamma.grad[c] += sumGX

			if cache.batchStats {
				for i := 0; i < n; i++ {
					off := (i*bn.C + c) * hw
					xp := x.data[off : off+hw]
					gp := gradOut.data[off : off+hw]
					dst := gradIn.data[off : off+hw]
					for j, gv := range gp {
						xhat := (xp[j] - mu) * is
						dst[j] = g * is / m * (m*gv - sumG - xhat*sumGX)
					}
				}
			} else {
				scale := g * is
				for i := 0; i < n; i++ {
					off := (i*bn.C + c) * hw
					gp := gradOut.data[off : off+hw]
					dst := gradIn.data[off : off+hw]
					for j, gv := range gp {
						dst[j] = gv * scale
					}
				}
			}
		}
	})

	return gradIn
}

// Parameters returns the trainable tensors. Running statistics are not
// parameters; they travel in the state dict instead.
func (bn *BatchNorm2d) Parameters() []*Tensor {
	return []*Tensor{bn.Gamma, bn.Beta}
}

func (bn *BatchNorm2d) checkInput(x *Tensor) (n, hw int) {
	if len(x.shape) != 4 {
		panic(fmt.Sprintf("batchnorm: input must be [N, C, H, W], got %v", x.shape))
	}
	if x.shape[1] != bn.C {
		panic(fmt.Sprintf("batchnorm: input has %d channels, layer expects %d", x.shape[1], bn.C))
	}
	return x.shape[0], x.shape[2] * x.shape[3]
}
