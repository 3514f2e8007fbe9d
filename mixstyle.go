package main

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements style mixing, the feature-statistics augmentation
// that makes the backbone robust to domain shift.
//
// THE IDEA:
// In a convolutional feature map, the per-channel mean and standard
// deviation over the spatial extent capture the "style" of an image (color
// cast, texture, stroke weight), while the normalized residual carries the
// content. Photos of a dog and sketches of a dog differ mostly in the
// former. So: take each sample in the batch, pair it with a random other
// sample, and blend their channel statistics
//
//	mu_mix  = lam*mu_a  + (1-lam)*mu_b
//	sig_mix = lam*sig_a + (1-lam)*sig_b
//
// with lam drawn per sample from Beta(alpha, alpha). Re-standardizing the
// feature map to the blended statistics synthesizes a sample whose style
// lies between two training domains, without touching its content or its
// label. A classifier trained on these hybrids stops keying on style and
// generalizes to domains it never saw.
//
// Alpha is small (0.1 by default), so Beta(alpha, alpha) is U-shaped: lam
// lands near 0 or near 1, a mostly-one-style blend rather than a mushy
// average.
//
// BACKWARD PASS:
// The statistics are treated as constants rather than differentiated
// through, so the transform seen by autograd is the per-channel affine map
// x -> (x - mu)/sig * sig_mix + mu_mix and its input gradient is just
// gradOut * sig_mix/sig. No gradient flows through the statistics
// themselves.
//
// ===========================================================================

const mixStyleEps = 1e-6

// MixStyle mixes per-sample channel statistics across a batch during
// training. Outside training, or when the batch has a single sample and no
// partner to pair with, it is the identity.
type MixStyle struct {
	P        float64 // probability a forward call mixes at all
	Alpha    float64 // Beta distribution shape
	Training bool

	rng  *rand.Rand
	beta distuv.Beta

	invocations int
}

// MixStyleCache carries the per-sample-channel gradient scale. A nil scale
// means the call was an identity.
type MixStyleCache struct {
	scale []float64 // sig_mix/sig, indexed [n*C+c]
}

// NewMixStyle creates the transform. The gate, the permutation and the
// Beta draws all come from src, so a seeded run mixes reproducibly.
// Parameters are validated by the factory before construction; violations
// here are programmer bugs.
func NewMixStyle(src rand.Source, p, alpha float64) *MixStyle {
	if p < 0 || p > 1 {
		panic(fmt.Sprintf("mixstyle: probability %g outside [0, 1]", p))
	}
	if alpha <= 0 {
		panic(fmt.Sprintf("mixstyle: alpha must be positive, got %g", alpha))
	}
	return &MixStyle{
		P:     p,
		Alpha: alpha,
		rng:   rand.New(src),
		beta:  distuv.Beta{Alpha: alpha, Beta: alpha, Src: src},
	}
}

// SetTraining switches between mixing and identity behavior.
func (m *MixStyle) SetTraining(train bool) {
	m.Training = train
}

// Invocations returns how many times Forward has been called since the
// last reset. Each configured insertion point should contribute exactly
// one call per forward pass of the network.
func (m *MixStyle) Invocations() int {
	return m.invocations
}

// ResetInvocations clears the invocation counter.
func (m *MixStyle) ResetInvocations() {
	m.invocations = 0
}

// Forward applies the transform in inference mode.
func (m *MixStyle) Forward(x *Tensor) *Tensor {
	out, _ := m.ForwardWithCache(x)
	return out
}

// ForwardWithCache applies the transform and returns the cache for
// Backward.
//
// Identity cases: evaluation mode, a single-sample batch (no partner to
// mix with), and the 1-P share of training calls where the gate stays
// closed. Identity returns x itself; the input is not copied.
func (m *MixStyle) ForwardWithCache(x *Tensor) (*Tensor, *MixStyleCache) {
	m.invocations++

	if len(x.shape) != 4 {
		panic(fmt.Sprintf("mixstyle: input must be [N, C, H, W], got %v", x.shape))
	}
	n, c := x.shape[0], x.shape[1]
	hw := x.shape[2] * x.shape[3]

	if !m.Training || n < 2 {
		return x, &MixStyleCache{}
	}
	if m.rng.Float64() > m.P {
		return x, &MixStyleCache{}
	}

	mean, std := channelStats(x, mixStyleEps)

	// One partner and one mixing coefficient per sample. A sample may draw
	// itself as partner; that position degrades to identity.
	perm := m.rng.Perm(n)
	lam := make([]float64, n)
	for i := range lam {
		lam[i] = m.beta.Rand()
	}

	out := NewTensor(x.shape...)
	scale := make([]float64, n*c)

	for i := 0; i < n; i++ {
		p := perm[i]
		for ch := 0; ch < c; ch++ {
			mu := mean[i*c+ch]
			sig := std[i*c+ch]
			muMix := lam[i]*mu + (1-lam[i])*mean[p*c+ch]
			sigMix := lam[i]*sig + (1-lam[i])*std[p*c+ch]

			s := sigMix / sig
			scale[i*c+ch] = s

			base := (i*c + ch) * hw
			for k := 0; k < hw; k++ {
				out.data[base+k] = (x.data[base+k]-mu)*s + muMix
			}
		}
	}

	return out, &MixStyleCache{scale: scale}
}

// Backward maps the output gradient to the input gradient. With the
// statistics held constant the transform is affine per sample-channel, so
// the gradient is a plain rescale; identity calls pass the gradient
// through untouched.
func (m *MixStyle) Backward(gradOut *Tensor, cache *MixStyleCache) *Tensor {
	if cache.scale == nil {
		return gradOut
	}

	n, c := gradOut.shape[0], gradOut.shape[1]
	hw := gradOut.shape[2] * gradOut.shape[3]
	if len(cache.scale) != n*c {
		panic("mixstyle: gradient shape does not match forward batch")
	}

	gradIn := NewTensor(gradOut.shape...)
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			s := cache.scale[i*c+ch]
			base := (i*c + ch) * hw
			for k := 0; k < hw; k++ {
				gradIn.data[base+k] = gradOut.data[base+k] * s
			}
		}
	}
	return gradIn
}
