package main

import (
	"fmt"
	"math/rand/v2"
)

// Dropout zeroes each activation with probability P during training and
// scales the survivors by 1/(1-P), so the expected activation is unchanged
// and evaluation needs no correction (inverted dropout).
type Dropout struct {
	P        float64
	Training bool

	rng *rand.Rand
}

// DropoutCache holds the mask applied in the forward pass. A nil mask
// means the pass was an identity (evaluation mode or P = 0).
type DropoutCache struct {
	mask []float64
}

// NewDropout creates a dropout layer drawing masks from rng.
func NewDropout(rng *rand.Rand, p float64) *Dropout {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout: probability must be in [0, 1), got %g", p))
	}
	return &Dropout{P: p, rng: rng}
}

// SetTraining switches between masking and identity behavior.
func (d *Dropout) SetTraining(train bool) {
	d.Training = train
}

// Forward applies dropout in inference mode (identity).
func (d *Dropout) Forward(x *Tensor) *Tensor {
	out, _ := d.ForwardWithCache(x)
	return out
}

// ForwardWithCache applies dropout and returns the mask for Backward.
func (d *Dropout) ForwardWithCache(x *Tensor) (*Tensor, *DropoutCache) {
	if !d.Training || d.P == 0 {
		return x, &DropoutCache{}
	}

	keep := 1.0 / (1.0 - d.P)
	mask := make([]float64, len(x.data))
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if d.rng.Float64() >= d.P {
			mask[i] = keep
			out.data[i] = v * keep
		}
	}
	return out, &DropoutCache{mask: mask}
}

// Backward applies the forward mask to the incoming gradient.
func (d *Dropout) Backward(gradOut *Tensor, cache *DropoutCache) *Tensor {
	if cache.mask == nil {
		return gradOut
	}
	if len(cache.mask) != len(gradOut.data) {
		panic("dropout: gradient size does not match forward output")
	}

	gradIn := NewTensor(gradOut.shape...)
	for i, g := range gradOut.data {
		gradIn.data[i] = g * cache.mask[i]
	}
	return gradIn
}
