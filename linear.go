package main

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Linear is a fully connected layer: y = x @ W^T + b.
//
// Weight layout is [outFeatures, inFeatures], matching the reference
// checkpoint format.
type Linear struct {
	Weight *Tensor
	Bias   *Tensor

	InF, OutF int
}

// LinearCache holds the forward input for the backward pass.
type LinearCache struct {
	input *Tensor
}

// NewLinear creates a fully connected layer, weights normal with standard
// deviation 1/sqrt(inFeatures), bias zero.
func NewLinear(src rand.Source, inF, outF int) *Linear {
	if inF <= 0 || outF <= 0 {
		panic(fmt.Sprintf("linear: invalid dimensions in=%d out=%d", inF, outF))
	}
	return &Linear{
		Weight: NewTensorNormal(src, 1.0/math.Sqrt(float64(inF)), outF, inF),
		Bias:   NewTensor(outF),
		InF:    inF,
		OutF:   outF,
	}
}

// Forward applies the layer to a [N, inFeatures] batch.
func (l *Linear) Forward(x *Tensor) *Tensor {
	out, _ := l.ForwardWithCache(x)
	return out
}

// ForwardWithCache applies the layer and returns the cache for Backward.
func (l *Linear) ForwardWithCache(x *Tensor) (*Tensor, *LinearCache) {
	if len(x.shape) != 2 || x.shape[1] != l.InF {
		panic(fmt.Sprintf("linear: input must be [N, %d], got %v", l.InF, x.shape))
	}

	out := MatMul(x, Transpose(l.Weight))
	n := x.shape[0]
	for i := 0; i < n; i++ {
		row := out.data[i*l.OutF : (i+1)*l.OutF]
		for j := range row {
			row[j] += l.Bias.data[j]
		}
	}
	return out, &LinearCache{input: x}
}

// Backward accumulates weight and bias gradients and returns the input
// gradient.
//
//	gradW += gradOut^T @ x
//	gradB += column sums of gradOut
//	gradIn = gradOut @ W
func (l *Linear) Backward(gradOut *Tensor, cache *LinearCache) *Tensor {
	x := cache.input
	n := x.shape[0]
	if !shapeEqual(gradOut.shape, []int{n, l.OutF}) {
		panic(fmt.Sprintf("linear: gradient shape %v does not match output [%d %d]", gradOut.shape, n, l.OutF))
	}

	gradW := MatMul(Transpose(gradOut), x)
	l.Weight.AccumulateGrad(gradW)

	for i := 0; i < n; i++ {
		row := gradOut.data[i*l.OutF : (i+1)*l.OutF]
		for j := range row {
			l.Bias.grad[j] += row[j]
		}
	}

	return MatMul(gradOut, l.Weight)
}

// Parameters returns the trainable tensors.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.Weight, l.Bias}
}
