package main

import (
	"testing"
)

func TestMaxPoolKnownValues(t *testing.T) {
	// 2x2 kernel, stride 2, no padding on a 4x4 input.
	pool := NewMaxPool2d(2, 2, 0)

	x := NewTensorFrom([]float64{
		1, 3, 2, 4,
		5, 7, 6, 8,
		9, 2, 1, 3,
		4, 6, 5, 7,
	}, 1, 1, 4, 4)

	y := pool.Forward(x)

	// Window maxima: [1 3; 5 7] -> 7, [2 4; 6 8] -> 8, [9 2; 4 6] -> 9,
	// [1 3; 5 7] -> 7
	expected := []float64{7, 8, 9, 7}
	for i, v := range expected {
		if y.data[i] != v {
			t.Errorf("out[%d]: expected %f, got %f", i, v, y.data[i])
		}
	}
}

func TestMaxPoolPadding(t *testing.T) {
	// The stem pool: 3x3 kernel, stride 2, pad 1. Padded cells never win,
	// even when every input value is negative.
	pool := NewMaxPool2d(3, 2, 1)

	x := NewTensor(1, 1, 4, 4)
	for i := range x.data {
		x.data[i] = -float64(i) - 1
	}

	y := pool.Forward(x)

	shape := y.Shape()
	if shape[2] != 2 || shape[3] != 2 {
		t.Fatalf("expected 2x2 output, got %v", shape)
	}
	// Top-left window covers input rows/cols 0..1 (border clipped);
	// its max is the least negative value, -1.
	if y.At(0, 0, 0, 0) != -1 {
		t.Errorf("expected -1, got %f", y.At(0, 0, 0, 0))
	}
	for _, v := range y.data {
		if v == 0 {
			t.Error("a padded zero cell won the max over negative inputs")
		}
	}
}

func TestMaxPoolBackwardRouting(t *testing.T) {
	pool := NewMaxPool2d(2, 2, 0)

	x := NewTensorFrom([]float64{
		1, 3,
		5, 7,
	}, 1, 1, 2, 2)

	_, cache := pool.ForwardWithCache(x)

	gradOut := NewTensorFrom([]float64{10}, 1, 1, 1, 1)
	gradIn := pool.Backward(gradOut, cache)

	// Only the winning cell (value 7, index 3) receives the gradient.
	want := []float64{0, 0, 0, 10}
	for i, v := range want {
		if gradIn.data[i] != v {
			t.Errorf("gradIn[%d]: expected %f, got %f", i, v, gradIn.data[i])
		}
	}
}

func TestMaxPoolBackwardOverlap(t *testing.T) {
	// Kernel 2, stride 1: windows overlap, and a cell that wins several
	// windows accumulates their gradients.
	pool := NewMaxPool2d(2, 1, 0)

	x := NewTensorFrom([]float64{
		0, 0, 0,
		0, 9, 0,
		0, 0, 0,
	}, 1, 1, 3, 3)

	_, cache := pool.ForwardWithCache(x)

	gradOut := NewTensor(1, 1, 2, 2)
	for i := range gradOut.data {
		gradOut.data[i] = 1
	}
	gradIn := pool.Backward(gradOut, cache)

	// The center 9 wins all four windows.
	if gradIn.At(0, 0, 1, 1) != 4 {
		t.Errorf("expected center gradient 4, got %f", gradIn.At(0, 0, 1, 1))
	}
}

func TestGlobalAvgPool(t *testing.T) {
	x := NewTensorFrom([]float64{
		1, 2, 3, 4, // sample 0, channel 0: mean 2.5
		10, 20, 30, 40, // sample 0, channel 1: mean 25
		0, 0, 0, 8, // sample 1, channel 0: mean 2
		-4, 4, -4, 4, // sample 1, channel 1: mean 0
	}, 2, 2, 2, 2)

	y := GlobalAvgPool(x)

	shape := y.Shape()
	if shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("expected shape [2 2], got %v", shape)
	}

	expected := [][]float64{{2.5, 25}, {2, 0}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if got := y.At(i, j); got != expected[i][j] {
				t.Errorf("pooled[%d,%d]: expected %f, got %f", i, j, expected[i][j], got)
			}
		}
	}
}

func TestGlobalAvgPoolBackward(t *testing.T) {
	x := NewTensor(1, 2, 2, 2)
	gradOut := NewTensorFrom([]float64{8, -4}, 1, 2)

	gradIn := GlobalAvgPoolBackward(x, gradOut)

	// Each channel gradient spreads uniformly: 8/4 = 2, -4/4 = -1.
	for i := 0; i < 4; i++ {
		if gradIn.data[i] != 2 {
			t.Errorf("channel 0 cell %d: expected 2, got %f", i, gradIn.data[i])
		}
		if gradIn.data[4+i] != -1 {
			t.Errorf("channel 1 cell %d: expected -1, got %f", i, gradIn.data[4+i])
		}
	}
}

func TestGlobalAvgPoolGradientCheck(t *testing.T) {
	x := randomTensor(50, 2, 3, 4, 4)
	w := randomTensor(51, 2, 3)

	loss := func() float64 {
		y := GlobalAvgPool(x)
		sum := 0.0
		for i := range y.data {
			sum += y.data[i] * w.data[i]
		}
		return sum
	}

	gradIn := GlobalAvgPoolBackward(x, w)
	numIn := numericalGradient(x, 1e-6, loss)

	if !tensorsEqual(gradIn, numIn, 1e-7) {
		t.Error("pooling gradient does not match numerical gradient")
	}
}

func TestMaxPoolGradientCheck(t *testing.T) {
	pool := NewMaxPool2d(3, 2, 1)

	// Well-separated values so the finite-difference perturbation can
	// never flip a window's argmax.
	x := NewTensor(1, 2, 5, 5)
	for i := range x.data {
		x.data[i] = float64((i*17)%50) - 25
	}
	w := randomTensor(53, 1, 2, 3, 3)

	loss := func() float64 {
		y := pool.Forward(x)
		sum := 0.0
		for i := range y.data {
			sum += y.data[i] * w.data[i]
		}
		return sum
	}

	_, cache := pool.ForwardWithCache(x)
	gradIn := pool.Backward(w, cache)
	numIn := numericalGradient(x, 1e-6, loss)

	if !tensorsEqual(gradIn, numIn, 1e-6) {
		t.Error("max pool gradient does not match numerical gradient")
	}
}
