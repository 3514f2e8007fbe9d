package main

import (
	"math/rand/v2"
	"testing"
)

func TestLinearKnownValues(t *testing.T) {
	l := NewLinear(rand.NewPCG(1, 1), 3, 2)

	// W is [outF, inF]; y = x @ W^T + b
	copy(l.Weight.data, []float64{
		1, 2, 3, // output 0
		4, 5, 6, // output 1
	})
	copy(l.Bias.data, []float64{10, 20})

	x := NewTensorFrom([]float64{1, 1, 1}, 1, 3)
	y := l.Forward(x)

	// y[0] = 1+2+3+10 = 16, y[1] = 4+5+6+20 = 35
	if y.At(0, 0) != 16 {
		t.Errorf("expected 16, got %f", y.At(0, 0))
	}
	if y.At(0, 1) != 35 {
		t.Errorf("expected 35, got %f", y.At(0, 1))
	}
}

func TestLinearBackward(t *testing.T) {
	l := NewLinear(rand.NewPCG(2, 1), 4, 3)
	x := randomTensor(60, 5, 4)
	w := randomTensor(61, 5, 3)

	loss := func() float64 {
		y := l.Forward(x)
		sum := 0.0
		for i := range y.data {
			sum += y.data[i] * w.data[i]
		}
		return sum
	}

	l.Weight.ZeroGrad()
	l.Bias.ZeroGrad()
	_, cache := l.ForwardWithCache(x)
	gradIn := l.Backward(w, cache)

	numIn := numericalGradient(x, 1e-6, loss)
	if !tensorsEqual(gradIn, numIn, 1e-6) {
		t.Error("input gradient does not match numerical gradient")
	}

	numW := numericalGradient(l.Weight, 1e-6, loss)
	gradW := NewTensorFrom(l.Weight.grad, l.Weight.Shape()...)
	if !tensorsEqual(gradW, numW, 1e-6) {
		t.Error("weight gradient does not match numerical gradient")
	}

	numB := numericalGradient(l.Bias, 1e-6, loss)
	gradB := NewTensorFrom(l.Bias.grad, l.Bias.Shape()...)
	if !tensorsEqual(gradB, numB, 1e-6) {
		t.Error("bias gradient does not match numerical gradient")
	}
}

func TestLinearRejectsWrongWidth(t *testing.T) {
	l := NewLinear(rand.NewPCG(1, 1), 4, 2)
	x := NewTensor(1, 3)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for feature width mismatch")
		}
	}()
	l.Forward(x)
}
