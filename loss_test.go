package main

import (
	"math"
	"testing"
)

func TestCrossEntropyUniformLogits(t *testing.T) {
	// Equal logits give uniform probabilities, so the loss is log(C)
	// regardless of the target.
	logits := NewTensor(2, 5)
	loss := CrossEntropyLoss(logits, []int{0, 3})

	want := math.Log(5)
	if math.Abs(loss-want) > 1e-12 {
		t.Errorf("expected log(5) = %f, got %f", want, loss)
	}
}

func TestCrossEntropyConfidentPrediction(t *testing.T) {
	// A huge margin on the correct class drives the loss to ~0; on the
	// wrong class it is ~margin.
	logits := NewTensorFrom([]float64{100, 0, 0}, 1, 3)

	right := CrossEntropyLoss(logits, []int{0})
	if right > 1e-9 {
		t.Errorf("expected ~0 loss for confident correct prediction, got %g", right)
	}

	wrong := CrossEntropyLoss(logits, []int{1})
	if math.Abs(wrong-100) > 1e-9 {
		t.Errorf("expected ~100 loss for confident wrong prediction, got %f", wrong)
	}
}

func TestCrossEntropyShiftInvariant(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3}, 1, 3)
	b := NewTensorFrom([]float64{1e6 + 1, 1e6 + 2, 1e6 + 3}, 1, 3)

	la := CrossEntropyLoss(a, []int{2})
	lb := CrossEntropyLoss(b, []int{2})

	if math.Abs(la-lb) > 1e-9 {
		t.Errorf("loss not shift invariant: %f vs %f", la, lb)
	}
	if math.IsNaN(lb) || math.IsInf(lb, 0) {
		t.Error("large logits overflowed the loss")
	}
}

func TestCrossEntropyBatchMean(t *testing.T) {
	// The batch loss is the mean of the per-sample losses.
	l1 := NewTensorFrom([]float64{2, 0}, 1, 2)
	l2 := NewTensorFrom([]float64{0, 3}, 1, 2)
	both := NewTensorFrom([]float64{2, 0, 0, 3}, 2, 2)

	a := CrossEntropyLoss(l1, []int{0})
	b := CrossEntropyLoss(l2, []int{0})
	m := CrossEntropyLoss(both, []int{0, 0})

	if math.Abs(m-(a+b)/2) > 1e-12 {
		t.Errorf("expected mean %f, got %f", (a+b)/2, m)
	}
}

func TestCrossEntropyBackward(t *testing.T) {
	logits := randomTensor(80, 4, 6)
	targets := []int{0, 5, 2, 2}

	grad := CrossEntropyBackward(logits, targets)

	loss := func() float64 {
		return CrossEntropyLoss(logits, targets)
	}
	num := numericalGradient(logits, 1e-6, loss)

	if !tensorsEqual(grad, num, 1e-7) {
		t.Error("gradient does not match numerical gradient")
	}
}

func TestCrossEntropyBackwardRowsSumToZero(t *testing.T) {
	// softmax sums to 1 and the one-hot subtracts 1, so every row of the
	// gradient sums to zero.
	logits := randomTensor(81, 3, 7)
	grad := CrossEntropyBackward(logits, []int{1, 0, 6})

	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 7; j++ {
			sum += grad.At(i, j)
		}
		if math.Abs(sum) > 1e-12 {
			t.Errorf("row %d sums to %g, expected 0", i, sum)
		}
	}
}

func TestCrossEntropyRejectsBadTarget(t *testing.T) {
	logits := NewTensor(1, 3)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for out-of-range target")
		}
	}()
	CrossEntropyLoss(logits, []int{3})
}
