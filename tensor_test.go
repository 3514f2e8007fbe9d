package main

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestNewTensor(t *testing.T) {
	x := NewTensor(2, 3, 4)

	if x.Size() != 24 {
		t.Errorf("expected size 24, got %d", x.Size())
	}
	if x.Dims() != 3 {
		t.Errorf("expected 3 dims, got %d", x.Dims())
	}

	shape := x.Shape()
	if shape[0] != 2 || shape[1] != 3 || shape[2] != 4 {
		t.Errorf("expected shape [2 3 4], got %v", shape)
	}

	// Zero-initialized
	for i, v := range x.data {
		if v != 0 {
			t.Errorf("element %d: expected 0, got %f", i, v)
		}
	}

	// Shape() returns a copy: mutating it must not touch the tensor
	shape[0] = 99
	if x.Shape()[0] != 2 {
		t.Error("Shape() leaked the internal shape slice")
	}
}

func TestNewTensorFrom(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)

	if x.At(0, 0) != 1 || x.At(0, 2) != 3 || x.At(1, 0) != 4 || x.At(1, 2) != 6 {
		t.Errorf("row-major layout broken: got %v", x.data)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for mismatched value count")
		}
	}()
	NewTensorFrom([]float64{1, 2, 3}, 2, 2)
}

func TestAtSetRowMajor(t *testing.T) {
	x := NewTensor(2, 3)

	// (1, 2) in a (2, 3) tensor is flat index 1*3 + 2 = 5
	x.Set(7.5, 1, 2)
	if x.data[5] != 7.5 {
		t.Errorf("expected data[5] = 7.5, got %f", x.data[5])
	}
	if x.At(1, 2) != 7.5 {
		t.Errorf("expected At(1,2) = 7.5, got %f", x.At(1, 2))
	}
}

func TestMatMul(t *testing.T) {
	// A is 2x3, B is 3x2
	a := NewTensorFrom([]float64{
		1, 2, 3,
		4, 5, 6,
	}, 2, 3)
	b := NewTensorFrom([]float64{
		1, 2,
		3, 4,
		5, 6,
	}, 3, 2)

	c := MatMul(a, b)

	// C[0,0] = 1*1 + 2*3 + 3*5 = 22
	// C[0,1] = 1*2 + 2*4 + 3*6 = 28
	// C[1,0] = 4*1 + 5*3 + 6*5 = 49
	// C[1,1] = 4*2 + 5*4 + 6*6 = 64
	expected := [][]float64{
		{22, 28},
		{49, 64},
	}

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if got := c.At(i, j); got != expected[i][j] {
				t.Errorf("C[%d,%d]: expected %f, got %f", i, j, expected[i][j], got)
			}
		}
	}
}

func TestTranspose(t *testing.T) {
	a := NewTensorFrom([]float64{
		1, 2, 3,
		4, 5, 6,
	}, 2, 3)

	at := Transpose(a)

	shape := at.Shape()
	if shape[0] != 3 || shape[1] != 2 {
		t.Fatalf("expected shape [3 2], got %v", shape)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if at.At(j, i) != a.At(i, j) {
				t.Errorf("transpose[%d,%d]: expected %f, got %f", j, i, a.At(i, j), at.At(j, i))
			}
		}
	}
}

func TestReshapeSharesStorage(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	v := x.Reshape(3, 2)

	// A write through the view must be visible in the parent.
	v.Set(99, 0, 1)
	if x.At(0, 1) != 99 {
		t.Errorf("expected reshape to share data, parent has %f", x.At(0, 1))
	}

	v.grad[0] = 5
	if x.grad[0] != 5 {
		t.Error("expected reshape to share gradients")
	}
}

func TestCloneIndependent(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 4}, 2, 2)
	x.grad[0] = 10

	c := x.Clone()
	c.Set(77, 0, 0)
	c.grad[0] = 20

	if x.At(0, 0) != 1 {
		t.Errorf("clone write leaked into original: got %f", x.At(0, 0))
	}
	if x.grad[0] != 10 {
		t.Errorf("clone grad write leaked into original: got %f", x.grad[0])
	}
}

func TestChunkRows(t *testing.T) {
	// 6 rows of 2 elements, split into 3 chunks of 2 rows each.
	x := NewTensorFrom([]float64{
		0, 1,
		2, 3,
		4, 5,
		6, 7,
		8, 9,
		10, 11,
	}, 6, 2)

	chunks := x.ChunkRows(3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	for i, ch := range chunks {
		shape := ch.Shape()
		if shape[0] != 2 || shape[1] != 2 {
			t.Errorf("chunk %d: expected shape [2 2], got %v", i, shape)
		}
	}

	// Chunk 1 holds rows 2 and 3.
	if chunks[1].At(0, 0) != 4 || chunks[1].At(1, 1) != 7 {
		t.Errorf("chunk 1 holds wrong rows: %v", chunks[1].data)
	}

	// Chunks are views: writing chunk data and grad writes the parent.
	chunks[2].Set(-1, 0, 0)
	if x.At(4, 0) != -1 {
		t.Errorf("chunk data write not visible in parent: got %f", x.At(4, 0))
	}
	chunks[0].grad[3] = 2.5
	if x.grad[3] != 2.5 {
		t.Errorf("chunk grad write not visible in parent: got %f", x.grad[3])
	}
}

func TestChunkRowsIndivisible(t *testing.T) {
	x := NewTensor(5, 2)
	defer func() {
		if recover() == nil {
			t.Error("expected panic when rows are not divisible by chunk count")
		}
	}()
	x.ChunkRows(2)
}

func TestAddMulScale(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4}, 2, 2)
	b := NewTensorFrom([]float64{10, 20, 30, 40}, 2, 2)

	sum := Add(a, b)
	if sum.At(0, 0) != 11 || sum.At(1, 1) != 44 {
		t.Errorf("add: got %v", sum.data)
	}

	prod := Mul(a, b)
	if prod.At(0, 0) != 10 || prod.At(1, 1) != 160 {
		t.Errorf("mul: got %v", prod.data)
	}

	scaled := Scale(a, 0.5)
	if scaled.At(0, 1) != 1 || scaled.At(1, 0) != 1.5 {
		t.Errorf("scale: got %v", scaled.data)
	}
}

func TestReLU(t *testing.T) {
	x := NewTensorFrom([]float64{-2, -0.5, 0, 0.5, 3}, 1, 5)
	y := ReLU(x)

	expected := []float64{0, 0, 0, 0.5, 3}
	for i, want := range expected {
		if got := y.At(0, i); got != want {
			t.Errorf("relu[%d]: expected %f, got %f", i, want, got)
		}
	}
}

func TestSoftmax(t *testing.T) {
	// softmax([0, ln3]) = [1/4, 3/4]
	x := NewTensorFrom([]float64{0, math.Log(3)}, 1, 2)
	y := Softmax(x)

	if math.Abs(y.At(0, 0)-0.25) > 1e-9 {
		t.Errorf("expected 0.25, got %f", y.At(0, 0))
	}
	if math.Abs(y.At(0, 1)-0.75) > 1e-9 {
		t.Errorf("expected 0.75, got %f", y.At(0, 1))
	}
}

func TestSoftmaxShiftInvariant(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3}, 1, 3)
	b := NewTensorFrom([]float64{1001, 1002, 1003}, 1, 3)

	ya := Softmax(a)
	yb := Softmax(b)

	for i := 0; i < 3; i++ {
		if math.Abs(ya.At(0, i)-yb.At(0, i)) > 1e-9 {
			t.Errorf("column %d: %f vs %f", i, ya.At(0, i), yb.At(0, i))
		}
	}

	// Each row sums to 1.
	sum := ya.At(0, 0) + ya.At(0, 1) + ya.At(0, 2)
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("probabilities sum to %f, expected 1", sum)
	}
}

func TestChannelStats(t *testing.T) {
	const eps = 1e-6

	// One sample, one channel, 2x2 spatial: values 1,2,3,4.
	// mean = 2.5, unbiased variance = (1.5^2 + 0.5^2 + 0.5^2 + 1.5^2)/3 = 5/3
	x := NewTensorFrom([]float64{1, 2, 3, 4}, 1, 1, 2, 2)
	mean, std := channelStats(x, eps)

	if len(mean) != 1 || len(std) != 1 {
		t.Fatalf("expected 1 stat per (sample, channel), got %d/%d", len(mean), len(std))
	}
	if math.Abs(mean[0]-2.5) > 1e-12 {
		t.Errorf("expected mean 2.5, got %f", mean[0])
	}
	wantStd := math.Sqrt(5.0/3.0 + eps)
	if math.Abs(std[0]-wantStd) > 1e-12 {
		t.Errorf("expected std %f, got %f", wantStd, std[0])
	}
}

func TestChannelStatsLayout(t *testing.T) {
	const eps = 1e-6

	// Two samples, two channels, constant per (n, c). The stats slice is
	// indexed [n*C + c].
	x := NewTensor(2, 2, 2, 2)
	vals := []float64{1, 2, 3, 4}
	for n := 0; n < 2; n++ {
		for c := 0; c < 2; c++ {
			for h := 0; h < 2; h++ {
				for w := 0; w < 2; w++ {
					x.Set(vals[n*2+c], n, c, h, w)
				}
			}
		}
	}

	mean, std := channelStats(x, eps)
	for i, want := range vals {
		if math.Abs(mean[i]-want) > 1e-12 {
			t.Errorf("mean[%d]: expected %f, got %f", i, want, mean[i])
		}
		// Constant maps have zero variance, leaving sqrt(eps).
		if math.Abs(std[i]-math.Sqrt(eps)) > 1e-12 {
			t.Errorf("std[%d]: expected sqrt(eps), got %g", i, std[i])
		}
	}
}

func TestNewTensorNormalDeterministic(t *testing.T) {
	a := NewTensorNormal(rand.NewPCG(7, 1), 0.01, 4, 4)
	b := NewTensorNormal(rand.NewPCG(7, 1), 0.01, 4, 4)

	for i := range a.data {
		if a.data[i] != b.data[i] {
			t.Fatalf("same source produced different values at %d: %f vs %f", i, a.data[i], b.data[i])
		}
	}

	c := NewTensorNormal(rand.NewPCG(7, 2), 0.01, 4, 4)
	same := true
	for i := range a.data {
		if a.data[i] != c.data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different stream produced identical values")
	}
}
