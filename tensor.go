package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 9: Convolutional Networks
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")

	// ErrInvalidIndex indicates an out-of-bounds index access.
	ErrInvalidIndex = errors.New("tensor: invalid index")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order. Image batches use
// (N, C, H, W) layout throughout this codebase.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [batch, channels, height, width, ...]
	grad  []float64 // Gradient for backpropagation
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should
// be handled gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorNormal creates a tensor with values drawn from N(0, sigma²)
// using the supplied random source. All weight initialization goes through
// here so that a seeded run is reproducible.
func NewTensorNormal(src rand.Source, sigma float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	for i := range t.data {
		t.data[i] = dist.Rand()
	}

	return t
}

// NewTensorFrom creates a tensor with the given shape and copies values in.
// Panics if the value count does not match the shape.
func NewTensorFrom(values []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(values) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values for shape %v (size %d)", len(values), shape, len(t.data)))
	}
	copy(t.data, values)
	return t
}

// Shape returns a copy of the tensor's shape.
// The returned slice can be safely modified without affecting the tensor.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	idx := t.flatIndex(indices)
	return t.data[idx]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	idx := t.flatIndex(indices)
	t.data[idx] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1

	// Compute flat index in row-major order
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient tensor. Call before backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same.
// The returned tensor shares the underlying data and gradient.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data, // Share underlying data
		shape: shapeCopy,
		grad:  t.grad, // Share gradient too
	}
}

// ChunkRows splits the tensor into n equal views along the first axis.
// Row-major layout makes each chunk a contiguous slice of the parent, so
// the views share storage: writing a chunk's data or gradient writes the
// parent's. The first dimension must be divisible by n.
//
// This is how a combined multi-domain batch is separated back into its
// per-domain sub-batches: chunk i holds the rows of domain i.
func (t *Tensor) ChunkRows(n int) []*Tensor {
	if n <= 0 {
		panic(fmt.Sprintf("tensor: chunk count must be positive, got %d", n))
	}
	if t.shape[0]%n != 0 {
		panic(fmt.Sprintf("tensor: first dimension %d not divisible by %d chunks", t.shape[0], n))
	}

	rows := t.shape[0] / n
	stride := len(t.data) / t.shape[0]

	chunks := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		lo, hi := i*rows*stride, (i+1)*rows*stride
		shape := make([]int, len(t.shape))
		copy(shape, t.shape)
		shape[0] = rows
		chunks[i] = &Tensor{
			data:  t.data[lo:hi],
			shape: shape,
			grad:  t.grad[lo:hi],
		}
	}

	return chunks
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}

	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
// Panics if shapes don't match.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}

	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// This is the O(M*N*K) operation at the heart of the convolution layers.
// Uses the global compute configuration to determine parallel execution.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}

	return out
}

// ===========================================================================
// ACTIVATIONS AND REDUCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = math.Max(0, x.data[i])
	}
	return out
}

// Softmax applies softmax row-wise: p_i = exp(x_i) / Σ exp(x_j).
// Converts logits to probabilities (each row sums to 1).
//
// Numerically stable version: subtract max before exp to prevent overflow.
// Only supports 2D tensors (batch, classes).
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	batch, classes := x.shape[0], x.shape[1]
	out := NewTensor(batch, classes)

	// Process each row independently
	for b := 0; b < batch; b++ {
		row := x.data[b*classes : (b+1)*classes]
		outRow := out.data[b*classes : (b+1)*classes]

		// Find max for numerical stability
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		// Compute exp(x - max) and sum
		sum := 0.0
		for i, v := range row {
			e := math.Exp(v - maxVal)
			outRow[i] = e
			sum += e
		}

		// Normalize to get probabilities
		for i := range outRow {
			outRow[i] /= sum
		}
	}

	return out
}

// channelStats computes the per-sample, per-channel mean and standard
// deviation of a (N, C, H, W) feature map over its spatial extent.
// Returned slices are indexed [n*C+c]. eps keeps the deviation strictly
// positive for later division.
func channelStats(x *Tensor, eps float64) (mean, std []float64) {
	if len(x.shape) != 4 {
		panic("tensor: channelStats requires 4D tensor (N, C, H, W)")
	}

	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	area := h * w
	mean = make([]float64, n*c)
	std = make([]float64, n*c)

	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			base := (i*c + j) * area
			sum := 0.0
			for k := 0; k < area; k++ {
				sum += x.data[base+k]
			}
			mu := sum / float64(area)

			variance := 0.0
			for k := 0; k < area; k++ {
				d := x.data[base+k] - mu
				variance += d * d
			}
			// Unbiased estimator. A 1x1 spatial extent has no spread to
			// estimate; treat it as zero.
			if area > 1 {
				variance /= float64(area - 1)
			}

			mean[i*c+j] = mu
			std[i*c+j] = math.Sqrt(variance + eps)
		}
	}

	return mean, std
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
