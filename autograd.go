package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the backward passes for the primitive tensor ops.
// Every layer in this project does manual backpropagation: a caching forward
// pass (ForwardWithCache) records whatever the gradient math needs, and a
// Backward pass consumes the cache, accumulates parameter gradients, and
// returns the gradient with respect to the layer input. The helpers here are
// the shared pieces those Backward methods are built from.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Want: ∂z/∂x (how z changes with x)
//
// Chain rule: ∂z/∂x = ∂z/∂y · ∂y/∂x
//
// In backpropagation:
//   - Forward: Compute y = f(x), z = g(y)
//   - Backward: Given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// WHY RESIDUAL NETWORKS CARE:
// A residual block computes y = F(x) + x. AddBackward sends the incoming
// gradient down both branches unchanged, so the identity path gives every
// block a direct route to the loss. That shortcut is what lets gradients
// survive fifty layers of convolutions without vanishing; without it, deep
// backbones of this shape do not train.
//
// PERFORMANCE:
// Backward pass is typically 2x the cost of forward pass:
//   - Forward: one matmul
//   - Backward: two matmuls (one for each input gradient)
//
// ===========================================================================

// MatMulBackward computes gradients for matrix multiplication.
//
// Given:
//   - C = A @ B
//   - gradC = ∂L/∂C (gradient flowing back from loss)
//
// Compute:
//   - gradA = ∂L/∂A = gradC @ B^T
//   - gradB = ∂L/∂B = A^T @ gradC
//
// Derivation:
//   C[i,j] = Σ_k A[i,k] * B[k,j]
//   ∂C[i,j]/∂A[i,k] = B[k,j]
//   ∂L/∂A[i,k] = Σ_j ∂L/∂C[i,j] * B[k,j] = (gradC @ B^T)[i,k]
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	// ∂L/∂A = gradC @ B^T
	bT := Transpose(b)
	gradA = MatMul(gradC, bT)

	// ∂L/∂B = A^T @ gradC
	aT := Transpose(a)
	gradB = MatMul(aT, gradC)

	return gradA, gradB
}

// AddBackward computes gradients for element-wise addition.
//
// Given:
//   - C = A + B
//   - gradC = ∂L/∂C
//
// Compute:
//   - gradA = ∂L/∂A = gradC (gradient passes through unchanged)
//   - gradB = ∂L/∂B = gradC
//
// This is the residual shortcut's backward pass: both the block branch and
// the identity branch receive the full incoming gradient.
func AddBackward(gradC *Tensor) (gradA, gradB *Tensor) {
	return gradC.Clone(), gradC.Clone()
}

// ScaleBackward computes the gradient for scalar multiplication.
//
// Given:
//   - Y = scalar * X
//   - gradY = ∂L/∂Y
//
// Compute:
//   - gradX = ∂L/∂X = scalar * gradY
//
// The training loop uses this to push the trade-off weight on the alignment
// penalty back through the penalty's gradient.
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// ReLUBackward computes the gradient for the ReLU activation.
//
// Given:
//   - Y = ReLU(X) = max(0, X)
//   - gradY = ∂L/∂Y
//
// Compute:
//   - gradX = ∂L/∂X = gradY where X > 0, else 0
//
// Note the mask comes from the forward INPUT, not the output. At exactly
// X = 0 the subgradient is taken as 0, matching the forward pass.
func ReLUBackward(x, gradY *Tensor) *Tensor {
	if !shapeEqual(x.shape, gradY.shape) {
		panic("tensor: ReLUBackward shape mismatch")
	}

	gradX := NewTensor(x.shape...)
	for i := range x.data {
		if x.data[i] > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// AccumulateGrad adds grad into the tensor's gradient buffer.
//
// Parameters that feed several consumers (a backbone stage reused by both
// the classifier head and the alignment penalty, say) get their gradients
// summed here rather than overwritten.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("tensor: AccumulateGrad shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

// AccumulateGradData adds a raw gradient slice into the tensor's gradient
// buffer. The layer backward passes compute gradients directly into flat
// scratch slices; this is the bridge into the parameter's grad buffer.
func (t *Tensor) AccumulateGradData(grad []float64) {
	if len(grad) != len(t.grad) {
		panic("tensor: AccumulateGradData length mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad[i]
	}
}
