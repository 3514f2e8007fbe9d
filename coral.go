package main

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Correlation alignment (CORAL) measures how differently two batches of
// embeddings are distributed, using their first and second moments:
//
//	loss = mean((mu_a - mu_b)^2) + mean((C_a - C_b)^2)
//
// where mu is the feature mean over the batch and C the feature covariance
// XcᵀXc/(n-1) of the centered batch. Both squared Frobenius distances are
// normalized by element count (d and d*d), so the two terms stay on
// comparable scales regardless of feature width.
//
// Minimized across every pair of training domains, it pushes the backbone
// to embed all domains with one shared feature distribution. A classifier
// trained on top of domain-invariant moments has far less room to key on
// domain quirks.
//
// The covariance of a single sample does not exist (the n-1 in the
// denominator). For a batch of one, the covariance term is defined as
// zero: the mean term still aligns what it can, and no division by zero
// occurs. Callers feeding per-domain chunks of a balanced batch never hit
// this in practice.
//
// Matrix work runs on gonum rather than the local tensor kernels: the
// covariance products are d x d with d up to 2048, and gonum's BLAS is an
// order of magnitude ahead of a naive loop there.
//
// ===========================================================================

// CoralLoss computes the correlation alignment loss between two embedding
// batches of shape [n, d] and [m, d].
func CoralLoss(a, b *Tensor) float64 {
	loss, _, _ := coral(a, b, false)
	return loss
}

// CoralLossGrad computes the loss and its gradients with respect to both
// inputs.
//
// For batch a with n samples (b symmetric with opposite sign):
//
//	grad = 2/(n*d) * (mu_a - mu_b)            broadcast over rows
//	     + 4/(d*d*(n-1)) * Xc_a (C_a - C_b)   zero when n < 2
func CoralLossGrad(a, b *Tensor) (loss float64, gradA, gradB *Tensor) {
	return coral(a, b, true)
}

func coral(a, b *Tensor, needGrad bool) (loss float64, gradA, gradB *Tensor) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(fmt.Sprintf("coral: inputs must be [n, d], got %v and %v", a.shape, b.shape))
	}
	if a.shape[1] != b.shape[1] {
		panic(fmt.Sprintf("coral: feature widths differ: %d vs %d", a.shape[1], b.shape[1]))
	}

	n, d := a.shape[0], a.shape[1]
	m := b.shape[0]

	meanA, centA := centerBatch(a)
	meanB, centB := centerBatch(b)

	// Mean term: mean over the d squared differences.
	meanDiff := make([]float64, d)
	meanTerm := 0.0
	for j := 0; j < d; j++ {
		md := meanA[j] - meanB[j]
		meanDiff[j] = md
		meanTerm += md * md
	}
	meanTerm /= float64(d)
	loss = meanTerm

	// Covariance term, only when both batches can estimate one.
	var covDiff *mat.Dense
	if n > 1 && m > 1 {
		covA := covariance(centA, n)
		covB := covariance(centB, m)

		covDiff = mat.NewDense(d, d, nil)
		covDiff.Sub(covA, covB)

		fro := mat.Norm(covDiff, 2)
		loss += fro * fro / float64(d*d)
	}

	if !needGrad {
		return loss, nil, nil
	}

	gradA = coralGrad(centA, covDiff, meanDiff, n, d, +1)
	gradB = coralGrad(centB, covDiff, meanDiff, m, d, -1)
	return loss, gradA, gradB
}

// centerBatch returns the column means of x and the centered matrix.
func centerBatch(x *Tensor) ([]float64, *mat.Dense) {
	n, d := x.shape[0], x.shape[1]

	mean := make([]float64, d)
	for i := 0; i < n; i++ {
		row := x.data[i*d : (i+1)*d]
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	cent := make([]float64, n*d)
	for i := 0; i < n; i++ {
		row := x.data[i*d : (i+1)*d]
		dst := cent[i*d : (i+1)*d]
		for j, v := range row {
			dst[j] = v - mean[j]
		}
	}
	return mean, mat.NewDense(n, d, cent)
}

// covariance computes XcᵀXc/(n-1) for a centered batch.
func covariance(cent *mat.Dense, n int) *mat.Dense {
	_, d := cent.Dims()
	cov := mat.NewDense(d, d, nil)
	cov.Mul(cent.T(), cent)
	cov.Scale(1/float64(n-1), cov)
	return cov
}

// coralGrad assembles one side's gradient. sign is +1 for the first batch,
// -1 for the second. covDiff nil means the covariance term was skipped.
//
// The gradient of the covariance term with respect to the raw (uncentered)
// batch would normally pick up a centering correction, but the correction
// is a column-mean of Xc(C_a - C_b) and Xc's columns sum to zero, so it
// vanishes and the centered-matrix gradient is exact.
func coralGrad(cent *mat.Dense, covDiff *mat.Dense, meanDiff []float64, rows, d int, sign float64) *Tensor {
	grad := NewTensor(rows, d)

	meanScale := sign * 2 / float64(rows*d)
	for i := 0; i < rows; i++ {
		dst := grad.data[i*d : (i+1)*d]
		for j := 0; j < d; j++ {
			dst[j] = meanScale * meanDiff[j]
		}
	}

	if covDiff != nil && rows > 1 {
		var prod mat.Dense
		prod.Mul(cent, covDiff)
		covScale := sign * 4 / (float64(d*d) * float64(rows-1))

		raw := prod.RawMatrix()
		for i := 0; i < rows; i++ {
			src := raw.Data[i*raw.Stride : i*raw.Stride+d]
			dst := grad.data[i*d : (i+1)*d]
			for j := 0; j < d; j++ {
				dst[j] += covScale * src[j]
			}
		}
	}

	return grad
}
