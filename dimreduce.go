package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Projection of pooled embeddings (512 or 2048 dimensions) down to 2D for
// the feature-space scatter plots. Two methods with different strengths:
//
//   - PCA: linear, deterministic, preserves global structure. Good for
//     seeing whether domains form separate clouds.
//   - t-SNE: non-linear, preserves neighborhoods. Good for seeing whether
//     classes form tight clusters within the mixed cloud.
//
// Both run on the full pairwise scale, so the analysis phase caps how many
// samples it feeds in.

// PCA2D projects the (n, d) embedding matrix onto its top two principal
// components.
func PCA2D(embeddings *Tensor) (*Tensor, error) {
	if len(embeddings.shape) != 2 {
		return nil, fmt.Errorf("dimreduce: PCA expects 2D input, got %v", embeddings.shape)
	}
	n, d := embeddings.shape[0], embeddings.shape[1]
	if n < 2 || d < 2 {
		return nil, fmt.Errorf("dimreduce: PCA needs at least 2 points and 2 dims, got %dx%d", n, d)
	}

	x := mat.NewDense(n, d, embeddings.data)
	cov := mat.NewSymDense(d, nil)
	stat.CovarianceMatrix(cov, x, nil)

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return nil, fmt.Errorf("dimreduce: eigendecomposition failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues come back ascending, so the top two components are the
	// last two columns.
	means := make([]float64, d)
	for j := 0; j < d; j++ {
		col := 0.0
		for i := 0; i < n; i++ {
			col += embeddings.data[i*d+j]
		}
		means[j] = col / float64(n)
	}

	out := NewTensor(n, 2)
	for i := 0; i < n; i++ {
		row := embeddings.data[i*d : (i+1)*d]
		var p0, p1 float64
		for j := 0; j < d; j++ {
			c := row[j] - means[j]
			p0 += c * vecs.At(j, d-1)
			p1 += c * vecs.At(j, d-2)
		}
		out.data[i*2] = p0
		out.data[i*2+1] = p1
	}
	return out, nil
}

// TSNE projects the (n, d) embedding matrix to 2D with t-distributed
// stochastic neighbor embedding. Perplexity sets the effective
// neighborhood size (5-50 is the usual range). The rng seeds the initial
// layout, so a fixed seed reproduces the picture.
func TSNE(embeddings *Tensor, perplexity float64, iterations int, learningRate float64, rng *rand.Rand) (*Tensor, error) {
	if len(embeddings.shape) != 2 {
		return nil, fmt.Errorf("dimreduce: t-SNE expects 2D input, got %v", embeddings.shape)
	}
	n := embeddings.shape[0]
	if n < 2 {
		return nil, fmt.Errorf("dimreduce: t-SNE needs at least 2 points, got %d", n)
	}
	if perplexity >= float64(n) {
		return nil, fmt.Errorf("dimreduce: perplexity %.1f too large for %d points", perplexity, n)
	}

	p := tsneAffinities(embeddings, perplexity)

	// Early exaggeration: overweight the attractive forces for the first
	// phase so clusters separate before fine-tuning.
	const exaggeration = 4.0
	const exaggerationUntil = 100
	for i := range p {
		p[i] *= exaggeration
	}

	y := NewTensor(n, 2)
	for i := range y.data {
		y.data[i] = rng.NormFloat64() * 1e-4
	}

	velocity := make([]float64, n*2)
	grad := make([]float64, n*2)

	for iter := 0; iter < iterations; iter++ {
		// Student-t affinities of the current layout.
		q := make([]float64, n*n)
		qSum := 0.0
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				dy0 := y.data[i*2] - y.data[j*2]
				dy1 := y.data[i*2+1] - y.data[j*2+1]
				w := 1.0 / (1.0 + dy0*dy0 + dy1*dy1)
				q[i*n+j] = w
				q[j*n+i] = w
				qSum += 2 * w
			}
		}
		if qSum < 1e-12 {
			qSum = 1e-12
		}

		clear(grad)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				dy0 := y.data[i*2] - y.data[j*2]
				dy1 := y.data[i*2+1] - y.data[j*2+1]
				w := q[i*n+j]
				factor := 4 * (p[i*n+j] - w/qSum) * w
				grad[i*2] += factor * dy0
				grad[i*2+1] += factor * dy1
			}
		}

		momentum := 0.5
		if iter >= 250 {
			momentum = 0.8
		}
		for i := range velocity {
			velocity[i] = momentum*velocity[i] - learningRate*grad[i]
			y.data[i] += velocity[i]
		}

		if iter == exaggerationUntil {
			for i := range p {
				p[i] /= exaggeration
			}
		}
	}
	return y, nil
}

// tsneAffinities builds the symmetrized high-dimensional affinity matrix.
// Each row's Gaussian bandwidth is found by binary search so its entropy
// matches the requested perplexity.
func tsneAffinities(x *Tensor, perplexity float64) []float64 {
	n, d := x.shape[0], x.shape[1]

	distSq := make([]float64, n*n)
	for i := 0; i < n; i++ {
		ri := x.data[i*d : (i+1)*d]
		for j := i + 1; j < n; j++ {
			rj := x.data[j*d : (j+1)*d]
			sum := 0.0
			for k := 0; k < d; k++ {
				diff := ri[k] - rj[k]
				sum += diff * diff
			}
			distSq[i*n+j] = sum
			distSq[j*n+i] = sum
		}
	}

	targetEntropy := math.Log(perplexity)
	cond := make([]float64, n*n) // p(j|i)
	row := make([]float64, n)

	for i := 0; i < n; i++ {
		lo, hi := 1e-10, 1e10
		beta := 1.0 // 1/(2*sigma^2)

		for attempt := 0; attempt < 50; attempt++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				if j == i {
					row[j] = 0
					continue
				}
				row[j] = math.Exp(-distSq[i*n+j] * beta)
				sum += row[j]
			}
			if sum < 1e-300 {
				sum = 1e-300
			}

			entropy := 0.0
			for j := 0; j < n; j++ {
				pj := row[j] / sum
				if pj > 1e-10 {
					entropy -= pj * math.Log(pj)
				}
			}

			if math.Abs(entropy-targetEntropy) < 1e-5 {
				break
			}
			if entropy > targetEntropy {
				lo = beta
				beta = math.Min(beta*2, (beta+hi)/2)
			} else {
				hi = beta
				beta = (lo + beta) / 2
			}
		}

		sum := 0.0
		for j := 0; j < n; j++ {
			if j != i {
				row[j] = math.Exp(-distSq[i*n+j] * beta)
				sum += row[j]
			}
		}
		for j := 0; j < n; j++ {
			if j != i && sum > 0 {
				cond[i*n+j] = row[j] / sum
			}
		}
	}

	// Symmetrize: p_ij = (p(j|i) + p(i|j)) / 2n.
	p := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			p[i*n+j] = (cond[i*n+j] + cond[j*n+i]) / (2 * float64(n))
		}
	}
	return p
}
