package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements parallel execution of tensor operations using
// goroutines. Almost all of the training time in this project is spent in
// matrix multiplication: convolutions are lowered to matmul via im2col
// (see conv.go), and the classifier head is a plain matmul. Making this
// one primitive fast makes everything fast.
//
// INTENTION:
// Expose CPU parallelism as a configurable option. Let the user choose
// between single-threaded (deterministic, debuggable) and parallel (faster)
// modes at runtime. The im2col matrices are tall and skinny (rows = batch
// times output pixels, columns = channels times kernel area), so the row
// partitioning scheme below keeps every core busy even for small batches.
//
// TWO LEVELS OF OPTIMIZATION:
//
// Level 1: Parallelism
//   - Splits output rows across CPU cores
//   - Uses goroutines and sync.WaitGroup for coordination
//   - Workers write disjoint row ranges, so no locking is needed
//
// Level 2: Cache blocking
//   - The inner kernel walks the K dimension in tiles of BLOCK_SIZE
//   - A tile of A rows and B rows stays resident in L1/L2 while it is
//     reused, instead of being streamed from main memory every pass
//   - This matters more than adding cores: matmul is O(n^3) arithmetic
//     over O(n^2) data, and without blocking the cores just queue up
//     behind the memory bus
//
// What's still stranded: SIMD units (not vectorized) and the GPU. Both are
// out of scope here; float64 loops keep the math easy to check against
// hand-computed values in the tests.
//
// ===========================================================================

// Cache blocking tile size, chosen to keep a tile of A and B resident in
// L1 (64 rows of 64 float64 values is 32KB per operand).
const BLOCK_SIZE = 64

// ComputeConfig controls parallelization behavior for tensor operations.
//
// This allows switching between single-threaded (deterministic, easier
// debugging) and multi-threaded (faster) execution modes.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel specifies the minimum problem dimension
	// before parallelization is used. Small problems don't benefit
	// from parallelization due to goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// Global compute configuration (can be overridden per operation)
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// ParallelMatMul performs parallel matrix multiplication: C = A @ B.
//
// Parallelization strategy:
// - Divide output rows among workers
// - Each worker computes a contiguous block of rows
// - Minimizes false sharing (workers write to different cache lines)
//
// Each worker runs the cache-blocked kernel over its row range, so the two
// optimization levels compose.
func ParallelMatMul(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]

	if k1 != k2 {
		panic("tensor: incompatible dimensions for matmul")
	}
	k := k1

	out := NewTensor(m, n)

	// Use single-threaded path for small matrices. The im2col matrices from
	// conv.go are row-heavy, so gating on m alone would be enough, but the
	// classifier head can be column-heavy instead.
	if !cfg.shouldParallelize(m) && !cfg.shouldParallelize(n) {
		matmulRange(a, b, out, 0, m, n, k)
		return out
	}

	// Parallel execution
	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers // Ceiling division

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > m {
			endRow = m
		}

		if startRow >= m {
			wg.Done()
			continue
		}

		go func(start, end int) {
			defer wg.Done()
			matmulRange(a, b, out, start, end, n, k)
		}(startRow, endRow)
	}

	wg.Wait()
	return out
}

// matmulRange computes output rows [startRow, endRow) of out = a @ b.
func matmulRange(a, b, out *Tensor, startRow, endRow, n, k int) {
	matmulSlice(a.data[startRow*k:endRow*k], b.data, out.data[startRow*n:endRow*n], endRow-startRow, k, n)
}

// matmulSlice accumulates dst += a @ b on raw row-major slices: a is m×k,
// b is k×n, dst is m×n. Callers wanting assignment zero dst first.
//
// This is the one hot loop in the project. The convolution layer calls it
// directly on im2col scratch buffers, the parallel matmul calls it per
// worker row range. The loop nest processes the output in BLOCK_SIZE tiles
// so the slices of A and B feeding a tile stay in cache while they are
// reused; the inner accumulation indexes the backing arrays directly
// because At/Set bounds checks in here cost about 2x.
func matmulSlice(a, b, dst []float64, m, k, n int) {
	for ii := 0; ii < m; ii += BLOCK_SIZE {
		iEnd := ii + BLOCK_SIZE
		if iEnd > m {
			iEnd = m
		}
		for kk := 0; kk < k; kk += BLOCK_SIZE {
			kEnd := kk + BLOCK_SIZE
			if kEnd > k {
				kEnd = k
			}
			for jj := 0; jj < n; jj += BLOCK_SIZE {
				jEnd := jj + BLOCK_SIZE
				if jEnd > n {
					jEnd = n
				}

				// C[ii:iEnd, jj:jEnd] += A[ii:iEnd, kk:kEnd] @ B[kk:kEnd, jj:jEnd]
				for i := ii; i < iEnd; i++ {
					arow := a[i*k : (i+1)*k]
					drow := dst[i*n : (i+1)*n]
					for kIdx := kk; kIdx < kEnd; kIdx++ {
						av := arow[kIdx]
						if av == 0 {
							// im2col rows are full of padding zeros;
							// skipping them skips a whole inner loop.
							continue
						}
						brow := b[kIdx*n : (kIdx+1)*n]
						for j := jj; j < jEnd; j++ {
							drow[j] += av * brow[j]
						}
					}
				}
			}
		}
	}
}

// transposeSliceInto writes the transpose of src (rows×cols, row-major)
// into dst (cols×rows). dst is fully overwritten.
func transposeSliceInto(src []float64, rows, cols int, dst []float64) {
	for r := 0; r < rows; r++ {
		srow := src[r*cols : (r+1)*cols]
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = srow[c]
		}
	}
}

// ParallelApply applies a function to each element in parallel.
// Useful for element-wise operations like activations on large tensors.
func ParallelApply(t *Tensor, fn func(float64) float64, cfg ComputeConfig) *Tensor {
	out := NewTensor(t.shape...)
	size := len(t.data)

	if !cfg.shouldParallelize(size) {
		// Single-threaded
		for i := 0; i < size; i++ {
			out.data[i] = fn(t.data[i])
		}
		return out
	}

	// Parallel execution
	numWorkers := cfg.numWorkers()
	elemsPerWorker := (size + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * elemsPerWorker
		end := start + elemsPerWorker
		if end > size {
			end = size
		}

		if start >= size {
			wg.Done()
			continue
		}

		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				out.data[i] = fn(t.data[i])
			}
		}(start, end)
	}

	wg.Wait()
	return out
}

// ParallelFor runs fn over [0, n) split into contiguous ranges, one per
// worker. The convolution and pooling layers use this to spread the batch
// dimension across cores; fn must only write state owned by its range.
//
// Unlike MatMul there is no size gate here. n is a batch count (tens of
// items), far below MinSizeForParallel, but each item carries an entire
// feature map, so the per-goroutine work is always worth the spawn.
func ParallelFor(n int, cfg ComputeConfig, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if !cfg.Parallel || n == 1 {
		fn(0, n)
		return
	}

	numWorkers := cfg.numWorkers()
	if numWorkers > n {
		numWorkers = n
	}
	perWorker := (n + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * perWorker
		end := start + perWorker
		if end > n {
			end = n
		}

		if start >= n {
			wg.Done()
			continue
		}

		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}

	wg.Wait()
}

// MatMulWithConfig performs matrix multiplication with the specified
// compute config.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	return ParallelMatMul(a, b, cfg)
}
