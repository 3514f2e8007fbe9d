package main

import (
	"fmt"
	"math"
)

// CrossEntropyLoss computes the mean cross-entropy of a batch.
//
// Given:
//   - logits: (batch, numClasses) - unnormalized scores
//   - targets: (batch) - class indices
//
// Computes:
//
//	loss = -log(softmax(logits)[target]), averaged over the batch
//
// The log-sum-exp runs against the row maximum so large logits cannot
// overflow the exponential.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("loss: CrossEntropyLoss expects 2D logits")
	}

	batchSize := logits.shape[0]
	numClasses := logits.shape[1]

	if len(targets) != batchSize {
		panic(fmt.Sprintf("loss: target length %d != batch size %d", len(targets), batchSize))
	}

	totalLoss := 0.0

	for b := 0; b < batchSize; b++ {
		row := logits.data[b*numClasses : (b+1)*numClasses]

		target := targets[b]
		if target < 0 || target >= numClasses {
			panic(fmt.Sprintf("loss: target %d out of range [0, %d)", target, numClasses))
		}

		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}

		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		totalLoss += logSumExp - row[target]
	}

	return totalLoss / float64(batchSize)
}

// CrossEntropyBackward computes the logits gradient of CrossEntropyLoss.
//
// Derivation:
//
//	target class: ∂L/∂logit = (softmax - 1) / batch
//	other class:  ∂L/∂logit = softmax / batch
//
// i.e. gradLogits = (softmax(logits) - one_hot(targets)) / batch, the
// softmax and loss gradients fused into one expression.
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("loss: CrossEntropyBackward expects 2D logits")
	}

	batchSize := logits.shape[0]
	numClasses := logits.shape[1]
	if len(targets) != batchSize {
		panic(fmt.Sprintf("loss: target length %d != batch size %d", len(targets), batchSize))
	}

	probs := Softmax(logits)
	gradLogits := NewTensor(batchSize, numClasses)
	inv := 1.0 / float64(batchSize)

	for b := 0; b < batchSize; b++ {
		src := probs.data[b*numClasses : (b+1)*numClasses]
		dst := gradLogits.data[b*numClasses : (b+1)*numClasses]
		for v, p := range src {
			dst[v] = p * inv
		}
		dst[targets[b]] -= inv
	}

	return gradLogits
}
