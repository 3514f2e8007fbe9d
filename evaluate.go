package main

import "fmt"

// Evaluation of a trained classifier on a held-out sample pool. The model
// runs in eval mode (running batch statistics, no mixing, no dropout) and
// no gradients are computed.

// EvalOptions controls one evaluation pass.
type EvalOptions struct {
	BatchSize int
	Workers   int
	PrintFreq int      // progress line every n batches; 0 disables
	PerClass  bool     // also build a confusion matrix
	Classes   []string // class names, required when PerClass is set
}

// EvalResult is the outcome of one evaluation pass. Top1/Top5 and Loss
// are averages over samples; Confusion is nil unless requested.
type EvalResult struct {
	Top1      float64
	Top5      float64
	Loss      float64
	Samples   int
	Confusion *ConfusionMatrix
}

// Evaluate runs the model over the samples and reports accuracy. The
// model's mode is restored afterwards.
func Evaluate(model *Classifier, samples []Sample, opts EvalOptions) (*EvalResult, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("evaluate: empty sample pool")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("evaluate: batch size %d", opts.BatchSize)
	}

	wasTraining := model.Training()
	model.SetTraining(false)
	defer model.SetTraining(wasTraining)

	losses := NewAverageMeter("Loss", "%.4f")
	top1 := NewAverageMeter("Acc@1", "%5.2f")
	top5 := NewAverageMeter("Acc@5", "%5.2f")
	numBatches := (len(samples) + opts.BatchSize - 1) / opts.BatchSize
	progress := NewProgressMeter(numBatches, []*AverageMeter{losses, top1, top5}, "Test: ")

	var confmat *ConfusionMatrix
	if opts.PerClass {
		confmat = NewConfusionMatrix(len(opts.Classes))
	}

	// Top-5 needs five classes to rank; small label sets fall back to the
	// full width so the meter stays defined.
	k5 := 5
	if k5 > model.NumClasses {
		k5 = model.NumClasses
	}

	batch := 0
	tf := NewEvalTransform()
	err := EvalBatches(samples, opts.BatchSize, opts.Workers, tf, func(b *Batch) error {
		logits, _ := model.Forward(b.X)
		loss := CrossEntropyLoss(logits, b.Labels)
		accs := Accuracy(logits, b.Labels, 1, k5)

		n := len(b.Labels)
		losses.Update(loss, n)
		top1.Update(accs[0], n)
		top5.Update(accs[1], n)
		if confmat != nil {
			confmat.Update(b.Labels, Predictions(logits))
		}

		if opts.PrintFreq > 0 && batch%opts.PrintFreq == 0 {
			progress.Display(batch)
		}
		batch++
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &EvalResult{
		Top1:      top1.Avg,
		Top5:      top5.Avg,
		Loss:      losses.Avg,
		Samples:   losses.Count,
		Confusion: confmat,
	}, nil
}
