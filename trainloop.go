package main

import (
	"fmt"
	"time"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the multi-domain training loop: the procedure that
// turns batches of labeled images from SEVERAL source domains into a
// classifier that holds up on a domain it never saw.
//
// THE SHAPE OF ONE ITERATION:
//
//	1. Pull a combined batch: D equal per-domain chunks, fixed domain
//	   order (the loader guarantees this layout).
//	2. One forward pass through the shared model gives logits and pooled
//	   embeddings for the whole batch.
//	3. Chunk logits/embeddings/labels back into their D groups by row
//	   ranges alone.
//	4. Classification loss: cross-entropy per domain, averaged over D.
//	5. Alignment penalty: correlation alignment between the embeddings of
//	   every unordered domain pair, averaged over D*(D-1)/2 pairs. This
//	   is the term that pushes the per-domain feature distributions
//	   toward each other.
//	6. loss = clsLoss + tradeOff * penalty. Backward, one optimizer step,
//	   one scheduler step.
//
// Both loss terms flow through the same backward pass: the cross-entropy
// gradient enters at the logits, the alignment gradient enters at the
// embeddings, and the two meet inside the classifier where the head
// branches off the pooled features.
//
// THE EPOCH LOOP:
// An epoch is a fixed number of iterations, not a data pass (domains
// differ in size; the sampler cycles each independently). After every
// epoch the model is scored on the held-out source validation split, the
// "latest" checkpoint is written, and it is copied to "best" when the
// validation score improves. The target domain is also scored every epoch
// but ONLY for monitoring: model selection never sees it. That number
// answers "how well would an oracle have picked" when reading results.
// ===========================================================================

// TrainLoopConfig are the loop-level knobs of one run.
type TrainLoopConfig struct {
	Epochs        int
	ItersPerEpoch int
	PrintFreq     int
	TradeOff      float64 // weight of the alignment penalty
	EvalBatchSize int
	EvalWorkers   int
	PerClassEval  bool
}

// BatchSource yields combined multi-domain training batches. *TrainLoader
// is the production implementation.
type BatchSource interface {
	Next() (*Batch, error)
}

// Trainer wires the model, data streams, optimization and bookkeeping of
// one training run.
type Trainer struct {
	Model    *Classifier
	Loader   BatchSource
	Val      []Sample // held-out source split, drives model selection
	Target   []Sample // held-out target domain, monitoring only
	Classes  []string
	Opt      Optimizer
	Schedule *CosineSchedule
	Domains  int
	Cfg      TrainLoopConfig
	Meta     CheckpointMeta // template; Epoch and ValAcc stamped per epoch
	Log      *RunLog
	History  *History
	RunID    int64

	BestAcc    float64 // best source validation accuracy so far
	BestOracle float64 // best target accuracy so far, monitoring only

	// evalFn stands in for Evaluate when set. Tests script it.
	evalFn func(*Classifier, []Sample, EvalOptions) (*EvalResult, error)
}

type epochStats struct {
	Loss    float64
	ClsLoss float64
	Penalty float64
	ClsAcc  float64
	LR      float64 // learning rate at the last iteration
}

// Train runs the full schedule and returns the best validation accuracy.
func (t *Trainer) Train() (float64, error) {
	eval := t.evalFn
	if eval == nil {
		eval = Evaluate
	}
	for epoch := 0; epoch < t.Cfg.Epochs; epoch++ {
		t.Log.Logger.Info().Int("epoch", epoch).Float64("lr", t.Schedule.LR()).Msg("epoch start")

		stats, err := t.trainEpoch(epoch)
		if err != nil {
			return t.BestAcc, err
		}

		val, err := eval(t.Model, t.Val, EvalOptions{
			BatchSize: t.Cfg.EvalBatchSize,
			Workers:   t.Cfg.EvalWorkers,
			PrintFreq: t.Cfg.PrintFreq,
			PerClass:  t.Cfg.PerClassEval,
			Classes:   t.Classes,
		})
		if err != nil {
			return t.BestAcc, fmt.Errorf("validating epoch %d: %w", epoch, err)
		}
		if val.Confusion != nil {
			fmt.Println(val.Confusion.Format(t.Classes))
		}

		meta := t.Meta
		meta.Epoch = epoch
		meta.ValAcc = val.Top1
		latest := t.Log.CheckpointPath("latest")
		if err := SaveCheckpoint(latest, meta, t.Model.StateDict()); err != nil {
			return t.BestAcc, err
		}
		best := val.Top1 > t.BestAcc
		if best {
			t.BestAcc = val.Top1
			if err := CopyFile(t.Log.CheckpointPath("best"), latest); err != nil {
				return t.BestAcc, err
			}
		}

		// Oracle monitoring: target-domain accuracy per epoch, never fed
		// back into selection.
		oracle := -1.0
		if len(t.Target) > 0 {
			res, err := eval(t.Model, t.Target, EvalOptions{
				BatchSize: t.Cfg.EvalBatchSize,
				Workers:   t.Cfg.EvalWorkers,
			})
			if err != nil {
				return t.BestAcc, fmt.Errorf("oracle eval epoch %d: %w", epoch, err)
			}
			oracle = res.Top1
			if oracle > t.BestOracle {
				t.BestOracle = oracle
			}
		}

		ev := t.Log.Logger.Info().
			Int("epoch", epoch).
			Float64("train_loss", stats.Loss).
			Float64("cls_loss", stats.ClsLoss).
			Float64("penalty_loss", stats.Penalty).
			Float64("train_acc", stats.ClsAcc).
			Float64("val_acc", val.Top1).
			Float64("best_acc", t.BestAcc).
			Bool("best", best)
		if oracle >= 0 {
			ev = ev.Float64("oracle_acc", oracle).Float64("best_oracle_acc", t.BestOracle)
		}
		ev.Msg("epoch done")

		if t.History != nil {
			err := t.History.RecordEpoch(t.RunID, &EpochRecord{
				Epoch:       epoch,
				TrainLoss:   stats.Loss,
				ClsLoss:     stats.ClsLoss,
				PenaltyLoss: stats.Penalty,
				TrainAcc:    stats.ClsAcc,
				ValAcc:      val.Top1,
				OracleAcc:   oracle,
				LR:          stats.LR,
				Best:        best,
			})
			if err != nil {
				return t.BestAcc, err
			}
		}
	}
	return t.BestAcc, nil
}

// trainEpoch runs ItersPerEpoch iterations and returns the epoch's meter
// averages.
func (t *Trainer) trainEpoch(epoch int) (*epochStats, error) {
	batchTime := NewAverageMeter("Time", "%4.2f")
	dataTime := NewAverageMeter("Data", "%4.2f")
	losses := NewAverageMeter("Loss", "%6.3f")
	clsLosses := NewAverageMeter("Cls Loss", "%6.3f")
	penaltyLosses := NewAverageMeter("Penalty Loss", "%6.3f")
	clsAccs := NewAverageMeter("Cls Acc", "%5.1f")
	progress := NewProgressMeter(t.Cfg.ItersPerEpoch,
		[]*AverageMeter{batchTime, dataTime, losses, clsLosses, penaltyLosses, clsAccs},
		fmt.Sprintf("Epoch: [%d]", epoch))

	t.Model.SetTraining(true)

	lastLR := t.Schedule.LR()

	end := time.Now()
	for i := 0; i < t.Cfg.ItersPerEpoch; i++ {
		batch, err := t.Loader.Next()
		if err != nil {
			return nil, fmt.Errorf("epoch %d iter %d: %w", epoch, i, err)
		}
		dataTime.Update(time.Since(end).Seconds(), 1)

		lastLR = t.Schedule.LR()
		res := t.step(batch)

		n := len(batch.Labels)
		losses.Update(res.Loss, n)
		clsLosses.Update(res.ClsLoss, n)
		penaltyLosses.Update(res.Penalty, n)
		clsAccs.Update(res.ClsAcc, n)
		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if t.Cfg.PrintFreq > 0 && i%t.Cfg.PrintFreq == 0 {
			progress.Display(i)
		}
	}

	return &epochStats{
		Loss:    losses.Avg,
		ClsLoss: clsLosses.Avg,
		Penalty: penaltyLosses.Avg,
		ClsAcc:  clsAccs.Avg,
		LR:      lastLR,
	}, nil
}

// stepResult carries the loss breakdown of a single optimization step.
type stepResult struct {
	Loss    float64
	ClsLoss float64
	Penalty float64
	ClsAcc  float64
}

// step runs one optimization step on a batch laid out as Domains equal
// contiguous chunks: forward, per-domain classification loss, pairwise
// alignment penalty, backward, and a parameter update.
func (t *Trainer) step(batch *Batch) stepResult {
	d := t.Domains
	pairs := d * (d - 1) / 2
	n := len(batch.Labels)
	perDomain := n / d

	logits, embeddings, cache := t.Model.ForwardWithCache(batch.X)

	logitChunks := logits.ChunkRows(d)
	embedChunks := embeddings.ChunkRows(d)

	// Per-domain cross-entropy, averaged over domains. The gradient
	// lands in the matching rows of the combined logit gradient.
	gradLogits := NewTensor(logits.Shape()...)
	gradLogitChunks := gradLogits.ChunkRows(d)
	clsLoss, clsAcc := 0.0, 0.0
	for j := 0; j < d; j++ {
		labels := batch.Labels[j*perDomain : (j+1)*perDomain]
		clsLoss += CrossEntropyLoss(logitChunks[j], labels)
		clsAcc += Accuracy(logitChunks[j], labels, 1)[0]

		g := CrossEntropyBackward(logitChunks[j], labels)
		dst := gradLogitChunks[j].data
		for k, v := range g.data {
			dst[k] = v / float64(d)
		}
	}
	clsLoss /= float64(d)
	clsAcc /= float64(d)

	// Alignment penalty over every unordered domain pair, averaged.
	penalty := 0.0
	var gradEmbed *Tensor
	if pairs > 0 && t.Cfg.TradeOff != 0 {
		gradEmbed = NewTensor(embeddings.Shape()...)
		gradEmbedChunks := gradEmbed.ChunkRows(d)
		scale := t.Cfg.TradeOff / float64(pairs)
		for j := 0; j < d; j++ {
			for k := j + 1; k < d; k++ {
				pairLoss, gradA, gradB := CoralLossGrad(embedChunks[j], embedChunks[k])
				penalty += pairLoss
				accumulateScaled(gradEmbedChunks[j].data, gradA.data, scale)
				accumulateScaled(gradEmbedChunks[k].data, gradB.data, scale)
			}
		}
		penalty /= float64(pairs)
	}

	loss := clsLoss + t.Cfg.TradeOff*penalty

	t.Opt.ZeroGrad()
	t.Model.Backward(gradLogits, gradEmbed, cache)
	t.Opt.Step(t.Schedule.LR())
	t.Schedule.Step()

	return stepResult{Loss: loss, ClsLoss: clsLoss, Penalty: penalty, ClsAcc: clsAcc}
}

func accumulateScaled(dst, src []float64, scale float64) {
	for i, v := range src {
		dst[i] += v * scale
	}
}
