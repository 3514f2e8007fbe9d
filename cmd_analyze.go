package main

import (
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/rs/zerolog"
)

// ===========================================================================
// ANALYSIS CLI
// ===========================================================================
//
// The analyze subcommand answers "what did this run actually learn" after
// training finishes:
//
//	1. Per-class confusion matrix on the target domains, from the best
//	   checkpoint.
//	2. 2D projections of the pooled embeddings (PCA or t-SNE), rendered
//	   twice: colored by domain and colored by class. A model that
//	   generalizes shows domains blended together but classes separated;
//	   a model that overfit its sources shows the target domain as its
//	   own island.
//	3. A run-history summary read back from the SQLite database the
//	   training loop wrote.
//
// Projections are quadratic in sample count, so the pools are subsampled
// to -max-samples points, split evenly across domains.
// ===========================================================================

// RunAnalyzeCommand implements the analyze subcommand.
func RunAnalyzeCommand(args []string) error {
	cfg, err := parseRunConfig("analyze", args)
	if err != nil {
		return err
	}

	run, err := NewRunLog(cfg.LogDir, "analyze")
	if err != nil {
		return err
	}
	defer run.Close()
	logger := run.Logger

	ConfigureCompute(logger)
	seed, _ := cfg.MasterSeed()
	rng := NewRunRNG(seed)

	meta, sd, err := LoadCheckpoint(run.CheckpointPath("best"))
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	model, err := buildModelFromMeta(meta, rng)
	if err != nil {
		return err
	}
	if _, err := model.LoadStateDict(sd, true); err != nil {
		return err
	}
	model.SetTraining(false)

	source, err := ScanDomains(cfg.Root, cfg.Data, cfg.Sources)
	if err != nil {
		return err
	}
	target, err := ScanDomains(cfg.Root, cfg.Data, cfg.Targets)
	if err != nil {
		return err
	}
	if !stringsEqual(target.Classes, meta.Classes) {
		return fmt.Errorf("analyze: target classes %v do not match checkpoint classes %v",
			target.Classes, meta.Classes)
	}

	// Confusion matrix on the target.
	res, err := Evaluate(model, target.Flat(), EvalOptions{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		PerClass:  true,
		Classes:   meta.Classes,
	})
	if err != nil {
		return err
	}
	logger.Info().Float64("target_acc", res.Top1).Msg("target confusion")
	fmt.Println(res.Confusion.Format(meta.Classes))

	// Feature-space projection: even per-domain subsample across source
	// and target domains.
	samples, domainOf := subsamplePools(source, target, cfg.MaxSamples, rng.Reduce)
	embeddings, err := extractEmbeddings(model, samples, cfg.BatchSize, cfg.Workers)
	if err != nil {
		return err
	}

	var coords *Tensor
	switch cfg.ReduceMethod {
	case "pca":
		coords, err = PCA2D(embeddings)
	default:
		perplexity := 30.0
		if limit := float64(len(samples)-1) / 3; perplexity > limit {
			perplexity = limit
		}
		coords, err = TSNE(embeddings, perplexity, 1000, 200, rng.Reduce)
	}
	if err != nil {
		return err
	}

	domainGroups := groupBy(len(samples), func(i int) string { return domainOf[i] })
	classGroups := groupBy(len(samples), func(i int) string { return meta.Classes[samples[i].Label] })

	domainsPNG := run.VisualizePath(fmt.Sprintf("features-%s-domains.png", cfg.ReduceMethod))
	classesPNG := run.VisualizePath(fmt.Sprintf("features-%s-classes.png", cfg.ReduceMethod))
	if err := RenderScatter(coords, domainGroups, "embeddings by domain", domainsPNG); err != nil {
		return err
	}
	if err := RenderScatter(coords, classGroups, "embeddings by class", classesPNG); err != nil {
		return err
	}
	logger.Info().Str("domains", domainsPNG).Str("classes", classesPNG).
		Int("points", len(samples)).Msg("feature projections rendered")

	return summarizeHistory(run, logger)
}

// subsamplePools draws an even share of max points from every domain of
// both pools. domainOf parallels the returned samples.
func subsamplePools(source, target *DomainDataset, max int, rng *rand.Rand) ([]Sample, []string) {
	type pool struct {
		name    string
		samples []Sample
	}
	var pools []pool
	for i, name := range source.Domains {
		pools = append(pools, pool{name, source.Samples[i]})
	}
	for i, name := range target.Domains {
		pools = append(pools, pool{name + " (target)", target.Samples[i]})
	}

	share := max / len(pools)
	if share < 1 {
		share = 1
	}
	var samples []Sample
	var domainOf []string
	for _, p := range pools {
		perm := rng.Perm(len(p.samples))
		n := share
		if n > len(perm) {
			n = len(perm)
		}
		for _, idx := range perm[:n] {
			samples = append(samples, p.samples[idx])
			domainOf = append(domainOf, p.name)
		}
	}
	return samples, domainOf
}

// extractEmbeddings runs the samples through the model in eval mode and
// stacks the pooled embeddings.
func extractEmbeddings(model *Classifier, samples []Sample, batchSize, workers int) (*Tensor, error) {
	dim := model.Features.OutChannels()
	out := NewTensor(len(samples), dim)
	row := 0
	err := EvalBatches(samples, batchSize, workers, NewEvalTransform(), func(b *Batch) error {
		_, emb := model.Forward(b.X)
		copy(out.data[row*dim:(row+len(b.Labels))*dim], emb.data)
		row += len(b.Labels)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// groupBy buckets point indices by a key function, preserving first-seen
// key order.
func groupBy(n int, key func(i int) string) []ScatterGroup {
	order := []string{}
	byKey := map[string][]int{}
	for i := 0; i < n; i++ {
		k := key(i)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], i)
	}
	groups := make([]ScatterGroup, len(order))
	for i, k := range order {
		groups[i] = ScatterGroup{Name: k, Indices: byKey[k]}
	}
	return groups
}

// summarizeHistory prints the training history recorded for this run
// directory, if any.
func summarizeHistory(run *RunLog, logger zerolog.Logger) error {
	if _, err := os.Stat(run.HistoryPath()); err != nil {
		logger.Warn().Msg("no run history database, skipping summary")
		return nil
	}
	hist, err := OpenHistory(run.HistoryPath())
	if err != nil {
		return err
	}
	defer hist.Close()

	rec, err := hist.LatestRun()
	if err != nil {
		logger.Warn().Msg("history database empty, skipping summary")
		return nil
	}
	epochs, err := hist.Epochs(rec.ID)
	if err != nil {
		return err
	}

	fmt.Printf("run %d  %s  %s  sources=%v targets=%v\n",
		rec.ID, rec.Arch, rec.Dataset, rec.Sources, rec.Targets)
	fmt.Printf("%5s  %10s  %10s  %10s  %9s  %9s  %10s  %10s\n",
		"epoch", "loss", "cls", "penalty", "train acc", "val acc", "oracle acc", "lr")
	bestEpoch, bestAcc := -1, 0.0
	for _, e := range epochs {
		marker := " "
		if e.Best {
			marker = "*"
		}
		oracle := "         -"
		if e.OracleAcc >= 0 {
			oracle = fmt.Sprintf("%9.2f%%", e.OracleAcc)
		}
		fmt.Printf("%4d%s  %10.4f  %10.4f  %10.4f  %8.2f%%  %8.2f%%  %s  %10.2e\n",
			e.Epoch, marker, e.TrainLoss, e.ClsLoss, e.PenaltyLoss, e.TrainAcc, e.ValAcc, oracle, e.LR)
		if e.Best {
			bestEpoch, bestAcc = e.Epoch, e.ValAcc
		}
	}
	if bestEpoch >= 0 {
		logger.Info().Int("best_epoch", bestEpoch).Float64("best_val_acc", bestAcc).
			Int("epochs", len(epochs)).Msg("history summary")
	}
	return nil
}
