package main

import "fmt"

// The test subcommand scores a finished run's best checkpoint on the
// target domains and prints nothing else. Model shape comes from the
// checkpoint metadata, so the command only needs the data flags and the
// run directory.

// RunTestCommand implements the test subcommand.
func RunTestCommand(args []string) error {
	cfg, err := parseRunConfig("test", args)
	if err != nil {
		return err
	}

	run, err := NewRunLog(cfg.LogDir, "test")
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
		return fmt.Errorf("test: %w", err)
	}
	model, err := buildModelFromMeta(meta, rng)
	if err != nil {
		return err
	}
	if _, err := model.LoadStateDict(sd, true); err != nil {
		return err
	}

	target, err := ScanDomains(cfg.Root, cfg.Data, cfg.Targets)
	if err != nil {
		return err
	}
	if !stringsEqual(target.Classes, meta.Classes) {
		return fmt.Errorf("test: target classes %v do not match checkpoint classes %v",
			target.Classes, meta.Classes)
	}

	res, err := Evaluate(model, target.Flat(), EvalOptions{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		PrintFreq: cfg.PrintFreq,
		PerClass:  cfg.PerClassEval,
		Classes:   meta.Classes,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("arch", meta.Arch).
		Int("epoch", meta.Epoch).
		Float64("checkpoint_val_acc", meta.ValAcc).
		Float64("target_acc", res.Top1).
		Float64("target_top5", res.Top5).
		Float64("target_loss", res.Loss).
		Int("samples", res.Samples).
		Msg("test done")
	if res.Confusion != nil {
		fmt.Println(res.Confusion.Format(meta.Classes))
	}
	return nil
}

// buildModelFromMeta reconstructs the classifier a checkpoint was trained
// with from its stored metadata.
func buildModelFromMeta(meta CheckpointMeta, rng *RunRNG) (*Classifier, error) {
	backbone, err := NewResNet(rng.InitSrc, meta.Arch, VariantClassification)
	if err != nil {
		return nil, err
	}
	features, err := NewMixStyleResNet(rng.MixSrc, backbone, MixStyleConfig{
		Layers: meta.MixLayers,
		P:      meta.MixP,
		Alpha:  meta.MixAlpha,
	})
	if err != nil {
		return nil, err
	}
	return NewClassifier(rng.InitSrc, rng.Dropout, features, ClassifierConfig{
		NumClasses: len(meta.Classes),
		FreezeBN:   meta.FreezeBN,
		DropoutP:   meta.DropoutP,
	}), nil
}
