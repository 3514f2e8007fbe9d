package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// The train subcommand runs the full recipe end to end:
//
//	1. Scan the source domains, hold out a validation split per domain.
//	2. Build the backbone with the requested mixing insertions, load
//	   ImageNet weights from the hub (head weights are dropped, they never
//	   match the new class count).
//	3. Train with per-domain cross-entropy plus the correlation alignment
//	   penalty, checkpointing every epoch.
//	4. Report the best checkpoint's accuracy on the held-out TARGET
//	   domain, which the whole run never trained on.
//
// Flags mirror the reference trainer so published hyperparameters carry
// over one to one. A TOML experiment file (-config) can hold any of them;
// explicit command-line flags win over the file.
// ===========================================================================

// trainFlagKeys maps flag names to their TOML config keys, for deciding
// which file values an explicit flag overrides.
var trainFlagKeys = map[string]string{
	"root":           "root",
	"d":              "data",
	"s":              "sources",
	"t":              "targets",
	"a":              "arch",
	"mix-layers":     "mix_layers",
	"mix-p":          "mix_p",
	"mix-alpha":      "mix_alpha",
	"finetune":       "finetune",
	"freeze-bn":      "freeze_bn",
	"dropout-p":      "dropout_p",
	"scratch":        "scratch",
	"pretrained":     "pretrained",
	"trade-off":      "trade_off",
	"b":              "batch_size",
	"lr":             "lr",
	"momentum":       "momentum",
	"wd":             "weight_decay",
	"optimizer":      "optimizer",
	"epochs":         "epochs",
	"i":              "iters_per_epoch",
	"j":              "workers",
	"p":              "print_freq",
	"seed":           "seed",
	"per-class-eval": "per_class_eval",
	"log":            "log",
	"reduce-method":  "reduce_method",
	"max-samples":    "max_samples",
}

// bindRunFlags registers the run flags shared by all phases on fs, bound
// straight into cfg. List-valued flags go through comma-separated strings
// applied by the returned function after Parse.
func bindRunFlags(fs *flag.FlagSet, cfg *TrainConfig) (applyLists func()) {
	var sources, targets, mixLayers string

	fs.StringVar(&cfg.Root, "root", cfg.Root, "dataset root directory")
	fs.StringVar(&cfg.Data, "d", cfg.Data, "dataset name under root (e.g. PACS)")
	fs.StringVar(&sources, "s", "", "comma-separated source domains")
	fs.StringVar(&targets, "t", "", "comma-separated target domains")
	fs.StringVar(&cfg.Arch, "a", cfg.Arch,
		"backbone architecture: "+strings.Join(ResNetArchNames(), ", "))
	fs.StringVar(&mixLayers, "mix-layers", strings.Join(cfg.MixLayers, ","),
		"comma-separated mixing insertion points (layer1,layer2,layer3); empty disables mixing")
	fs.Float64Var(&cfg.MixP, "mix-p", cfg.MixP, "probability a forward pass mixes statistics")
	fs.Float64Var(&cfg.MixAlpha, "mix-alpha", cfg.MixAlpha, "Beta shape for mixing coefficients")
	fs.BoolVar(&cfg.Finetune, "finetune", cfg.Finetune, "train the backbone at 0.1x learning rate")
	fs.BoolVar(&cfg.FreezeBN, "freeze-bn", cfg.FreezeBN,
		"keep batch norms on running statistics and enable head dropout")
	fs.Float64Var(&cfg.DropoutP, "dropout-p", cfg.DropoutP, "dropout probability (with -freeze-bn)")
	fs.BoolVar(&cfg.Scratch, "scratch", cfg.Scratch, "skip pretrained weights")
	fs.StringVar(&cfg.Pretrained, "pretrained", cfg.Pretrained,
		"explicit pretrained checkpoint (overrides the hub)")
	fs.Float64Var(&cfg.TradeOff, "trade-off", cfg.TradeOff, "weight of the alignment penalty")
	fs.IntVar(&cfg.BatchSize, "b", cfg.BatchSize, "combined batch size (multiple of source count)")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "base learning rate")
	fs.Float64Var(&cfg.Momentum, "momentum", cfg.Momentum, "SGD momentum")
	fs.Float64Var(&cfg.WeightDecay, "wd", cfg.WeightDecay, "weight decay")
	fs.StringVar(&cfg.OptimizerName, "optimizer", cfg.OptimizerName, "sgd or adam")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs")
	fs.IntVar(&cfg.ItersPerEpoch, "i", cfg.ItersPerEpoch, "iterations per epoch")
	fs.IntVar(&cfg.Workers, "j", cfg.Workers, "data loading workers")
	fs.IntVar(&cfg.PrintFreq, "p", cfg.PrintFreq, "progress line every n iterations")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "master seed; -1 draws one and logs it")
	fs.BoolVar(&cfg.PerClassEval, "per-class-eval", cfg.PerClassEval, "print per-class accuracy")
	fs.StringVar(&cfg.LogDir, "log", cfg.LogDir, "run output directory")
	fs.StringVar(&cfg.ReduceMethod, "reduce-method", cfg.ReduceMethod, "pca or tsne (analyze)")
	fs.IntVar(&cfg.MaxSamples, "max-samples", cfg.MaxSamples, "projection sample cap (analyze)")

	return func() {
		if sources != "" {
			cfg.Sources = commaList(sources)
		}
		if targets != "" {
			cfg.Targets = commaList(targets)
		}
		if mixLayers != "" {
			cfg.MixLayers = commaList(mixLayers)
		}
	}
}

// parseRunConfig runs the defaults -> file -> flags precedence for one
// phase's flag set and validates the result.
func parseRunConfig(phase string, args []string) (TrainConfig, error) {
	cfg := DefaultTrainConfig()
	fs := flag.NewFlagSet(phase, flag.ExitOnError)
	applyLists := bindRunFlags(fs, &cfg)
	configPath := fs.String("config", "", "TOML experiment file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	applyLists()

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := trainFlagKeys[f.Name]; ok {
			explicit[key] = true
		}
	})
	if *configPath != "" {
		if err := ApplyConfigFile(&cfg, *configPath, explicit); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if len(cfg.Targets) == 0 {
		return cfg, fmt.Errorf("config: at least one target domain is required (-t)")
	}
	return cfg, nil
}

// RunTrainCommand implements the train subcommand.
func RunTrainCommand(args []string) error {
	cfg, err := parseRunConfig("train", args)
	if err != nil {
		return err
	}

	run, err := NewRunLog(cfg.LogDir, "train")
	if err != nil {
		return err
	}
	defer run.Close()
	logger := run.Logger

	seed, drawn := cfg.MasterSeed()
	logger.Info().
		Str("dataset", cfg.Data).
		Strs("sources", cfg.Sources).
		Strs("targets", cfg.Targets).
		Str("arch", cfg.Arch).
		Strs("mix_layers", cfg.MixLayers).
		Float64("trade_off", cfg.TradeOff).
		Uint64("seed", seed).
		Bool("seed_drawn", drawn).
		Msg("run start")
	ConfigureCompute(logger)
	rng := NewRunRNG(seed)

	source, err := ScanDomains(cfg.Root, cfg.Data, cfg.Sources)
	if err != nil {
		return err
	}
	target, err := ScanDomains(cfg.Root, cfg.Data, cfg.Targets)
	if err != nil {
		return err
	}
	if !stringsEqual(source.Classes, target.Classes) {
		return fmt.Errorf("train: source classes %v != target classes %v", source.Classes, target.Classes)
	}
	classes := source.Classes

	trainSet, valSet := source.SplitTrainVal(defaultValRatio, rng.Sampler)
	logger.Info().
		Int("train", trainSet.Len()).
		Int("val", valSet.Len()).
		Int("target", target.Len()).
		Int("classes", len(classes)).
		Msg("data ready")

	loader, err := NewTrainLoader(trainSet, cfg.BatchSize, cfg.Workers, seed, rng.Sampler)
	if err != nil {
		return err
	}
	defer loader.Close()

	model, err := buildModel(cfg, classes, rng, logger)
	if err != nil {
		return err
	}

	groups := model.ParamGroups()
	var opt Optimizer
	switch cfg.OptimizerName {
	case "adam":
		opt = NewAdamOptimizer(groups, cfg.WeightDecay)
	default:
		opt = NewSGDOptimizer(groups, cfg.Momentum, cfg.WeightDecay, true)
	}
	schedule := NewCosineSchedule(cfg.LR, cfg.Epochs*cfg.ItersPerEpoch)

	history, err := OpenHistory(run.HistoryPath())
	if err != nil {
		return err
	}
	defer history.Close()
	runID, err := history.BeginRun(&RunRecord{
		StartedAt: time.Now(),
		Phase:     "train",
		Arch:      cfg.Arch,
		Dataset:   cfg.Data,
		Sources:   cfg.Sources,
		Targets:   cfg.Targets,
		MixLayers: cfg.MixLayers,
		TradeOff:  cfg.TradeOff,
		Seed:      seed,
	})
	if err != nil {
		return err
	}

	trainer := &Trainer{
		Model:    model,
		Loader:   loader,
		Val:      valSet.Flat(),
		Target:   target.Flat(),
		Classes:  classes,
		Opt:      opt,
		Schedule: schedule,
		Domains:  len(cfg.Sources),
		Cfg: TrainLoopConfig{
			Epochs:        cfg.Epochs,
			ItersPerEpoch: cfg.ItersPerEpoch,
			PrintFreq:     cfg.PrintFreq,
			TradeOff:      cfg.TradeOff,
			EvalBatchSize: cfg.BatchSize,
			EvalWorkers:   cfg.Workers,
			PerClassEval:  cfg.PerClassEval,
		},
		Meta: CheckpointMeta{
			Arch:      cfg.Arch,
			Classes:   classes,
			MixLayers: cfg.MixLayers,
			MixP:      cfg.MixP,
			MixAlpha:  cfg.MixAlpha,
			DropoutP:  cfg.DropoutP,
			FreezeBN:  cfg.FreezeBN,
		},
		Log:     run,
		History: history,
		RunID:   runID,
	}

	bestAcc, err := trainer.Train()
	if err != nil {
		return err
	}
	logger.Info().Float64("best_val_acc", bestAcc).Msg("training done")

	// Final report: the best checkpoint scored on the target domain the
	// run never trained on.
	if path, ok := pickCheckpoint(run); ok {
		_, sd, err := LoadCheckpoint(path)
		if err != nil {
			return err
		}
		if _, err := model.LoadStateDict(sd, true); err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("no checkpoint written, scoring the in-memory model")
	}
	res, err := Evaluate(model, target.Flat(), EvalOptions{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		PrintFreq: cfg.PrintFreq,
		PerClass:  cfg.PerClassEval,
		Classes:   classes,
	})
	if err != nil {
		return err
	}
	logger.Info().
		Float64("target_acc", res.Top1).
		Float64("target_top5", res.Top5).
		Float64("oracle_acc", trainer.BestOracle).
		Msg("final target evaluation")
	if res.Confusion != nil {
		fmt.Println(res.Confusion.Format(classes))
	}
	return nil
}

// buildModel constructs the classifier for cfg and loads pretrained
// backbone weights unless training from scratch.
func buildModel(cfg TrainConfig, classes []string, rng *RunRNG, logger zerolog.Logger) (*Classifier, error) {
	backbone, err := NewResNet(rng.InitSrc, cfg.Arch, VariantClassification)
	if err != nil {
		return nil, err
	}
	features, err := NewMixStyleResNet(rng.MixSrc, backbone, MixStyleConfig{
		Layers: cfg.MixLayers,
		P:      cfg.MixP,
		Alpha:  cfg.MixAlpha,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Scratch {
		var sd *StateDict
		if cfg.Pretrained != "" {
			_, sd, err = LoadCheckpoint(cfg.Pretrained)
			if err != nil {
				return nil, fmt.Errorf("loading pretrained %s: %w", cfg.Pretrained, err)
			}
		} else {
			hub, err := DefaultHubConfig()
			if err != nil {
				return nil, err
			}
			sd, err = LoadPretrainedBackbone(hub, cfg.Arch, logger)
			if err != nil {
				return nil, err
			}
		}
		report, dropped, err := features.LoadPretrained(sd)
		if err != nil {
			return nil, err
		}
		if len(dropped) > 0 {
			logger.Warn().Int("count", len(dropped)).Strs("keys", head(dropped, 5)).
				Msg("pretrained keys without a matching backbone tensor, dropped")
		}
		if len(report.Missing) > 0 {
			logger.Warn().Int("count", len(report.Missing)).Strs("keys", head(report.Missing, 5)).
				Msg("backbone tensors not covered by pretrained weights")
		}
	}

	return NewClassifier(rng.InitSrc, rng.Dropout, features, ClassifierConfig{
		NumClasses: len(classes),
		Finetune:   cfg.Finetune,
		FreezeBN:   cfg.FreezeBN,
		DropoutP:   cfg.DropoutP,
	}), nil
}

// head truncates a key list for log lines.
func head(keys []string, n int) []string {
	if len(keys) <= n {
		return keys
	}
	return keys[:n]
}

// pickCheckpoint prefers best.ckpt, falls back to latest.ckpt.
func pickCheckpoint(run *RunLog) (string, bool) {
	for _, name := range []string{"best", "latest"} {
		path := run.CheckpointPath(name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func stringsEqual(a, b []string) bool {
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
