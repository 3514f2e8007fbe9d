package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// TrainConfig carries every knob of a run. Precedence, lowest to highest:
// built-in defaults, the TOML experiment file (-config), command-line
// flags. The overlay respects that order by only applying TOML keys the
// file actually defines and skipping keys whose flags were given
// explicitly.
type TrainConfig struct {
	Root    string   `toml:"root"`
	Data    string   `toml:"data"`
	Sources []string `toml:"sources"`
	Targets []string `toml:"targets"`

	Arch      string   `toml:"arch"`
	MixLayers []string `toml:"mix_layers"`
	MixP      float64  `toml:"mix_p"`
	MixAlpha  float64  `toml:"mix_alpha"`

	Finetune   bool    `toml:"finetune"`
	FreezeBN   bool    `toml:"freeze_bn"`
	DropoutP   float64 `toml:"dropout_p"`
	Scratch    bool    `toml:"scratch"`
	Pretrained string  `toml:"pretrained"`

	TradeOff      float64 `toml:"trade_off"`
	BatchSize     int     `toml:"batch_size"`
	LR            float64 `toml:"lr"`
	Momentum      float64 `toml:"momentum"`
	WeightDecay   float64 `toml:"weight_decay"`
	OptimizerName string  `toml:"optimizer"`
	Epochs        int     `toml:"epochs"`
	ItersPerEpoch int     `toml:"iters_per_epoch"`

	Workers      int    `toml:"workers"`
	PrintFreq    int    `toml:"print_freq"`
	Seed         int64  `toml:"seed"` // -1 draws a fresh seed and logs it
	PerClassEval bool   `toml:"per_class_eval"`
	LogDir       string `toml:"log"`

	ReduceMethod string `toml:"reduce_method"` // pca | tsne
	MaxSamples   int    `toml:"max_samples"`   // cap for feature projection
}

// DefaultTrainConfig returns the reference recipe.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Data:          "PACS",
		Arch:          "resnet18",
		MixP:          0.5,
		MixAlpha:      0.1,
		DropoutP:      0.1,
		TradeOff:      1.0,
		BatchSize:     36,
		LR:            5e-4,
		Momentum:      0.9,
		WeightDecay:   5e-4,
		OptimizerName: "sgd",
		Epochs:        20,
		ItersPerEpoch: 500,
		Workers:       4,
		PrintFreq:     100,
		Seed:          -1,
		LogDir:        "runs/default",
		ReduceMethod:  "tsne",
		MaxSamples:    1000,
	}
}

// ApplyConfigFile overlays the TOML file at path onto cfg. Keys listed in
// explicit were set on the command line and win over the file.
func ApplyConfigFile(cfg *TrainConfig, path string, explicit map[string]bool) error {
	var raw TrainConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	set := func(key string, apply func()) {
		if meta.IsDefined(key) && !explicit[key] {
			apply()
		}
	}
	set("root", func() { cfg.Root = raw.Root })
	set("data", func() { cfg.Data = raw.Data })
	set("sources", func() { cfg.Sources = raw.Sources })
	set("targets", func() { cfg.Targets = raw.Targets })
	set("arch", func() { cfg.Arch = raw.Arch })
	set("mix_layers", func() { cfg.MixLayers = raw.MixLayers })
	set("mix_p", func() { cfg.MixP = raw.MixP })
	set("mix_alpha", func() { cfg.MixAlpha = raw.MixAlpha })
	set("finetune", func() { cfg.Finetune = raw.Finetune })
	set("freeze_bn", func() { cfg.FreezeBN = raw.FreezeBN })
	set("dropout_p", func() { cfg.DropoutP = raw.DropoutP })
	set("scratch", func() { cfg.Scratch = raw.Scratch })
	set("pretrained", func() { cfg.Pretrained = raw.Pretrained })
	set("trade_off", func() { cfg.TradeOff = raw.TradeOff })
	set("batch_size", func() { cfg.BatchSize = raw.BatchSize })
	set("lr", func() { cfg.LR = raw.LR })
	set("momentum", func() { cfg.Momentum = raw.Momentum })
	set("weight_decay", func() { cfg.WeightDecay = raw.WeightDecay })
	set("optimizer", func() { cfg.OptimizerName = raw.OptimizerName })
	set("epochs", func() { cfg.Epochs = raw.Epochs })
	set("iters_per_epoch", func() { cfg.ItersPerEpoch = raw.ItersPerEpoch })
	set("workers", func() { cfg.Workers = raw.Workers })
	set("print_freq", func() { cfg.PrintFreq = raw.PrintFreq })
	set("seed", func() { cfg.Seed = raw.Seed })
	set("per_class_eval", func() { cfg.PerClassEval = raw.PerClassEval })
	set("log", func() { cfg.LogDir = raw.LogDir })
	set("reduce_method", func() { cfg.ReduceMethod = raw.ReduceMethod })
	set("max_samples", func() { cfg.MaxSamples = raw.MaxSamples })
	return nil
}

// Validate checks the cross-field constraints shared by all phases.
func (cfg *TrainConfig) Validate() error {
	if cfg.Root == "" {
		return fmt.Errorf("config: data root is required (-root)")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("config: at least one source domain is required (-s)")
	}
	if _, ok := resnetArchs[cfg.Arch]; !ok {
		return fmt.Errorf("config: unknown arch %q (have %s)",
			cfg.Arch, strings.Join(ResNetArchNames(), ", "))
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize%len(cfg.Sources) != 0 {
		return fmt.Errorf("config: batch size %d must be a positive multiple of %d source domains",
			cfg.BatchSize, len(cfg.Sources))
	}
	if cfg.OptimizerName != "sgd" && cfg.OptimizerName != "adam" {
		return fmt.Errorf("config: optimizer %q (want sgd or adam)", cfg.OptimizerName)
	}
	if cfg.ReduceMethod != "pca" && cfg.ReduceMethod != "tsne" {
		return fmt.Errorf("config: reduce method %q (want pca or tsne)", cfg.ReduceMethod)
	}
	mixCfg := MixStyleConfig{Layers: cfg.MixLayers, P: cfg.MixP, Alpha: cfg.MixAlpha}
	if err := mixCfg.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MasterSeed resolves the configured seed, drawing a random one when the
// config says -1. ok reports whether the seed was drawn rather than given.
func (cfg *TrainConfig) MasterSeed() (seed uint64, drawn bool) {
	if cfg.Seed < 0 {
		return RandomSeed(), true
	}
	return uint64(cfg.Seed), false
}

// commaList splits a comma-separated flag value, trimming blanks.
func commaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
