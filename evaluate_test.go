package main

import (
	"testing"
)

func TestEvaluate(t *testing.T) {
	if testing.Short() {
		t.Skip("full-resolution forward passes")
	}

	root := t.TempDir()
	writeTestDataset(t, root, "toy", []string{"photo"}, []string{"cat", "dog"}, 1)
	ds, err := ScanDomains(root, "toy", []string{"photo"})
	if err != nil {
		t.Fatal(err)
	}

	rng := NewRunRNG(31)
	backbone, err := NewResNet(rng.InitSrc, "resnet18", VariantClassification)
	if err != nil {
		t.Fatal(err)
	}
	features, err := NewMixStyleResNet(rng.MixSrc, backbone, MixStyleConfig{
		Layers: []string{"layer1"}, P: 1.0, Alpha: 0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	model := NewClassifier(rng.InitSrc, rng.Dropout, features, ClassifierConfig{NumClasses: 2})
	model.SetTraining(true)

	res, err := Evaluate(model, ds.Flat(), EvalOptions{
		BatchSize: 2,
		Workers:   2,
		PerClass:  true,
		Classes:   ds.Classes,
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Samples != 2 {
		t.Errorf("evaluated %d samples, want 2", res.Samples)
	}
	if res.Top1 < 0 || res.Top1 > 100 {
		t.Errorf("top-1 accuracy %g outside [0, 100]", res.Top1)
	}
	if res.Top5 != 100 {
		// Two classes: top-k falls back to the full width, so every sample
		// is a hit.
		t.Errorf("capped top-k should be 100, got %g", res.Top5)
	}
	if res.Confusion == nil {
		t.Fatal("per-class evaluation must build a confusion matrix")
	}
	var total int64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			total += res.Confusion.Count(i, j)
		}
	}
	if total != 2 {
		t.Errorf("confusion matrix holds %d samples, want 2", total)
	}

	// Evaluation must not leak eval mode back into training.
	if !model.Training() {
		t.Error("model mode was not restored after evaluation")
	}
	if model.Features.Mix.Training != model.Training() {
		t.Error("mixing transform mode out of sync with the model")
	}
}

func TestEvaluateEmptyPool(t *testing.T) {
	rng := NewRunRNG(32)
	backbone, err := NewResNet(rng.InitSrc, "resnet18", VariantClassification)
	if err != nil {
		t.Fatal(err)
	}
	features, err := NewMixStyleResNet(rng.MixSrc, backbone, MixStyleConfig{P: 0.5, Alpha: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	model := NewClassifier(rng.InitSrc, rng.Dropout, features, ClassifierConfig{NumClasses: 2})

	if _, err := Evaluate(model, nil, EvalOptions{BatchSize: 4}); err == nil {
		t.Error("expected error for an empty sample pool")
	}
}
