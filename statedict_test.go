package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateDictOrderAndLookup(t *testing.T) {
	sd := NewStateDict()
	sd.Put("b", NewTensor(2))
	sd.Put("a", NewTensor(3))
	sd.Put("c", NewTensor(1))

	if !stringsEqual(sd.Keys(), []string{"b", "a", "c"}) {
		t.Errorf("keys %v, want insertion order [b a c]", sd.Keys())
	}
	if _, ok := sd.Get("a"); !ok {
		t.Error("lookup of existing key failed")
	}
	if _, ok := sd.Get("missing"); ok {
		t.Error("lookup of absent key succeeded")
	}
}

func TestStateDictRejectsDuplicates(t *testing.T) {
	sd := NewStateDict()
	sd.Put("w", NewTensor(1))

	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate key")
		}
	}()
	sd.Put("w", NewTensor(1))
}

func TestFilterStateDict(t *testing.T) {
	checkpoint := NewStateDict()
	checkpoint.Put("conv1.weight", randomTensor(1, 2, 2))
	checkpoint.Put("fc.weight", randomTensor(2, 3, 3))
	checkpoint.Put("fc.bias", randomTensor(3, 3))

	model := NewStateDict()
	model.Put("conv1.weight", NewTensor(2, 2))
	model.Put("bn1.weight", NewTensor(4))

	kept, dropped := FilterStateDict(checkpoint, model)

	if !stringsEqual(kept.Keys(), []string{"conv1.weight"}) {
		t.Errorf("kept %v, want [conv1.weight]", kept.Keys())
	}
	if !stringsEqual(dropped, []string{"fc.weight", "fc.bias"}) {
		t.Errorf("dropped %v, want [fc.weight fc.bias]", dropped)
	}
	// The intersection does not copy: kept shares the checkpoint tensors.
	src, _ := checkpoint.Get("conv1.weight")
	got, _ := kept.Get("conv1.weight")
	if got != src {
		t.Error("filtered dict should reference the original tensors")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")

	sd := NewStateDict()
	sd.Put("head.weight", randomTensor(4, 3, 5))
	sd.Put("head.bias", randomTensor(5, 3))
	meta := CheckpointMeta{
		Arch:      "resnet18",
		Classes:   []string{"cat", "dog"},
		MixLayers: []string{"layer1", "layer2"},
		MixP:      0.5,
		MixAlpha:  0.1,
		Epoch:     7,
		ValAcc:    81.25,
	}

	if err := SaveCheckpoint(path, meta, sd); err != nil {
		t.Fatal(err)
	}
	gotMeta, gotSD, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}

	if gotMeta.Arch != meta.Arch || gotMeta.Epoch != 7 || gotMeta.ValAcc != 81.25 {
		t.Errorf("meta round-trip: %+v", gotMeta)
	}
	if !stringsEqual(gotMeta.Classes, meta.Classes) || !stringsEqual(gotMeta.MixLayers, meta.MixLayers) {
		t.Errorf("meta lists round-trip: %+v", gotMeta)
	}
	if !stringsEqual(gotSD.Keys(), sd.Keys()) {
		t.Errorf("keys %v, want %v", gotSD.Keys(), sd.Keys())
	}
	for _, key := range sd.Keys() {
		want, _ := sd.Get(key)
		got, _ := gotSD.Get(key)
		if !shapeEqual(got.Shape(), want.Shape()) || !tensorsEqual(got, want, 0) {
			t.Errorf("tensor %q did not survive the round trip", key)
		}
	}
}

func TestLoadCheckpointRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-checkpoint")
	if err := os.WriteFile(path, []byte("hello world, definitely not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadCheckpoint(path); err == nil {
		t.Error("expected error for a foreign file")
	}
}

func TestClassifierStateDictRoundTrip(t *testing.T) {
	build := func(seed uint64) *Classifier {
		r := NewRunRNG(seed)
		backbone, err := NewResNet(r.InitSrc, "resnet18", VariantClassification)
		if err != nil {
			t.Fatal(err)
		}
		features, err := NewMixStyleResNet(r.MixSrc, backbone, MixStyleConfig{
			Layers: []string{"layer2"}, P: 0.5, Alpha: 0.1,
		})
		if err != nil {
			t.Fatal(err)
		}
		return NewClassifier(r.InitSrc, r.Dropout, features, ClassifierConfig{NumClasses: 4})
	}

	src := build(1)
	dst := build(2)

	if _, err := dst.LoadStateDict(src.StateDict(), true); err != nil {
		t.Fatalf("strict load of a full model dict failed: %v", err)
	}

	x := randomTensor(6, 1, 3, 16, 16)
	src.SetTraining(false)
	dst.SetTraining(false)
	srcLogits, _ := src.Forward(x)
	dstLogits, _ := dst.Forward(x)
	if !tensorsEqual(srcLogits, dstLogits, 0) {
		t.Error("models with identical state dicts must compute identical logits")
	}
}

func TestLoadStateDictStrictFailsOnMissing(t *testing.T) {
	rng := NewRunRNG(9)
	backbone, err := NewResNet(rng.InitSrc, "resnet18", VariantClassification)
	if err != nil {
		t.Fatal(err)
	}

	partial := NewStateDict()
	partial.Put("conv1.weight", NewTensor(64, 3, 7, 7))

	if _, err := backbone.LoadStateDict(partial, true); err == nil {
		t.Error("strict load must fail when model tensors are missing from the dict")
	}
	if _, err := backbone.LoadStateDict(partial, false); err != nil {
		t.Errorf("non-strict load of a partial dict failed: %v", err)
	}
}

func TestLoadStateDictShapeMismatch(t *testing.T) {
	rng := NewRunRNG(10)
	backbone, err := NewResNet(rng.InitSrc, "resnet18", VariantClassification)
	if err != nil {
		t.Fatal(err)
	}

	bad := NewStateDict()
	bad.Put("conv1.weight", NewTensor(64, 1, 7, 7))

	if _, err := backbone.LoadStateDict(bad, false); err == nil {
		t.Error("a shape mismatch must be an error even in non-strict mode")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "latest.ckpt")
	dst := filepath.Join(dir, "best.ckpt")
	payload := []byte{1, 2, 3, 4, 5}
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyFile(dst, src); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Error("copy does not match source")
	}
}
