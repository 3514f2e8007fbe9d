package main

import (
	"math/rand/v2"
	"testing"
)

func newTestBackbone(t *testing.T, seed uint64, variant ResNetVariant) *ResNet {
	t.Helper()
	backbone, err := NewResNet(rand.NewPCG(seed, 0), "resnet18", variant)
	if err != nil {
		t.Fatalf("building backbone: %v", err)
	}
	return backbone
}

func TestMixStyleResNetRejectsInvalidInsertion(t *testing.T) {
	backbone := newTestBackbone(t, 1, VariantClassification)

	for _, layer := range []string{"layer4", "conv1", "stem", "layer0", ""} {
		_, err := NewMixStyleResNet(rand.NewPCG(2, 0), backbone, MixStyleConfig{
			Layers: []string{layer},
			P:      0.5,
			Alpha:  0.1,
		})
		if err == nil {
			t.Errorf("insertion point %q should be rejected", layer)
		}
	}
}

func TestMixStyleResNetAcceptsValidInsertions(t *testing.T) {
	backbone := newTestBackbone(t, 3, VariantClassification)

	_, err := NewMixStyleResNet(rand.NewPCG(4, 0), backbone, MixStyleConfig{
		Layers: []string{"layer1", "layer2", "layer3"},
		P:      0.5,
		Alpha:  0.1,
	})
	if err != nil {
		t.Fatalf("valid insertion points rejected: %v", err)
	}
}

func TestMixStyleResNetInvokesMixOncePerInsertion(t *testing.T) {
	backbone := newTestBackbone(t, 5, VariantClassification)
	model, err := NewMixStyleResNet(rand.NewPCG(6, 0), backbone, MixStyleConfig{
		Layers: []string{"layer2"},
		P:      1.0,
		Alpha:  0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	model.SetTraining(true)

	x := randomTensor(7, 2, 3, 16, 16)
	model.Forward(x)
	if got := model.Mix.Invocations(); got != 1 {
		t.Errorf("one insertion point must invoke mixing once per forward, got %d", got)
	}

	model.Forward(x)
	if got := model.Mix.Invocations(); got != 2 {
		t.Errorf("expected 2 invocations after two forwards, got %d", got)
	}
}

func TestMixStyleResNetNoInsertionsNeverMixes(t *testing.T) {
	backbone := newTestBackbone(t, 8, VariantClassification)
	model, err := NewMixStyleResNet(rand.NewPCG(9, 0), backbone, MixStyleConfig{P: 1.0, Alpha: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	model.SetTraining(true)

	model.Forward(randomTensor(10, 2, 3, 16, 16))
	if got := model.Mix.Invocations(); got != 0 {
		t.Errorf("no insertion points configured, yet mixing ran %d times", got)
	}
}

func TestMixStyleResNetEvalMixingIsInert(t *testing.T) {
	// In eval mode a model with insertion points must compute exactly what
	// the same weights compute without any.
	backbone := newTestBackbone(t, 11, VariantClassification)
	mixed, err := NewMixStyleResNet(rand.NewPCG(12, 0), backbone, MixStyleConfig{
		Layers: []string{"layer1", "layer3"},
		P:      1.0,
		Alpha:  0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	plain, err := NewMixStyleResNet(rand.NewPCG(13, 0), backbone, MixStyleConfig{P: 0.5, Alpha: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	mixed.SetTraining(false)
	plain.SetTraining(false)

	x := randomTensor(14, 2, 3, 16, 16)
	if !tensorsEqual(mixed.Forward(x), plain.Forward(x), 0) {
		t.Error("eval-mode mixing changed the forward pass")
	}
}

func TestMixStyleResNetVariantStride(t *testing.T) {
	x := randomTensor(15, 1, 3, 32, 32)

	cls := newTestBackbone(t, 16, VariantClassification)
	clsModel, _ := NewMixStyleResNet(rand.NewPCG(17, 0), cls, MixStyleConfig{P: 0.5, Alpha: 0.1})
	clsModel.SetTraining(false)
	if got := clsModel.Forward(x).Shape(); !shapeEqual(got, []int{1, 512, 1, 1}) {
		t.Errorf("classification variant output shape %v, want [1 512 1 1]", got)
	}

	reid := newTestBackbone(t, 18, VariantReID)
	reidModel, _ := NewMixStyleResNet(rand.NewPCG(19, 0), reid, MixStyleConfig{P: 0.5, Alpha: 0.1})
	reidModel.SetTraining(false)
	if got := reidModel.Forward(x).Shape(); !shapeEqual(got, []int{1, 512, 2, 2}) {
		t.Errorf("re-identification variant output shape %v, want [1 512 2 2]", got)
	}
}

func TestMixStyleResNetLoadPretrained(t *testing.T) {
	backbone := newTestBackbone(t, 20, VariantClassification)
	model, err := NewMixStyleResNet(rand.NewPCG(21, 0), backbone, MixStyleConfig{
		Layers: []string{"layer2"},
		P:      0.5,
		Alpha:  0.1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A pretrained checkpoint: a fresh value for conv1 plus head keys the
	// backbone does not have, the way ImageNet checkpoints carry fc.*.
	pretrained := NewStateDict()
	conv1 := NewTensorFrom(make([]float64, 64*3*7*7), 64, 3, 7, 7)
	for i := range conv1.data {
		conv1.data[i] = float64(i%17) * 0.01
	}
	pretrained.Put("conv1.weight", conv1)
	pretrained.Put("fc.weight", NewTensor(1000, 512))
	pretrained.Put("fc.bias", NewTensor(1000))

	report, dropped, err := model.LoadPretrained(pretrained)
	if err != nil {
		t.Fatalf("load with extra keys must not fail: %v", err)
	}

	if len(dropped) != 2 {
		t.Errorf("expected 2 dropped keys, got %v", dropped)
	}
	if !tensorsEqual(backbone.Conv1.Weight, conv1, 0) {
		t.Error("conv1 weight was not loaded from the checkpoint")
	}
	// Every other backbone tensor was absent and must be reported, not
	// errored on.
	want := backbone.StateDict().Len() - 1
	if len(report.Missing) != want {
		t.Errorf("expected %d missing keys, got %d", want, len(report.Missing))
	}
	if mixCount := model.Mix.Invocations(); mixCount != 0 {
		t.Errorf("loading weights must not touch the mixing transform, saw %d invocations", mixCount)
	}
}
