package main

import "testing"

func TestRunRNGDeterministic(t *testing.T) {
	a := NewRunRNG(42)
	b := NewRunRNG(42)

	for i := 0; i < 16; i++ {
		if got, want := a.Sampler.Uint64(), b.Sampler.Uint64(); got != want {
			t.Fatalf("sampler draw %d: %d != %d", i, got, want)
		}
		if got, want := a.InitSrc.Uint64(), b.InitSrc.Uint64(); got != want {
			t.Fatalf("init draw %d: %d != %d", i, got, want)
		}
	}
}

// Extra draws on one stream must not perturb any other stream. This is the
// property that lets an augmentation change keep batch order stable.
func TestRunRNGStreamIndependence(t *testing.T) {
	a := NewRunRNG(7)
	b := NewRunRNG(7)

	// b burns dropout draws that a never makes.
	for i := 0; i < 100; i++ {
		b.Dropout.Float64()
	}

	for i := 0; i < 16; i++ {
		if got, want := b.Sampler.Uint64(), a.Sampler.Uint64(); got != want {
			t.Fatalf("sampler draw %d diverged after dropout use: %d != %d", i, got, want)
		}
	}
}

func TestRunRNGStreamsDiffer(t *testing.T) {
	r := NewRunRNG(7)
	if r.Sampler.Uint64() == r.Dropout.Uint64() {
		t.Error("sampler and dropout streams produced the same first draw")
	}
}

// Mix and MixSrc wrap the same source, so gate draws and Beta draws
// interleave on one stream.
func TestRunRNGMixShared(t *testing.T) {
	a := NewRunRNG(99)
	b := NewRunRNG(99)

	a.Mix.Uint64() // advances the shared source
	b.MixSrc.Uint64()

	if got, want := a.MixSrc.Uint64(), b.MixSrc.Uint64(); got != want {
		t.Errorf("mix source not shared with Mix: %d != %d", got, want)
	}
}

func TestAugmentRNG(t *testing.T) {
	a := AugmentRNG(42, 10)
	b := AugmentRNG(42, 10)
	for i := 0; i < 8; i++ {
		if got, want := a.Uint64(), b.Uint64(); got != want {
			t.Fatalf("draw %d: same (seed, seq) diverged: %d != %d", i, got, want)
		}
	}

	c := AugmentRNG(42, 10)
	d := AugmentRNG(42, 11)
	same := true
	for i := 0; i < 8; i++ {
		if c.Uint64() != d.Uint64() {
			same = false
			break
		}
	}
	if same {
		t.Error("adjacent sequence numbers produced identical streams")
	}
}

func TestRandomSeed(t *testing.T) {
	if RandomSeed() == RandomSeed() {
		t.Error("two entropy draws returned the same seed")
	}
}
