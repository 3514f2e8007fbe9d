package main

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// Randomness in a training run comes from five distinct concerns. Giving
// each its own PCG stream, all derived from one master seed, means two runs
// with the same seed are bit-identical even if one concern changes how much
// randomness it draws (adding an augmentation step must not reshuffle the
// batch order of an otherwise identical run).
const (
	streamInit uint64 = iota + 1
	streamSampler
	streamMix
	streamDropout
	streamReduce
	streamAugment // base for per-sample augmentation streams
)

// RunRNG owns the random streams of a single run. The raw sources feed
// gonum's distributions (Normal for weight init, Beta for statistics
// mixing); the wrapped *rand.Rand values serve permutations, shuffles and
// probability gates. A concern that needs both shares one stream, so draws
// interleave deterministically.
type RunRNG struct {
	InitSrc rand.Source // weight initialization (NewTensorNormal)
	MixSrc  rand.Source // Beta draws for statistics mixing

	Sampler *rand.Rand // split shuffles and batch sampling
	Mix     *rand.Rand // mixing gate and batch permutation, wraps MixSrc
	Dropout *rand.Rand // dropout masks
	Reduce  *rand.Rand // dimensionality-reduction initialization
}

// NewRunRNG derives the per-concern streams from a master seed.
func NewRunRNG(seed uint64) *RunRNG {
	mixSrc := rand.NewPCG(seed, streamMix)
	return &RunRNG{
		InitSrc: rand.NewPCG(seed, streamInit),
		MixSrc:  mixSrc,
		Sampler: rand.New(rand.NewPCG(seed, streamSampler)),
		Mix:     rand.New(mixSrc),
		Dropout: rand.New(rand.NewPCG(seed, streamDropout)),
		Reduce:  rand.New(rand.NewPCG(seed, streamReduce)),
	}
}

// AugmentRNG derives the augmentation stream for one training sample from
// the master seed and the sample's global sequence number. Keying on the
// sequence number instead of the decoding worker keeps augmentations
// reproducible no matter how the scheduler interleaves workers.
func AugmentRNG(seed, seq uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, streamAugment+seq<<8))
}

// RandomSeed draws a master seed from the OS entropy pool. Unseeded runs
// use this and log the value, so any run can be reproduced after the fact.
func RandomSeed() uint64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		// The entropy pool not answering means the machine has bigger
		// problems than seed quality.
		panic("rng: reading entropy: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:])
}
