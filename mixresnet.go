package main

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// mixInsertionPoints is the fixed set of stages the style-mixing transform
// may be inserted after. Mixing after layer4 is deliberately impossible:
// the last stage's output feeds the classifier head directly, and
// perturbing its statistics would corrupt the features the head is being
// trained on rather than augment them.
var mixInsertionPoints = map[string]int{
	"layer1": 0,
	"layer2": 1,
	"layer3": 2,
}

// MixStyleConfig configures the style-mixing wrapper.
type MixStyleConfig struct {
	// Layers names the stages to mix after, each one of layer1, layer2,
	// layer3. Empty means no mixing: the wrapper then runs the plain
	// backbone forward.
	Layers []string

	// P is the probability a training forward pass mixes at all.
	P float64

	// Alpha is the Beta distribution shape for the mixing coefficient.
	Alpha float64
}

func (cfg MixStyleConfig) validate() error {
	for _, name := range cfg.Layers {
		if _, ok := mixInsertionPoints[name]; !ok {
			valid := make([]string, 0, len(mixInsertionPoints))
			for k := range mixInsertionPoints {
				valid = append(valid, k)
			}
			sort.Strings(valid)
			return fmt.Errorf("mixstyle: invalid insertion point %q (valid: %v)", name, valid)
		}
	}
	if cfg.P < 0 || cfg.P > 1 {
		return fmt.Errorf("mixstyle: probability %g outside [0, 1]", cfg.P)
	}
	if cfg.Alpha <= 0 {
		return fmt.Errorf("mixstyle: alpha must be positive, got %g", cfg.Alpha)
	}
	return nil
}

// MixStyleResNet owns a backbone and interleaves the style-mixing
// transform between its stages. It is the unit the classifier trains:
// forward runs stem, stages and the configured insertions, and returns the
// layer4 feature map (pooling belongs to the classifier).
//
// One MixStyle instance serves every insertion point, so its invocation
// count per forward pass equals the number of configured points.
type MixStyleResNet struct {
	Backbone *ResNet
	Mix      *MixStyle

	insertAfter [3]bool
}

// MixStyleResNetCache carries the full forward record for Backward.
type MixStyleResNetCache struct {
	conv1      *Conv2dCache
	bn1        *BatchNorm2dCache
	stemReluIn *Tensor // nil for the re-identification variant
	pool       *MaxPool2dCache
	blocks     [4][]*ResBlockCache
	mixes      [3]*MixStyleCache
}

// NewMixStyleResNet wraps backbone with the configured mixing transform.
// The insertion points come from user configuration, so violations are
// errors, not panics.
func NewMixStyleResNet(src rand.Source, backbone *ResNet, cfg MixStyleConfig) (*MixStyleResNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &MixStyleResNet{
		Backbone: backbone,
		Mix:      NewMixStyle(src, cfg.P, cfg.Alpha),
	}
	for _, name := range cfg.Layers {
		m.insertAfter[mixInsertionPoints[name]] = true
	}
	return m, nil
}

// SetTraining switches the backbone's batch norms and the mixing transform
// together.
func (m *MixStyleResNet) SetTraining(train bool) {
	m.Backbone.SetTraining(train)
	m.Mix.SetTraining(train)
}

// Forward computes the layer4 feature map in inference mode.
func (m *MixStyleResNet) Forward(x *Tensor) *Tensor {
	out, _ := m.ForwardWithCache(x)
	return out
}

// ForwardWithCache runs stem, stages and insertions, returning the layer4
// feature map [N, OutC, H/32, W/32] and the cache for Backward.
//
// The stem ReLU is skipped for the re-identification variant; that
// difference is a construction flag on the backbone, decided once when the
// backbone was built.
func (m *MixStyleResNet) ForwardWithCache(x *Tensor) (*Tensor, *MixStyleResNetCache) {
	cache := &MixStyleResNetCache{}
	b := m.Backbone

	h, c1 := b.Conv1.ForwardWithCache(x)
	cache.conv1 = c1
	h, cache.bn1 = b.BN1.ForwardWithCache(h)
	if b.Variant != VariantReID {
		cache.stemReluIn = h
		h = ReLU(h)
	}
	h, cache.pool = b.Pool.ForwardWithCache(h)

	for s := 0; s < 4; s++ {
		cache.blocks[s] = make([]*ResBlockCache, len(b.Stages[s]))
		for i, blk := range b.Stages[s] {
			h, cache.blocks[s][i] = blk.ForwardWithCache(h)
		}
		if s < 3 && m.insertAfter[s] {
			h, cache.mixes[s] = m.Mix.ForwardWithCache(h)
		}
	}

	return h, cache
}

// Backward propagates from the feature-map gradient down to the image
// input, accumulating parameter gradients along the way. The returned
// image gradient exists for completeness; training discards it.
func (m *MixStyleResNet) Backward(gradOut *Tensor, cache *MixStyleResNetCache) *Tensor {
	b := m.Backbone
	g := gradOut

	for s := 3; s >= 0; s-- {
		if s < 3 && m.insertAfter[s] {
			g = m.Mix.Backward(g, cache.mixes[s])
		}
		for i := len(b.Stages[s]) - 1; i >= 0; i-- {
			g = b.Stages[s][i].Backward(g, cache.blocks[s][i])
		}
	}

	g = b.Pool.Backward(g, cache.pool)
	if cache.stemReluIn != nil {
		g = ReLUBackward(cache.stemReluIn, g)
	}
	g = b.BN1.Backward(g, cache.bn1)
	return b.Conv1.Backward(g, cache.conv1)
}

// Parameters returns the trainable tensors. The mixing transform has none.
func (m *MixStyleResNet) Parameters() []*Tensor {
	return m.Backbone.Parameters()
}

// OutChannels returns the feature width the wrapper produces.
func (m *MixStyleResNet) OutChannels() int {
	return m.Backbone.OutC
}

// LoadPretrained initializes the backbone from a reference checkpoint.
//
// The checkpoint is first intersected with the backbone's own keys
// (FilterStateDict), then loaded non-strict, so a checkpoint from a plain
// classification backbone works even though this model carries no head and
// the checkpoint may carry keys the backbone lacks. Returns the load
// report and the keys dropped by the intersection; callers log the counts.
// Mixing has no parameters, so a pretrained load cannot touch it.
func (m *MixStyleResNet) LoadPretrained(sd *StateDict) (*LoadReport, []string, error) {
	kept, dropped := FilterStateDict(sd, m.Backbone.StateDict())
	report, err := m.Backbone.LoadStateDict(kept, false)
	if err != nil {
		return nil, dropped, err
	}
	return report, dropped, nil
}
