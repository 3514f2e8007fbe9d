package main

import (
	"fmt"
	"math/rand/v2"
)

// Classifier is the full model: style-mixing backbone, global average
// pool, optional feature dropout, linear head.
//
// Forward returns both the class logits and the pooled embeddings the head
// consumed. The embeddings are what the cross-domain alignment penalty
// operates on, and what the analysis phase projects to 2D.
type Classifier struct {
	Features *MixStyleResNet
	Drop     *Dropout // nil unless FreezeBN; active in training only
	Head     *Linear

	NumClasses int
	Finetune   bool
	FreezeBN   bool
}

// ClassifierConfig carries the head-side options of the reference trainer.
type ClassifierConfig struct {
	NumClasses int
	Finetune   bool

	// FreezeBN pins every backbone batch norm to its running statistics
	// during training. Feature dropout is only instantiated together with
	// it: with live batch statistics the normalization noise already
	// regularizes, and the reference trainer couples the two the same way.
	FreezeBN bool
	DropoutP float64
}

// ClassifierCache carries the forward record for Backward.
type ClassifierCache struct {
	features *MixStyleResNetCache
	featMap  *Tensor // layer4 output, needed for the pool backward
	drop     *DropoutCache
	head     *LinearCache
}

// NewClassifier builds the model. headSrc initializes the head weights,
// dropRNG drives feature dropout.
func NewClassifier(headSrc rand.Source, dropRNG *rand.Rand, features *MixStyleResNet, cfg ClassifierConfig) *Classifier {
	if cfg.NumClasses <= 0 {
		panic(fmt.Sprintf("classifier: class count must be positive, got %d", cfg.NumClasses))
	}

	c := &Classifier{
		Features:   features,
		Head:       NewLinear(headSrc, features.OutChannels(), cfg.NumClasses),
		NumClasses: cfg.NumClasses,
		Finetune:   cfg.Finetune,
		FreezeBN:   cfg.FreezeBN,
	}

	if cfg.FreezeBN {
		c.Drop = NewDropout(dropRNG, cfg.DropoutP)
		for _, bn := range features.Backbone.BatchNorms() {
			bn.Frozen = true
		}
	}

	return c
}

// SetTraining switches the whole model between training and evaluation
// behavior. Frozen batch norms stay on running statistics either way.
func (c *Classifier) SetTraining(train bool) {
	c.Features.SetTraining(train)
	if c.Drop != nil {
		c.Drop.SetTraining(train)
	}
}

// Training reports the current mode.
func (c *Classifier) Training() bool {
	return c.Features.Mix.Training
}

// Forward computes logits and embeddings in inference mode.
func (c *Classifier) Forward(x *Tensor) (logits, embeddings *Tensor) {
	logits, embeddings, _ = c.ForwardWithCache(x)
	return logits, embeddings
}

// ForwardWithCache computes logits [N, numClasses] and embeddings
// [N, featureDim], plus the cache for Backward.
func (c *Classifier) ForwardWithCache(x *Tensor) (logits, embeddings *Tensor, cache *ClassifierCache) {
	cache = &ClassifierCache{}

	featMap, fc := c.Features.ForwardWithCache(x)
	cache.features = fc
	cache.featMap = featMap

	f := GlobalAvgPool(featMap)
	if c.Drop != nil {
		f, cache.drop = c.Drop.ForwardWithCache(f)
	}

	logits, cache.head = c.Head.ForwardWithCache(f)
	return logits, f, cache
}

// Backward propagates both gradient paths into the model parameters:
// gradLogits from the classification loss and gradEmbeddings (may be nil)
// from the alignment penalty. The two meet at the pooled features and sum.
func (c *Classifier) Backward(gradLogits, gradEmbeddings *Tensor, cache *ClassifierCache) {
	gradF := c.Head.Backward(gradLogits, cache.head)
	if gradEmbeddings != nil {
		gradF = Add(gradF, gradEmbeddings)
	}

	if c.Drop != nil {
		gradF = c.Drop.Backward(gradF, cache.drop)
	}

	gradMap := GlobalAvgPoolBackward(cache.featMap, gradF)
	c.Features.Backward(gradMap, cache.features)
}

// Parameters returns every trainable tensor in the model.
func (c *Classifier) Parameters() []*Tensor {
	return append(c.Features.Parameters(), c.Head.Parameters()...)
}

// ParamGroups splits the parameters for the optimizer. When fine-tuning a
// pretrained backbone, the backbone learns at a tenth of the base rate:
// its weights start close to where they should end up, the freshly
// initialized head does not.
func (c *Classifier) ParamGroups() []ParamGroup {
	backboneScale := 1.0
	if c.Finetune {
		backboneScale = 0.1
	}
	return []ParamGroup{
		{Params: c.Features.Parameters(), LRScale: backboneScale},
		{Params: c.Head.Parameters(), LRScale: 1.0},
	}
}

// ZeroGrad clears every parameter gradient.
func (c *Classifier) ZeroGrad() {
	for _, p := range c.Parameters() {
		p.ZeroGrad()
	}
}

func (c *Classifier) visitState(visit func(name string, t *Tensor)) {
	c.Features.Backbone.visitState(func(name string, t *Tensor) {
		visit("backbone."+name, t)
	})
	visit("head.weight", c.Head.Weight)
	visit("head.bias", c.Head.Bias)
}

// StateDict returns the full model state: backbone tensors under the
// backbone. prefix, head tensors under head.
func (c *Classifier) StateDict() *StateDict {
	sd := NewStateDict()
	c.visitState(func(name string, t *Tensor) {
		sd.Put(name, t)
	})
	return sd
}

// LoadStateDict restores a state dict written by StateDict. Model
// checkpoints are complete, so loads here are strict by default at the
// call sites.
func (c *Classifier) LoadStateDict(sd *StateDict, strict bool) (*LoadReport, error) {
	return loadStateDict(sd, strict, "classifier", c.visitState)
}
