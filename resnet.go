package main

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the residual backbone (ResNet). The key idea is the
// residual block: instead of learning a mapping H(x) directly, each block
// learns a correction F(x) and outputs F(x) + x. The "+x" shortcut gives
// every block an identity path to fall back on and gives gradients a
// direct route from the loss to the early layers, which is what makes
// fifty-plus layer networks trainable at all.
//
// The architecture is the standard four-stage layout:
//
//   stem:    7x7/2 conv, batch norm, (ReLU), 3x3/2 max pool
//   layer1:  blocks at 1/4 resolution
//   layer2:  blocks at 1/8  (first block strides)
//   layer3:  blocks at 1/16
//   layer4:  blocks at 1/32
//
// Two block shapes cover the whole family. resnet18/34 use the basic block
// (two 3x3 convs); resnet50/101 use the bottleneck (1x1 down, 3x3, 1x1 up,
// four-fold expansion). Both are one ResBlock type here, differing only in
// how many conv/bn pairs sit on the trunk.
//
// Note what is NOT here: no forward orchestration for the whole network.
// The stem and the four stages are driven from the outside by the
// style-mixing wrapper (mixresnet.go), which interleaves its transform
// between stages. The ResNet owns parameters, construction, naming and
// per-piece forward/backward.
//
// Parameter names follow the reference checkpoint layout
// (conv1.weight, bn1.running_mean, layer2.0.downsample.1.bias, ...), so
// pretrained weights map by plain string keys.
//
// ===========================================================================

// ResNetVariant selects construction-time differences between the
// classification backbone and the re-identification one.
//
// The re-identification variant keeps layer4 at stride 1 (finer spatial
// detail for part matching) and skips the stem ReLU. Both differences are
// construction flags, not type distinctions.
type ResNetVariant int

const (
	VariantClassification ResNetVariant = iota
	VariantReID
)

const bottleneckExpansion = 4

type blockKind int

const (
	basicKind blockKind = iota
	bottleneckKind
)

// resnetArchs maps architecture names to their block shape and stage
// depths.
var resnetArchs = map[string]struct {
	kind   blockKind
	depths [4]int
}{
	"resnet18":  {basicKind, [4]int{2, 2, 2, 2}},
	"resnet34":  {basicKind, [4]int{3, 4, 6, 3}},
	"resnet50":  {bottleneckKind, [4]int{3, 4, 6, 3}},
	"resnet101": {bottleneckKind, [4]int{3, 4, 23, 3}},
}

// ResNetArchNames returns the supported architecture names, sorted.
func ResNetArchNames() []string {
	names := make([]string, 0, len(resnetArchs))
	for name := range resnetArchs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResBlock is one residual block. Convs/BNs hold the trunk in order: two
// pairs for a basic block, three for a bottleneck. The ReLU after the last
// pair happens after the shortcut is added back.
type ResBlock struct {
	Convs []*Conv2d
	BNs   []*BatchNorm2d

	// Projection shortcut, present when the block changes resolution or
	// width. Nil otherwise (identity shortcut).
	DownConv *Conv2d
	DownBN   *BatchNorm2d

	outC int
}

// ResBlockCache carries every intermediate Backward needs.
type ResBlockCache struct {
	convCaches []*Conv2dCache
	bnCaches   []*BatchNorm2dCache
	reluIns    []*Tensor // trunk pre-activations, input to the inner ReLUs
	downConv   *Conv2dCache
	downBN     *BatchNorm2dCache
	sum        *Tensor // pre-activation of the final ReLU
}

func newBasicBlock(src rand.Source, inC, outC, stride int) *ResBlock {
	b := &ResBlock{
		Convs: []*Conv2d{
			NewConv2d(src, inC, outC, 3, stride, 1),
			NewConv2d(src, outC, outC, 3, 1, 1),
		},
		BNs:  []*BatchNorm2d{NewBatchNorm2d(outC), NewBatchNorm2d(outC)},
		outC: outC,
	}
	if stride != 1 || inC != outC {
		b.DownConv = NewConv2d(src, inC, outC, 1, stride, 0)
		b.DownBN = NewBatchNorm2d(outC)
	}
	return b
}

func newBottleneck(src rand.Source, inC, midC, stride int) *ResBlock {
	outC := midC * bottleneckExpansion
	b := &ResBlock{
		Convs: []*Conv2d{
			NewConv2d(src, inC, midC, 1, 1, 0),
			NewConv2d(src, midC, midC, 3, stride, 1),
			NewConv2d(src, midC, outC, 1, 1, 0),
		},
		BNs:  []*BatchNorm2d{NewBatchNorm2d(midC), NewBatchNorm2d(midC), NewBatchNorm2d(outC)},
		outC: outC,
	}
	if stride != 1 || inC != outC {
		b.DownConv = NewConv2d(src, inC, outC, 1, stride, 0)
		b.DownBN = NewBatchNorm2d(outC)
	}
	return b
}

// Forward runs the block in inference mode.
func (b *ResBlock) Forward(x *Tensor) *Tensor {
	out, _ := b.ForwardWithCache(x)
	return out
}

// ForwardWithCache runs the block and returns the cache for Backward.
func (b *ResBlock) ForwardWithCache(x *Tensor) (*Tensor, *ResBlockCache) {
	cache := &ResBlockCache{
		convCaches: make([]*Conv2dCache, len(b.Convs)),
		bnCaches:   make([]*BatchNorm2dCache, len(b.Convs)),
		reluIns:    make([]*Tensor, 0, len(b.Convs)-1),
	}

	h := x
	last := len(b.Convs) - 1
	for i := range b.Convs {
		h, cache.convCaches[i] = b.Convs[i].ForwardWithCache(h)
		h, cache.bnCaches[i] = b.BNs[i].ForwardWithCache(h)
		if i < last {
			cache.reluIns = append(cache.reluIns, h)
			h = ReLU(h)
		}
	}

	skip := x
	if b.DownConv != nil {
		skip, cache.downConv = b.DownConv.ForwardWithCache(x)
		skip, cache.downBN = b.DownBN.ForwardWithCache(skip)
	}

	cache.sum = Add(h, skip)
	return ReLU(cache.sum), cache
}

// Backward propagates through the block, accumulating parameter gradients,
// and returns the gradient with respect to the block input. The shortcut
// contribution and the trunk contribution are summed at the input.
func (b *ResBlock) Backward(gradOut *Tensor, cache *ResBlockCache) *Tensor {
	gradSum := ReLUBackward(cache.sum, gradOut)
	gradTrunk, gradSkip := AddBackward(gradSum)

	if b.DownConv != nil {
		gradSkip = b.DownBN.Backward(gradSkip, cache.downBN)
		gradSkip = b.DownConv.Backward(gradSkip, cache.downConv)
	}

	g := gradTrunk
	for i := len(b.Convs) - 1; i >= 0; i-- {
		g = b.BNs[i].Backward(g, cache.bnCaches[i])
		g = b.Convs[i].Backward(g, cache.convCaches[i])
		if i > 0 {
			g = ReLUBackward(cache.reluIns[i-1], g)
		}
	}

	return Add(g, gradSkip)
}

// OutChannels returns the block's output width.
func (b *ResBlock) OutChannels() int {
	return b.outC
}

// Parameters returns the block's trainable tensors.
func (b *ResBlock) Parameters() []*Tensor {
	var params []*Tensor
	for i := range b.Convs {
		params = append(params, b.Convs[i].Parameters()...)
		params = append(params, b.BNs[i].Parameters()...)
	}
	if b.DownConv != nil {
		params = append(params, b.DownConv.Parameters()...)
		params = append(params, b.DownBN.Parameters()...)
	}
	return params
}

func (b *ResBlock) batchNorms() []*BatchNorm2d {
	bns := append([]*BatchNorm2d{}, b.BNs...)
	if b.DownBN != nil {
		bns = append(bns, b.DownBN)
	}
	return bns
}

// visitState walks the block's state tensors in checkpoint order.
func (b *ResBlock) visitState(prefix string, visit func(name string, t *Tensor)) {
	for i := range b.Convs {
		visit(fmt.Sprintf("%sconv%d.weight", prefix, i+1), b.Convs[i].Weight)
		visitBN(fmt.Sprintf("%sbn%d.", prefix, i+1), b.BNs[i], visit)
	}
	if b.DownConv != nil {
		visit(prefix+"downsample.0.weight", b.DownConv.Weight)
		visitBN(prefix+"downsample.1.", b.DownBN, visit)
	}
}

func visitBN(prefix string, bn *BatchNorm2d, visit func(name string, t *Tensor)) {
	visit(prefix+"weight", bn.Gamma)
	visit(prefix+"bias", bn.Beta)
	visit(prefix+"running_mean", bn.RunningMean)
	visit(prefix+"running_var", bn.RunningVar)
}

// ResNet is the backbone: stem plus four stages of residual blocks.
type ResNet struct {
	Arch    string
	Variant ResNetVariant

	Conv1 *Conv2d
	BN1   *BatchNorm2d
	Pool  *MaxPool2d

	// Stages[0] through Stages[3] are layer1 through layer4 in checkpoint
	// naming.
	Stages [4][]*ResBlock

	// OutC is the feature width after layer4 (512 for basic blocks, 2048
	// for bottlenecks).
	OutC int
}

// NewResNet constructs a backbone by architecture name. The architecture
// name is user input, so an unknown name is an error, not a panic.
func NewResNet(src rand.Source, arch string, variant ResNetVariant) (*ResNet, error) {
	def, ok := resnetArchs[arch]
	if !ok {
		return nil, fmt.Errorf("resnet: unknown architecture %q (supported: %v)", arch, ResNetArchNames())
	}

	r := &ResNet{
		Arch:    arch,
		Variant: variant,
		Conv1:   NewConv2d(src, 3, 64, 7, 2, 3),
		BN1:     NewBatchNorm2d(64),
		Pool:    NewMaxPool2d(3, 2, 1),
	}

	widths := [4]int{64, 128, 256, 512}
	strides := [4]int{1, 2, 2, 2}
	if variant == VariantReID {
		strides[3] = 1
	}

	inC := 64
	for s := 0; s < 4; s++ {
		blocks := make([]*ResBlock, def.depths[s])
		for i := range blocks {
			stride := 1
			if i == 0 {
				stride = strides[s]
			}
			switch def.kind {
			case basicKind:
				blocks[i] = newBasicBlock(src, inC, widths[s], stride)
			case bottleneckKind:
				blocks[i] = newBottleneck(src, inC, widths[s], stride)
			}
			inC = blocks[i].OutChannels()
		}
		r.Stages[s] = blocks
	}
	r.OutC = inC

	return r, nil
}

// SetTraining switches every batch norm between batch and running
// statistics.
func (r *ResNet) SetTraining(train bool) {
	for _, bn := range r.BatchNorms() {
		bn.SetTraining(train)
	}
}

// BatchNorms returns every batch norm in the backbone. The classifier uses
// this to freeze statistics during fine-tuning.
func (r *ResNet) BatchNorms() []*BatchNorm2d {
	bns := []*BatchNorm2d{r.BN1}
	for s := range r.Stages {
		for _, blk := range r.Stages[s] {
			bns = append(bns, blk.batchNorms()...)
		}
	}
	return bns
}

// Parameters returns the backbone's trainable tensors. Running statistics
// are excluded; they belong to the state dict, not the optimizer.
func (r *ResNet) Parameters() []*Tensor {
	params := []*Tensor{r.Conv1.Weight}
	params = append(params, r.BN1.Parameters()...)
	for s := range r.Stages {
		for _, blk := range r.Stages[s] {
			params = append(params, blk.Parameters()...)
		}
	}
	return params
}

// visitState walks the backbone's state tensors in checkpoint order.
func (r *ResNet) visitState(visit func(name string, t *Tensor)) {
	visit("conv1.weight", r.Conv1.Weight)
	visitBN("bn1.", r.BN1, visit)
	for s := range r.Stages {
		for i, blk := range r.Stages[s] {
			blk.visitState(fmt.Sprintf("layer%d.%d.", s+1, i), visit)
		}
	}
}

// StateDict returns the backbone's parameters and running statistics keyed
// by checkpoint names.
func (r *ResNet) StateDict() *StateDict {
	sd := NewStateDict()
	r.visitState(func(name string, t *Tensor) {
		sd.Put(name, t)
	})
	return sd
}

// LoadStateDict copies matching entries from sd into the backbone. See
// loadStateDict for the strictness semantics.
func (r *ResNet) LoadStateDict(sd *StateDict, strict bool) (*LoadReport, error) {
	return loadStateDict(sd, strict, "resnet", r.visitState)
}
