package main

import (
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Optimizers: the update rules that turn gradients into weight changes.
//
// Parameters are organized in groups, each with its own learning-rate
// scale. The trainer uses two groups: the pretrained backbone at a tenth
// of the base rate (its weights start near their destination) and the
// freshly initialized head at the full rate. The scale is relative, so one
// schedule drives both groups.
//
// SGD with Nesterov momentum is the workhorse here, matching the reference
// trainer. Adam is kept as the alternate for runs from scratch, where its
// per-parameter step sizes help the early chaos.
//
// ===========================================================================

// ParamGroup binds a set of parameters to a relative learning-rate scale.
type ParamGroup struct {
	Params  []*Tensor
	LRScale float64
}

// Optimizer updates parameter groups against a base learning rate.
type Optimizer interface {
	// Step performs a single optimization step at the given base rate.
	Step(baseLR float64)

	// ZeroGrad clears all gradients.
	ZeroGrad()
}

// SGDOptimizer implements stochastic gradient descent with momentum,
// optional Nesterov acceleration, and L2 weight decay.
//
// Update rule (per parameter):
//
//	d   = grad + weightDecay * param
//	buf = momentum * buf + d
//	d  += momentum * buf        (when Nesterov)
//	d   = buf                   (otherwise)
//	param -= lr * d
//
// Nesterov evaluates the step as if momentum had already been applied, a
// lookahead that converges measurably faster at these learning rates.
type SGDOptimizer struct {
	groups      []ParamGroup
	momentum    float64
	weightDecay float64
	nesterov    bool

	// Momentum buffers, parallel to groups/params, allocated lazily on
	// the first step.
	buf [][][]float64
}

// NewSGDOptimizer creates an SGD optimizer over the given groups.
func NewSGDOptimizer(groups []ParamGroup, momentum, weightDecay float64, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		groups:      groups,
		momentum:    momentum,
		weightDecay: weightDecay,
		nesterov:    nesterov,
	}
}

// Step updates all parameter groups.
func (opt *SGDOptimizer) Step(baseLR float64) {
	if opt.buf == nil {
		opt.buf = make([][][]float64, len(opt.groups))
		for g, group := range opt.groups {
			opt.buf[g] = make([][]float64, len(group.Params))
			for i, p := range group.Params {
				opt.buf[g][i] = make([]float64, len(p.data))
			}
		}
	}

	for g, group := range opt.groups {
		lr := baseLR * group.LRScale
		for i, p := range group.Params {
			buf := opt.buf[g][i]
			for j := range p.data {
				d := p.grad[j] + opt.weightDecay*p.data[j]

				buf[j] = opt.momentum*buf[j] + d
				if opt.nesterov {
					d += opt.momentum * buf[j]
				} else {
					d = buf[j]
				}

				p.data[j] -= lr * d
			}
		}
	}
}

// ZeroGrad clears gradients in all groups.
func (opt *SGDOptimizer) ZeroGrad() {
	for _, group := range opt.groups {
		for _, p := range group.Params {
			p.ZeroGrad()
		}
	}
}

// AdamOptimizer implements the Adam optimization algorithm.
//
// Adam combines:
//   - Momentum (moving average of gradients)
//   - RMSProp (moving average of squared gradients)
//   - Bias correction (accounts for initialization at zero)
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	groups      []ParamGroup
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m [][][]float64 // first moment
	v [][][]float64 // second moment
	t int           // step count, for bias correction
}

// NewAdamOptimizer creates an Adam optimizer over the given groups with
// the standard moment constants.
func NewAdamOptimizer(groups []ParamGroup, weightDecay float64) *AdamOptimizer {
	opt := &AdamOptimizer{
		groups:      groups,
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		weightDecay: weightDecay,
		m:           make([][][]float64, len(groups)),
		v:           make([][][]float64, len(groups)),
	}
	for g, group := range groups {
		opt.m[g] = make([][]float64, len(group.Params))
		opt.v[g] = make([][]float64, len(group.Params))
		for i, p := range group.Params {
			opt.m[g][i] = make([]float64, len(p.data))
			opt.v[g][i] = make([]float64, len(p.data))
		}
	}
	return opt
}

// Step performs an Adam update on all parameter groups.
func (opt *AdamOptimizer) Step(baseLR float64) {
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for g, group := range opt.groups {
		lr := baseLR * group.LRScale
		for i, p := range group.Params {
			m := opt.m[g][i]
			v := opt.v[g][i]
			for j := range p.data {
				grad := p.grad[j] + opt.weightDecay*p.data[j]

				m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
				v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad

				mHat := m[j] / bias1
				vHat := v[j] / bias2

				p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
			}
		}
	}
}

// ZeroGrad clears gradients in all groups.
func (opt *AdamOptimizer) ZeroGrad() {
	for _, group := range opt.groups {
		for _, p := range group.Params {
			p.ZeroGrad()
		}
	}
}

// CosineSchedule anneals the base learning rate to zero over totalSteps
// with a half cosine. The trainer advances it once per iteration, not per
// epoch, so the rate decays smoothly across the whole run.
type CosineSchedule struct {
	baseLR     float64
	totalSteps int
	step       int
}

// NewCosineSchedule creates the schedule.
func NewCosineSchedule(baseLR float64, totalSteps int) *CosineSchedule {
	if totalSteps <= 0 {
		panic("optim: cosine schedule needs a positive step count")
	}
	return &CosineSchedule{baseLR: baseLR, totalSteps: totalSteps}
}

// LR returns the learning rate for the current step.
func (s *CosineSchedule) LR() float64 {
	progress := float64(s.step) / float64(s.totalSteps)
	if progress >= 1 {
		return 0
	}
	return s.baseLR * 0.5 * (1.0 + math.Cos(math.Pi*progress))
}

// Step advances the schedule by one iteration.
func (s *CosineSchedule) Step() {
	s.step++
}
