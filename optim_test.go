package main

import (
	"math"
	"testing"
)

func singleGroup(p *Tensor) []ParamGroup {
	return []ParamGroup{{Params: []*Tensor{p}, LRScale: 1}}
}

func TestSGDPlainStep(t *testing.T) {
	// No momentum, no decay: param -= lr * grad.
	p := NewTensorFrom([]float64{1, 2}, 2)
	p.grad[0] = 0.5
	p.grad[1] = -1

	opt := NewSGDOptimizer(singleGroup(p), 0, 0, false)
	opt.Step(0.1)

	// 1 - 0.1*0.5 = 0.95, 2 - 0.1*(-1) = 2.1
	if math.Abs(p.data[0]-0.95) > 1e-12 {
		t.Errorf("expected 0.95, got %f", p.data[0])
	}
	if math.Abs(p.data[1]-2.1) > 1e-12 {
		t.Errorf("expected 2.1, got %f", p.data[1])
	}
}

func TestSGDWeightDecay(t *testing.T) {
	// Zero gradient, decay 0.1: the effective gradient is 0.1*param.
	p := NewTensorFrom([]float64{10}, 1)

	opt := NewSGDOptimizer(singleGroup(p), 0, 0.1, false)
	opt.Step(1)

	// 10 - 1*(0 + 0.1*10) = 9
	if math.Abs(p.data[0]-9) > 1e-12 {
		t.Errorf("expected 9, got %f", p.data[0])
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	// Constant gradient 1, momentum 0.9, lr 1, plain momentum:
	// step 1: buf = 1,   param -= 1      -> -1
	// step 2: buf = 1.9, param -= 1.9    -> -2.9
	p := NewTensor(1)
	opt := NewSGDOptimizer(singleGroup(p), 0.9, 0, false)

	p.grad[0] = 1
	opt.Step(1)
	if math.Abs(p.data[0]-(-1)) > 1e-12 {
		t.Errorf("after step 1: expected -1, got %f", p.data[0])
	}

	p.grad[0] = 1
	opt.Step(1)
	if math.Abs(p.data[0]-(-2.9)) > 1e-12 {
		t.Errorf("after step 2: expected -2.9, got %f", p.data[0])
	}
}

func TestSGDNesterov(t *testing.T) {
	// Nesterov applies the lookahead d + momentum*buf:
	// step 1: buf = 1, d = 1 + 0.9*1 = 1.9, param = -1.9
	// step 2: buf = 1.9, d = 1 + 0.9*1.9 = 2.71, param = -4.61
	p := NewTensor(1)
	opt := NewSGDOptimizer(singleGroup(p), 0.9, 0, true)

	p.grad[0] = 1
	opt.Step(1)
	if math.Abs(p.data[0]-(-1.9)) > 1e-12 {
		t.Errorf("after step 1: expected -1.9, got %f", p.data[0])
	}

	p.grad[0] = 1
	opt.Step(1)
	if math.Abs(p.data[0]-(-4.61)) > 1e-12 {
		t.Errorf("after step 2: expected -4.61, got %f", p.data[0])
	}
}

func TestSGDGroupScales(t *testing.T) {
	// The backbone group runs at a tenth of the head's rate.
	backbone := NewTensor(1)
	head := NewTensor(1)
	backbone.grad[0] = 1
	head.grad[0] = 1

	opt := NewSGDOptimizer([]ParamGroup{
		{Params: []*Tensor{backbone}, LRScale: 0.1},
		{Params: []*Tensor{head}, LRScale: 1},
	}, 0, 0, false)
	opt.Step(1)

	if math.Abs(backbone.data[0]-(-0.1)) > 1e-12 {
		t.Errorf("backbone: expected -0.1, got %f", backbone.data[0])
	}
	if math.Abs(head.data[0]-(-1)) > 1e-12 {
		t.Errorf("head: expected -1, got %f", head.data[0])
	}
}

func TestSGDZeroGrad(t *testing.T) {
	p := NewTensor(3)
	p.grad[0], p.grad[1], p.grad[2] = 1, 2, 3

	opt := NewSGDOptimizer(singleGroup(p), 0.9, 0, true)
	opt.ZeroGrad()

	for i, g := range p.grad {
		if g != 0 {
			t.Errorf("grad[%d] not cleared: %f", i, g)
		}
	}
}

func TestAdamFirstStep(t *testing.T) {
	// On the first step the bias corrections cancel the moment decay
	// exactly, so the update is lr * grad/(|grad| + eps) ~ lr * sign(grad).
	p := NewTensorFrom([]float64{1, 1}, 2)
	p.grad[0] = 0.5
	p.grad[1] = -3

	opt := NewAdamOptimizer(singleGroup(p), 0)
	opt.Step(0.001)

	if math.Abs(p.data[0]-(1-0.001)) > 1e-6 {
		t.Errorf("expected ~0.999, got %f", p.data[0])
	}
	if math.Abs(p.data[1]-(1+0.001)) > 1e-6 {
		t.Errorf("expected ~1.001, got %f", p.data[1])
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// Minimize f(x) = x^2 from x=5. A few hundred Adam steps should land
	// near zero.
	p := NewTensorFrom([]float64{5}, 1)
	opt := NewAdamOptimizer(singleGroup(p), 0)

	for i := 0; i < 500; i++ {
		opt.ZeroGrad()
		p.grad[0] = 2 * p.data[0]
		opt.Step(0.05)
	}

	// Constant-rate Adam dithers around the minimum at about the step
	// size, so the bound is loose.
	if math.Abs(p.data[0]) > 0.2 {
		t.Errorf("expected x near 0 after 500 steps, got %f", p.data[0])
	}
}

func TestCosineSchedule(t *testing.T) {
	s := NewCosineSchedule(0.4, 100)

	// Step 0: full rate.
	if math.Abs(s.LR()-0.4) > 1e-12 {
		t.Errorf("step 0: expected 0.4, got %f", s.LR())
	}

	// Halfway: cos(pi/2) = 0, so half the base rate.
	for i := 0; i < 50; i++ {
		s.Step()
	}
	if math.Abs(s.LR()-0.2) > 1e-12 {
		t.Errorf("step 50: expected 0.2, got %f", s.LR())
	}

	// At and past the end: zero.
	for i := 0; i < 50; i++ {
		s.Step()
	}
	if s.LR() != 0 {
		t.Errorf("step 100: expected 0, got %f", s.LR())
	}
	s.Step()
	if s.LR() != 0 {
		t.Errorf("past the end: expected 0, got %f", s.LR())
	}
}

func TestCosineScheduleMonotone(t *testing.T) {
	s := NewCosineSchedule(1, 200)
	prev := s.LR()
	for i := 0; i < 200; i++ {
		s.Step()
		lr := s.LR()
		if lr > prev+1e-12 {
			t.Fatalf("learning rate rose at step %d: %f -> %f", i+1, prev, lr)
		}
		prev = lr
	}
}

func TestSGDDescendsQuadratic(t *testing.T) {
	// f(x) = (x-3)^2 with Nesterov momentum, the trainer's configuration.
	p := NewTensorFrom([]float64{10}, 1)
	opt := NewSGDOptimizer(singleGroup(p), 0.9, 0, true)

	for i := 0; i < 200; i++ {
		opt.ZeroGrad()
		p.grad[0] = 2 * (p.data[0] - 3)
		opt.Step(0.01)
	}

	if math.Abs(p.data[0]-3) > 0.01 {
		t.Errorf("expected x near 3, got %f", p.data[0])
	}
}
