package main

import (
	"math"
	"strings"
	"testing"
)

func TestAverageMeter(t *testing.T) {
	m := NewAverageMeter("Loss", "%.2f")
	m.Update(2.0, 1)
	m.Update(4.0, 3)

	if m.Val != 4.0 {
		t.Errorf("current value %g, want 4", m.Val)
	}
	if want := (2.0 + 4.0*3) / 4; math.Abs(m.Avg-want) > 1e-12 {
		t.Errorf("average %g, want %g", m.Avg, want)
	}
	if m.Count != 4 {
		t.Errorf("count %d, want 4", m.Count)
	}

	m.Reset()
	if m.Count != 0 || m.Sum != 0 || m.Avg != 0 {
		t.Error("reset did not clear the meter")
	}
}

func TestProgressMeterLine(t *testing.T) {
	loss := NewAverageMeter("Loss", "%.2f")
	loss.Update(1.5, 2)
	p := NewProgressMeter(500, []*AverageMeter{loss}, "Epoch: [3]")

	line := p.Line(42)
	if !strings.HasPrefix(line, "Epoch: [3][ 42/500]") {
		t.Errorf("unexpected prefix in %q", line)
	}
	if !strings.Contains(line, "Loss 1.50 (1.50)") {
		t.Errorf("meter missing from %q", line)
	}
}

func TestAccuracyTopK(t *testing.T) {
	// Row 0: target 2 ranks first. Row 1: target 0 ranks second.
	// Row 2: target 1 ranks last of four.
	logits := NewTensorFrom([]float64{
		0.1, 0.2, 0.9, 0.3,
		0.5, 0.8, 0.1, 0.2,
		0.9, 0.0, 0.7, 0.8,
	}, 3, 4)
	targets := []int{2, 0, 1}

	accs := Accuracy(logits, targets, 1, 2, 4)

	if math.Abs(accs[0]-100.0/3) > 1e-9 {
		t.Errorf("top-1 %g, want 33.33", accs[0])
	}
	if math.Abs(accs[1]-200.0/3) > 1e-9 {
		t.Errorf("top-2 %g, want 66.67", accs[1])
	}
	if accs[2] != 100 {
		t.Errorf("top-4 %g, want 100", accs[2])
	}
}

func TestAccuracyRejectsOversizedK(t *testing.T) {
	logits := NewTensor(2, 3)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for k > class count")
		}
	}()
	Accuracy(logits, []int{0, 1}, 5)
}

func TestPredictions(t *testing.T) {
	logits := NewTensorFrom([]float64{
		0.1, 0.9, 0.3,
		0.8, 0.2, 0.5,
	}, 2, 3)
	if got := Predictions(logits); got[0] != 1 || got[1] != 0 {
		t.Errorf("predictions %v, want [1 0]", got)
	}
}

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	cm.Update([]int{0, 0, 1, 1, 1}, []int{0, 1, 1, 1, 0})

	if cm.Count(0, 0) != 1 || cm.Count(0, 1) != 1 || cm.Count(1, 1) != 2 || cm.Count(1, 0) != 1 {
		t.Error("counts do not match the recorded predictions")
	}
	if want := 100.0 * 3 / 5; math.Abs(cm.GlobalAccuracy()-want) > 1e-9 {
		t.Errorf("global accuracy %g, want %g", cm.GlobalAccuracy(), want)
	}

	accs := cm.PerClassAccuracy()
	if math.Abs(accs[0]-50) > 1e-9 {
		t.Errorf("class 0 accuracy %g, want 50", accs[0])
	}
	if math.Abs(accs[1]-200.0/3) > 1e-9 {
		t.Errorf("class 1 accuracy %g, want 66.67", accs[1])
	}
	if accs[2] != -1 {
		t.Errorf("empty class should report -1, got %g", accs[2])
	}

	out := cm.Format([]string{"cat", "dog", "horse"})
	if !strings.Contains(out, "global acc 60.0") {
		t.Errorf("format missing global accuracy:\n%s", out)
	}
	if !strings.Contains(out, "horse") || !strings.Contains(out, "-") {
		t.Errorf("format missing the absent-class marker:\n%s", out)
	}
}
