package main

import (
	"fmt"
	"sort"
	"strings"
)

// AverageMeter tracks a running value and its average, formatted for the
// iteration progress line.
type AverageMeter struct {
	Name   string
	Format string // fmt verb for values, e.g. "%5.2f"

	Val   float64
	Avg   float64
	Sum   float64
	Count int
}

// NewAverageMeter creates a meter. Format is the fmt verb used for both
// the current value and the average.
func NewAverageMeter(name, format string) *AverageMeter {
	return &AverageMeter{Name: name, Format: format}
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	m.Val, m.Avg, m.Sum, m.Count = 0, 0, 0, 0
}

// Update records a value observed n times.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	m.Avg = m.Sum / float64(m.Count)
}

// String renders "Name current (average)".
func (m *AverageMeter) String() string {
	return fmt.Sprintf("%s "+m.Format+" ("+m.Format+")", m.Name, m.Val, m.Avg)
}

// ProgressMeter renders a set of meters as one tab-joined progress line,
// prefixed with the iteration counter.
type ProgressMeter struct {
	meters   []*AverageMeter
	prefix   string
	batchFmt string
}

// NewProgressMeter creates a progress display over numBatches iterations.
func NewProgressMeter(numBatches int, meters []*AverageMeter, prefix string) *ProgressMeter {
	digits := len(fmt.Sprintf("%d", numBatches))
	return &ProgressMeter{
		meters:   meters,
		prefix:   prefix,
		batchFmt: fmt.Sprintf("[%%%dd/%d]", digits, numBatches),
	}
}

// Line renders the progress line for the given iteration.
func (p *ProgressMeter) Line(batch int) string {
	entries := make([]string, 0, len(p.meters)+1)
	entries = append(entries, p.prefix+fmt.Sprintf(p.batchFmt, batch))
	for _, m := range p.meters {
		entries = append(entries, m.String())
	}
	return strings.Join(entries, "\t")
}

// Display prints the progress line for the given iteration.
func (p *ProgressMeter) Display(batch int) {
	fmt.Println(p.Line(batch))
}

// Accuracy computes top-k accuracies in percent. For each requested k, a
// prediction counts as correct when the target class is among the k
// highest logits.
func Accuracy(output *Tensor, targets []int, topk ...int) []float64 {
	if len(output.shape) != 2 {
		panic(fmt.Sprintf("meter: Accuracy expects 2D logits, got %v", output.shape))
	}
	n, classes := output.shape[0], output.shape[1]
	if len(targets) != n {
		panic(fmt.Sprintf("meter: target length %d != batch size %d", len(targets), n))
	}
	if len(topk) == 0 {
		topk = []int{1}
	}

	maxk := 0
	for _, k := range topk {
		if k <= 0 || k > classes {
			panic(fmt.Sprintf("meter: top-%d undefined for %d classes", k, classes))
		}
		if k > maxk {
			maxk = k
		}
	}

	// ranks[i] is the position of the target within the sorted logits of
	// row i, so each k just thresholds it.
	ranks := make([]int, n)
	idx := make([]int, classes)
	for i := 0; i < n; i++ {
		row := output.data[i*classes : (i+1)*classes]
		for j := range idx {
			idx[j] = j
		}
		sort.Slice(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })

		ranks[i] = classes
		for pos, class := range idx[:maxk] {
			if class == targets[i] {
				ranks[i] = pos
				break
			}
		}
	}

	res := make([]float64, len(topk))
	for ki, k := range topk {
		correct := 0
		for _, r := range ranks {
			if r < k {
				correct++
			}
		}
		res[ki] = 100.0 * float64(correct) / float64(n)
	}
	return res
}

// Predictions returns the argmax class per row.
func Predictions(output *Tensor) []int {
	n, classes := output.shape[0], output.shape[1]
	preds := make([]int, n)
	for i := 0; i < n; i++ {
		row := output.data[i*classes : (i+1)*classes]
		best := 0
		for j := 1; j < classes; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		preds[i] = best
	}
	return preds
}

// ConfusionMatrix accumulates (true class, predicted class) counts for
// per-class evaluation.
type ConfusionMatrix struct {
	NumClasses int
	counts     []int64 // [true*NumClasses + predicted]
}

// NewConfusionMatrix creates an empty matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	return &ConfusionMatrix{
		NumClasses: numClasses,
		counts:     make([]int64, numClasses*numClasses),
	}
}

// Update records a batch of predictions.
func (cm *ConfusionMatrix) Update(targets, preds []int) {
	if len(targets) != len(preds) {
		panic("meter: confusion matrix update with mismatched lengths")
	}
	for i, t := range targets {
		cm.counts[t*cm.NumClasses+preds[i]]++
	}
}

// Count returns how many samples of true class t were predicted as p.
func (cm *ConfusionMatrix) Count(t, p int) int64 {
	return cm.counts[t*cm.NumClasses+p]
}

// GlobalAccuracy returns the overall accuracy in percent.
func (cm *ConfusionMatrix) GlobalAccuracy() float64 {
	var correct, total int64
	for t := 0; t < cm.NumClasses; t++ {
		for p := 0; p < cm.NumClasses; p++ {
			c := cm.counts[t*cm.NumClasses+p]
			total += c
			if t == p {
				correct += c
			}
		}
	}
	if total == 0 {
		return 0
	}
	return 100.0 * float64(correct) / float64(total)
}

// PerClassAccuracy returns the recall of each class in percent. Classes
// with no samples report -1 so formatting can distinguish "absent" from
// "always wrong".
func (cm *ConfusionMatrix) PerClassAccuracy() []float64 {
	accs := make([]float64, cm.NumClasses)
	for t := 0; t < cm.NumClasses; t++ {
		var total int64
		for p := 0; p < cm.NumClasses; p++ {
			total += cm.counts[t*cm.NumClasses+p]
		}
		if total == 0 {
			accs[t] = -1
			continue
		}
		accs[t] = 100.0 * float64(cm.counts[t*cm.NumClasses+t]) / float64(total)
	}
	return accs
}

// Format renders the global and per-class accuracies with class names.
func (cm *ConfusionMatrix) Format(classes []string) string {
	if len(classes) != cm.NumClasses {
		panic(fmt.Sprintf("meter: %d class names for %d classes", len(classes), cm.NumClasses))
	}

	width := 0
	for _, name := range classes {
		if len(name) > width {
			width = len(name)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "global acc %.1f\n", cm.GlobalAccuracy())
	for i, acc := range cm.PerClassAccuracy() {
		if acc < 0 {
			fmt.Fprintf(&sb, "  %-*s     -\n", width, classes[i])
			continue
		}
		fmt.Fprintf(&sb, "  %-*s %5.1f\n", width, classes[i], acc)
	}
	return sb.String()
}
