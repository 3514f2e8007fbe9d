package main

import (
	"fmt"
	"image"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the dataset layer: scanning a directory tree of
// images into labeled samples, splitting them into train/val, and feeding
// the training loop an endless stream of decoded batches.
//
// THE LAYOUT:
// Multi-domain image datasets ship as one directory per domain, one
// subdirectory per class:
//
//	root/PACS/art_painting/dog/pic_001.jpg
//	root/PACS/cartoon/dog/0001.png
//
// The class NAMES are the labels, so every domain must expose the same
// class directories. Training reads the source domains; the held-out
// target domain goes through the same scanner for evaluation.
//
// THE BALANCED SAMPLER:
// Domain-generalization training wants every batch to contain an equal
// chunk from every source domain, in a fixed domain order, so the loss can
// split the batch back into per-domain groups by row ranges alone. Domains
// have different sizes, so each keeps its own shuffled index queue and
// reshuffles independently whenever it runs dry. An epoch is a fixed
// number of iterations, not a pass over the data.
//
// THE LOADER:
// JPEG decode plus augmentation is milliseconds per image, which would
// starve the math if done inline. A producer goroutine draws the next
// batch's sample indices (deterministic), a pool of workers decodes and
// augments them into the batch buffer, and finished batches queue in a
// small channel so loading overlaps with the forward/backward pass.
// Augmentation randomness is keyed on each sample's global sequence
// number, not on which worker got it, so runs with the same seed see the
// same pixels regardless of scheduling.
// ===========================================================================

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// defaultValRatio is the per-domain fraction of source samples held out
// for model selection.
const defaultValRatio = 0.1

// Sample is one labeled image on disk.
type Sample struct {
	Path  string
	Label int
}

// DomainDataset holds the samples of one dataset restricted to a set of
// domains, grouped per domain. Label indices refer to Classes.
type DomainDataset struct {
	Dataset string
	Domains []string
	Classes []string
	Samples [][]Sample // indexed by domain
}

// Len returns the total sample count across domains.
func (d *DomainDataset) Len() int {
	n := 0
	for _, s := range d.Samples {
		n += len(s)
	}
	return n
}

// Flat returns all samples in domain order. Evaluation treats the
// target domains as one pool.
func (d *DomainDataset) Flat() []Sample {
	out := make([]Sample, 0, d.Len())
	for _, s := range d.Samples {
		out = append(out, s...)
	}
	return out
}

// ScanDomains walks root/<dataset>/<domain>/<class>/ for each requested
// domain. The class list is the sorted union of class directory names,
// and every domain must contain every class.
func ScanDomains(root, dataset string, domains []string) (*DomainDataset, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("data: no domains given for dataset %q", dataset)
	}

	classSet := map[string]bool{}
	perDomain := make([]map[string]bool, len(domains))
	for i, domain := range domains {
		dir := filepath.Join(root, dataset, domain)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("data: reading domain %q: %w", domain, err)
		}
		perDomain[i] = map[string]bool{}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			classSet[e.Name()] = true
			perDomain[i][e.Name()] = true
		}
		if len(perDomain[i]) == 0 {
			return nil, fmt.Errorf("data: domain %q has no class directories", domain)
		}
	}

	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	for i, domain := range domains {
		var missing []string
		for _, c := range classes {
			if !perDomain[i][c] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("data: domain %q is missing classes %s",
				domain, strings.Join(missing, ", "))
		}
	}

	ds := &DomainDataset{
		Dataset: dataset,
		Domains: append([]string(nil), domains...),
		Classes: classes,
		Samples: make([][]Sample, len(domains)),
	}
	for i, domain := range domains {
		for label, class := range classes {
			dir := filepath.Join(root, dataset, domain, class)
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("data: reading class %q of domain %q: %w", class, domain, err)
			}
			for _, e := range entries {
				if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
					continue
				}
				ds.Samples[i] = append(ds.Samples[i], Sample{
					Path:  filepath.Join(dir, e.Name()),
					Label: label,
				})
			}
		}
		if len(ds.Samples[i]) == 0 {
			return nil, fmt.Errorf("data: domain %q has no images", domain)
		}
	}
	return ds, nil
}

// SplitTrainVal carves a validation set out of every domain: shuffle the
// domain's samples with rng, take the first valRatio fraction for
// validation, leave the rest for training. With the same rng state the
// split is identical across runs.
func (d *DomainDataset) SplitTrainVal(valRatio float64, rng *rand.Rand) (train, val *DomainDataset) {
	if valRatio < 0 || valRatio >= 1 {
		panic(fmt.Sprintf("data: validation ratio %v out of range", valRatio))
	}
	train = &DomainDataset{Dataset: d.Dataset, Domains: d.Domains, Classes: d.Classes,
		Samples: make([][]Sample, len(d.Domains))}
	val = &DomainDataset{Dataset: d.Dataset, Domains: d.Domains, Classes: d.Classes,
		Samples: make([][]Sample, len(d.Domains))}

	for i, samples := range d.Samples {
		perm := rng.Perm(len(samples))
		valN := int(valRatio * float64(len(samples)))
		for j, p := range perm {
			if j < valN {
				val.Samples[i] = append(val.Samples[i], samples[p])
			} else {
				train.Samples[i] = append(train.Samples[i], samples[p])
			}
		}
	}
	return train, val
}

// DomainSampler cycles through each domain's sample indices endlessly.
// Every domain keeps its own shuffled queue and reshuffles on its own
// schedule when exhausted, so small domains repeat more often instead of
// truncating large ones.
type DomainSampler struct {
	rng    *rand.Rand
	queues [][]int
	pos    []int
}

// NewDomainSampler creates a sampler over domains with the given sizes.
func NewDomainSampler(sizes []int, rng *rand.Rand) *DomainSampler {
	s := &DomainSampler{
		rng:    rng,
		queues: make([][]int, len(sizes)),
		pos:    make([]int, len(sizes)),
	}
	for i, n := range sizes {
		if n == 0 {
			panic(fmt.Sprintf("data: sampler over empty domain %d", i))
		}
		s.queues[i] = rng.Perm(n)
	}
	return s
}

// NextChunk draws the next n indices from one domain, reshuffling that
// domain's queue whenever it runs out.
func (s *DomainSampler) NextChunk(domain, n int) []int {
	out := make([]int, 0, n)
	for len(out) < n {
		q := s.queues[domain]
		if s.pos[domain] == len(q) {
			s.rng.Shuffle(len(q), func(a, b int) { q[a], q[b] = q[b], q[a] })
			s.pos[domain] = 0
		}
		take := n - len(out)
		if rest := len(q) - s.pos[domain]; take > rest {
			take = rest
		}
		out = append(out, q[s.pos[domain]:s.pos[domain]+take]...)
		s.pos[domain] += take
	}
	return out
}

// Batch is one decoded, transformed batch ready for the model.
type Batch struct {
	X      *Tensor // [N, 3, size, size]
	Labels []int
}

// decodeImage opens and decodes one image file.
func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("data: decoding %s: %w", path, err)
	}
	return img, nil
}

// trainJob is one sample's decode work: read ref, augment with an RNG
// derived from seq, write the result into dst.
type trainJob struct {
	ref  Sample
	seq  uint64
	dst  []float64
	wg   *sync.WaitGroup
	fail func(error)
}

// TrainLoader streams batches of augmented source-domain samples.
// Each batch is len(Domains) equal chunks in domain order.
type TrainLoader struct {
	data      *DomainDataset
	batchSize int
	perDomain int
	seed      uint64

	sampler *DomainSampler
	seq     uint64

	jobs    chan trainJob
	batches chan *Batch
	stop    chan struct{}
	wg      sync.WaitGroup

	errOnce sync.Once
	err     error
}

// NewTrainLoader starts the producer and workers. batchSize must divide
// evenly across the dataset's domains. The sampler RNG drives the batch
// composition; seed keys the per-sample augmentation streams.
func NewTrainLoader(data *DomainDataset, batchSize, workers int, seed uint64, samplerRNG *rand.Rand) (*TrainLoader, error) {
	d := len(data.Domains)
	if batchSize%d != 0 {
		return nil, fmt.Errorf("data: batch size %d not divisible by %d domains", batchSize, d)
	}
	sizes := make([]int, d)
	for i, s := range data.Samples {
		if len(s) == 0 {
			return nil, fmt.Errorf("data: domain %q has no training samples", data.Domains[i])
		}
		sizes[i] = len(s)
	}
	if workers < 1 {
		workers = 1
	}

	l := &TrainLoader{
		data:      data,
		batchSize: batchSize,
		perDomain: batchSize / d,
		seed:      seed,
		sampler:   NewDomainSampler(sizes, samplerRNG),
		jobs:      make(chan trainJob, batchSize),
		batches:   make(chan *Batch, 2),
		stop:      make(chan struct{}),
	}
	for w := 0; w < workers; w++ {
		l.wg.Add(1)
		go l.worker()
	}
	l.wg.Add(1)
	go l.produce()
	return l, nil
}

func (l *TrainLoader) worker() {
	defer l.wg.Done()
	for job := range l.jobs {
		img, err := decodeImage(job.ref.Path)
		if err != nil {
			job.fail(err)
			job.wg.Done()
			continue
		}
		tf := NewTrainTransform(AugmentRNG(l.seed, job.seq))
		copy(job.dst, tf.Apply(img))
		job.wg.Done()
	}
}

func (l *TrainLoader) produce() {
	defer l.wg.Done()
	defer close(l.batches)
	defer close(l.jobs) // sole sender; workers drain and exit
	size := imageSize
	sample := 3 * size * size
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		x := NewTensor(l.batchSize, 3, size, size)
		labels := make([]int, l.batchSize)

		var wg sync.WaitGroup
		var batchErr error
		var mu sync.Mutex
		fail := func(err error) {
			mu.Lock()
			if batchErr == nil {
				batchErr = err
			}
			mu.Unlock()
		}

		// The jobs channel holds a full batch, and at most one batch is in
		// flight, so these sends never block.
		row := 0
		for domain := range l.data.Domains {
			for _, idx := range l.sampler.NextChunk(domain, l.perDomain) {
				ref := l.data.Samples[domain][idx]
				labels[row] = ref.Label
				wg.Add(1)
				l.jobs <- trainJob{
					ref:  ref,
					seq:  l.seq,
					dst:  x.data[row*sample : (row+1)*sample],
					wg:   &wg,
					fail: fail,
				}
				l.seq++
				row++
			}
		}
		wg.Wait()

		if batchErr != nil {
			l.errOnce.Do(func() { l.err = batchErr })
			return
		}
		select {
		case l.batches <- &Batch{X: x, Labels: labels}:
		case <-l.stop:
			return
		}
	}
}

// Next blocks until the next batch is ready. It returns an error if a
// worker failed to decode a sample; the stream never ends otherwise.
func (l *TrainLoader) Next() (*Batch, error) {
	b, ok := <-l.batches
	if !ok {
		if l.err != nil {
			return nil, l.err
		}
		return nil, fmt.Errorf("data: loader closed")
	}
	return b, nil
}

// Close stops the producer and workers and waits for them to exit.
func (l *TrainLoader) Close() {
	close(l.stop)
	// Drain so a producer blocked on a full batch channel can observe stop.
	for range l.batches {
	}
	l.wg.Wait()
}

// EvalBatches decodes samples in order, batchSize at a time, with a
// per-batch worker group, and hands each finished batch to fn. It stops
// at the first decode or fn error.
func EvalBatches(samples []Sample, batchSize, workers int, tf Transform, fn func(*Batch) error) error {
	if workers < 1 {
		workers = 1
	}
	size := tf.OutputSize()
	sample := 3 * size * size

	for start := 0; start < len(samples); start += batchSize {
		end := start + batchSize
		if end > len(samples) {
			end = len(samples)
		}
		n := end - start
		x := NewTensor(n, 3, size, size)
		labels := make([]int, n)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var batchErr error
		next := make(chan int, n)
		for i := 0; i < n; i++ {
			next <- i
		}
		close(next)

		for w := 0; w < workers && w < n; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range next {
					ref := samples[start+i]
					labels[i] = ref.Label
					img, err := decodeImage(ref.Path)
					if err != nil {
						mu.Lock()
						if batchErr == nil {
							batchErr = err
						}
						mu.Unlock()
						continue
					}
					copy(x.data[i*sample:(i+1)*sample], tf.Apply(img))
				}
			}()
		}
		wg.Wait()
		if batchErr != nil {
			return batchErr
		}
		if err := fn(&Batch{X: x, Labels: labels}); err != nil {
			return err
		}
	}
	return nil
}
